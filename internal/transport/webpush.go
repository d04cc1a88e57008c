// Package transport delivers encrypted Web Push messages to push services.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"golang.org/x/time/rate"

	"pushfanout/internal/config"
	"pushfanout/internal/push"
	"pushfanout/pkg/circuitbreaker"
)

// maxErrorBody bounds how much of a failed response is kept for logs.
const maxErrorBody = 512

// Message is one notification as handed to the push service.
type Message struct {
	Payload []byte
	TTL     int    // seconds; zero uses the configured default
	Urgency string // very-low | low | normal | high
	Topic   string
}

// Config holds Web Push transport settings.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string        // contact for the push service: mailto address or https URL
	TTL             int           // default message TTL in seconds (default: 86400)
	Urgency         string        // default urgency (default: normal)
	HTTPTimeout     time.Duration // per-request timeout (default: 10s)

	RateLimit float64 // sends per second across all fan-outs, 0 = unlimited
	RateBurst int     // limiter burst (default: max(1, RateLimit))

	BreakerThreshold int           // consecutive host failures before opening, 0 = disabled
	BreakerCooldown  time.Duration // default: 30s
}

// LoadConfigFromEnv loads transport configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		VAPIDPublicKey:   config.GetEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey:  config.GetSecretFile(config.GetEnv("VAPID_PRIVATE_KEY_FILE", "")),
		Subscriber:       config.GetEnv("VAPID_SUBJECT", ""),
		TTL:              config.GetIntEnv("PUSH_TTL", 86400),
		Urgency:          config.GetEnv("PUSH_URGENCY", string(webpush.UrgencyNormal)),
		HTTPTimeout:      config.GetDurationEnv("PUSH_HTTP_TIMEOUT", 10*time.Second),
		RateLimit:        config.GetFloatEnv("PUSH_RATE_LIMIT", 0),
		RateBurst:        config.GetIntEnv("PUSH_RATE_BURST", 0),
		BreakerThreshold: config.GetIntEnv("PUSH_BREAKER_THRESHOLD", 0),
		BreakerCooldown:  config.GetDurationEnv("PUSH_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 86400
	}
	if c.Urgency == "" {
		c.Urgency = string(webpush.UrgencyNormal)
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = max(1, int(c.RateLimit))
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// WebPush sends VAPID-signed, aes128gcm-encrypted messages.
type WebPush struct {
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	breakers *circuitbreaker.Registry
}

// NewWebPush creates a Web Push sender.
func NewWebPush(cfg Config) (*WebPush, error) {
	cfg = cfg.withDefaults()
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("VAPID public and private keys are required")
	}
	if cfg.Subscriber == "" {
		return nil, errors.New("VAPID subject is required")
	}

	w := &WebPush{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	if cfg.BreakerThreshold > 0 {
		logger := slog.With("component", "transport")
		w.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			OnStateChange: func(host string, from, to circuitbreaker.State) {
				if to == circuitbreaker.Open {
					logger.Warn("Push host breaker opened", "host", host, "from", from.String())
					return
				}
				logger.Info("Push host breaker state changed", "host", host, "from", from.String(), "to", to.String())
			},
		})
	}
	return w, nil
}

// Send delivers msg to one subscription. A non-2xx answer is returned as a
// *SendError carrying the status code.
func (w *WebPush) Send(ctx context.Context, sub push.Subscription, msg Message) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return &SendError{Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	var breaker *circuitbreaker.Breaker
	if w.breakers != nil {
		breaker = w.breakers.Get(endpointHost(sub.Endpoint))
		if !breaker.Allow() {
			return &SendError{Code: CodeCircuitOpen, Err: ErrCircuitOpen}
		}
	}

	resp, err := webpush.SendNotificationWithContext(ctx, msg.Payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, w.options(msg))
	if err != nil {
		code := NetworkCode(err)
		if code != "" {
			recordFailure(breaker)
		} else if breaker != nil {
			breaker.Abandon()
		}
		return &SendError{Code: code, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		recordSuccess(breaker)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		recordFailure(breaker)
	} else {
		// Per-subscription rejections say nothing about the host's health.
		recordSuccess(breaker)
	}
	return &SendError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (w *WebPush) options(msg Message) *webpush.Options {
	ttl := msg.TTL
	if ttl <= 0 {
		ttl = w.cfg.TTL
	}
	urgency := msg.Urgency
	if urgency == "" {
		urgency = w.cfg.Urgency
	}
	return &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.cfg.Subscriber,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		TTL:             ttl,
		Urgency:         webpush.Urgency(urgency),
		Topic:           msg.Topic,
	}
}

// BreakerStats reports push service host breakers.
func (w *WebPush) BreakerStats() circuitbreaker.Stats {
	if w.breakers == nil {
		return circuitbreaker.Stats{}
	}
	return w.breakers.Stats()
}

func recordFailure(b *circuitbreaker.Breaker) {
	if b != nil {
		b.RecordFailure()
	}
}

func recordSuccess(b *circuitbreaker.Breaker) {
	if b != nil {
		b.RecordSuccess()
	}
}

// endpointHost extracts the push service host for breaker keying.
func endpointHost(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return endpoint
	}
	return parsed.Host
}
