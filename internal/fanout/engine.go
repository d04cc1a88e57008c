// Package fanout sends one notification to every subscription of a recipient
// scope under a concurrency ceiling, at most once per event key.
package fanout

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pushfanout/internal/classify"
	"pushfanout/internal/config"
	"pushfanout/internal/gate"
	"pushfanout/internal/push"
	"pushfanout/internal/subscription"
	"pushfanout/internal/transport"
	"pushfanout/internal/workpool"
	"pushfanout/pkg/backoff"
)

// defaultRetryStep is multiplied by the failed attempt number between retries.
const defaultRetryStep = 60 * time.Millisecond

// Sender delivers one message to one subscription.
type Sender interface {
	Send(ctx context.Context, sub push.Subscription, msg transport.Message) error
}

// DeliveryGate reserves and finalizes the per-event idempotency record.
type DeliveryGate interface {
	Reserve(ctx context.Context, key push.GateKey) (gate.Reservation, error)
	Finalize(ctx context.Context, key push.GateKey, res gate.Reservation, status push.DeliveryStatus, failures map[push.FailureKind]int)
}

// Invalidator prunes dead endpoints.
type Invalidator interface {
	Invalidate(ctx context.Context, role push.Role, target push.Target, dead subscription.DeadSet) (int64, error)
}

// Fetcher loads the active subscriber list.
type Fetcher interface {
	FetchActive(ctx context.Context, role push.Role, target push.Target, label string) ([]push.Subscription, error)
}

// MetricsRecorder is an optional interface for recording fan-out metrics.
type MetricsRecorder interface {
	RecordFanout(ctx context.Context, role push.Role, outcome Outcome, durationSeconds float64)
	RecordSendResults(ctx context.Context, role push.Role, attempts, sent int64, failures map[push.FailureKind]int)
	RecordDeadEndpoints(ctx context.Context, role push.Role, invalidated int64)
}

// Deps wires an Engine. Sender is required; Gate, Invalidator and Fetcher
// may be nil to disable their steps.
type Deps struct {
	Sender      Sender
	Gate        DeliveryGate
	Invalidator Invalidator
	Fetcher     Fetcher
	Metrics     MetricsRecorder

	// Runtime resolves per-call tunables (default: config.ResolveRuntime).
	Runtime func() config.Runtime
	// RetryStep is the linear backoff unit (default: 60ms).
	RetryStep time.Duration
}

// Engine runs fan-outs.
type Engine struct {
	sender      Sender
	gate        DeliveryGate
	invalidator Invalidator
	fetcher     Fetcher
	metrics     MetricsRecorder
	runtime     func() config.Runtime
	retryStep   time.Duration
	logger      *slog.Logger
}

// New creates an Engine.
func New(deps Deps) *Engine {
	e := &Engine{
		sender:      deps.Sender,
		gate:        deps.Gate,
		invalidator: deps.Invalidator,
		fetcher:     deps.Fetcher,
		metrics:     deps.Metrics,
		runtime:     deps.Runtime,
		retryStep:   deps.RetryStep,
		logger:      slog.With("component", "fanout"),
	}
	if e.runtime == nil {
		e.runtime = config.ResolveRuntime
	}
	if e.retryStep <= 0 {
		e.retryStep = defaultRetryStep
	}
	return e
}

// Deliver loads the active subscriptions for the request's scope when none
// were supplied, then runs Send. req is not modified, so a retried Deliver
// fetches the subscriber list again.
func (e *Engine) Deliver(ctx context.Context, req *Request) (*Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	run := *req
	if req.Subscriptions == nil && e.fetcher != nil {
		subs, err := e.fetcher.FetchActive(ctx, req.Role, req.Target, req.Label)
		if err != nil {
			return nil, err
		}
		run.Subscriptions = subs
	} else {
		run.Subscriptions = push.DedupeByEndpoint(req.Subscriptions)
	}
	return e.Send(ctx, &run)
}

// Send fans req.Payload out to req.Subscriptions.
//
// Per-subscription failures never fail the call; they are folded into the
// Report and the delivery gate status. The only errors returned are request
// validation and a gate reservation failure other than a missing store.
// Once dispatching starts, cancellation of ctx is ignored so every
// subscription reaches a terminal outcome.
func (e *Engine) Send(ctx context.Context, req *Request) (*Report, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:         uuid.NewString(),
		Label:         req.Label,
		Role:          req.Role,
		EventKey:      req.EventKey,
		Subscriptions: len(req.Subscriptions),
	}
	logger := e.logger.With(
		"label", req.Label,
		"role", req.Role,
		"eventKey", req.EventKey,
		"runId", report.RunID,
	)

	if len(req.Subscriptions) == 0 {
		logger.Info("Fanout skipped", "reason", "no_subscriptions")
		return e.finish(ctx, report, OutcomeSkipped, start), nil
	}

	rt := e.runtime()
	key := push.KeyFor(req.EventKey, req.Role, req.Target)

	var res gate.Reservation
	if rt.DedupeEnabled && e.gate != nil {
		var err error
		res, err = e.gate.Reserve(ctx, key)
		if err != nil {
			return nil, err
		}
		if res.Deduped {
			report.TrackingEnabled = true
			report.Deduped = 1
			logger.Info("Fanout deduped", "subscriptionCount", len(req.Subscriptions))
			return e.finish(ctx, report, OutcomeDeduped, start), nil
		}
	}
	report.TrackingEnabled = res.TrackingEnabled

	logger.Info("Fanout started",
		"subscriptionCount", len(req.Subscriptions),
		"concurrency", rt.Concurrency,
		"maxAttempts", rt.MaxAttempts(),
		"trackingEnabled", res.TrackingEnabled,
	)

	runCtx := context.WithoutCancel(ctx)
	msg := transport.Message{
		Payload: req.Payload,
		TTL:     req.TTL,
		Urgency: req.Urgency,
		Topic:   req.Topic,
	}

	var attempts atomic.Int64
	results := workpool.Run(runCtx, req.Subscriptions, rt.Concurrency,
		func(ctx context.Context, _ int, sub push.Subscription) (attemptResult, error) {
			return e.sendWithRetry(ctx, sub, msg, rt.MaxAttempts(), &attempts), nil
		})

	dead := subscription.DeadSet{}
	failures := make(map[push.FailureKind]int)
	for i, r := range results {
		sub := req.Subscriptions[i]
		if r.Err != nil {
			logger.Error("Subscription send crashed", "endpointHost", endpointHost(sub.Endpoint), "error", r.Err)
			failures[push.FailureInternal]++
			report.Failed++
			continue
		}
		if r.Value.failure == nil {
			report.Sent++
			continue
		}

		f := r.Value.failure
		report.Failed++
		failures[f.Kind]++
		if f.DeadEndpoint && f.StatusCode != 0 {
			dead.Add(f.StatusCode, sub.Endpoint)
		}
		logger.Debug("Subscription send failed",
			"endpointHost", endpointHost(sub.Endpoint),
			"failureKind", f.Kind,
			"statusCode", f.StatusCode,
			"attempts", r.Value.attempts,
			"error", r.Value.err,
		)
	}
	report.Attempts = int(attempts.Load())
	report.DeadEndpoints = dead.Len()
	report.FailuresByKind = failures
	status := terminalStatus(report.Sent, report.Failed)

	var wg sync.WaitGroup
	if rt.DeadCleanupEnabled && e.invalidator != nil && dead.Len() > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.invalidator.Invalidate(runCtx, req.Role, req.Target, dead)
			if err != nil {
				logger.Warn("Failed to invalidate dead endpoints", "deadEndpointCount", dead.Len(), "error", err)
				return
			}
			report.Invalidated = n
		}()
	}
	if e.gate != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.gate.Finalize(runCtx, key, res, status, failures)
		}()
	}
	wg.Wait()

	if e.metrics != nil {
		e.metrics.RecordSendResults(runCtx, req.Role, int64(report.Attempts), int64(report.Sent), failures)
		if report.Invalidated > 0 {
			e.metrics.RecordDeadEndpoints(runCtx, req.Role, report.Invalidated)
		}
	}

	e.finish(runCtx, report, Outcome(status), start)
	logger.Info("Fanout completed",
		"status", report.Outcome,
		"subscriptionCount", report.Subscriptions,
		"sendAttempts", report.Attempts,
		"sentCount", report.Sent,
		"failedCount", report.Failed,
		"dedupedCount", report.Deduped,
		"deadEndpointCount", report.DeadEndpoints,
		"failureByType", failures,
		"trackingEnabled", report.TrackingEnabled,
		"elapsedMs", report.ElapsedMs,
	)
	return report, nil
}

func (e *Engine) finish(ctx context.Context, report *Report, outcome Outcome, start time.Time) *Report {
	elapsed := time.Since(start)
	report.Outcome = outcome
	report.ElapsedMs = elapsed.Milliseconds()
	if e.metrics != nil {
		e.metrics.RecordFanout(ctx, report.Role, outcome, elapsed.Seconds())
	}
	return report
}

// attemptResult is the settled outcome for one subscription.
type attemptResult struct {
	attempts int
	failure  *classify.Result // nil when sent
	err      error
}

// sendWithRetry sends until success, a non-retryable failure, or maxAttempts.
// The wait before attempt n+1 is n * retryStep.
func (e *Engine) sendWithRetry(ctx context.Context, sub push.Subscription, msg transport.Message, maxAttempts int, attempts *atomic.Int64) attemptResult {
	var last classify.Result
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := backoff.Wait(ctx, backoff.Linear(attempt-1, e.retryStep)); err != nil {
				break
			}
		}

		attempts.Add(1)
		err := e.sender.Send(ctx, sub, msg)
		if err == nil {
			return attemptResult{attempts: attempt}
		}

		last = classify.Classify(transport.Inspect(err))
		lastErr = err
		if !last.Retryable || attempt == maxAttempts {
			return attemptResult{attempts: attempt, failure: &last, err: lastErr}
		}
	}
	return attemptResult{attempts: maxAttempts, failure: &last, err: lastErr}
}

func terminalStatus(sent, failed int) push.DeliveryStatus {
	switch {
	case failed == 0:
		return push.StatusSent
	case sent > 0:
		return push.StatusPartialFailed
	default:
		return push.StatusFailed
	}
}

// endpointHost keeps push service tokens out of logs.
func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
