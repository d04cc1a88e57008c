package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// manualClock lets tests move a breaker past its cooldown.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *manualClock) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	b := New("fcm.googleapis.com", cfg)
	b.now = clock.Now
	return b, clock
}

func tripped(t *testing.T, cfg Config) (*Breaker, *manualClock) {
	t.Helper()
	b, clock := newTestBreaker(cfg)
	for range b.cfg.Threshold {
		b.RecordFailure()
	}
	if b.State() != Open {
		t.Fatalf("Expected open after %d failures, got %s", b.cfg.Threshold, b.State())
	}
	return b, clock
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New("host", Config{Threshold: -1})
	if b.cfg.Threshold != 5 {
		t.Errorf("Expected threshold 5, got %d", b.cfg.Threshold)
	}
	if b.cfg.Cooldown != 30*time.Second {
		t.Errorf("Expected cooldown 30s, got %v", b.cfg.Cooldown)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Threshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed || !b.Allow() {
		t.Fatal("Expected closed breaker below threshold")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("Expected open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Expected open breaker to block")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Threshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("Expected closed, got %s", b.State())
	}
}

func TestBreaker_SingleProbeAfterCooldown(t *testing.T) {
	t.Parallel()
	b, clock := tripped(t, Config{Threshold: 2, Cooldown: time.Minute})

	clock.Advance(59 * time.Second)
	if b.Allow() {
		t.Fatal("Expected block before cooldown")
	}

	clock.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("Expected probe after cooldown")
	}
	if b.State() != HalfOpen {
		t.Errorf("Expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Expected second caller to be blocked while probing")
	}
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		succeed bool
		want    State
	}{
		{"success closes", true, Closed},
		{"failure reopens", false, Open},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, clock := tripped(t, Config{Threshold: 1, Cooldown: time.Second})
			clock.Advance(time.Second)
			b.Allow()

			if tt.succeed {
				b.RecordSuccess()
			} else {
				b.RecordFailure()
			}
			if b.State() != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, b.State())
			}
		})
	}
}

func TestBreaker_ReopenRestartsCooldown(t *testing.T) {
	t.Parallel()
	b, clock := tripped(t, Config{Threshold: 1, Cooldown: time.Minute})
	clock.Advance(time.Minute)
	b.Allow()
	b.RecordFailure()

	clock.Advance(30 * time.Second)
	if b.Allow() {
		t.Error("Expected fresh cooldown after failed probe")
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var transitions []string
	cfg := Config{
		Threshold: 1,
		Cooldown:  time.Second,
		OnStateChange: func(key string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, key+":"+from.String()+"->"+to.String())
		},
	}
	b, clock := newTestBreaker(cfg)

	b.RecordFailure()
	clock.Advance(time.Second)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess()

	want := []string{
		"fcm.googleapis.com:closed->open",
		"fcm.googleapis.com:open->half-open",
		"fcm.googleapis.com:half-open->closed",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("Expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestBreaker_ConcurrentProbe(t *testing.T) {
	t.Parallel()
	b, clock := tripped(t, Config{Threshold: 1, Cooldown: time.Second})
	clock.Advance(time.Second)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if b.Allow() {
				allowed.Add(1)
			}
		})
	}
	wg.Wait()

	if allowed.Load() != 1 {
		t.Errorf("Expected exactly 1 probe, got %d", allowed.Load())
	}
}

func TestRegistry_PerHost(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Hour})

	if r.Get("a.push.example") != r.Get("a.push.example") {
		t.Error("Expected same breaker for same host")
	}
	r.Get("b.push.example").RecordFailure()
	r.Get("c.push.example").RecordFailure()
	r.Get("a.push.example").RecordSuccess()

	stats := r.Stats()
	if stats.Total != 3 || stats.Open != 2 || stats.Closed != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if len(stats.OpenHosts) != 2 || stats.OpenHosts[0] != "b.push.example" || stats.OpenHosts[1] != "c.push.example" {
		t.Errorf("Expected sorted open hosts, got %v", stats.OpenHosts)
	}
}

func TestBreaker_AbandonedProbe(t *testing.T) {
	t.Parallel()
	b, clock := tripped(t, Config{Threshold: 1, Cooldown: time.Second})
	clock.Advance(time.Second)

	if !b.Allow() {
		t.Fatal("Expected probe after cooldown")
	}
	b.Abandon()
	if b.State() != Open {
		t.Errorf("Expected open after abandoned probe, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("Expected another probe to be allowed")
	}
}
