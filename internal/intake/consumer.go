// Package intake feeds fan-out requests from a Redis stream into the
// dispatcher.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"pushfanout/internal/dispatcher"
	"pushfanout/pkg/backoff"
)

// Source is the dispatcher job source for stream entries.
const Source = "intake"

// Config holds stream consumer settings.
type Config struct {
	Addr       string
	Stream     string        // default: push:fanout
	Group      string        // default: pushfanout
	Consumer   string        // default: pushfanout-1
	SigningKey string        // empty accepts unsigned entries
	BatchSize  int64         // entries per read (default: 16)
	Block      time.Duration // XREADGROUP block (default: 2s)
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "push:fanout"
	}
	if c.Group == "" {
		c.Group = "pushfanout"
	}
	if c.Consumer == "" {
		c.Consumer = "pushfanout-1"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	return c
}

// Enqueuer accepts jobs. *dispatcher.MemoryDispatcher satisfies it.
type Enqueuer interface {
	Dispatch(job *dispatcher.Job) error
}

// MetricsRecorder is an optional interface for recording intake metrics.
type MetricsRecorder interface {
	RecordIntakeEntry(ctx context.Context, outcome string)
}

// Entry outcomes.
const (
	OutcomeEnqueued = "enqueued"
	OutcomeRejected = "rejected"
)

// NewClient connects to Redis.
func NewClient(addr string) (rueidis.Client, error) {
	return rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{addr},
	})
}

// Consumer reads a stream through a consumer group.
type Consumer struct {
	client   rueidis.Client
	cfg      Config
	enqueuer Enqueuer
	metrics  MetricsRecorder
	logger   *slog.Logger
	retry    backoff.Config
}

// NewConsumer creates a consumer. metrics may be nil.
func NewConsumer(client rueidis.Client, cfg Config, enqueuer Enqueuer, metrics MetricsRecorder) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		client:   client,
		cfg:      cfg,
		enqueuer: enqueuer,
		metrics:  metrics,
		logger:   slog.With("component", "intake", "stream", cfg.Stream, "group", cfg.Group),
		retry:    backoff.Config{Initial: 100 * time.Millisecond, Max: 5 * time.Second},
	}
}

// EnsureGroup creates the stream and consumer group if missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	cmd := c.client.B().XgroupCreate().Key(c.cfg.Stream).Group(c.cfg.Group).Id("0").Mkstream().Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Ready pings Redis.
func (c *Consumer) Ready(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}

// Run consumes until ctx is canceled. Entries left pending by a previous
// run of this consumer are processed first.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("Intake consumer started", "consumer", c.cfg.Consumer)

	pending := true
	failures, stalls := 0, 0
	for ctx.Err() == nil {
		id := ">"
		if pending {
			id = "0"
		}

		entries, err := c.read(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			c.logger.Error("Failed to read stream", "error", err, "failures", failures)
			if backoff.Wait(ctx, backoff.Exponential(failures, &c.retry)) != nil {
				break
			}
			continue
		}
		failures = 0

		if pending && len(entries) == 0 {
			pending = false
			continue
		}
		if err := c.handleBatch(ctx, entries); err != nil {
			stalls++
			if !c.stalled(ctx, err, stalls) {
				break
			}
			// Unacked entries of the batch are re-read from the pending list.
			pending = true
			continue
		}
		stalls = 0
	}

	c.logger.Info("Intake consumer stopped")
	return nil
}

func (c *Consumer) read(ctx context.Context, id string) ([]rueidis.XRangeEntry, error) {
	var cmd rueidis.Completed
	if id == "0" {
		cmd = c.client.B().Xreadgroup().Group(c.cfg.Group, c.cfg.Consumer).
			Count(c.cfg.BatchSize).
			Streams().Key(c.cfg.Stream).Id(id).
			Build()
	} else {
		cmd = c.client.B().Xreadgroup().Group(c.cfg.Group, c.cfg.Consumer).
			Count(c.cfg.BatchSize).
			Block(c.cfg.Block.Milliseconds()).
			Streams().Key(c.cfg.Stream).Id(id).
			Build()
	}

	streams, err := c.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return streams[c.cfg.Stream], nil
}

// handleBatch enqueues and acks entries in order, stopping at the first
// entry that could not be enqueued. That entry and the rest stay pending.
func (c *Consumer) handleBatch(ctx context.Context, entries []rueidis.XRangeEntry) error {
	for _, entry := range entries {
		if err := c.process(ctx, entry); err != nil {
			return err
		}
		cmd := c.client.B().Xack().Key(c.cfg.Stream).Group(c.cfg.Group).Id(entry.ID).Build()
		if err := c.client.Do(ctx, cmd).Error(); err != nil {
			c.logger.Warn("Failed to ack entry", "entryId", entry.ID, "error", err)
		}
	}
	return nil
}

// stalled reports whether Run should keep consuming after an entry could not
// be enqueued. A closed dispatcher stops intake; anything else backs off.
func (c *Consumer) stalled(ctx context.Context, err error, stalls int) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, dispatcher.ErrClosed) {
		c.logger.Warn("Dispatcher closed, intake stopping", "error", err)
		return false
	}
	c.logger.Warn("Intake stalled", "error", err, "stalls", stalls)
	return backoff.Wait(ctx, backoff.Exponential(stalls, &c.retry)) == nil
}

// process decodes and enqueues one entry. A nil return means the entry can be
// acked: malformed entries are dropped so they never loop. A full dispatcher
// buffer is retried until it drains or ctx ends.
func (c *Consumer) process(ctx context.Context, entry rueidis.XRangeEntry) error {
	req, err := Decode(entry.FieldValues, c.cfg.SigningKey)
	if err != nil {
		c.logger.Warn("Intake entry rejected", "entryId", entry.ID, "error", err)
		c.record(ctx, OutcomeRejected)
		return nil
	}

	job := dispatcher.NewJob(req, Source)
	for attempt := 1; ; attempt++ {
		err := c.enqueuer.Dispatch(job)
		if err == nil {
			break
		}
		if !errors.Is(err, dispatcher.ErrBufferFull) {
			return fmt.Errorf("enqueue entry %s: %w", entry.ID, err)
		}
		if err := backoff.Wait(ctx, backoff.Exponential(attempt, &c.retry)); err != nil {
			return fmt.Errorf("enqueue entry %s: %w", entry.ID, err)
		}
	}

	c.record(ctx, OutcomeEnqueued)
	c.logger.Debug("Intake entry enqueued", "entryId", entry.ID, "jobId", job.ID, "eventKey", req.EventKey)
	return nil
}

func (c *Consumer) record(ctx context.Context, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordIntakeEntry(ctx, outcome)
	}
}
