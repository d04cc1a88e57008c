package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pushfanout/internal/apperrors"
	"pushfanout/internal/fanout"
	"pushfanout/pkg/backoff"
)

// MemoryDispatcher is an in-memory async fan-out queue.
// Jobs are queued in a bounded channel and run by a worker pool.
// If the buffer is full, jobs are dropped (logged + metric incremented).
type MemoryDispatcher struct {
	queue   chan *Job
	runner  Runner
	config  MemoryConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	// Internal counters (for Stats())
	queued       atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	mu       sync.RWMutex // guards closed against concurrent Dispatch
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherCompleted(ctx context.Context, waitSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRetried(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher and starts its workers.
func NewMemory(cfg MemoryConfig, runner Runner, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:    make(chan *Job, cfg.BufferSize),
		runner:   runner,
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues a job for async execution.
func (d *MemoryDispatcher) Dispatch(job *Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- job:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Fanout dropped, buffer full",
			"jobId", job.ID,
			"source", job.Source,
			"eventKey", job.Request.EventKey,
		)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Completed:    d.completed.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		RetriesTotal: d.retriesTotal.Load(),
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))

	// Signal workers to stop
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"completed", d.completed.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

// worker processes jobs from the queue.
func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case job := <-d.queue:
			d.run(job)
		}
	}
}

// drainQueue runs remaining jobs after shutdown signal.
func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case job := <-d.queue:
			d.run(job)
		default:
			return
		}
	}
}

// run executes a job, retrying failures that happened before any send.
func (d *MemoryDispatcher) run(job *Job) {
	logger := d.logger.With("jobId", job.ID, "source", job.Source, "eventKey", job.Request.EventKey)

	report, err := d.runWithRetry(job)
	if err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(context.Background())
		}
		logger.Warn("Fanout job failed", "error", err)
		return
	}

	d.completed.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherCompleted(context.Background(), time.Since(job.EnqueuedAt).Seconds())
	}
	logger.Debug("Fanout job completed", "runId", report.RunID, "outcome", report.Outcome)
}

func (d *MemoryDispatcher) runWithRetry(job *Job) (*fanout.Report, error) {
	var lastErr error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherRetried(context.Background())
			}
			select {
			case <-d.shutdown:
				return nil, lastErr
			case <-time.After(backoff.Exponential(attempt, &d.config.Backoff)):
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.config.JobTimeout)
		report, err := d.runner.Deliver(ctx, job.Request)
		cancel()
		if err == nil {
			return report, nil
		}
		lastErr = err
		if errors.Is(err, apperrors.ErrValidation) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Verify MemoryDispatcher implements Dispatcher
var _ Dispatcher = (*MemoryDispatcher)(nil)
