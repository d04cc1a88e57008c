// Package dispatcher runs fan-outs asynchronously from a bounded queue.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pushfanout/internal/fanout"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the job is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, fanout dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async execution of fan-outs.
type Dispatcher interface {
	// Dispatch queues a job. Non-blocking.
	// Returns ErrBufferFull if the job cannot be queued.
	Dispatch(job *Job) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting jobs and runs the queued ones.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Runner executes one fan-out. *fanout.Engine satisfies it.
type Runner interface {
	Deliver(ctx context.Context, req *fanout.Request) (*fanout.Report, error)
}

// Job is one queued fan-out.
type Job struct {
	ID         string
	Source     string // api | intake
	Request    *fanout.Request
	EnqueuedAt time.Time
}

// NewJob wraps req with a fresh id.
func NewJob(req *fanout.Request, source string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Source:     source,
		Request:    req,
		EnqueuedAt: time.Now(),
	}
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total jobs queued
	Completed    int64 // fan-outs that ran to a terminal outcome
	Failed       int64 // fan-outs that could not start after retries
	Dropped      int64 // dropped due to full buffer
	RetriesTotal int64 // total retry attempts
}
