// Package workpool runs a batch of items over a fixed number of workers and
// collects one settled result per item.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrPanic wraps a panic raised by a worker function.
var ErrPanic = errors.New("worker panic")

// Result is the settled outcome of one item: either Value or Err.
type Result[R any] struct {
	Value R
	Err   error
}

// Func processes a single item. index is the item's position in the input.
type Func[T, R any] func(ctx context.Context, index int, item T) (R, error)

// Run processes items with at most concurrency calls to fn in flight.
// The returned slice is index-aligned with items. A failing or panicking
// item is recorded in its Result and never stops the rest of the batch.
func Run[T, R any](ctx context.Context, items []T, concurrency int, fn Func[T, R]) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}

	workers := max(1, min(concurrency, len(items)))

	// Buffered to the batch size so feeding never blocks.
	indices := make(chan int, len(items))
	for i := range items {
		indices <- i
	}
	close(indices)

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range indices {
				results[i] = call(ctx, i, items[i], fn)
			}
		}()
	}
	wg.Wait()

	return results
}

func call[T, R any](ctx context.Context, index int, item T, fn Func[T, R]) (res Result[R]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[R]{Err: fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())}
		}
	}()

	value, err := fn(ctx, index, item)
	return Result[R]{Value: value, Err: err}
}
