// Package parallel provides a bounded, order-preserving parallel map.
//
// Every pipeline stage doing per-item work (frame extraction, centering,
// background removal, commercial synthesis, upload) is a map over a small
// collection with an external-service rate budget. Unifying the primitive
// here means back-pressure and error isolation are reasoned about once.
package parallel

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Item is one slot of a Map result. Exactly one of Value and Err is
// meaningful; Err non-nil marks the slot as failed.
type Item[R any] struct {
	Value R
	Err   error
}

// OK returns true if the item completed without error.
func (it Item[R]) OK() bool {
	return it.Err == nil
}

// Result aggregates the outcome of a Map call. Results preserves the
// input order: Results[i] corresponds to items[i].
type Result[R any] struct {
	Results      []Item[R]
	SuccessCount int
	ErrorCount   int
}

// Options configures a Map call.
type Options struct {
	// Concurrency bounds the number of in-flight fn invocations.
	// Values below 1 are treated as 1.
	Concurrency int

	// Logger receives debug-level records for per-item failures.
	// Nil uses slog.Default().
	Logger *slog.Logger
}

// Map applies fn to every item with at most opts.Concurrency invocations
// in flight, returning once every item has completed or failed.
//
// An item's failure does not cancel its siblings; the error is captured
// at the item's original index and execution proceeds. If ctx is
// cancelled, items already in flight finish naturally and slots not yet
// started are marked with the context's error.
func Map[T, R any](ctx context.Context, items []T, fn func(ctx context.Context, item T, index int) (R, error), opts Options) *Result[R] {
	out := &Result[R]{Results: make([]Item[R], len(items))}
	if len(items) == 0 {
		return out
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	var mu sync.Mutex
	success, failed := 0, 0

	for i := range items {
		// Acquire blocks until a slot frees up or the context dies.
		// On cancellation the remaining slots are marked without
		// being scheduled; in-flight items run to completion.
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			for j := i; j < len(items); j++ {
				out.Results[j] = Item[R]{Err: err}
				failed++
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)

			value, err := fn(ctx, items[i], i)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Results[i] = Item[R]{Err: err}
				failed++
				logger.DebugContext(ctx, "parallel map item failed",
					slog.Int("index", i),
					slog.String("error", err.Error()),
				)
				return
			}
			out.Results[i] = Item[R]{Value: value}
			success++
		}(i)
	}

	wg.Wait()

	out.SuccessCount = success
	out.ErrorCount = failed
	return out
}

// Values returns the successful values in input order, dropping failed slots.
func (r *Result[R]) Values() []R {
	values := make([]R, 0, r.SuccessCount)
	for _, item := range r.Results {
		if item.OK() {
			values = append(values, item.Value)
		}
	}
	return values
}

// FirstError returns the error of the lowest-indexed failed slot, or nil.
func (r *Result[R]) FirstError() error {
	for _, item := range r.Results {
		if item.Err != nil {
			return item.Err
		}
	}
	return nil
}
