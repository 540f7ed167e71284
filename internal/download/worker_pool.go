// Package download runs bounded-concurrency batch downloads of trip tiles.
package download

import (
	"context"
	"sync"
	"sync/atomic"
)

// PanicHandler receives a value recovered from the body for item i.
type PanicHandler func(i int, recovered any)

// WorkerPool runs a body over the indices [0, n) on a fixed number of
// workers fed from a queue.
type WorkerPool struct {
	workers int
	onPanic PanicHandler
}

// NewWorkerPool creates a pool of at least one worker.
func NewWorkerPool(workers int) *WorkerPool {
	return &WorkerPool{workers: max(workers, 1)}
}

// OnPanic sets the handler for panics raised by a body. Without one a
// panicking item is dropped and the worker continues.
func (wp *WorkerPool) OnPanic(h PanicHandler) *WorkerPool {
	wp.onPanic = h
	return wp
}

// Workers returns the pool width.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Run calls body for every index until all are done or ctx is cancelled.
// It returns ctx.Err() when cancellation left any index unvisited.
func (wp *WorkerPool) Run(ctx context.Context, n int, body func(ctx context.Context, i int)) error {
	if n <= 0 {
		return nil
	}
	workers := min(wp.workers, n)
	taskQueue := make(chan int, workers*2)

	var (
		wg      sync.WaitGroup
		skipped atomic.Bool
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range taskQueue {
				if ctx.Err() != nil {
					skipped.Store(true)
					continue
				}
				wp.runOne(ctx, i, body)
			}
		}()
	}

	dispatched := 0
submit:
	for ; dispatched < n; dispatched++ {
		select {
		case taskQueue <- dispatched:
		case <-ctx.Done():
			break submit
		}
	}
	close(taskQueue)
	wg.Wait()

	if dispatched < n || skipped.Load() {
		return ctx.Err()
	}
	return nil
}

func (wp *WorkerPool) runOne(ctx context.Context, i int, body func(ctx context.Context, i int)) {
	defer func() {
		if r := recover(); r != nil && wp.onPanic != nil {
			wp.onPanic(i, r)
		}
	}()
	body(ctx, i)
}

// ParallelFor runs body over [0, n) with at most width concurrent calls.
func ParallelFor(ctx context.Context, n, width int, body func(ctx context.Context, i int)) error {
	return NewWorkerPool(width).Run(ctx, n, body)
}
