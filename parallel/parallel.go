// Package parallel fans element-wise work out over a bounded set of
// workers. Assembly loops are embarrassingly parallel per element; the
// helpers here keep the fan-out and error propagation in one place.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Worker identifies one lane of a parallel loop.
type Worker struct {
	Index int // worker number, 0 <= Index < Count
	Count int // total workers in the loop
}

// Workers resolves a worker count: non-positive means one per CPU.
func Workers(n int) int {
	if n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// ForEach calls fn for every index in [0,n), spread over the given number
// of workers. The first error cancels the remaining work; fn must respect
// the context on long iterations.
func ForEach(ctx context.Context, n, workers int, fn func(ctx context.Context, i int) error) error {
	workers = Workers(workers)
	if workers > n {
		workers = n
	}
	if n == 0 {
		return nil
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	next := make(chan int)
	g.Go(func() error {
		defer close(next)
		for i := 0; i < n; i++ {
			select {
			case next <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range next {
				if err := fn(ctx, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Map runs fn per worker over disjoint contiguous index ranges, useful when
// each worker accumulates into private state. ranges follow the natural
// block split of [0,n).
func Map(ctx context.Context, n, workers int, fn func(ctx context.Context, w Worker, lo, hi int) error) error {
	workers = Workers(workers)
	if workers > n {
		workers = n
	}
	if n == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := n * w / workers
		hi := n * (w + 1) / workers
		worker := Worker{Index: w, Count: workers}
		g.Go(func() error {
			return fn(ctx, worker, lo, hi)
		})
	}
	return g.Wait()
}
