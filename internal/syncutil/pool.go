package syncutil

import (
	"context"
	"sync"
)

// Map runs fn over items on at most workers goroutines and returns the
// results in input order. Every item is processed even if ctx is cancelled;
// fn is expected to observe ctx itself and report per-item failure in R.
func Map[T, R any](ctx context.Context, workers int, items []T, fn func(context.Context, int, T) R) []R {
	out := make([]R, len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	queue := make(chan int, len(items))
	for i := range items {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range queue {
				out[i] = fn(ctx, i, items[i])
			}
		}()
	}
	wg.Wait()
	return out
}
