package concurrent

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ForEach runs action for every item with at most limit goroutines in flight
// (unbounded when limit <= 0). The context passed to action is cancelled on
// the first error, which is returned once every started action has finished.
func ForEach[T any](ctx context.Context, items []T, limit int, action func(context.Context, T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		item := item
		g.Go(func() error {
			return action(ctx, item)
		})
	}
	return g.Wait()
}

// ForEachCollect runs action for every item like ForEach but never cancels
// siblings. Every failure is returned, joined.
func ForEachCollect[T any](ctx context.Context, items []T, limit int, action func(context.Context, T) error) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		item := item
		g.Go(func() error {
			if err := action(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run starts every function in its own goroutine and waits for all of them.
// The first error cancels the shared context.
func Run(ctx context.Context, fns ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			return fn(ctx)
		})
	}
	return g.Wait()
}

// Map applies mapFn to every item with at most limit goroutines, preserving
// order.
func Map[T, R any](items []T, limit int, mapFn func(T) R) []R {
	out := make([]R, len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			out[i] = mapFn(item)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
