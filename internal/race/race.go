// Package race runs competing cancellable operations and keeps the
// first one to settle. Losers are told to stop through their context
// and are awaited before First returns, so a lost race never leaves a
// pending timer or a blocked reader behind.
package race

import (
	"context"
	"sync"
	"time"
)

// Op is one competitor. It must return promptly once ctx is cancelled.
type Op[T any] func(ctx context.Context) (T, error)

type outcome[T any] struct {
	val T
	err error
}

// First starts every op concurrently and returns the result of the
// first one to return, whether it succeeded or failed. All other ops
// are cancelled and First waits for them to exit. With no ops, First
// blocks until ctx is done.
func First[T any](ctx context.Context, ops ...Op[T]) (T, error) {
	if len(ops) == 0 {
		<-ctx.Done()
		var zero T
		return zero, ctx.Err()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome[T], len(ops))
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := op(ctx)
			results <- outcome[T]{val: v, err: err}
		}()
	}

	first := <-results
	cancel()
	wg.Wait()
	return first.val, first.err
}

// Timeout returns an Op that fails with err after d, or with ctx.Err()
// when cancelled first. The timer is always stopped.
func Timeout[T any](d time.Duration, err error) Op[T] {
	return func(ctx context.Context) (T, error) {
		var zero T
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timer.C:
			return zero, err
		}
	}
}
