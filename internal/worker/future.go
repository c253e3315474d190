package worker

import (
	"context"
	"sync"
	"time"
)

// Future holds the single result of an asynchronous operation. The first
// Resolve wins; later calls are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that already holds v and err.
func Resolved[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v, err)

	return f
}

// Resolve sets the result and wakes all waiters. It reports whether this
// call set the result.
func (f *Future[T]) Resolve(v T, err error) bool {
	set := false

	f.once.Do(func() {
		f.val = v
		f.err = err
		set = true
		close(f.done)
	})

	return set
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await waits for the result, for ctx, or for bound to elapse, whichever
// comes first. A non-positive bound waits on ctx alone.
func (f *Future[T]) Await(ctx context.Context, bound time.Duration) (T, error) {
	var zero T

	var timeout <-chan time.Time

	if bound > 0 {
		timer := time.NewTimer(bound)
		defer timer.Stop()

		timeout = timer.C
	}

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timeout:
		// The result may have landed at the same instant.
		select {
		case <-f.done:
			return f.val, f.err
		default:
			return zero, ErrWaitTimeout
		}
	}
}
