package probe

import (
	"context"
	"time"
)

// Late is invoked with the result of a call that finished after its
// deadline fired, so the caller can undo side effects.
type Late[T any] func(T, error)

type outcome[T any] struct {
	v   T
	err error
}

// Call runs fn in its own goroutine under a deadline of d. If fn does not
// return in time a *TimeoutError is returned even when fn ignores its
// context. A late result is handed to late when it is non-nil. A
// non-positive d disables the deadline.
func Call[T any](ctx context.Context, d time.Duration, op, target string, fn func(context.Context) (T, error), late Late[T]) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ch := make(chan outcome[T], 1)
	go func() {
		v, err := fn(cctx)
		ch <- outcome[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-cctx.Done():
		go drain(ch, late)
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, &TimeoutError{Op: op, Target: target, Timeout: d}
	}
}

func drain[T any](ch <-chan outcome[T], late Late[T]) {
	r := <-ch
	if late != nil {
		late(r.v, r.err)
	}
}
