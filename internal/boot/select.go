package boot

import "context"

// Either holds the outcome of whichever operation passed to Select finished
// first. Exactly one side is set; First reports which.
type Either[A, B any] struct {
	First bool
	A     A
	B     B
	Err   error
}

type outcome[T any] struct {
	val T
	err error
}

// Select starts a and b and returns the result of the first to complete.
// The loser's context is cancelled on return and its result, whenever it
// arrives, is dropped without being looked at. Cancellation is a request:
// the loser may still be running when Select returns.
func Select[A, B any](ctx context.Context, a func(context.Context) (A, error), b func(context.Context) (B, error)) Either[A, B] {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the loser can always deliver and exit.
	ca := make(chan outcome[A], 1)
	cb := make(chan outcome[B], 1)

	go func() {
		v, err := a(ctx)
		ca <- outcome[A]{v, err}
	}()
	go func() {
		v, err := b(ctx)
		cb <- outcome[B]{v, err}
	}()

	select {
	case r := <-ca:
		return Either[A, B]{First: true, A: r.val, Err: r.err}
	case r := <-cb:
		return Either[A, B]{B: r.val, Err: r.err}
	}
}
