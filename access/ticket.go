package access

import (
	"context"
	"errors"
)

// ErrSuperseded resolves a ticket whose request was replaced by a newer one
// of the same kind before it was served.
var ErrSuperseded = errors.New("request superseded by a newer one")

// Ticket is the pending result of a request. It resolves exactly once, on
// the engine's loop goroutine.
type Ticket[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newTicket[T any]() *Ticket[T] {
	return &Ticket[T]{done: make(chan struct{})}
}

func (t *Ticket[T]) resolve(v T, err error) {
	t.val, t.err = v, err
	close(t.done)
}

// Done is closed once the ticket resolved.
func (t *Ticket[T]) Done() <-chan struct{} { return t.done }

// Result returns the outcome. Only meaningful after Done is closed.
func (t *Ticket[T]) Result() (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	default:
		var zero T
		return zero, errors.New("ticket not resolved")
	}
}

// Wait blocks until the ticket resolved or ctx is done. Giving up does not
// withdraw the request.
func (t *Ticket[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
