package stream

import (
	"context"
	"errors"
	"fmt"
)

// ErrScopeUsed is returned by Open on a Scoped that was already opened or
// closed. A Scoped is single-use.
var ErrScopeUsed = errors.New("stream scope already used")

// ScopedSource is a stream that must be opened before reading and released
// afterwards, such as an HTTP response body.
type ScopedSource[T any] interface {
	Open(ctx context.Context) (Iterator[T], error)
	Close() error
}

// Scoped instruments a ScopedSource. Whatever path leaves the scope, the
// span is finalized exactly once.
type Scoped[T any] struct {
	src    ScopedSource[T]
	acc    *Accumulator
	adapt  Adapter[T]
	stream *Stream[T]
	opened bool
	closed bool
}

// WrapScoped instruments src.
func WrapScoped[T any](src ScopedSource[T], acc *Accumulator, adapt Adapter[T]) *Scoped[T] {
	return &Scoped[T]{src: src, acc: acc, adapt: adapt}
}

// Open enters the scope. A failure to open finalizes the span as failed and
// returns the original error. Open may only be called once.
func (s *Scoped[T]) Open(ctx context.Context) (*Stream[T], error) {
	if s.opened || s.closed {
		return nil, ErrScopeUsed
	}
	s.opened = true
	it, err := s.src.Open(ctx)
	if err != nil {
		s.acc.finalizeIfOpen(err, false)
		return nil, err
	}
	s.stream = Wrap(it, s.acc, s.adapt)
	return s.stream, nil
}

// Close leaves the scope. A stream not read to the end is recorded as
// incomplete.
func (s *Scoped[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.acc.Close()
	return s.src.Close()
}

// CloseWithError leaves the scope after a caller-side failure.
func (s *Scoped[T]) CloseWithError(err error) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.acc.finalizeIfOpen(err, false)
	return s.src.Close()
}

// Accumulator returns the accumulator recording this stream.
func (s *Scoped[T]) Accumulator() *Accumulator {
	return s.acc
}

// Do opens s, runs fn and always releases s. fn's error is recorded on the
// span and returned unchanged; a panic in fn is recorded and re-raised.
func Do[T any](ctx context.Context, s *Scoped[T], fn func(*Stream[T]) error) (err error) {
	st, err := s.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = s.CloseWithError(fmt.Errorf("panic while consuming stream: %v", r))
			panic(r)
		}
		if err != nil {
			_ = s.CloseWithError(err)
			return
		}
		err = s.Close()
	}()
	return fn(st)
}
