package stream

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Iterator is a pull-style provider stream.
type Iterator[T any] interface {
	Next() bool
	Current() T
	Err() error
}

// Adapter maps one provider item onto normalized events. Adapters are the
// only code that knows a provider's wire shape.
type Adapter[T any] func(item T) []Event

// Stream wraps an Iterator and feeds every item through an Accumulator.
// Items, their order and the iterator's error are passed to the caller
// unchanged.
type Stream[T any] struct {
	src   Iterator[T]
	acc   *Accumulator
	adapt Adapter[T]
	cur   T
	ended bool
}

// Wrap instruments src.
func Wrap[T any](src Iterator[T], acc *Accumulator, adapt Adapter[T]) *Stream[T] {
	return &Stream[T]{src: src, acc: acc, adapt: adapt}
}

// Next advances the underlying iterator. When it is exhausted the span is
// finalized with the iterator's error, if any.
func (s *Stream[T]) Next() bool {
	if s.ended {
		return false
	}
	if !s.src.Next() {
		s.ended = true
		s.acc.finalizeIfOpen(s.src.Err(), false)
		return false
	}
	s.cur = s.src.Current()
	observe(s.acc, s.adapt, s.cur)
	return true
}

// Current returns the item Next advanced to.
func (s *Stream[T]) Current() T {
	return s.cur
}

// Err returns the underlying iterator's error.
func (s *Stream[T]) Err() error {
	return s.src.Err()
}

// Accumulator returns the accumulator recording this stream.
func (s *Stream[T]) Accumulator() *Accumulator {
	return s.acc
}

// Close ends consumption early. The span is finalized as incomplete and the
// underlying iterator is closed when it implements io.Closer.
func (s *Stream[T]) Close() error {
	s.ended = true
	s.acc.Close()
	return closeSource(s.src)
}

// CloseWithError records a caller-side failure while consuming the stream.
func (s *Stream[T]) CloseWithError(err error) error {
	s.ended = true
	s.acc.finalizeIfOpen(err, false)
	return closeSource(s.src)
}

func closeSource(src any) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// observe runs the adapter and accumulator for one item. A panicking adapter
// costs the item's telemetry, never the caller's stream.
func observe[T any](acc *Accumulator, adapt Adapter[T], item T) {
	defer func() {
		if r := recover(); r != nil {
			acc.logger.Error("stream adapter panicked", zap.Any("panic", r))
		}
	}()
	for _, ev := range adapt(item) {
		acc.Observe(ev)
	}
}

// WrapChan instruments a channel stream. Items are forwarded unchanged on
// the returned channel. errOf extracts an in-band error from an item; the
// first one finalizes the span as failed. Cancelling ctx stops forwarding
// and finalizes the span with ctx's error.
func WrapChan[T any](ctx context.Context, in <-chan T, acc *Accumulator, adapt Adapter[T], errOf func(T) error) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				acc.finalizeIfOpen(fmt.Errorf("stream consumer gone: %w", ctx.Err()), false)
				return
			case item, ok := <-in:
				if !ok {
					acc.finalizeIfOpen(nil, false)
					return
				}
				observe(acc, adapt, item)
				if errOf != nil {
					if err := errOf(item); err != nil {
						acc.finalizeIfOpen(err, false)
					}
				}
				select {
				case out <- item:
				case <-ctx.Done():
					acc.finalizeIfOpen(fmt.Errorf("stream consumer gone: %w", ctx.Err()), false)
					return
				}
			}
		}
	}()
	return out
}
