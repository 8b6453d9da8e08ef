package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

// FakeTransport records submitted batches. Failures, delays and panics are
// scripted with the With* methods before use.
type FakeTransport struct {
	mu       sync.Mutex
	batches  [][]*types.SpanContext
	failures int
	err      error
	delay    time.Duration
	panicMsg any

	calls atomic.Int64
}

// NewFakeTransport creates a transport that accepts every batch.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// WithFailures makes the next n submissions fail with err.
func (f *FakeTransport) WithFailures(n int, err error) *FakeTransport {
	f.mu.Lock()
	f.failures = n
	f.err = err
	f.mu.Unlock()
	return f
}

// WithDelay makes every submission block for d or until its context ends.
func (f *FakeTransport) WithDelay(d time.Duration) *FakeTransport {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
	return f
}

// WithPanic makes every submission panic with v.
func (f *FakeTransport) WithPanic(v any) *FakeTransport {
	f.mu.Lock()
	f.panicMsg = v
	f.mu.Unlock()
	return f
}

// Submit implements the exporter transport contract.
func (f *FakeTransport) Submit(ctx context.Context, batch []*types.SpanContext) error {
	f.calls.Add(1)

	f.mu.Lock()
	delay, panicMsg := f.delay, f.panicMsg
	var err error
	if f.failures > 0 {
		f.failures--
		err = f.err
	}
	f.mu.Unlock()

	if panicMsg != nil {
		panic(panicMsg)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.batches = append(f.batches, append([]*types.SpanContext(nil), batch...))
	f.mu.Unlock()
	return nil
}

// Calls returns the number of Submit calls, including failed ones.
func (f *FakeTransport) Calls() int {
	return int(f.calls.Load())
}

// Batches returns the accepted batches.
func (f *FakeTransport) Batches() [][]*types.SpanContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*types.SpanContext(nil), f.batches...)
}

// Spans returns every accepted span in submission order.
func (f *FakeTransport) Spans() []*types.SpanContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.SpanContext
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}
