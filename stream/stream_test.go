package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/asymetry-ai/asymetry-sdk/tokenizer"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

type chunk struct {
	text   string
	finish string
	usage  *[2]int
	err    error
}

func adaptChunk(c chunk) []Event {
	var evs []Event
	if c.text != "" {
		evs = append(evs, Event{Kind: EventContentDelta, Text: c.text})
	}
	if c.finish != "" {
		evs = append(evs, Event{Kind: EventStop, FinishReason: c.finish})
	}
	if c.usage != nil {
		evs = append(evs, Event{Kind: EventUsage, Usage: Usage{InputTokens: Count(c.usage[0]), OutputTokens: Count(c.usage[1])}})
	}
	return evs
}

// sliceIter yields items then fails with err, if set.
type sliceIter[T any] struct {
	items  []T
	pos    int
	err    error
	closed bool
}

func (s *sliceIter[T]) Next() bool {
	if s.closed || s.pos >= len(s.items) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceIter[T]) Current() T { return s.items[s.pos-1] }

func (s *sliceIter[T]) Err() error {
	if s.pos >= len(s.items) {
		return s.err
	}
	return nil
}

func (s *sliceIter[T]) Close() error {
	s.closed = true
	return nil
}

func newAcc(t *testing.T, sink *memorySink) *Accumulator {
	return NewAccumulator(sink, Options{
		Request:   types.LLMRequest{Provider: types.ProviderOpenAI, Model: "gpt-4o"},
		Tokenizer: tokenizer.NewEstimator(0),
		Logger:    zaptest.NewLogger(t),
	})
}

func collect[T any](s *Stream[T]) []T {
	var out []T
	for s.Next() {
		out = append(out, s.Current())
	}
	return out
}

func TestStream_PassesItemsThroughUnchanged(t *testing.T) {
	sink := &memorySink{}
	items := []chunk{
		{text: "Hello"},
		{text: " world", finish: "stop", usage: &[2]int{10, 5}},
	}
	s := Wrap[chunk](&sliceIter[chunk]{items: items}, newAcc(t, sink), adaptChunk)

	got := collect(s)
	assert.Equal(t, items, got)
	require.NoError(t, s.Err())

	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, "Hello world", spans[0].Request.OutputText())
	assert.Equal(t, types.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, Exact: true}, *spans[0].Tokens)

	assert.False(t, s.Next(), "exhausted stream stays exhausted")
	assert.Len(t, sink.all(), 1)
}

func TestStream_ErrorMidStream(t *testing.T) {
	sink := &memorySink{}
	boom := errors.New("stream broke")
	s := Wrap[chunk](&sliceIter[chunk]{items: []chunk{{text: "ab"}, {text: "cd"}}, err: boom}, newAcc(t, sink), adaptChunk)

	got := collect(s)
	assert.Len(t, got, 2)
	assert.Same(t, boom, s.Err(), "the original error reaches the caller")

	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, types.StatusError, spans[0].Span.Status)
	assert.Equal(t, "abcd", spans[0].Request.OutputText())
	assert.ErrorIs(t, spans[0].Request.Error, boom)
}

func TestStream_EarlyClose(t *testing.T) {
	sink := &memorySink{}
	src := &sliceIter[chunk]{items: []chunk{{text: "a"}, {text: "b"}, {text: "c"}}}
	s := Wrap[chunk](src, newAcc(t, sink), adaptChunk)

	require.True(t, s.Next())
	require.NoError(t, s.Close())
	assert.True(t, src.closed)
	assert.False(t, s.Next())

	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, "a", spans[0].Request.OutputText())
	incomplete, _ := spans[0].Span.Attributes.Get(AttrIncomplete)
	assert.Equal(t, true, incomplete)
}

func TestStream_AdapterPanicDoesNotReachCaller(t *testing.T) {
	sink := &memorySink{}
	adapt := func(c chunk) []Event {
		if c.text == "bad" {
			panic("unexpected shape")
		}
		return adaptChunk(c)
	}
	s := Wrap[chunk](&sliceIter[chunk]{items: []chunk{{text: "ok"}, {text: "bad"}, {text: "!"}}}, newAcc(t, sink), adapt)

	got := collect(s)
	assert.Len(t, got, 3)
	assert.Equal(t, "ok!", sink.all()[0].Request.OutputText())
}

func TestStream_DoneEventThenTrailingItems(t *testing.T) {
	sink := &memorySink{}
	adapt := func(c chunk) []Event {
		if c.finish == "done" {
			return []Event{{Kind: EventDone}}
		}
		return adaptChunk(c)
	}
	s := Wrap[chunk](&sliceIter[chunk]{items: []chunk{{text: "x"}, {finish: "done"}, {text: "late"}}}, newAcc(t, sink), adapt)

	got := collect(s)
	assert.Len(t, got, 3)
	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, "x", spans[0].Request.OutputText())
}

func TestWrapChan(t *testing.T) {
	sink := &memorySink{}
	in := make(chan chunk, 3)
	in <- chunk{text: "Hel"}
	in <- chunk{text: "lo"}
	in <- chunk{err: errors.New("upstream")}
	close(in)

	out := WrapChan(context.Background(), in, newAcc(t, sink), adaptChunk, func(c chunk) error { return c.err })

	var got []chunk
	for c := range out {
		got = append(got, c)
	}
	assert.Len(t, got, 3)

	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, "Hello", spans[0].Request.OutputText())
	assert.Equal(t, types.StatusError, spans[0].Span.Status)
}

func TestWrapChan_ContextCancelled(t *testing.T) {
	sink := &memorySink{}
	in := make(chan chunk)
	ctx, cancel := context.WithCancel(context.Background())

	out := WrapChan(ctx, in, newAcc(t, sink), adaptChunk, nil)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("output channel not closed after cancel")
	}
	require.Len(t, sink.all(), 1)
	assert.ErrorIs(t, sink.all()[0].Request.Error, context.Canceled)
}

type scopedSource struct {
	iter    *sliceIter[chunk]
	openErr error
	opened  bool
	closed  int
}

func (s *scopedSource) Open(context.Context) (Iterator[chunk], error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opened = true
	return s.iter, nil
}

func (s *scopedSource) Close() error {
	s.closed++
	return nil
}

func TestScoped_Do(t *testing.T) {
	sink := &memorySink{}
	src := &scopedSource{iter: &sliceIter[chunk]{items: []chunk{{text: "Hello"}, {text: " world", usage: &[2]int{10, 5}}}}}
	scoped := WrapScoped[chunk](src, newAcc(t, sink), adaptChunk)

	var got []chunk
	err := Do(context.Background(), scoped, func(s *Stream[chunk]) error {
		for s.Next() {
			got = append(got, s.Current())
		}
		return s.Err()
	})

	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, src.closed)
	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, "Hello world", spans[0].Request.OutputText())
	assert.True(t, spans[0].Tokens.Exact)
}

func TestScoped_CallerErrorPropagates(t *testing.T) {
	sink := &memorySink{}
	src := &scopedSource{iter: &sliceIter[chunk]{items: []chunk{{text: "a"}, {text: "b"}, {text: "c"}}}}
	scoped := WrapScoped[chunk](src, newAcc(t, sink), adaptChunk)

	callerErr := errors.New("caller gave up")
	err := Do(context.Background(), scoped, func(s *Stream[chunk]) error {
		s.Next()
		s.Next()
		return callerErr
	})

	assert.Same(t, callerErr, err)
	assert.Equal(t, 1, src.closed)
	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, "ab", spans[0].Request.OutputText())
	assert.Equal(t, types.StatusError, spans[0].Span.Status)
}

func TestScoped_PanicIsRecordedAndReraised(t *testing.T) {
	sink := &memorySink{}
	src := &scopedSource{iter: &sliceIter[chunk]{items: []chunk{{text: "a"}}}}
	scoped := WrapScoped[chunk](src, newAcc(t, sink), adaptChunk)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = Do(context.Background(), scoped, func(s *Stream[chunk]) error {
			s.Next()
			panic("kaboom")
		})
	})
	assert.Equal(t, 1, src.closed)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, types.StatusError, sink.all()[0].Span.Status)
}

func TestScoped_OpenFailure(t *testing.T) {
	sink := &memorySink{}
	openErr := errors.New("401")
	scoped := WrapScoped[chunk](&scopedSource{openErr: openErr}, newAcc(t, sink), adaptChunk)

	err := Do(context.Background(), scoped, func(*Stream[chunk]) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.Same(t, openErr, err)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, types.StatusError, sink.all()[0].Span.Status)
}

func TestScoped_OpenIsSingleUse(t *testing.T) {
	sink := &memorySink{}
	src := &scopedSource{iter: &sliceIter[chunk]{items: []chunk{{text: "a"}}}}
	scoped := WrapScoped[chunk](src, newAcc(t, sink), adaptChunk)

	first, err := scoped.Open(context.Background())
	require.NoError(t, err)
	_, err = scoped.Open(context.Background())
	assert.ErrorIs(t, err, ErrScopeUsed)

	assert.Len(t, collect(first), 1)
	require.NoError(t, scoped.Close())
	_, err = scoped.Open(context.Background())
	assert.ErrorIs(t, err, ErrScopeUsed)
	assert.Len(t, sink.all(), 1)
	assert.Equal(t, 1, src.closed)
}

func TestScoped_OpenAfterFailedOpen(t *testing.T) {
	sink := &memorySink{}
	src := &scopedSource{openErr: errors.New("503")}
	scoped := WrapScoped[chunk](src, newAcc(t, sink), adaptChunk)

	_, err := scoped.Open(context.Background())
	require.Error(t, err)
	src.openErr = nil
	src.iter = &sliceIter[chunk]{items: []chunk{{text: "late"}}}
	_, err = scoped.Open(context.Background())
	assert.ErrorIs(t, err, ErrScopeUsed)
	assert.False(t, src.opened)
	assert.Len(t, sink.all(), 1)
}

func TestScoped_CloseIsIdempotent(t *testing.T) {
	sink := &memorySink{}
	src := &scopedSource{iter: &sliceIter[chunk]{items: []chunk{{text: "a"}}}}
	scoped := WrapScoped[chunk](src, newAcc(t, sink), adaptChunk)

	_, err := scoped.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, scoped.Close())
	require.NoError(t, scoped.Close())
	assert.Equal(t, 1, src.closed)
	assert.Len(t, sink.all(), 1)
}
