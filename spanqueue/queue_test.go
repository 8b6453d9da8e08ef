package spanqueue

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

func span(name string) *types.SpanContext {
	return &types.SpanContext{Span: types.Span{Name: name, Type: types.SpanTypeCustom}}
}

func names(items []*types.SpanContext) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Span.Name
	}
	return out
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{in: "", want: DropNewest},
		{in: "drop_newest", want: DropNewest},
		{in: "DROP_OLDEST", want: DropOldest},
		{in: "oldest", want: DropOldest},
		{in: "block", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOverflowPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := New(Config{Capacity: 8}, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		q.Enqueue(span(strconv.Itoa(i)))
	}
	q.Enqueue(nil)

	assert.Equal(t, 5, q.Len())
	assert.Equal(t, []string{"0", "1", "2"}, names(q.TryDrain(3)))
	assert.Equal(t, []string{"3", "4"}, names(q.TryDrain(10)))
	assert.Nil(t, q.TryDrain(10))

	stats := q.Stats()
	assert.Equal(t, int64(5), stats.Enqueued)
	assert.Zero(t, stats.Dropped)
	assert.Equal(t, 8, stats.Capacity)
}

func TestQueue_RingWrapsAround(t *testing.T) {
	q := New(Config{Capacity: 3}, nil)
	for round := 0; round < 4; round++ {
		q.Enqueue(span("a" + strconv.Itoa(round)))
		q.Enqueue(span("b" + strconv.Itoa(round)))
		got := names(q.TryDrain(2))
		assert.Equal(t, []string{"a" + strconv.Itoa(round), "b" + strconv.Itoa(round)}, got)
	}
}

func TestQueue_OverflowProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(rt, "capacity")
		extra := rapid.IntRange(0, 64).Draw(rt, "extra")
		oldest := rapid.Bool().Draw(rt, "drop_oldest")

		policy := DropNewest
		if oldest {
			policy = DropOldest
		}
		q := New(Config{Capacity: capacity, OverflowPolicy: policy}, nil)

		total := capacity + extra
		for i := 0; i < total; i++ {
			q.Enqueue(span(strconv.Itoa(i)))
		}

		if q.Len() != capacity {
			rt.Fatalf("len = %d, want %d", q.Len(), capacity)
		}
		if got := q.Stats().Dropped; got != int64(extra) {
			rt.Fatalf("dropped = %d, want %d", got, extra)
		}

		held := names(q.TryDrain(total))
		first := 0
		if oldest {
			first = extra
		}
		for i, name := range held {
			if want := strconv.Itoa(first + i); name != want {
				rt.Fatalf("held[%d] = %s, want %s", i, name, want)
			}
		}
	})
}

func TestQueue_ConcurrentProducersNoLoss(t *testing.T) {
	const producers, perProducer = 8, 250
	q := New(Config{Capacity: producers * perProducer}, nil)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(span(strconv.Itoa(p) + ":" + strconv.Itoa(i)))
			}
		}(p)
	}
	wg.Wait()

	all := q.TryDrain(producers * perProducer)
	require.Len(t, all, producers*perProducer)

	// Per-producer order is preserved.
	next := make(map[string]int)
	for _, item := range all {
		producer, seq, ok := strings.Cut(item.Span.Name, ":")
		require.True(t, ok)
		i, err := strconv.Atoi(seq)
		require.NoError(t, err)
		assert.Equal(t, next[producer], i)
		next[producer] = i + 1
	}
}

func TestQueue_EnqueueNeverBlocksWhenFull(t *testing.T) {
	q := New(Config{Capacity: 1}, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Enqueue(span("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.Equal(t, int64(999), q.Stats().Dropped)
}

func TestDrainBatch_ReturnsWhenFull(t *testing.T) {
	q := New(Config{Capacity: 10}, nil)
	for i := 0; i < 4; i++ {
		q.Enqueue(span(strconv.Itoa(i)))
	}

	start := time.Now()
	got := q.DrainBatch(context.Background(), 3, time.Minute)
	assert.Equal(t, []string{"0", "1", "2"}, names(got))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDrainBatch_WakesOnEnqueue(t *testing.T) {
	q := New(Config{Capacity: 10}, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(span("a"))
		q.Enqueue(span("b"))
	}()

	got := q.DrainBatch(context.Background(), 2, time.Minute)
	assert.Equal(t, []string{"a", "b"}, names(got))
}

func TestDrainBatch_PartialAfterOldestWaited(t *testing.T) {
	q := New(Config{Capacity: 10}, nil)
	q.Enqueue(span("a"))

	start := time.Now()
	got := q.DrainBatch(context.Background(), 5, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, []string{"a"}, names(got))
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestDrainBatch_EmptyTimesOut(t *testing.T) {
	q := New(Config{Capacity: 10}, nil)

	start := time.Now()
	got := q.DrainBatch(context.Background(), 5, 30*time.Millisecond)

	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestDrainBatch_ContextCancelled(t *testing.T) {
	q := New(Config{Capacity: 10}, nil)
	q.Enqueue(span("a"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	got := q.DrainBatch(ctx, 5, time.Minute)
	assert.Equal(t, []string{"a"}, names(got))
	assert.Less(t, time.Since(start), time.Second)
}
