// Package spanqueue provides the bounded FIFO that decouples span producers
// from the batch exporter.
package spanqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

// OverflowPolicy decides which span is discarded when the queue is full.
type OverflowPolicy int

const (
	DropNewest OverflowPolicy = iota // discard the span being enqueued
	DropOldest                       // evict the head to make room
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	}
	return fmt.Sprintf("OverflowPolicy(%d)", int(p))
}

// ParseOverflowPolicy parses "drop_newest" or "drop_oldest". An empty string
// selects DropNewest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_newest", "newest":
		return DropNewest, nil
	case "drop_oldest", "oldest":
		return DropOldest, nil
	}
	return DropNewest, fmt.Errorf("unknown overflow policy %q", s)
}

// Config configures a Queue.
type Config struct {
	Capacity       int            `json:"capacity"`
	OverflowPolicy OverflowPolicy `json:"overflow_policy"`
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:       10000,
		OverflowPolicy: DropNewest,
	}
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Dropped  int64 `json:"dropped_overflow"`
	Len      int   `json:"len"`
	Capacity int   `json:"capacity"`
}

type entry struct {
	item       *types.SpanContext
	enqueuedAt time.Time
}

// Queue is a thread-safe bounded FIFO of finalized spans. Enqueue never
// blocks and never fails: overflow is resolved by the configured policy and
// counted. There is a single consumer, the exporter, which calls DrainBatch.
type Queue struct {
	mu     sync.Mutex
	ring   []entry
	head   int
	size   int
	policy OverflowPolicy
	notify chan struct{}

	enqueued atomic.Int64
	dropped  atomic.Int64

	logger  *zap.Logger
	warnLim *rate.Limiter
	now     func() time.Time
}

// New creates a Queue. A non-positive capacity selects the default.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		ring:    make([]entry, cfg.Capacity),
		policy:  cfg.OverflowPolicy,
		notify:  make(chan struct{}, 1),
		logger:  logger.With(zap.String("component", "span_queue")),
		warnLim: rate.NewLimiter(rate.Every(10*time.Second), 1),
		now:     time.Now,
	}
}

// Enqueue adds item to the tail. It never blocks. The caller must not modify
// item afterwards.
func (q *Queue) Enqueue(item *types.SpanContext) {
	if item == nil {
		return
	}

	evicted := false
	q.mu.Lock()
	if q.size == len(q.ring) {
		if q.policy == DropNewest {
			q.mu.Unlock()
			q.recordDrop()
			return
		}
		q.ring[q.head] = entry{}
		q.head = (q.head + 1) % len(q.ring)
		q.size--
		evicted = true
	}
	q.ring[(q.head+q.size)%len(q.ring)] = entry{item: item, enqueuedAt: q.now()}
	q.size++
	q.mu.Unlock()

	q.enqueued.Add(1)
	if evicted {
		q.recordDrop()
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) recordDrop() {
	total := q.dropped.Add(1)
	if q.warnLim.Allow() {
		q.logger.Warn("span queue full, dropping span",
			zap.String("policy", q.policy.String()),
			zap.Int("capacity", len(q.ring)),
			zap.Int64("dropped_total", total),
		)
	}
}

// TryDrain removes up to maxItems spans without waiting.
func (q *Queue) TryDrain(maxItems int) []*types.SpanContext {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked(maxItems)
}

// DrainBatch removes up to maxItems spans. It returns as soon as maxItems
// are available, or once the oldest held span has waited maxWait. When the
// queue stays empty it returns nothing after maxWait. A done ctx returns
// whatever is available immediately.
func (q *Queue) DrainBatch(ctx context.Context, maxItems int, maxWait time.Duration) []*types.SpanContext {
	if maxItems <= 0 {
		return nil
	}
	start := q.now()
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.size >= maxItems {
			out := q.popLocked(maxItems)
			q.mu.Unlock()
			return out
		}
		deadline := start.Add(maxWait)
		if q.size > 0 {
			deadline = q.ring[q.head].enqueuedAt.Add(maxWait)
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 || ctx.Err() != nil {
			out := q.popLocked(maxItems)
			q.mu.Unlock()
			return out
		}
		q.mu.Unlock()

		timer.Reset(remaining)
		select {
		case <-q.notify:
		case <-timer.C:
		case <-ctx.Done():
		}
	}
}

func (q *Queue) popLocked(maxItems int) []*types.SpanContext {
	n := min(maxItems, q.size)
	if n <= 0 {
		return nil
	}
	out := make([]*types.SpanContext, n)
	for i := range out {
		out[i] = q.ring[q.head].item
		q.ring[q.head] = entry{}
		q.head = (q.head + 1) % len(q.ring)
	}
	q.size -= n
	return out
}

// Len returns the number of spans currently held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.ring)
}

// Policy returns the overflow policy.
func (q *Queue) Policy() OverflowPolicy {
	return q.policy
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Len:      q.Len(),
		Capacity: len(q.ring),
	}
}
