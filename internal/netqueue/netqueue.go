package netqueue

import (
	"sort"
	"time"

	"github.com/blukai/conwayparty/internal/debug"
)

const DefaultRetransmitThreshold = time.Second

type options struct {
	now                 func() time.Time
	retransmitThreshold time.Duration
	onLen               func(n int)
}

type Option func(*options)

// WithClock replaces time.Now, useful in tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithRetransmitThreshold(d time.Duration) Option {
	return func(o *options) { o.retransmitThreshold = d }
}

// WithLenObserver calls onLen with the new length after every change. It runs
// on the goroutine that owns the queue.
func WithLenObserver(onLen func(n int)) Option {
	return func(o *options) { o.onLen = onLen }
}

type entry[T any] struct {
	item   T
	sentAt time.Time
}

// Queue keeps items ordered by their sequence number. It is not safe for
// concurrent use; it is meant to be owned by a single session loop.
type Queue[T any] struct {
	entries    []entry[T]
	capacity   int
	sequenceOf func(T) uint64

	now                 func() time.Time
	retransmitThreshold time.Duration
	onLen               func(n int)
}

func New[T any](capacity int, sequenceOf func(T) uint64, opts ...Option) *Queue[T] {
	debug.Assert(capacity > 0, "capacity must be positive")
	debug.Assert(sequenceOf != nil)

	o := options{
		now:                 time.Now,
		retransmitThreshold: DefaultRetransmitThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Queue[T]{
		entries:    make([]entry[T], 0, min(capacity, 64)),
		capacity:   capacity,
		sequenceOf: sequenceOf,

		now:                 o.now,
		retransmitThreshold: o.retransmitThreshold,
		onLen:               o.onLen,
	}
}

func (q *Queue[T]) Len() int { return len(q.entries) }

func (q *Queue[T]) Cap() int { return q.capacity }

func (q *Queue[T]) changed() {
	if q.onLen != nil {
		q.onLen(len(q.entries))
	}
}

// search returns the position of the first entry whose sequence is >= seq.
func (q *Queue[T]) search(seq uint64) int {
	return sort.Search(len(q.entries), func(i int) bool {
		return q.sequenceOf(q.entries[i].item) >= seq
	})
}

// BufferItem inserts item keeping the queue ordered by sequence and reports
// whether it was newly added. An item whose sequence is already buffered
// replaces the old one. When the queue is full the oldest item is evicted.
func (q *Queue[T]) BufferItem(item T) bool {
	seq := q.sequenceOf(item)
	e := entry[T]{item: item, sentAt: q.now()}

	i := q.search(seq)
	if i < len(q.entries) && q.sequenceOf(q.entries[i].item) == seq {
		q.entries[i] = e
		return false
	}

	if len(q.entries) >= q.capacity {
		// item is older than everything in a full queue, it would be
		// evicted right away
		if i == 0 {
			return false
		}
		q.entries[0] = entry[T]{}
		q.entries = q.entries[1:]
		i -= 1
	}

	q.entries = append(q.entries, entry[T]{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.changed()
	return true
}

// ContiguousCount returns how many items, starting from the front, form an
// unbroken run of sequences watermark, watermark+1, ...
func (q *Queue[T]) ContiguousCount(watermark uint64) int {
	n := 0
	for _, e := range q.entries {
		if q.sequenceOf(e.item) != watermark+uint64(n) {
			break
		}
		n += 1
	}
	return n
}

// PopFront removes and returns up to n items from the front.
func (q *Queue[T]) PopFront(n int) []T {
	n = min(n, len(q.entries))
	items := make([]T, n)
	for i := 0; i < n; i++ {
		items[i] = q.entries[i].item
	}

	var zero entry[T]
	for i := 0; i < n; i++ {
		q.entries[i] = zero
	}
	q.entries = q.entries[n:]
	q.changed()
	return items
}

// Remove removes the item with sequence seq and returns it.
func (q *Queue[T]) Remove(seq uint64) (T, bool) {
	i := q.search(seq)
	if i >= len(q.entries) || q.sequenceOf(q.entries[i].item) != seq {
		var zero T
		return zero, false
	}

	item := q.entries[i].item
	last := len(q.entries) - 1
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[last] = entry[T]{}
	q.entries = q.entries[:last]
	q.changed()
	return item, true
}

// RetransmitIndices returns the indices of items that were sent longer than
// the retransmit threshold ago.
func (q *Queue[T]) RetransmitIndices() []int {
	now := q.now()
	var indices []int
	for i, e := range q.entries {
		if now.Sub(e.sentAt) > q.retransmitThreshold {
			indices = append(indices, i)
		}
	}
	return indices
}

func (q *Queue[T]) At(i int) T {
	return q.entries[i].item
}

// Replace swaps the item at i, which must keep the same sequence, and
// restamps its send time.
func (q *Queue[T]) Replace(i int, item T) {
	debug.Assert(q.sequenceOf(item) == q.sequenceOf(q.entries[i].item), "replace must keep sequence")
	q.entries[i] = entry[T]{item: item, sentAt: q.now()}
}

// Items returns a copy of the buffered items in order.
func (q *Queue[T]) Items() []T {
	items := make([]T, len(q.entries))
	for i, e := range q.entries {
		items[i] = e.item
	}
	return items
}

func (q *Queue[T]) Clear() {
	clear(q.entries)
	q.entries = q.entries[:0]
	q.changed()
}
