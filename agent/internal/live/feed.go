package live

// Record is an entry held in a Feed. MarkedRead returns a copy of the record
// with its unread flag cleared.
type Record[T any] interface {
	RecordID() string
	Unread() bool
	MarkedRead() T
}

// Feed is a bounded most-recent-first sequence. Pushing beyond the capacity
// evicts the oldest entries. A Feed is not safe for concurrent use; the
// Channel guards its feeds with its own lock.
type Feed[T Record[T]] struct {
	limit int
	items []T
}

// NewFeed creates a feed holding at most limit entries.
func NewFeed[T Record[T]](limit int) *Feed[T] {
	if limit < 1 {
		limit = 1
	}
	return &Feed[T]{limit: limit, items: make([]T, 0, limit+1)}
}

// Push inserts v at the head and drops whatever falls beyond the capacity.
func (f *Feed[T]) Push(v T) {
	var zero T
	f.items = append(f.items, zero)
	copy(f.items[1:], f.items)
	f.items[0] = v
	if len(f.items) > f.limit {
		f.items[len(f.items)-1] = zero
		f.items = f.items[:f.limit]
	}
}

// Items returns a copy of the entries, newest first.
func (f *Feed[T]) Items() []T {
	out := make([]T, len(f.items))
	copy(out, f.items)
	return out
}

// Len returns the number of entries held.
func (f *Feed[T]) Len() int { return len(f.items) }

// Cap returns the capacity beyond which the oldest entries are evicted.
func (f *Feed[T]) Cap() int { return f.limit }

// UnreadCount returns the number of entries still flagged as new.
func (f *Feed[T]) UnreadCount() int {
	n := 0
	for _, it := range f.items {
		if it.Unread() {
			n++
		}
	}
	return n
}

// MarkRead clears the unread flag of the entry with the given id. It reports
// whether such an entry exists.
func (f *Feed[T]) MarkRead(id string) bool {
	for i, it := range f.items {
		if it.RecordID() == id {
			f.items[i] = it.MarkedRead()
			return true
		}
	}
	return false
}

// Clear drops every entry.
func (f *Feed[T]) Clear() {
	clear(f.items)
	f.items = f.items[:0]
}
