// Package ledger records which inbound event ids have been seen so that
// redelivered webhook events are acted upon at most once per process.
//
// Records expire after a TTL and the ledger never holds more than its
// capacity; the least recently touched record is evicted first. Eviction runs
// lazily on access, there is no background sweeper.
package ledger

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTTL      = 300 * time.Second
	DefaultCapacity = 1000
)

// State is the processing state of a record.
type State int

const (
	StateInFlight State = iota + 1
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Record is the ledger's view of one event id.
type Record struct {
	EventID     string
	State       State
	FirstSeenAt time.Time
	// Response is kept for diagnostics only; duplicates are never replayed.
	Response string
}

// Stats are cumulative counters since construction.
type Stats struct {
	Size       int
	Begun      uint64
	Duplicates uint64
	Expired    uint64
	Evicted    uint64
}

type entry struct {
	record    Record
	touchedAt time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently touched
	stats Stats
}

type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a ledger. Non-positive ttl or capacity fall back to defaults.
func New(ttl time.Duration, capacity int, opts ...Option) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Ledger{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryBeginProcessing marks id in-flight and returns true if it was unseen or
// its record had expired. It returns false for a live duplicate. The check and
// the insert happen under one lock.
func (l *Ledger) TryBeginProcessing(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purgeExpiredLocked(now)

	if el, ok := l.items[id]; ok && l.expired(el.Value.(*entry), now) {
		l.removeLocked(el)
		l.stats.Expired++
	}
	if el, ok := l.items[id]; ok {
		e := el.Value.(*entry)
		e.touchedAt = now
		l.order.MoveToFront(el)
		l.stats.Duplicates++
		return false
	}

	el := l.order.PushFront(&entry{
		record: Record{
			EventID:     id,
			State:       StateInFlight,
			FirstSeenAt: now,
		},
		touchedAt: now,
	})
	l.items[id] = el
	l.stats.Begun++

	for l.order.Len() > l.capacity {
		l.removeLocked(l.order.Back())
		l.stats.Evicted++
	}
	return true
}

// MarkDone moves an in-flight record to done. It returns false when the
// record is unknown, expired or already done.
func (l *Ledger) MarkDone(id, response string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	el, ok := l.items[id]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	if l.expired(e, now) {
		l.removeLocked(el)
		l.stats.Expired++
		return false
	}
	if e.record.State != StateInFlight {
		return false
	}
	e.record.State = StateDone
	e.record.Response = response
	e.touchedAt = now
	l.order.MoveToFront(el)
	return true
}

// Lookup returns the live record for id, if any.
func (l *Ledger) Lookup(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[id]
	if !ok {
		return Record{}, false
	}
	e := el.Value.(*entry)
	if l.expired(e, l.now()) {
		return Record{}, false
	}
	return e.record, true
}

// Len returns the number of physically stored records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Size = l.order.Len()
	return s
}

func (l *Ledger) expired(e *entry, now time.Time) bool {
	return now.Sub(e.record.FirstSeenAt) >= l.ttl
}

// purgeExpiredLocked drops expired records from the cold end of the list.
// Touch order and first-seen order can differ, so a stale record behind a
// fresh one stays until it reaches the back or is looked up.
func (l *Ledger) purgeExpiredLocked(now time.Time) {
	for el := l.order.Back(); el != nil; {
		e := el.Value.(*entry)
		if !l.expired(e, now) {
			return
		}
		prev := el.Prev()
		l.removeLocked(el)
		l.stats.Expired++
		el = prev
	}
}

func (l *Ledger) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	delete(l.items, e.record.EventID)
	l.order.Remove(el)
}
