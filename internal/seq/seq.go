// Package seq correlates outbound device sub-requests with their
// asynchronous completions.
//
// A Table is owned by a single goroutine. It hands out monotonically
// distinct ids, remembers what each id belongs to, keeps issue order per
// operation family and expires entries whose deadline has passed. Every
// entry is removed exactly once: by Resolve, when its completion arrives,
// or by Expire. Completions for ids that are no longer tracked are stale and
// must be dropped by the caller.
package seq

import (
	"fmt"
	"time"
)

// ID is a correlation id. Zero is never issued.
type ID uint32

// Family groups operations whose completions are ordered among themselves.
type Family int

const (
	FamilyPanTilt Family = iota
	FamilyZoom
	FamilyFocus
	FamilyPreset
	FamilyPower
)

func (f Family) String() string {
	switch f {
	case FamilyPanTilt:
		return "pan_tilt"
	case FamilyZoom:
		return "zoom"
	case FamilyFocus:
		return "focus"
	case FamilyPreset:
		return "preset"
	case FamilyPower:
		return "power"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Entry is one pending sub-request.
type Entry[T any] struct {
	ID       ID
	Family   Family
	Deadline time.Time
	Value    T
}

// Table is the correlation table. It is not safe for concurrent use.
type Table[T any] struct {
	last    ID
	entries map[ID]*Entry[T]
	order   map[Family][]ID
	now     func() time.Time
}

// NewTable creates an empty table using the wall clock.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		entries: make(map[ID]*Entry[T]),
		order:   make(map[Family][]ID),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for deadlines.
func (t *Table[T]) SetClock(now func() time.Time) {
	t.now = now
}

// NextID allocates a fresh id without registering an entry. It never returns
// zero or an id that is still pending.
func (t *Table[T]) NextID() ID {
	for {
		t.last++
		if t.last == 0 {
			continue
		}
		if _, busy := t.entries[t.last]; !busy {
			return t.last
		}
	}
}

// Issue registers a new pending sub-request and returns its id.
// A non-positive timeout means the entry never expires.
func (t *Table[T]) Issue(fam Family, value T, timeout time.Duration) ID {
	id := t.NextID()
	e := &Entry[T]{ID: id, Family: fam, Value: value}
	if timeout > 0 {
		e.Deadline = t.now().Add(timeout)
	}
	t.entries[id] = e
	t.order[fam] = append(t.order[fam], id)
	return id
}

// Resolve removes and returns the entry for id. ok is false for stale ids.
func (t *Table[T]) Resolve(id ID) (Entry[T], bool) {
	e, ok := t.entries[id]
	if !ok {
		return Entry[T]{}, false
	}
	t.remove(e)
	return *e, true
}

// Oldest returns the earliest pending id of a family, for devices that
// answer in order without echoing ids.
func (t *Table[T]) Oldest(fam Family) (ID, bool) {
	q := t.order[fam]
	if len(q) == 0 {
		return 0, false
	}
	return q[0], true
}

// Peek returns the entry for id without removing it.
func (t *Table[T]) Peek(id ID) (Entry[T], bool) {
	e, ok := t.entries[id]
	if !ok {
		return Entry[T]{}, false
	}
	return *e, true
}

// Expire removes and returns every entry whose deadline has passed, in issue
// order within each family.
func (t *Table[T]) Expire() []Entry[T] {
	now := t.now()
	var out []Entry[T]
	for fam := FamilyPanTilt; fam <= FamilyPower; fam++ {
		for _, id := range append([]ID(nil), t.order[fam]...) {
			e := t.entries[id]
			if e.Deadline.IsZero() || now.Before(e.Deadline) {
				continue
			}
			t.remove(e)
			out = append(out, *e)
		}
	}
	return out
}

// Drain removes and returns every entry, in issue order within each family.
func (t *Table[T]) Drain() []Entry[T] {
	var out []Entry[T]
	for fam := FamilyPanTilt; fam <= FamilyPower; fam++ {
		for _, id := range t.order[fam] {
			out = append(out, *t.entries[id])
			delete(t.entries, id)
		}
		delete(t.order, fam)
	}
	return out
}

// Len is the number of pending entries.
func (t *Table[T]) Len() int {
	return len(t.entries)
}

// Pending is the number of pending entries in a family.
func (t *Table[T]) Pending(fam Family) int {
	return len(t.order[fam])
}

func (t *Table[T]) remove(e *Entry[T]) {
	delete(t.entries, e.ID)
	q := t.order[e.Family]
	for i, id := range q {
		if id == e.ID {
			t.order[e.Family] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(t.order[e.Family]) == 0 {
		delete(t.order, e.Family)
	}
}
