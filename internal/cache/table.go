// Package cache implements the fixed-capacity response cache shared by all
// proxy workers.
//
// A Table owns K slots. Each slot has its own reader/writer gate; nothing
// ever locks the whole table. Lookups scan slot identities without taking
// any gate and readers re-check the identity once registered.
package cache

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultSlots is the number of slots used when a Table is created with a
// non-positive size.
const DefaultSlots = 8

// Table is a fixed array of cache slots.
type Table struct {
	slots []slot

	lookups   atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	stale     atomic.Uint64
	inserts   atomic.Uint64
	evictions atomic.Uint64
}

// Stats holds cumulative Table counters.
type Stats struct {
	Slots     int    `json:"slots"`
	Occupied  int    `json:"occupied"`
	Lookups   uint64 `json:"lookups"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Stale     uint64 `json:"stale"`
	Inserts   uint64 `json:"inserts"`
	Evictions uint64 `json:"evictions"`
}

// SlotInfo describes one slot at the time of a Snapshot.
type SlotInfo struct {
	Index    int    `json:"index"`
	Occupied bool   `json:"occupied"`
	Key      string `json:"key,omitempty"`
	Size     int    `json:"size"`
	Recency  int64  `json:"recency"`
	Readers  int    `json:"readers"`
}

// New returns a Table with n empty slots.
func New(n int) *Table {
	if n <= 0 {
		n = DefaultSlots
	}
	t := &Table{slots: make([]slot, n)}
	for i := range t.slots {
		t.slots[i].gate = newGate()
	}
	return t
}

// Len returns the number of slots.
func (t *Table) Len() int { return len(t.slots) }

// Lookup returns the index of the first occupied slot holding key.
func (t *Table) Lookup(key string) (int, bool) {
	t.lookups.Add(1)
	return t.find(key, xxhash.Sum64String(key))
}

func (t *Table) find(key string, h uint64) (int, bool) {
	for i := range t.slots {
		r := t.slots[i].identity()
		if r != nil && r.hash == h && r.key == key {
			return i, true
		}
	}
	return -1, false
}

// Read looks up key and, on a hit, calls fn with the cached payload while
// registered as a reader of the slot. No writer can overwrite the slot until
// fn returns. fn must not retain or modify payload. The returned error is the
// one from fn.
func (t *Table) Read(key string, fn func(payload []byte) error) (bool, error) {
	t.lookups.Add(1)
	idx, ok := t.find(key, xxhash.Sum64String(key))
	if !ok {
		t.misses.Add(1)
		return false, nil
	}
	s := &t.slots[idx]
	s.gate.rlock()
	defer s.gate.runlock()
	r := s.identity()
	if r == nil || r.key != key {
		// overwritten between the scan and registration
		t.stale.Add(1)
		t.misses.Add(1)
		return false, nil
	}
	t.hits.Add(1)
	return true, fn(r.payload)
}

// Insert stores payload under key and returns the slot index used and the key
// it displaced, if any. The Table keeps a reference to payload; callers must
// not modify it afterwards.
//
// The victim is the first empty slot, or else the occupied slot with the
// highest recency (lowest index on ties). After the overwrite every other
// occupied slot ages by one.
func (t *Table) Insert(key string, payload []byte) (int, string) {
	victim := t.victim()
	old := t.slots[victim].overwrite(&record{
		key:     key,
		hash:    xxhash.Sum64String(key),
		payload: payload,
	})
	for i := range t.slots {
		if i != victim && t.slots[i].identity() != nil {
			t.slots[i].recency.Add(1)
		}
	}
	t.inserts.Add(1)
	if old == nil {
		return victim, ""
	}
	t.evictions.Add(1)
	return victim, old.key
}

func (t *Table) victim() int {
	victim := -1
	var oldest int64 = -1
	for i := range t.slots {
		s := &t.slots[i]
		if s.identity() == nil {
			return i
		}
		if r := s.recency.Load(); r > oldest {
			oldest = r
			victim = i
		}
	}
	return victim
}

// Occupied counts slots that currently hold an entry.
func (t *Table) Occupied() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].identity() != nil {
			n++
		}
	}
	return n
}

// Snapshot reports the state of every slot. Slots are read one at a time so
// the result is not a point-in-time view of the whole table.
func (t *Table) Snapshot() []SlotInfo {
	out := make([]SlotInfo, len(t.slots))
	for i := range t.slots {
		out[i] = t.slotInfo(i)
	}
	return out
}

// Slot reports the state of the slot at idx.
func (t *Table) Slot(idx int) (SlotInfo, bool) {
	if idx < 0 || idx >= len(t.slots) {
		return SlotInfo{}, false
	}
	return t.slotInfo(idx), true
}

func (t *Table) slotInfo(i int) SlotInfo {
	s := &t.slots[i]
	info := SlotInfo{
		Index:   i,
		Recency: s.recency.Load(),
		Readers: s.gate.activeReaders(),
	}
	if r := s.identity(); r != nil {
		info.Occupied = true
		info.Key = r.key
		info.Size = len(r.payload)
	}
	return info
}

// Stats returns the cumulative counters.
func (t *Table) Stats() Stats {
	return Stats{
		Slots:     len(t.slots),
		Occupied:  t.Occupied(),
		Lookups:   t.lookups.Load(),
		Hits:      t.hits.Load(),
		Misses:    t.misses.Load(),
		Stale:     t.stale.Load(),
		Inserts:   t.inserts.Load(),
		Evictions: t.evictions.Load(),
	}
}
