package cache

import (
	"sync"
	"sync/atomic"
)

// record is the identity and content of an occupied slot. It is never
// mutated after publication; overwriting a slot swaps in a new record.
type record struct {
	key     string
	hash    uint64
	payload []byte
}

// gate arbitrates between any number of readers and a single writer using
// the first-reader/last-reader protocol. The first reader to arrive takes
// the writer token and the last one to leave returns it, so readers never
// wait for a writer that is merely queued. A continuous overlap of readers
// can therefore hold a writer off indefinitely.
type gate struct {
	mu      sync.Mutex
	readers int
	token   chan struct{}
}

func newGate() gate {
	return gate{token: make(chan struct{}, 1)}
}

func (g *gate) rlock() {
	g.mu.Lock()
	g.readers++
	if g.readers == 1 {
		g.token <- struct{}{}
	}
	g.mu.Unlock()
}

func (g *gate) runlock() {
	g.mu.Lock()
	g.readers--
	if g.readers == 0 {
		<-g.token
	}
	g.mu.Unlock()
}

func (g *gate) lock()   { g.token <- struct{}{} }
func (g *gate) unlock() { <-g.token }

func (g *gate) activeReaders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readers
}

// slot is one fixed storage unit of a Table.
type slot struct {
	gate    gate
	rec     atomic.Pointer[record]
	recency atomic.Int64
}

// identity returns the current record, or nil when the slot is empty. It does
// not take the gate; the record itself is an immutable snapshot.
func (s *slot) identity() *record { return s.rec.Load() }

// overwrite replaces the slot content under exclusive access and marks it
// most recently written. It returns the record that was replaced.
func (s *slot) overwrite(r *record) *record {
	s.gate.lock()
	old := s.rec.Swap(r)
	s.recency.Store(0)
	s.gate.unlock()
	return old
}
