package worker

import "sync"

// Slots hands out smoke-test slots 0..N-1. Each acquisition advances a
// node-local counter and takes counter mod N; a slot still held by a running
// build is skipped so two live builds never share a port.
type Slots struct {
	mu      sync.Mutex
	counter int
	busy    []bool
}

// NewSlots returns an allocator for n slots. n below one is treated as one.
func NewSlots(n int) *Slots {
	return &Slots{busy: make([]bool, max(n, 1))}
}

// Size returns N.
func (s *Slots) Size() int { return len(s.busy) }

// Acquire returns the next free slot, or false when all N are held.
func (s *Slots) Acquire() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.busy)
	for range n {
		slot := s.counter % n
		s.counter++
		if !s.busy[slot] {
			s.busy[slot] = true
			return slot, true
		}
	}
	return 0, false
}

// Release returns slot to the pool. Releasing a free or unknown slot is a
// no-op.
func (s *Slots) Release(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot >= 0 && slot < len(s.busy) {
		s.busy[slot] = false
	}
}
