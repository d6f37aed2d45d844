package net

import "sync/atomic"

// Sequence hands out task ids. Implementations must be safe for concurrent use.
type Sequence interface {
	Next() uint64
}

// AtomicSequence counts up from its start value.
type AtomicSequence struct {
	v atomic.Uint64
}

// NewAtomicSequence returns a sequence whose first Next is start.
func NewAtomicSequence(start uint64) *AtomicSequence {
	s := &AtomicSequence{}
	s.v.Store(start)
	return s
}

// Next returns the current value and advances it.
func (s *AtomicSequence) Next() uint64 {
	return s.v.Add(1) - 1
}
