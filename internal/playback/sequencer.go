package playback

import "sync"

// Sequencer restores send order for seq-stamped frames before they reach a
// Pipeline. Frames without a sequence number (seq 0) pass straight through.
type Sequencer struct {
	emit       func(data string)
	maxPending int

	mu      sync.Mutex
	next    uint64
	resync  bool
	pending map[uint64]string
	dropped int
}

// NewSequencer expects numbering to start at 1. When more than maxPending
// frames wait on a gap the gap is skipped. emit runs under the sequencer's
// lock and must not call back into it.
func NewSequencer(maxPending int, emit func(data string)) *Sequencer {
	if maxPending <= 0 {
		maxPending = 32
	}
	return &Sequencer{
		emit:       emit,
		maxPending: maxPending,
		next:       1,
		pending:    make(map[uint64]string),
	}
}

// Push accepts one frame. Late or duplicate frames are dropped.
func (s *Sequencer) Push(seq uint64, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq == 0 {
		s.emit(data)
		return
	}
	if s.resync {
		s.resync = false
		if seq > s.next {
			s.next = seq
		}
	}
	if seq < s.next {
		s.dropped++
		return
	}
	if _, dup := s.pending[seq]; dup {
		s.dropped++
		return
	}
	s.pending[seq] = data
	s.drainLocked()

	if len(s.pending) > s.maxPending {
		s.next = s.lowestPendingLocked()
		s.drainLocked()
	}
}

// Reset discards waiting frames after a cut. The next pushed frame becomes
// the new base of the sequence.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped += len(s.pending)
	s.pending = make(map[uint64]string)
	s.resync = true
}

// Pending reports frames held back by a gap.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Dropped counts late, duplicate and reset-discarded frames.
func (s *Sequencer) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sequencer) drainLocked() {
	for {
		data, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.next++
		s.emit(data)
	}
}

func (s *Sequencer) lowestPendingLocked() uint64 {
	var low uint64
	for seq := range s.pending {
		if low == 0 || seq < low {
			low = seq
		}
	}
	return low
}
