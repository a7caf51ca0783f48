package relay

import "container/list"

// gcScheduler queues the log positions at which the relay finished reading a segment. Once the
// replica acknowledged a position, only the newest covered one is scheduled, the older ones are
// implied by it.
type gcScheduler struct {
	// pending holds int64 signatures in increasing order.
	pending list.List
	// schedule issues the GC advance. It reports false if the advance couldn't be issued.
	schedule func(signature int64) bool
}

// add queues the signature of a finished segment.
func (s *gcScheduler) add(signature int64) {
	s.pending.PushBack(signature)
}

// ack drops every queued signature up to and including the acknowledged one and schedules the
// last one dropped. If it can't be scheduled it stays queued in place of the dropped ones so that
// the next acknowledgment retries it. It reports whether anything was scheduled.
func (s *gcScheduler) ack(acknowledged int64) bool {
	var last int64
	found := false
	for e := s.pending.Front(); e != nil && e.Value.(int64) <= acknowledged; e = s.pending.Front() {
		last, found = e.Value.(int64), true
		s.pending.Remove(e)
	}

	if !found {
		return false
	}

	if !s.schedule(last) {
		s.pending.PushFront(last)
		return false
	}
	return true
}

// len returns the number of queued signatures.
func (s *gcScheduler) len() int {
	return s.pending.Len()
}
