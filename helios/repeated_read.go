package helios

import (
	"github.com/armon/go-metrics"

	"github.com/helioskv/helios/helios/reactor"
)

// The repeated-read scheduler. TLS records are larger than the kernel's
// readable edge: a recv can drain the socket into the engine while leaving
// a decrypted or partially buffered record behind, and no further socket
// event will ever announce it. Sessions in that state are queued here, and
// a zero-delay reactor task re-invokes their read handlers until the
// engines are drained.

// addRepeatedRead queues a session for synthetic read invocations. Already
// queued sessions are left alone. The handler keeps getting invoked until
// removeRepeatedRead.
func (s *SslContext) addRepeatedRead(conn *SslConnection) {
	if conn.cachedDataNode != nil {
		return
	}

	conn.cachedDataNode = s.cachedData.PushBack(conn)

	if s.repeatedReadsTaskID == reactor.TaskNone {
		id, err := s.loop.SchedulePeriodic(0, s.processRepeatedReads, nil)
		if err != nil {
			s.logger.Warn("can't create the repeated-read task", "error", err)
			return
		}
		s.repeatedReadsTaskID = id
	}
}

// removeRepeatedRead dequeues a session; a no-op for non-members. Must be
// called once the engine is drained, or the handler will keep firing.
func (s *SslContext) removeRepeatedRead(conn *SslConnection) {
	if conn.cachedDataNode == nil {
		return
	}
	s.cachedData.Remove(conn.cachedDataNode)
	conn.cachedDataNode = nil

	// The task self-terminates from its own tick once the list drains.
}

// processRepeatedReads is the reactor task driving the queued sessions'
// read handlers.
func (s *SslContext) processRepeatedReads(id reactor.TaskID, data interface{}) int {
	if !s.enabled || s.cachedData.Len() == 0 {
		s.repeatedReadsTaskID = reactor.TaskNone
		return reactor.NoMore
	}

	// Snapshot the list: read handlers add and remove entries while we
	// walk.
	snapshot := make([]*SslConnection, 0, s.cachedData.Len())
	for e := s.cachedData.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value.(*SslConnection))
	}

	if len(snapshot) > s.maxRepeatedReadListLength {
		s.maxRepeatedReadListLength = len(snapshot)
		metrics.SetGauge([]string{"ssl", "repeated_reads", "max_list_length"}, float32(len(snapshot)))
	}

	for _, conn := range snapshot {
		// A session not currently interested in reads stays queued and
		// is retried next tick.
		if s.loop.EventMask(conn.fd)&reactor.Readable == 0 {
			continue
		}
		proc := s.loop.Callback(conn.fd, reactor.Readable)
		if proc == nil {
			continue
		}
		// The callback data is re-read each iteration on purpose: a
		// handler that swaps the fd's readable registration mid-tick
		// hands the new data to the synthetic invocation.
		proc(conn.fd, s.loop.CallbackData(conn.fd, reactor.Readable), reactor.Readable)
		s.totalRepeatedReads++
		metrics.IncrCounter([]string{"ssl", "repeated_reads", "total"}, 1)
	}

	if s.cachedData.Len() == 0 {
		s.repeatedReadsTaskID = reactor.TaskNone
		return reactor.NoMore
	}
	// Run again on the next loop iteration without sleeping.
	return 0
}
