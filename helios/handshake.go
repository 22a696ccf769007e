package helios

import (
	"github.com/armon/go-metrics"
	"golang.org/x/sys/unix"

	"github.com/helioskv/helios/helios/engine"
	"github.com/helioskv/helios/helios/reactor"
)

// NegotiationStatus is the outcome of one handshake step.
type NegotiationStatus int

const (
	NegotiateRetry NegotiationStatus = iota
	NegotiateDone
	NegotiateFailed
)

// The handshake driver. Each traffic class has a named entry wrapping the
// shared state machine with its own post-handshake handler and recovery
// action; the entries are the callbacks registered on the reactor while a
// handshake is in flight.

// NegotiateWithClient drives the handshake with a command client. data is
// the client object, returned to FreeClient on failure.
func (s *SslContext) NegotiateWithClient(fd int, data interface{}, mask reactor.Mask) {
	if s.negotiate(fd, data, s.hooks.ReadQueryFromClient, reactor.Readable,
		s.NegotiateWithClient, "NegotiateWithClient") == NegotiateFailed {
		s.hooks.FreeClient(data)
	}
}

// NegotiateWithClusterNodeAsServer drives the server side of a cluster bus
// handshake. data is the cluster link.
func (s *SslContext) NegotiateWithClusterNodeAsServer(fd int, data interface{}, mask reactor.Mask) {
	if s.negotiate(fd, data, s.hooks.ClusterReadHandler, reactor.Readable,
		s.NegotiateWithClusterNodeAsServer, "NegotiateWithClusterNodeAsServer") == NegotiateFailed {
		s.hooks.FreeClusterLink(data)
	}
}

// NegotiateWithClusterNodeAsClient drives the client side of a cluster bus
// handshake, entered after a non-blocking connect.
func (s *SslContext) NegotiateWithClusterNodeAsClient(fd int, data interface{}, mask reactor.Mask) {
	// The connect was non-blocking; a socket-level failure surfaces as
	// readiness, so check before spending a handshake round on it.
	if sockerr := pendingSocketError(fd); sockerr != nil {
		s.logger.Warn("error condition on socket for cluster client negotiation",
			"fd", fd, "error", sockerr)
		s.loop.Unregister(fd, reactor.Readable|reactor.Writable)
		return
	}

	if s.negotiate(fd, data, s.hooks.ClusterReadHandler, reactor.Readable,
		s.NegotiateWithClusterNodeAsClient, "NegotiateWithClusterNodeAsClient") == NegotiateDone {
		s.hooks.ClusterClientSetup(data)
	}
}

// NegotiateWithMaster drives the handshake with the replication master.
func (s *SslContext) NegotiateWithMaster(fd int, data interface{}, mask reactor.Mask) {
	if sockerr := pendingSocketError(fd); sockerr != nil {
		s.logger.Warn("error condition on socket for SYNC", "fd", fd, "error", sockerr)
		s.failMasterNegotiation(fd)
		return
	}

	switch s.negotiate(fd, data, s.hooks.SyncWithMaster, reactor.Readable|reactor.Writable,
		s.NegotiateWithMaster, "NegotiateWithMaster") {
	case NegotiateFailed:
		s.failMasterNegotiation(fd)
	case NegotiateRetry:
	case NegotiateDone:
		s.hooks.OnMasterNegotiated()
	}
}

func (s *SslContext) failMasterNegotiation(fd int) {
	_ = s.CleanupConnectionForFd(fd)
	s.loop.Unregister(fd, reactor.Readable|reactor.Writable)
	_ = unix.Close(fd)
	s.hooks.MasterNegotiationFailed()
}

// SyncNegotiate drives a handshake to completion outside the event loop,
// for call sites doing blocking startup I/O. The timeout bounds each wait
// for readiness, not the whole handshake.
func (s *SslContext) SyncNegotiate(fd int, timeoutMs int64) error {
	conn := s.connectionForFd(fd)
	for {
		s.logger.Trace("starting synchronous SSL negotiation round", "fd", fd)
		blocked, err := conn.engine.Negotiate()
		if err == nil {
			s.logger.Debug("synchronous SSL negotiation done",
				"fd", fd, "cipher", conn.engine.CipherName())
			return nil
		}
		if !engine.IsBlocked(err) {
			s.logger.Warn("synchronous SSL negotiation unsuccessful", "fd", fd, "error", err)
			return err
		}
		var need reactor.Mask
		switch blocked {
		case engine.BlockedOnRead:
			need = reactor.Readable
		case engine.BlockedOnWrite:
			need = reactor.Writable
		default:
			return err
		}
		if s.loop.Wait(fd, need, timeoutMs)&need == 0 {
			s.logger.Debug("synchronous SSL negotiation timed out", "fd", fd, "waiting_on", need)
			return unix.ETIMEDOUT
		}
	}
}

// negotiate runs one handshake step and re-arms the reactor on the blocked
// direction. On completion both directions are cleared and the
// post-handshake handler, if any, is installed on its mask; some call sites
// pass none and leave the fd quiescent for a later step.
func (s *SslContext) negotiate(fd int, data interface{}, post reactor.FileProc, postMask reactor.Mask,
	source reactor.FileProc, sourceName string) NegotiationStatus {

	conn := s.connectionForFd(fd)
	s.logger.Trace("resuming SSL negotiation", "from", sourceName, "fd", fd)

	blocked, err := conn.engine.Negotiate()
	if err != nil {
		if engine.IsBlocked(err) {
			s.logger.Trace("SSL negotiation blocked on IO, will resume", "fd", fd, "blocked", blocked)
			if s.rearmForHandshake(blocked, fd, data, source) != nil {
				return NegotiateFailed
			}
			return NegotiateRetry
		}
		s.logger.Warn("SSL negotiation unsuccessful", "fd", fd, "error", err)
		metrics.IncrCounter([]string{"ssl", "handshake", "failed"}, 1)
		// Stop further invocations of the entry.
		s.loop.Unregister(fd, reactor.Readable|reactor.Writable)
		return NegotiateFailed
	}

	metrics.IncrCounter([]string{"ssl", "handshake", "complete"}, 1)
	s.logger.Debug("negotiation done successfully", "fd", fd, "cipher", conn.engine.CipherName())

	s.loop.Unregister(fd, reactor.Readable|reactor.Writable)
	if post != nil {
		if err := s.loop.Register(fd, postMask, post, data); err != nil {
			return NegotiateFailed
		}
	}
	return NegotiateDone
}

// rearmForHandshake switches reactor interest to the direction the engine
// is blocked on: the opposite interest is dropped, and the entry is only
// re-registered if the fd ended up with no interest at all.
func (s *SslContext) rearmForHandshake(blocked engine.Blocked, fd int, data interface{}, source reactor.FileProc) error {
	var drop, listen reactor.Mask
	switch blocked {
	case engine.BlockedOnRead:
		drop, listen = reactor.Writable, reactor.Readable
	case engine.BlockedOnWrite:
		drop, listen = reactor.Readable, reactor.Writable
	default:
		return nil
	}
	s.loop.Unregister(fd, drop)
	if s.loop.EventMask(fd) == reactor.None {
		if err := s.loop.Register(fd, listen, source, data); err != nil {
			return err
		}
	}
	return nil
}

func pendingSocketError(fd int) error {
	sockerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if sockerr != 0 {
		return unix.Errno(sockerr)
	}
	return nil
}
