package helios

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/helioskv/helios/helios/engine"
	"github.com/helioskv/helios/helios/reactor"
)

// The post-RDB-transfer renegotiation protocol. Shipping an RDB snapshot
// over a socket forks the process; the child writes bulk ciphertext through
// the inherited engine session, so the parent's write state no longer
// matches the wire. The engine is full duplex and the child never read, so
// the parent's read side stays valid: the master keeps reading replica
// pings through it until the replica reports load completion with a '+',
// then both sides tear down (without a shutdown alert, which would inject
// garbage through the broken write state) and run a fresh handshake on the
// same TCP connection. The byte protocol is fixed: peers expect exactly
// '\n' pings and one '+'.

// StartWaitForSlaveToLoadRdb begins watching the slave socket after the
// transfer: the parent keeps its stale session alive read-only to see the
// replica's liveness pings and its completion byte.
func (s *SslContext) StartWaitForSlaveToLoadRdb(slave interface{}, fd int) {
	s.loop.Unregister(fd, reactor.Readable|reactor.Writable)
	if err := s.loop.Register(fd, reactor.Readable, s.waitForSlaveToLoadRdb, slave); err != nil {
		s.hooks.FreeClient(slave)
	}
}

func (s *SslContext) waitForSlaveToLoadRdb(fd int, data interface{}, mask reactor.Mask) {
	s.logger.Trace("checking if slave is done loading RDB", "fd", fd)

	buf := make([]byte, 1)
	n, err := s.Read(fd, buf)
	if n <= 0 {
		if errors.Is(err, unix.EAGAIN) {
			// Nothing arrived; the handler runs again on readiness.
			return
		}
		s.logger.Debug("error while waiting for slave to load RDB",
			"fd", fd, "error", s.Strerror(err))
		s.hooks.FreeClient(data)
		return
	}

	s.hooks.SlaveAckUpdate(data)
	switch buf[0] {
	case '+':
		s.startNegotiateWithSlaveAfterRdbTransfer(data, fd)
	case '\n':
		// Just a ping; the ack time is already updated.
	default:
		s.logger.Warn("received an unexpected character while waiting for slave to finish loading RDB",
			"fd", fd, "byte", buf[0])
		s.hooks.FreeClient(data)
	}
}

// startNegotiateWithSlaveAfterRdbTransfer replaces the poisoned session
// with a fresh server-role one on the same fd and drives the renegotiation.
func (s *SslContext) startNegotiateWithSlaveAfterRdbTransfer(slave interface{}, fd int) {
	s.logger.Debug("reinitializing SSL connection for slave after rdb transfer", "fd", fd)

	// The write state is poisoned; a shutdown alert would corrupt the
	// stream the replica is about to handshake on.
	if err := s.CleanupConnectionForFdWithoutShutdown(fd); err != nil {
		s.failSlaveRenegotiation(slave, fd, err)
		return
	}
	if _, err := s.newConnection(engine.Server, fd, ""); err != nil {
		s.failSlaveRenegotiation(slave, fd, err)
		return
	}
	s.loop.Unregister(fd, reactor.Readable|reactor.Writable)
	if err := s.loop.Register(fd, reactor.Readable|reactor.Writable,
		s.negotiateWithSlaveAfterRdbTransfer, slave); err != nil {
		s.failSlaveRenegotiation(slave, fd, err)
	}
}

func (s *SslContext) failSlaveRenegotiation(slave interface{}, fd int, err error) {
	s.logger.Warn("error reinitializing SSL connection for slave after rdb transfer, disconnecting slave",
		"fd", fd, "error", err)
	s.hooks.FreeClient(slave)
}

func (s *SslContext) negotiateWithSlaveAfterRdbTransfer(fd int, data interface{}, mask reactor.Mask) {
	// No post-handshake handler here: the command handler is installed
	// explicitly once the handshake lands, so a failed registration can
	// free the slave.
	switch s.negotiate(fd, data, nil, reactor.None,
		s.negotiateWithSlaveAfterRdbTransfer, "negotiateWithSlaveAfterRdbTransfer") {
	case NegotiateFailed:
		s.logger.Warn("SSL negotiation with slave after rdb transfer failed, disconnecting slave", "fd", fd)
		s.hooks.FreeClient(data)
	case NegotiateRetry:
		s.hooks.SlaveAckUpdate(data)
	case NegotiateDone:
		if err := s.loop.Register(fd, reactor.Readable, s.hooks.ReadQueryFromClient, data); err != nil {
			s.hooks.FreeClient(data)
			return
		}
		s.logger.Info("streamed RDB transfer and ssl renegotiation with slave succeeded, waiting for REPLCONF ACK",
			"slave", s.hooks.SlaveName(data))
	}
}

// StartNegotiateWithMasterAfterRdbLoad begins the replica side of the
// handoff once the RDB has been loaded: send the '+' completion byte, then
// renegotiate.
func (s *SslContext) StartNegotiateWithMasterAfterRdbLoad(fd int) {
	s.logger.Debug("reinitializing SSL connection with master after sync", "fd", fd)

	// The first task is to send the completion byte, so watch for
	// writability.
	s.loop.Unregister(fd, reactor.Readable|reactor.Writable)
	if err := s.loop.Register(fd, reactor.Writable, s.negotiateWithMasterAfterRdbLoad, nil); err != nil {
		s.logger.Warn("error reinitializing master SSL connection after rdb exchange",
			"fd", fd, "error", err)
		s.hooks.CancelReplicationHandshake()
	}
}

func (s *SslContext) negotiateWithMasterAfterRdbLoad(fd int, data interface{}, mask reactor.Mask) {
	conn := s.connectionForFd(fd)

	if conn.flags&flagLoadNotificationSent == 0 {
		// This write rides the replica's still-valid write state; only
		// the master's write side was poisoned by the fork.
		n, err := s.Write(fd, []byte("+"))
		if n <= 0 {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			s.logger.Warn("failed to write load completion character to master", "fd", fd)
			s.hooks.CancelReplicationHandshake()
			return
		}

		if err := s.CleanupConnectionForFdWithoutShutdown(fd); err != nil {
			s.hooks.CancelReplicationHandshake()
			return
		}
		newConn, err := s.newConnection(engine.Client, fd, s.hooks.Masterhost())
		if err != nil {
			s.hooks.CancelReplicationHandshake()
			return
		}
		s.logger.Debug("sent load completion character to master and cleaned up old ssl connection", "fd", fd)
		newConn.flags |= flagLoadNotificationSent
	}

	switch s.negotiate(fd, data, nil, reactor.None,
		s.negotiateWithMasterAfterRdbLoad, "negotiateWithMasterAfterRdbLoad") {
	case NegotiateFailed:
		s.logger.Warn("SSL negotiation with master after rdb transfer failed, disconnecting master", "fd", fd)
		s.hooks.CancelReplicationHandshake()
	case NegotiateRetry:
		// Data moved in one direction or the other; count it as
		// transfer progress for the replication timeout.
		s.hooks.ReplicationProgress()
	case NegotiateDone:
		s.logger.Debug("SSL renegotiation with master is complete", "fd", fd)
		s.hooks.FinishSyncWithMaster()
	}
}

// DeleteReadEventHandlersForSlavesWaitingBgsave removes the readable
// handlers of slaves waiting on a socket bgsave before the fork. If the
// replica starts the renegotiation first, a still-installed command handler
// would be invoked on handshake bytes and break the handshake.
func (s *SslContext) DeleteReadEventHandlersForSlavesWaitingBgsave() {
	if !s.enabled {
		return
	}
	s.hooks.EachSlaveWaitingBgsave(func(data interface{}, fd int) {
		s.logger.Debug("deleting read handler for slave waiting on bgsave", "fd", fd)
		s.loop.Unregister(fd, reactor.Readable)
	})
}
