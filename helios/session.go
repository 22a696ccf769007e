package helios

import (
	"container/list"
	"fmt"

	"github.com/helioskv/helios/helios/engine"
	"github.com/helioskv/helios/helios/reactor"
)

type connectionFlags uint8

const (
	// flagPingInProgress: a newline ping was started and must be flushed
	// before any other plaintext is sent.
	flagPingInProgress connectionFlags = 1 << iota
	// flagLoadNotificationSent: the replica has pushed its '+' load
	// completion byte into the transport.
	flagLoadNotificationSent
	// flagClientConnection: the session belongs to a command client and
	// participates in the per-generation connection counts.
	flagClientConnection
	// flagOldCertificate: the session predates the live certificate
	// generation.
	flagOldCertificate
)

// SslConnection is the per-connection TLS state: the engine session, the fd
// it is bound to, and the linkage into the repeated-read list.
type SslConnection struct {
	engine engine.Conn
	fd     int
	flags  connectionFlags

	// cachedDataNode is non-nil exactly while the session sits in the
	// repeated-read list, and points at its own list element.
	cachedDataNode *list.Element
}

// newConnection creates an engine session bound to fd and registers it.
// serverName is the SNI name for client-role sessions, "" otherwise.
func (s *SslContext) newConnection(mode engine.Mode, fd int, serverName string) (*SslConnection, error) {
	if s.performanceMode != engine.LowLatency && s.performanceMode != engine.HighThroughput {
		return nil, fmt.Errorf("invalid SSL performance mode: %d", s.performanceMode)
	}

	opts := engine.Options{
		Mode:        mode,
		Fd:          fd,
		Performance: s.performanceMode,
		ServerName:  serverName,

		// A blinding sleep would stall the reactor for every
		// connection in the process.
		SelfServiceBlinding: true,
	}
	switch mode {
	case engine.Server:
		opts.Server = s.serverConfig
	case engine.Client:
		opts.Client = s.clientConfig
	}

	conn, err := s.newEngineConn(opts)
	if err != nil {
		return nil, fmt.Errorf("error creating engine session for fd %d: %w", fd, err)
	}

	sslConn := &SslConnection{engine: conn, fd: fd}
	s.attachConnection(fd, sslConn)
	s.logger.Debug("SSL connection set up", "fd", fd)
	return sslConn, nil
}

// SetupSslOnClient prepares TLS for a freshly accepted command client:
// creates the server-role session, counts it against the live certificate
// generation, and registers the handshake driver on both directions.
func (s *SslContext) SetupSslOnClient(data interface{}, fd int) error {
	conn, err := s.newConnection(engine.Server, fd, "")
	if err != nil {
		s.logger.Warn("error setting up SSL for client", "fd", fd, "error", err)
		return err
	}

	s.connectionsToCurrentCertificate++
	conn.flags |= flagClientConnection

	if err := s.loop.Register(fd, reactor.Readable|reactor.Writable, s.NegotiateWithClient, data); err != nil {
		_ = s.CleanupConnectionForFd(fd)
		return err
	}
	return nil
}

// CleanupConnectionForFd tears down the session for fd, sending a shutdown
// alert when the handshake got far enough for one to be meaningful.
func (s *SslContext) CleanupConnectionForFd(fd int) error {
	return s.cleanupConnection(s.connectionForFd(fd), fd, true)
}

// CleanupConnectionForFdWithoutShutdown tears down without the shutdown
// alert. Used when renegotiating an existing connection, where an alert
// would race the new handshake's records.
func (s *SslContext) CleanupConnectionForFdWithoutShutdown(fd int) error {
	return s.cleanupConnection(s.connectionForFd(fd), fd, false)
}

func (s *SslContext) cleanupConnection(conn *SslConnection, fd int, shutdown bool) error {
	s.logger.Debug("cleaning up SSL connection", "fd", fd)

	if conn.flags&flagClientConnection != 0 {
		if conn.flags&flagOldCertificate != 0 {
			s.connectionsToPreviousCertificate--
		} else {
			s.connectionsToCurrentCertificate--
		}
	}

	// A shutdown alert is only meaningful once the peer spoke TLS at us.
	if shutdown && conn.engine.ClientHelloSeen() {
		if _, err := conn.engine.Shutdown(); err != nil {
			s.logger.Debug("error sending shutdown alert", "fd", fd, "error", err)
		}
	}

	if err := conn.engine.Wipe(); err != nil {
		s.logger.Warn("error wiping engine session", "fd", fd, "error", err)
	}
	err := conn.engine.Free()
	if err != nil {
		s.logger.Warn("error freeing engine session", "fd", fd, "error", err)
	}

	if conn.cachedDataNode != nil {
		s.removeRepeatedRead(conn)
	}
	s.detachConnection(fd)
	return err
}
