package helios

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/helioskv/helios/helios/engine"
)

// I/O shims. Every upstream read and write on a connection goes through
// these; with TLS disabled they are direct socket calls with untouched
// errno semantics, with TLS enabled blocked engine results are normalized
// to EAGAIN so callers keep their plain-socket logic.

// Read reads decrypted bytes into buf. A return of (0, nil) means the peer
// closed cleanly; unix.EAGAIN means no full record is available yet.
func (s *SslContext) Read(fd int, buf []byte) (int, error) {
	if !s.enabled {
		return plainRead(fd, buf)
	}

	n, blocked, err := s.recv(fd, buf)
	conn := s.connectionForFd(fd)
	if n > 0 && blocked == engine.BlockedOnRead {
		// A record was decrypted but the engine still holds buffered
		// data; no socket event will announce it.
		s.addRepeatedRead(conn)
	} else {
		// Either the engine is drained or nothing was returned because
		// the socket itself ran dry.
		s.removeRepeatedRead(conn)
	}
	return n, err
}

// recv wraps the engine read and normalizes the blocked signal to EAGAIN.
func (s *SslContext) recv(fd int, buf []byte) (int, engine.Blocked, error) {
	conn := s.connectionForFd(fd)
	n, blocked, err := conn.engine.Recv(buf)
	if err != nil && engine.IsBlocked(err) {
		return n, blocked, unix.EAGAIN
	}
	return n, blocked, err
}

// Write sends plaintext. If a newline ping is still in flight it is flushed
// first; until that succeeds the caller's buffer is not touched, because
// the engine requires a started record to be completed before new data.
func (s *SslContext) Write(fd int, buf []byte) (int, error) {
	if !s.enabled {
		return plainWrite(fd, buf)
	}

	conn := s.connectionForFd(fd)

	if conn.flags&flagPingInProgress != 0 {
		if _, _, err := conn.engine.Send([]byte("\n")); err != nil {
			if engine.IsBlocked(err) {
				return 0, unix.EAGAIN
			}
			return 0, err
		}
		conn.flags &^= flagPingInProgress
	}

	n, _, err := conn.engine.Send(buf)
	if err != nil && engine.IsBlocked(err) {
		return n, unix.EAGAIN
	}
	return n, err
}

// Ping sends a best-effort newline heartbeat on a connection used for other
// traffic. The caller never retries, but the engine demands that a started
// send be completed, so a blocked ping is latched and finished by the next
// Write on the same fd.
func (s *SslContext) Ping(fd int) {
	_, err := s.Write(fd, []byte("\n"))
	if s.enabled && errors.Is(err, unix.EAGAIN) {
		conn := s.connectionForFd(fd)
		conn.flags |= flagPingInProgress
	}
}

// Strerror renders an I/O shim error for logs. Engine errors of the I/O
// class surface the OS error they wrap; everything else is the engine's own
// message.
func (s *SslContext) Strerror(err error) string {
	if err == nil {
		return ""
	}
	if s.enabled && engine.ClassOf(err) == engine.ClassIO {
		var ee *engine.Error
		if errors.As(err, &ee) && ee.Err != nil {
			return ee.Err.Error()
		}
	}
	return err.Error()
}

func plainRead(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func plainWrite(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}
