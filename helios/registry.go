package helios

import "fmt"

// The fd registry is a dense slice keyed by fd. This relies on the OS
// allocating descriptors as small densely packed integers, the same
// assumption the reactor's fd bookkeeping makes.

// attachConnection stores a session under its fd. Double insertion and
// out-of-range fds are ownership bugs and fail hard.
func (s *SslContext) attachConnection(fd int, conn *SslConnection) {
	if fd < 0 || fd >= len(s.fdToConn) {
		panic(fmt.Sprintf("ssl: fd %d outside registry of size %d", fd, len(s.fdToConn)))
	}
	if s.fdToConn[fd] != nil {
		panic(fmt.Sprintf("ssl: fd %d already has a registered session", fd))
	}
	s.fdToConn[fd] = conn
}

func (s *SslContext) detachConnection(fd int) {
	if fd < 0 || fd >= len(s.fdToConn) {
		panic(fmt.Sprintf("ssl: fd %d outside registry of size %d", fd, len(s.fdToConn)))
	}
	s.fdToConn[fd] = nil
}

// isResizeAllowed reports whether no live session sits at or beyond
// newSize.
func isResizeAllowed(fdToConn []*SslConnection, newSize int) bool {
	maxFd := -1
	for i := len(fdToConn) - 1; i >= 0; i-- {
		if fdToConn[i] != nil {
			maxFd = i
			break
		}
	}
	return maxFd < newSize
}

// ResizeRegistry resizes the fd registry, typically after a maxclients
// change. Shrinking below a live fd would silently orphan its session, so
// that case fails without touching anything.
func (s *SslContext) ResizeRegistry(newSize int) error {
	if !s.enabled {
		return nil
	}
	if newSize == len(s.fdToConn) {
		return nil
	}
	if !isResizeAllowed(s.fdToConn, newSize) {
		return fmt.Errorf("cannot resize fd registry to %d: live fd beyond new size", newSize)
	}
	resized := make([]*SslConnection, newSize)
	copy(resized, s.fdToConn)
	s.fdToConn = resized
	return nil
}

// RegistrySize reports the current registry capacity.
func (s *SslContext) RegistrySize() int {
	return len(s.fdToConn)
}
