package engine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// stdConn adapts crypto/tls to the non-blocking Conn surface. crypto/tls
// wants a blocking net.Conn, so the adapter gives it an in-memory record
// buffer (the bio) and runs the handshake and the record reader on internal
// goroutines; the event-loop side feeds ciphertext from the fd into the bio
// and flushes the bio's output to the fd, never blocking. The loop goroutine
// is the only caller of the Conn methods.
type stdConn struct {
	fd   int
	mode Mode

	tc  *tls.Conn
	bio *memBIO

	// outPending is ciphertext accepted from crypto/tls but not yet
	// written to the socket.
	outPending []byte

	handshakeStarted bool
	handshakeDone    chan struct{}
	handshakeErr     error

	readerOnce sync.Once
	plainMu    sync.Mutex
	plainBuf   []byte
	readErr    error

	helloMu         sync.Mutex
	clientHelloSeen bool

	freed bool
}

// Sends are refused once this much ciphertext is waiting on the socket, so
// a caller that ignores blocked results cannot grow the buffer without
// bound.
const maxPendingCiphertext = 128 * 1024

// progressWait bounds how long the loop-side methods wait for the internal
// goroutines to consume freshly injected ciphertext.
const progressWait = 5 * time.Millisecond

// New builds a Conn over an already-connected non-blocking socket.
func New(opts Options) (Conn, error) {
	c := &stdConn{
		fd:            opts.Fd,
		mode:          opts.Mode,
		bio:           newMemBIO(),
		handshakeDone: make(chan struct{}),
	}

	switch opts.Mode {
	case Server:
		if opts.Server == nil || opts.Server.TLS == nil {
			return nil, errors.New("server engine conn requires a server config")
		}
		cfg := opts.Server.TLS.Clone()
		cfg.DynamicRecordSizingDisabled = opts.Performance == HighThroughput
		inner := cfg.GetConfigForClient
		cfg.GetConfigForClient = func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			c.helloMu.Lock()
			c.clientHelloSeen = true
			c.helloMu.Unlock()
			if inner != nil {
				return inner(chi)
			}
			return nil, nil
		}
		c.tc = tls.Server(c.bio, cfg)
	case Client:
		if opts.Client == nil || opts.Client.TLS == nil {
			return nil, errors.New("client engine conn requires a client config")
		}
		cfg := opts.Client.TLS.Clone()
		cfg.DynamicRecordSizingDisabled = opts.Performance == HighThroughput
		if opts.ServerName != "" {
			cfg.ServerName = opts.ServerName
		}
		c.tc = tls.Client(c.bio, cfg)
	default:
		return nil, fmt.Errorf("unknown engine mode: %d", opts.Mode)
	}
	return c, nil
}

func (c *stdConn) Negotiate() (Blocked, error) {
	if c.freed {
		return NotBlocked, &Error{Class: ClassProtocol, Err: errors.New("conn already freed")}
	}
	if !c.handshakeStarted {
		c.handshakeStarted = true
		go func() {
			err := c.tc.Handshake()
			c.handshakeErr = err
			if err == nil && c.mode == Client {
				c.helloMu.Lock()
				c.clientHelloSeen = true
				c.helloMu.Unlock()
			}
			close(c.handshakeDone)
		}()
	}

	for {
		if blocked, err := c.flushOut(); err != nil {
			return blocked, err
		}

		select {
		case <-c.handshakeDone:
			if c.handshakeErr != nil {
				return NotBlocked, classify(c.handshakeErr)
			}
			if blocked, err := c.flushOut(); err != nil {
				return blocked, err
			}
			if len(c.outPending) > 0 || c.bio.outLen() > 0 {
				return BlockedOnWrite, errBlocked
			}
			c.startReader()
			return NotBlocked, nil
		default:
		}

		n, err := c.feedIn()
		if err != nil {
			return NotBlocked, err
		}
		if n == 0 && c.bio.outLen() == 0 && len(c.outPending) == 0 {
			// Nothing on the wire and nothing to flush: the peer owes
			// us the next flight.
			if !c.bio.waitProgress(progressWait) {
				return BlockedOnRead, errBlocked
			}
			continue
		}
		// Give the handshake goroutine a beat to consume what we fed.
		c.bio.waitProgress(progressWait)
	}
}

func (c *stdConn) Recv(p []byte) (int, Blocked, error) {
	if c.freed {
		return 0, NotBlocked, &Error{Class: ClassProtocol, Err: errors.New("conn already freed")}
	}

	if n, blocked, ok := c.takePlain(p); ok {
		return n, blocked, nil
	}

	fed, err := c.feedIn()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, NotBlocked, nil
		}
		return 0, NotBlocked, err
	}
	if fed > 0 {
		c.bio.waitProgress(progressWait)
		if n, blocked, ok := c.takePlain(p); ok {
			return n, blocked, nil
		}
	}

	c.plainMu.Lock()
	rerr := c.readErr
	c.plainMu.Unlock()
	if rerr != nil {
		if errors.Is(rerr, io.EOF) {
			return 0, NotBlocked, nil
		}
		return 0, NotBlocked, classify(rerr)
	}
	return 0, BlockedOnRead, errBlocked
}

func (c *stdConn) Send(p []byte) (int, Blocked, error) {
	if c.freed {
		return 0, NotBlocked, &Error{Class: ClassProtocol, Err: errors.New("conn already freed")}
	}

	if blocked, err := c.flushOut(); err != nil {
		return 0, blocked, err
	}
	if len(c.outPending)+c.bio.outLen() > maxPendingCiphertext {
		return 0, BlockedOnWrite, errBlocked
	}

	n, err := c.tc.Write(p)
	if err != nil {
		return n, NotBlocked, classify(err)
	}
	blocked, err := c.flushOut()
	if err != nil {
		return n, blocked, err
	}
	if len(c.outPending) > 0 {
		return n, BlockedOnWrite, nil
	}
	return n, NotBlocked, nil
}

func (c *stdConn) Shutdown() (Blocked, error) {
	if c.freed {
		return NotBlocked, nil
	}
	// Queues the close_notify alert in the bio; flushed best effort.
	_ = c.tc.Close()
	blocked, err := c.flushOut()
	if err != nil {
		return blocked, err
	}
	if len(c.outPending) > 0 {
		return BlockedOnWrite, nil
	}
	return NotBlocked, nil
}

func (c *stdConn) Wipe() error {
	c.plainMu.Lock()
	c.plainBuf = nil
	c.plainMu.Unlock()
	c.outPending = nil
	c.bio.reset()
	return nil
}

func (c *stdConn) Free() error {
	if c.freed {
		return nil
	}
	c.freed = true
	c.bio.close()
	return nil
}

func (c *stdConn) ClientHelloSeen() bool {
	c.helloMu.Lock()
	defer c.helloMu.Unlock()
	return c.clientHelloSeen
}

func (c *stdConn) CipherName() string {
	state := c.tc.ConnectionState()
	if !state.HandshakeComplete {
		return ""
	}
	return tls.CipherSuiteName(state.CipherSuite)
}

// takePlain copies buffered plaintext into p. The second result mirrors the
// buffered-record contract: BlockedOnRead with n > 0 means the engine still
// holds data the socket will never announce.
func (c *stdConn) takePlain(p []byte) (int, Blocked, bool) {
	c.plainMu.Lock()
	defer c.plainMu.Unlock()
	if len(c.plainBuf) == 0 {
		return 0, NotBlocked, false
	}
	n := copy(p, c.plainBuf)
	c.plainBuf = c.plainBuf[n:]
	if len(c.plainBuf) > 0 || c.bio.inLen() > 0 {
		return n, BlockedOnRead, true
	}
	return n, NotBlocked, true
}

// startReader launches the record reader that drains crypto/tls into the
// plaintext buffer. Runs once, after the handshake completes.
func (c *stdConn) startReader() {
	c.readerOnce.Do(func() {
		go func() {
			buf := make([]byte, 32*1024)
			for {
				n, err := c.tc.Read(buf)
				if n > 0 {
					c.plainMu.Lock()
					c.plainBuf = append(c.plainBuf, buf[:n]...)
					c.plainMu.Unlock()
					c.bio.signalProgress()
				}
				if err != nil {
					c.plainMu.Lock()
					c.readErr = err
					c.plainMu.Unlock()
					c.bio.signalProgress()
					return
				}
			}
		}()
	})
}

// feedIn moves ciphertext from the socket into the bio. Returns the number
// of bytes moved; zero with a nil error means the socket had nothing
// (EAGAIN).
func (c *stdConn) feedIn() (int, error) {
	buf := make([]byte, 16*1024)
	total := 0
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.bio.injectIncoming(buf[:n])
			total += n
			continue
		}
		if n == 0 && err == nil {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}
		switch err {
		case unix.EAGAIN:
			return total, nil
		case unix.EINTR:
			continue
		default:
			return total, &Error{Class: ClassIO, Err: err}
		}
	}
}

// flushOut writes buffered ciphertext to the socket, retaining whatever the
// socket refuses.
func (c *stdConn) flushOut() (Blocked, error) {
	c.outPending = append(c.outPending, c.bio.takeOutgoing()...)
	for len(c.outPending) > 0 {
		n, err := unix.Write(c.fd, c.outPending)
		if n > 0 {
			c.outPending = c.outPending[n:]
			continue
		}
		switch err {
		case unix.EAGAIN:
			return BlockedOnWrite, nil
		case unix.EINTR:
			continue
		default:
			return NotBlocked, &Error{Class: ClassIO, Err: err}
		}
	}
	return NotBlocked, nil
}

func classify(err error) error {
	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}
	var nerr *net.OpError
	if errors.As(err, &nerr) {
		return &Error{Class: ClassIO, Err: err}
	}
	return &Error{Class: ClassProtocol, Err: err}
}

// memBIO is the in-memory net.Conn crypto/tls runs against. The incoming
// side blocks readers until ciphertext is injected; the outgoing side only
// buffers.
type memBIO struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       []byte
	out      []byte
	closed   bool
	progress chan struct{}
}

func newMemBIO() *memBIO {
	b := &memBIO{progress: make(chan struct{}, 1)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *memBIO) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.in) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.in)
	b.in = b.in[n:]
	return n, nil
}

func (b *memBIO) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	b.out = append(b.out, p...)
	b.mu.Unlock()
	b.signalProgress()
	return len(p), nil
}

func (b *memBIO) injectIncoming(p []byte) {
	b.mu.Lock()
	b.in = append(b.in, p...)
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *memBIO) takeOutgoing() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.out
	b.out = nil
	return out
}

func (b *memBIO) inLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.in)
}

func (b *memBIO) outLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.out)
}

func (b *memBIO) reset() {
	b.mu.Lock()
	b.in, b.out = nil, nil
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *memBIO) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
	b.signalProgress()
}

func (b *memBIO) signalProgress() {
	select {
	case b.progress <- struct{}{}:
	default:
	}
}

// waitProgress waits up to d for the internal goroutines to signal that
// they consumed or produced data. Reports whether a signal arrived.
func (b *memBIO) waitProgress(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.progress:
		return true
	case <-t.C:
		return false
	}
}

func (b *memBIO) Close() error                       { return nil }
func (b *memBIO) LocalAddr() net.Addr                { return bioAddr{} }
func (b *memBIO) RemoteAddr() net.Addr               { return bioAddr{} }
func (b *memBIO) SetDeadline(t time.Time) error      { return nil }
func (b *memBIO) SetReadDeadline(t time.Time) error  { return nil }
func (b *memBIO) SetWriteDeadline(t time.Time) error { return nil }

type bioAddr struct{}

func (bioAddr) Network() string { return "mem" }
func (bioAddr) String() string  { return "mem" }
