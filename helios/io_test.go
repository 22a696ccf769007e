package helios

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/helioskv/helios/helios/engine"
)

func TestReadQueuesRepeatedReadWhenEngineHoldsData(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})
	ec := &fakeEngineConn{recvScript: []recvStep{
		{data: []byte("first record"), blocked: engine.BlockedOnRead},
		{data: []byte("second record"), blocked: engine.NotBlocked},
	}}
	conn := attachFakeConn(t, s, 7, ec)

	buf := make([]byte, 64)
	n, err := s.Read(7, buf)
	if err != nil || string(buf[:n]) != "first record" {
		t.Fatalf("first read = (%d, %v)", n, err)
	}
	if conn.cachedDataNode == nil {
		t.Fatal("session must be queued while the engine holds buffered data")
	}

	n, err = s.Read(7, buf)
	if err != nil || string(buf[:n]) != "second record" {
		t.Fatalf("second read = (%d, %v)", n, err)
	}
	if conn.cachedDataNode != nil {
		t.Fatal("session must be dequeued once the engine is drained")
	}
}

func TestReadBlockedBecomesEAGAIN(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})
	ec := &fakeEngineConn{recvScript: []recvStep{
		{blocked: engine.BlockedOnRead, err: testBlockedErr},
	}}
	conn := attachFakeConn(t, s, 7, ec)

	n, err := s.Read(7, make([]byte, 16))
	if n != 0 || !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("blocked read = (%d, %v), want (0, EAGAIN)", n, err)
	}
	if conn.cachedDataNode != nil {
		t.Fatal("a socket-blocked read must not queue a repeated read")
	}
}

func TestReadPropagatesEngineErrors(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})
	protoErr := &engine.Error{Class: engine.ClassProtocol, Err: errors.New("bad record")}
	ec := &fakeEngineConn{recvScript: []recvStep{{err: protoErr}}}
	attachFakeConn(t, s, 7, ec)

	if _, err := s.Read(7, make([]byte, 16)); !errors.Is(err, protoErr) {
		t.Fatalf("expected the engine error back, got %v", err)
	}
}

func TestPingBlockedSetsFlagAndWriteFlushesItFirst(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})
	ec := &fakeEngineConn{sendScript: []sendStep{
		// The ping's newline is refused.
		{accept: false, blocked: engine.BlockedOnWrite, err: testBlockedErr},
	}}
	conn := attachFakeConn(t, s, 7, ec)

	s.Ping(7)
	if conn.flags&flagPingInProgress == 0 {
		t.Fatal("blocked ping must latch the in-progress flag")
	}

	// Next write first retries the newline, then sends the payload; the
	// peer sees exactly "\nGET x\r\n".
	n, err := s.Write(7, []byte("GET x\r\n"))
	if err != nil || n != 7 {
		t.Fatalf("write = (%d, %v)", n, err)
	}
	if conn.flags&flagPingInProgress != 0 {
		t.Fatal("flag must clear once the newline is flushed")
	}
	if !bytes.Equal(ec.sent, []byte("\nGET x\r\n")) {
		t.Fatalf("wire bytes = %q, want %q", ec.sent, "\nGET x\r\n")
	}
}

func TestWriteWithPingStillBlockedLeavesBufferUntouched(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})
	ec := &fakeEngineConn{sendScript: []sendStep{
		{accept: false, blocked: engine.BlockedOnWrite, err: testBlockedErr}, // ping
		{accept: false, blocked: engine.BlockedOnWrite, err: testBlockedErr}, // retry of '\n'
	}}
	conn := attachFakeConn(t, s, 7, ec)

	s.Ping(7)

	n, err := s.Write(7, []byte("GET x\r\n"))
	if n != 0 || !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("write during blocked ping = (%d, %v), want (0, EAGAIN)", n, err)
	}
	if len(ec.sent) != 0 {
		t.Fatalf("no caller byte may reach the engine before the newline: %q", ec.sent)
	}
	if conn.flags&flagPingInProgress == 0 {
		t.Fatal("flag must stay latched while the newline is unflushed")
	}
}

func TestPingSuccessDoesNotSetFlag(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})
	ec := &fakeEngineConn{}
	conn := attachFakeConn(t, s, 7, ec)

	s.Ping(7)
	if conn.flags&flagPingInProgress != 0 {
		t.Fatal("an accepted ping must not latch the flag")
	}
	if !bytes.Equal(ec.sent, []byte("\n")) {
		t.Fatalf("wire bytes = %q, want newline", ec.sent)
	}
}

func TestWriteBlockedBecomesEAGAIN(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})
	ec := &fakeEngineConn{sendScript: []sendStep{
		{accept: false, blocked: engine.BlockedOnWrite, err: testBlockedErr},
	}}
	attachFakeConn(t, s, 7, ec)

	n, err := s.Write(7, []byte("payload"))
	if n != 0 || !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("blocked write = (%d, %v), want (0, EAGAIN)", n, err)
	}
}

func TestStrerrorUnwrapsIOClass(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})

	ioErr := &engine.Error{Class: engine.ClassIO, Err: unix.ECONNRESET}
	if got := s.Strerror(ioErr); got != unix.ECONNRESET.Error() {
		t.Fatalf("IO-class error must surface the OS error, got %q", got)
	}

	protoErr := &engine.Error{Class: engine.ClassProtocol, Err: errors.New("handshake alert")}
	if got := s.Strerror(protoErr); got != "handshake alert" {
		t.Fatalf("protocol error must surface the engine message, got %q", got)
	}

	if got := s.Strerror(nil); got != "" {
		t.Fatalf("nil error must render empty, got %q", got)
	}
}
