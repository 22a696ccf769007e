package helios

import (
	"container/list"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/helioskv/helios/helios/engine"
	"github.com/helioskv/helios/helios/reactor"
)

// Test harness: a scripted reactor and a scripted engine, so handshake and
// I/O sequences run deterministically without sockets.

type fakeFileEvent struct {
	mask  reactor.Mask
	rproc reactor.FileProc
	wproc reactor.FileProc
	rdata interface{}
	wdata interface{}
}

type fakeTask struct {
	proc reactor.TimeProc
	data interface{}
}

type fakeReactor struct {
	fds    map[int]*fakeFileEvent
	tasks  map[reactor.TaskID]*fakeTask
	nextID reactor.TaskID

	// interestEdits counts Register/Unregister calls that changed
	// state, for the one-edit-per-step property.
	interestEdits int

	waitResult reactor.Mask
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{
		fds:   make(map[int]*fakeFileEvent),
		tasks: make(map[reactor.TaskID]*fakeTask),
	}
}

func (r *fakeReactor) Register(fd int, mask reactor.Mask, proc reactor.FileProc, data interface{}) error {
	fe := r.fds[fd]
	if fe == nil {
		fe = &fakeFileEvent{}
		r.fds[fd] = fe
	}
	if fe.mask|mask != fe.mask {
		r.interestEdits++
	}
	fe.mask |= mask
	if mask&reactor.Readable != 0 {
		fe.rproc, fe.rdata = proc, data
	}
	if mask&reactor.Writable != 0 {
		fe.wproc, fe.wdata = proc, data
	}
	return nil
}

func (r *fakeReactor) Unregister(fd int, mask reactor.Mask) {
	fe := r.fds[fd]
	if fe == nil {
		return
	}
	if fe.mask&mask != 0 {
		r.interestEdits++
	}
	fe.mask &^= mask
	if mask&reactor.Readable != 0 {
		fe.rproc, fe.rdata = nil, nil
	}
	if mask&reactor.Writable != 0 {
		fe.wproc, fe.wdata = nil, nil
	}
	if fe.mask == reactor.None {
		delete(r.fds, fd)
	}
}

func (r *fakeReactor) EventMask(fd int) reactor.Mask {
	if fe := r.fds[fd]; fe != nil {
		return fe.mask
	}
	return reactor.None
}

func (r *fakeReactor) Callback(fd int, mask reactor.Mask) reactor.FileProc {
	fe := r.fds[fd]
	if fe == nil {
		return nil
	}
	if mask&reactor.Readable != 0 {
		return fe.rproc
	}
	if mask&reactor.Writable != 0 {
		return fe.wproc
	}
	return nil
}

func (r *fakeReactor) CallbackData(fd int, mask reactor.Mask) interface{} {
	fe := r.fds[fd]
	if fe == nil {
		return nil
	}
	if mask&reactor.Readable != 0 {
		return fe.rdata
	}
	if mask&reactor.Writable != 0 {
		return fe.wdata
	}
	return nil
}

func (r *fakeReactor) SchedulePeriodic(delayMs int64, proc reactor.TimeProc, data interface{}) (reactor.TaskID, error) {
	id := r.nextID
	r.nextID++
	r.tasks[id] = &fakeTask{proc: proc, data: data}
	return id, nil
}

func (r *fakeReactor) CancelTask(id reactor.TaskID) error {
	delete(r.tasks, id)
	return nil
}

func (r *fakeReactor) Wait(fd int, mask reactor.Mask, timeoutMs int64) reactor.Mask {
	return r.waitResult & mask
}

// runTask fires a scheduled task once, removing it if it returns NoMore.
// Reports whether the task asked to run again.
func (r *fakeReactor) runTask(t *testing.T, id reactor.TaskID) bool {
	t.Helper()
	task := r.tasks[id]
	if task == nil {
		t.Fatalf("no task with id %d", id)
	}
	if task.proc(id, task.data) == reactor.NoMore {
		delete(r.tasks, id)
		return false
	}
	return true
}

var testBlockedErr = &engine.Error{Class: engine.ClassBlocked}

type negotiateStep struct {
	blocked engine.Blocked
	err     error
}

type recvStep struct {
	data    []byte
	blocked engine.Blocked
	err     error
}

type sendStep struct {
	accept  bool
	blocked engine.Blocked
	err     error
}

// fakeEngineConn replays scripted results and records everything sent.
type fakeEngineConn struct {
	negotiateScript []negotiateStep
	recvScript      []recvStep
	sendScript      []sendStep

	sent      []byte
	helloSeen bool

	shutdownCalled bool
	wiped          bool
	freed          bool
}

func (f *fakeEngineConn) Negotiate() (engine.Blocked, error) {
	if len(f.negotiateScript) == 0 {
		return engine.NotBlocked, nil
	}
	step := f.negotiateScript[0]
	f.negotiateScript = f.negotiateScript[1:]
	return step.blocked, step.err
}

func (f *fakeEngineConn) Recv(p []byte) (int, engine.Blocked, error) {
	if len(f.recvScript) == 0 {
		return 0, engine.BlockedOnRead, testBlockedErr
	}
	step := f.recvScript[0]
	f.recvScript = f.recvScript[1:]
	n := copy(p, step.data)
	return n, step.blocked, step.err
}

func (f *fakeEngineConn) Send(p []byte) (int, engine.Blocked, error) {
	if len(f.sendScript) == 0 {
		f.sent = append(f.sent, p...)
		return len(p), engine.NotBlocked, nil
	}
	step := f.sendScript[0]
	f.sendScript = f.sendScript[1:]
	if !step.accept {
		return 0, step.blocked, step.err
	}
	f.sent = append(f.sent, p...)
	return len(p), step.blocked, step.err
}

func (f *fakeEngineConn) Shutdown() (engine.Blocked, error) {
	f.shutdownCalled = true
	return engine.NotBlocked, nil
}

func (f *fakeEngineConn) Wipe() error { f.wiped = true; return nil }
func (f *fakeEngineConn) Free() error { f.freed = true; return nil }

func (f *fakeEngineConn) ClientHelloSeen() bool { return f.helloSeen }
func (f *fakeEngineConn) CipherName() string    { return "TLS_FAKE_CIPHER" }

// newTestContext builds an enabled SslContext with a scripted engine
// factory. Each newConnection call pops the next conn from the queue; an
// empty queue yields fresh default conns.
func newTestContext(t *testing.T, loop reactor.Reactor, hooks UpstreamHooks, conns ...*fakeEngineConn) (*SslContext, *[]*fakeEngineConn) {
	t.Helper()
	created := &[]*fakeEngineConn{}
	queue := conns
	s := &SslContext{
		enabled:             true,
		fdToConn:            make([]*SslConnection, 64),
		cachedData:          list.New(),
		repeatedReadsTaskID: reactor.TaskNone,
		expectedHostname:    "node-1.cache.example.com",
		performanceMode:     engine.LowLatency,
		loop:                loop,
		logger:              log.NewNullLogger(),
		hooks:               hooks,
	}
	s.newEngineConn = func(opts engine.Options) (engine.Conn, error) {
		var conn *fakeEngineConn
		if len(queue) > 0 {
			conn = queue[0]
			queue = queue[1:]
		} else {
			conn = &fakeEngineConn{}
		}
		*created = append(*created, conn)
		return conn, nil
	}
	return s, created
}

// attachFakeConn registers a session with the given engine under fd.
func attachFakeConn(t *testing.T, s *SslContext, fd int, ec *fakeEngineConn) *SslConnection {
	t.Helper()
	conn := &SslConnection{engine: ec, fd: fd}
	s.attachConnection(fd, conn)
	return conn
}

// selfSignedCert produces a PEM certificate/key pair for inspection tests.
func selfSignedCert(t *testing.T, cn string, serial int64, notBefore, notAfter time.Time) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

// testDHParams is a syntactically valid DH PARAMETERS block.
func testDHParams() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "DH PARAMETERS",
		Bytes: []byte{0x30, 0x06, 0x02, 0x01, 0x02, 0x02, 0x01, 0x02},
	}))
}
