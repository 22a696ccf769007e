// Package helios implements the TLS transport layer of the helios server:
// per-connection session state, the fd to session registry, the event-loop
// driven handshake machinery, certificate renewal, and the post-RDB-transfer
// renegotiation protocol between master and replica.
package helios

import (
	"container/list"
	"fmt"
	"strings"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/helioskv/helios/helios/engine"
	"github.com/helioskv/helios/helios/reactor"
)

const (
	// Headroom added on top of maxclients when sizing the fd registry,
	// covering listening sockets, log files and the RDB child pipes.
	fdRegistryHeadroom = 128

	// DefaultCipherPrefs is the opaque cipher preference identifier used
	// when the config file does not name one.
	DefaultCipherPrefs = "default"

	certCNameMaxLength = 256
)

// Settings is the TLS option block, already resolved: *_File fields carry
// file names, the sibling fields carry the loaded PEM contents.
type Settings struct {
	EnableSsl bool

	Certificate     string
	CertificateFile string

	PrivateKey     string
	PrivateKeyFile string

	DHParams     string
	DHParamsFile string

	CipherPrefs     string
	RootCACertsPath string

	PerformanceMode engine.PerformanceMode

	// MaxClients sizes the fd registry together with the headroom.
	MaxClients int
}

// UpstreamHooks is the capability set the embedding server hands to the TLS
// layer: the post-handshake handlers for each traffic class and the recovery
// actions a failed negotiation triggers. Handler data flows through
// unchanged, so FreeClient receives exactly the value registered with the
// negotiation entry.
type UpstreamHooks struct {
	// Post-handshake read handlers per traffic class.
	ReadQueryFromClient reactor.FileProc
	ClusterReadHandler  reactor.FileProc
	SyncWithMaster      reactor.FileProc

	// Recovery and completion actions.
	FreeClient                 func(data interface{})
	FreeClusterLink            func(data interface{})
	ClusterClientSetup         func(data interface{})
	OnMasterNegotiated         func()
	MasterNegotiationFailed    func()
	ReplicationProgress        func()
	CancelReplicationHandshake func()
	FinishSyncWithMaster       func()

	// Replication bookkeeping.
	SlaveAckUpdate func(data interface{})
	SlaveName      func(data interface{}) string

	// Enumeration of live upstream connections, used by certificate
	// rotation and the pre-fork handler teardown.
	EachClient             func(fn func(data interface{}, fd int, createdAt time.Time))
	EachSlaveWaitingBgsave func(fn func(data interface{}, fd int))

	// Masterhost returns the replication master's hostname for SNI, or "".
	Masterhost func() string
}

// SslContext owns every piece of process-wide TLS state: both generational
// server configs, the client config, the fd registry and the repeated-read
// scheduler. It lives as long as the reactor and is only touched from the
// reactor goroutine.
type SslContext struct {
	enabled bool

	serverConfig          *engine.ServerConfig
	serverConfigOld       *engine.ServerConfig
	serverConfigCreatedAt time.Time
	clientConfig          *engine.ClientConfig

	certificate     string
	certificateFile string
	privateKey      string
	privateKeyFile  string
	dhParams        string
	dhParamsFile    string
	cipherPrefs     string
	rootCACertsPath string
	performanceMode engine.PerformanceMode

	fdToConn []*SslConnection

	cachedData          *list.List
	repeatedReadsTaskID reactor.TaskID

	totalRepeatedReads        uint64
	maxRepeatedReadListLength int

	expectedHostname  string
	notBeforeDate     string
	notAfterDate      string
	certificateSerial int64

	connectionsToCurrentCertificate  int
	connectionsToPreviousCertificate int

	loop   reactor.Reactor
	logger log.Logger
	hooks  UpstreamHooks

	// newEngineConn is swappable so tests can drive scripted engines.
	newEngineConn func(engine.Options) (engine.Conn, error)
}

// NewSslContext builds the TLS layer. With EnableSsl false the context still
// exists and every I/O shim falls through to plain sockets.
func NewSslContext(settings Settings, hooks UpstreamHooks, loop reactor.Reactor, logger log.Logger) (*SslContext, error) {
	s := &SslContext{
		enabled:             settings.EnableSsl,
		loop:                loop,
		logger:              logger.Named("ssl"),
		hooks:               hooks,
		repeatedReadsTaskID: reactor.TaskNone,
		newEngineConn:       engine.New,
	}
	if !settings.EnableSsl {
		return s, nil
	}

	s.logger.Info("initializing SSL configuration")

	s.certificate = settings.Certificate
	s.certificateFile = settings.CertificateFile
	s.privateKey = settings.PrivateKey
	s.privateKeyFile = settings.PrivateKeyFile
	s.dhParams = settings.DHParams
	s.dhParamsFile = settings.DHParamsFile
	s.cipherPrefs = settings.CipherPrefs
	if s.cipherPrefs == "" {
		s.cipherPrefs = DefaultCipherPrefs
	}
	s.rootCACertsPath = settings.RootCACertsPath
	s.performanceMode = settings.PerformanceMode

	serverConfig, err := s.buildServerEngineConfig(s.certificate, s.privateKey, s.dhParams, s.cipherPrefs)
	if err != nil {
		return nil, fmt.Errorf("error initializing server SSL configuration: %w", err)
	}
	s.serverConfig = serverConfig
	s.serverConfigCreatedAt = time.Now()

	clientConfig, err := s.buildClientEngineConfig(s.cipherPrefs, s.certificate, s.rootCACertsPath)
	if err != nil {
		return nil, fmt.Errorf("error initializing client SSL configuration: %w", err)
	}
	s.clientConfig = clientConfig

	cn, err := extractCN(s.certificate)
	if err != nil {
		return nil, fmt.Errorf("error discovering expected hostname from certificate: %w", err)
	}
	s.expectedHostname = cn

	notBefore, notAfter, serial, err := extractValidityAndSerial(s.certificate)
	if err != nil {
		return nil, fmt.Errorf("error reading certificate validity: %w", err)
	}
	s.notBeforeDate = notBefore
	s.notAfterDate = notAfter
	s.certificateSerial = serial

	s.fdToConn = make([]*SslConnection, settings.MaxClients+fdRegistryHeadroom)
	s.cachedData = list.New()

	s.logger.Info("SSL configuration initialized",
		"expected_hostname", s.expectedHostname,
		"not_after", s.notAfterDate,
		"serial", fmt.Sprintf("%x", s.certificateSerial))
	return s, nil
}

// Enabled reports whether TLS is active; when false every shim is a plain
// socket passthrough.
func (s *SslContext) Enabled() bool { return s.enabled }

// Close releases both generational configs. Connections must already be
// gone; sessions hold non-owning references into the context.
func (s *SslContext) Close() {
	if !s.enabled {
		return
	}
	s.serverConfig = nil
	s.serverConfigOld = nil
	s.clientConfig = nil
	s.cachedData.Init()
}

// ExpectedHostname returns the CN the host verifier matches peers against.
func (s *SslContext) ExpectedHostname() string { return s.expectedHostname }

// CertificateInfo reports the live certificate's validity window and serial.
func (s *SslContext) CertificateInfo() (notBefore, notAfter string, serial int64) {
	return s.notBeforeDate, s.notAfterDate, s.certificateSerial
}

// ConnectionCounts reports how many client connections sit on the current
// and the previous certificate generation.
func (s *SslContext) ConnectionCounts() (current, previous int) {
	return s.connectionsToCurrentCertificate, s.connectionsToPreviousCertificate
}

// RepeatedReadStats reports the scheduler's lifetime invocation count and
// list-length high-water mark.
func (s *SslContext) RepeatedReadStats() (total uint64, maxListLength int) {
	return s.totalRepeatedReads, s.maxRepeatedReadListLength
}

// PerformanceModeByName maps an option value to a performance mode.
// Unknown names map to -1.
func PerformanceModeByName(name string) engine.PerformanceMode {
	switch strings.ToLower(name) {
	case "low-latency":
		return engine.LowLatency
	case "high-throughput":
		return engine.HighThroughput
	default:
		return engine.PerformanceMode(-1)
	}
}

// PerformanceModeString is the inverse of PerformanceModeByName.
func PerformanceModeString(mode engine.PerformanceMode) string {
	switch mode {
	case engine.LowLatency:
		return "low-latency"
	case engine.HighThroughput:
		return "high-throughput"
	default:
		return "invalid input"
	}
}

// connectionForFd fetches the session for fd. The registry invariant makes
// a miss a process bug, not a runtime condition.
func (s *SslContext) connectionForFd(fd int) *SslConnection {
	if fd < 0 || fd >= len(s.fdToConn) {
		panic(fmt.Sprintf("ssl: fd %d outside registry of size %d", fd, len(s.fdToConn)))
	}
	conn := s.fdToConn[fd]
	if conn == nil {
		panic(fmt.Sprintf("ssl: no session registered for fd %d", fd))
	}
	return conn
}
