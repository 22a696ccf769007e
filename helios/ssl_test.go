package helios

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/helioskv/helios/helios/engine"
)

func TestPerformanceModeMapping(t *testing.T) {
	if PerformanceModeByName("low-latency") != engine.LowLatency {
		t.Fatal("low-latency must map to 0")
	}
	if PerformanceModeByName("High-Throughput") != engine.HighThroughput {
		t.Fatal("mapping must be case insensitive")
	}
	if PerformanceModeByName("turbo") != engine.PerformanceMode(-1) {
		t.Fatal("unknown names must map to -1")
	}

	if PerformanceModeString(engine.LowLatency) != "low-latency" {
		t.Fatal("0 must render low-latency")
	}
	if PerformanceModeString(engine.HighThroughput) != "high-throughput" {
		t.Fatal("1 must render high-throughput")
	}
	if PerformanceModeString(engine.PerformanceMode(7)) != "invalid input" {
		t.Fatal("unknown modes must render invalid input")
	}
}

func TestNewSslContextDisabled(t *testing.T) {
	s, err := NewSslContext(Settings{}, UpstreamHooks{}, newFakeReactor(), log.NewNullLogger())
	if err != nil {
		t.Fatalf("NewSslContext: %v", err)
	}
	if s.Enabled() {
		t.Fatal("context must be disabled")
	}

	// Disabled contexts pass straight through to the socket.
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	if _, err := s.Write(p[1], []byte("plain bytes")); err != nil {
		t.Fatalf("plain write: %v", err)
	}
	buf := make([]byte, 32)
	n, err := s.Read(p[0], buf)
	if err != nil || string(buf[:n]) != "plain bytes" {
		t.Fatalf("plain read = (%q, %v)", buf[:n], err)
	}
}

func TestNewSslContextEnabled(t *testing.T) {
	now := time.Now()
	certPEM, keyPEM := selfSignedCert(t, "node-1.cache.example.com", 77,
		now.Add(-time.Hour), now.Add(24*time.Hour))

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, []byte(certPEM), 0o600); err != nil {
		t.Fatalf("writing CA file: %v", err)
	}

	s, err := NewSslContext(Settings{
		EnableSsl:       true,
		Certificate:     certPEM,
		PrivateKey:      keyPEM,
		DHParams:        testDHParams(),
		RootCACertsPath: caPath,
		MaxClients:      100,
	}, UpstreamHooks{}, newFakeReactor(), log.NewNullLogger())
	if err != nil {
		t.Fatalf("NewSslContext: %v", err)
	}

	if s.ExpectedHostname() != "node-1.cache.example.com" {
		t.Fatalf("expected hostname = %q", s.ExpectedHostname())
	}
	if _, _, serial := s.CertificateInfo(); serial != 77 {
		t.Fatalf("serial = %d, want 77", serial)
	}
	if s.RegistrySize() != 100+fdRegistryHeadroom {
		t.Fatalf("registry size = %d, want %d", s.RegistrySize(), 100+fdRegistryHeadroom)
	}
}

func TestNewSslContextRejectsBadMaterial(t *testing.T) {
	_, err := NewSslContext(Settings{
		EnableSsl:   true,
		Certificate: "garbage",
		PrivateKey:  "garbage",
		DHParams:    "garbage",
		MaxClients:  100,
	}, UpstreamHooks{}, newFakeReactor(), log.NewNullLogger())
	if err == nil {
		t.Fatal("expected bad material to be rejected")
	}
}

func TestCleanupConnectionShutdownDependsOnClientHello(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})

	// Handshake never got a ClientHello: no alert.
	early := &fakeEngineConn{}
	attachFakeConn(t, s, 5, early)
	if err := s.CleanupConnectionForFd(5); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if early.shutdownCalled {
		t.Fatal("no alert may be sent before a ClientHello was seen")
	}

	// Established session: alert goes out.
	established := &fakeEngineConn{helloSeen: true}
	attachFakeConn(t, s, 5, established)
	if err := s.CleanupConnectionForFd(5); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !established.shutdownCalled {
		t.Fatal("established sessions get a close_notify on cleanup")
	}
	if !established.wiped || !established.freed {
		t.Fatal("cleanup must wipe and free the engine session")
	}
	if s.fdToConn[5] != nil {
		t.Fatal("cleanup must detach the registry entry")
	}
}

func TestCleanupRemovesRepeatedReadMembership(t *testing.T) {
	s, _ := newTestContext(t, newFakeReactor(), UpstreamHooks{})
	conn := attachFakeConn(t, s, 5, &fakeEngineConn{})
	s.addRepeatedRead(conn)

	if err := s.CleanupConnectionForFdWithoutShutdown(5); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if s.cachedData.Len() != 0 {
		t.Fatal("cleanup must remove the session from the repeated-read list")
	}
}
