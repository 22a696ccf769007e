package configutil

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
listen_address = "127.0.0.1:7100"
maxclients = 5000
log_level = "debug"
log_format = "json"
pid_file = "/var/run/helios.pid"

tls {
  enable_ssl = "true"
  certificate_file = "/etc/helios/tls/server.crt"
  private_key_file = "/etc/helios/tls/server.key"
  dh_params_file = "/etc/helios/tls/dh2048.pem"
  cipher_prefs = "default"
  ssl_performance_mode = "high-throughput"
}

telemetry {
  statsite_address = "127.0.0.1:8125"
  disable_hostname = true
  metrics_prefix = "kv"
}
`

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig(sampleConfig)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if config.ListenAddress != "127.0.0.1:7100" {
		t.Fatalf("listen_address = %q", config.ListenAddress)
	}
	if config.MaxClients != 5000 {
		t.Fatalf("maxclients = %d", config.MaxClients)
	}
	if config.LogLevel != "debug" || config.LogFormat != "json" {
		t.Fatalf("log settings = (%q, %q)", config.LogLevel, config.LogFormat)
	}

	tls := config.TLS
	if tls == nil {
		t.Fatal("tls block missing")
	}
	if !tls.EnableSsl {
		t.Fatal("enable_ssl must coerce the string form")
	}
	if tls.CertificateFile != "/etc/helios/tls/server.crt" {
		t.Fatalf("certificate_file = %q", tls.CertificateFile)
	}
	if tls.PerformanceMode != "high-throughput" {
		t.Fatalf("ssl_performance_mode = %q", tls.PerformanceMode)
	}
	// The default trust bundle applies when unset.
	if tls.RootCACertsPath != DefaultRootCACertsPath {
		t.Fatalf("root_ca_certs_path = %q", tls.RootCACertsPath)
	}

	if config.Telemetry == nil || config.Telemetry.StatsiteAddr != "127.0.0.1:8125" {
		t.Fatal("telemetry block not parsed")
	}
	if config.Telemetry.MetricsPrefix != "kv" {
		t.Fatalf("metrics_prefix = %q", config.Telemetry.MetricsPrefix)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	config, err := ParseConfig(`log_level = "info"`)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if config.ListenAddress != DefaultListenAddress {
		t.Fatalf("listen_address default = %q", config.ListenAddress)
	}
	if config.MaxClients != DefaultMaxClients {
		t.Fatalf("maxclients default = %d", config.MaxClients)
	}
	if config.TLS != nil {
		t.Fatal("no tls block must leave TLS nil")
	}
}

func TestParseConfigRejectsUnknownTLSKey(t *testing.T) {
	_, err := ParseConfig(`
tls {
  enable_ssl = true
  certificate = "inline PEM is not a thing"
}
`)
	if err == nil {
		t.Fatal("unknown tls key must be rejected")
	}
}

func TestParseConfigRejectsBadMaxclients(t *testing.T) {
	if _, err := ParseConfig(`maxclients = -5`); err == nil {
		t.Fatal("negative maxclients must be rejected")
	}
}

func TestTLSLoad(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	dhPath := filepath.Join(dir, "dh.pem")
	for path, content := range map[string]string{
		certPath: "CERT PEM",
		keyPath:  "KEY PEM",
		dhPath:   "DH PEM",
	} {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}

	tls := &TLS{
		EnableSsl:       true,
		CertificateFile: certPath,
		PrivateKeyFile:  keyPath,
		DHParamsFile:    dhPath,
	}
	if err := tls.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tls.Certificate != "CERT PEM" || tls.PrivateKey != "KEY PEM" || tls.DHParams != "DH PEM" {
		t.Fatal("Load did not pull the file contents")
	}
}

func TestTLSLoadMissingFiles(t *testing.T) {
	tls := &TLS{EnableSsl: true}
	if err := tls.Load(); err == nil {
		t.Fatal("missing file names must be an error when ssl is enabled")
	}

	disabled := &TLS{}
	if err := disabled.Load(); err != nil {
		t.Fatalf("disabled TLS must not require material: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.hcl")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	config, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if config.PidFile != "/var/run/helios.pid" {
		t.Fatalf("pid_file = %q", config.PidFile)
	}
}
