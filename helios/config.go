package helios

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-rootcerts"
	"github.com/hashicorp/go-secure-stdlib/tlsutil"

	"github.com/helioskv/helios/helios/engine"
)

// Engine configuration builders. Server configs carry the chain, the key
// and the DH parameters; client configs carry the trust roots and the host
// verifier. Both are immutable once returned.

func (s *SslContext) buildServerEngineConfig(certificate, privateKey, dhParams, cipherPrefs string) (*engine.ServerConfig, error) {
	s.logger.Debug("initializing server SSL configuration")

	keyPair, err := tls.X509KeyPair([]byte(certificate), []byte(privateKey))
	if err != nil {
		return nil, fmt.Errorf("error adding certificate/key to config: %w", err)
	}

	dh, err := parseDHParams(dhParams)
	if err != nil {
		return nil, fmt.Errorf("error adding DH parameters to config: %w", err)
	}

	suites, err := parseCipherPrefs(cipherPrefs)
	if err != nil {
		return nil, fmt.Errorf("error setting cipher preferences: %w", err)
	}

	return &engine.ServerConfig{
		TLS: &tls.Config{
			Certificates: []tls.Certificate{keyPair},
			CipherSuites: suites,
			MinVersion:   tls.VersionTLS12,
		},
		DHParams: dh,
	}, nil
}

func (s *SslContext) buildClientEngineConfig(cipherPrefs, certificate, rootCACertsPath string) (*engine.ClientConfig, error) {
	s.logger.Debug("initializing client SSL configuration")

	pool, err := loadTrustRoots(rootCACertsPath)
	if err != nil {
		return nil, fmt.Errorf("error loading CA certificates: %w", err)
	}

	// The local certificate file also carries the intermediates peers
	// will present; load them into the trust store. The leaf comes along
	// and is unused.
	if ok := pool.AppendCertsFromPEM([]byte(certificate)); !ok {
		return nil, errors.New("error loading local certificate into trust store")
	}

	suites, err := parseCipherPrefs(cipherPrefs)
	if err != nil {
		return nil, fmt.Errorf("error setting cipher preferences: %w", err)
	}

	cfg := &engine.ClientConfig{VerifyHost: s.VerifyHost}
	cfg.TLS = &tls.Config{
		RootCAs:      pool,
		CipherSuites: suites,
		MinVersion:   tls.VersionTLS12,

		// Endpoint-name verification is replaced by the process-wide
		// host verifier, see VerifyHost.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: s.verifyPeerChain(pool),
	}
	return cfg, nil
}

// verifyPeerChain validates the peer chain against the trust roots and then
// applies the process-wide hostname check to the leaf's names.
func (s *SslContext) verifyPeerChain(pool *x509.CertPool) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("error parsing peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		if _, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: intermediates,
		}); err != nil {
			return fmt.Errorf("peer certificate verification failed: %w", err)
		}

		leaf := certs[0]
		for _, name := range append([]string{leaf.Subject.CommonName}, leaf.DNSNames...) {
			if s.VerifyHost(name) {
				return nil
			}
		}
		return fmt.Errorf("peer certificate does not match expected hostname %q", s.expectedHostname)
	}
}

// parseCipherPrefs resolves the opaque cipher preference identifier. The
// value "default" selects the engine's own defaults; anything else is
// parsed as a comma-separated list of cipher suite names.
func parseCipherPrefs(prefs string) ([]uint16, error) {
	if prefs == "" || prefs == DefaultCipherPrefs {
		return nil, nil
	}
	return tlsutil.ParseCiphers(prefs)
}

// parseDHParams validates the PEM DH parameter block. The parameters ride
// on the server config for engines that negotiate finite-field suites.
func parseDHParams(dhParams string) ([]byte, error) {
	block, _ := pem.Decode([]byte(dhParams))
	if block == nil || block.Type != "DH PARAMETERS" {
		return nil, errors.New("no DH PARAMETERS block found")
	}
	return []byte(dhParams), nil
}

// loadTrustRoots builds the client trust pool from the configured root CA
// location, which may be a bundle file or a directory of certificates.
func loadTrustRoots(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, errors.New("root CA certificate path not configured")
	}
	cfg := &rootcerts.Config{CAFile: path}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		cfg = &rootcerts.Config{CAPath: path}
	}
	pool, err := rootcerts.LoadCACerts(cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
