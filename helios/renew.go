package helios

import (
	"fmt"
	"time"

	"github.com/armon/go-metrics"
)

// Certificate rotation. At most two server configurations are ever alive:
// the live one and the previous generation kept for in-flight connections.
// A rotation first retires the oldest generation, disconnecting whatever
// still sits on it, then swaps the new configuration in.

// RenewCertificate swaps in a new certificate/key pair without a restart.
// On any validation failure nothing changes.
func (s *SslContext) RenewCertificate(newCertificate, newPrivateKey, newCertificateFile, newPrivateKeyFile string) error {
	s.logger.Info("initializing SSL configuration for new certificate")

	newConfig, err := s.buildServerEngineConfig(newCertificate, newPrivateKey, s.dhParams, s.cipherPrefs)
	if err != nil {
		s.logger.Debug("error creating SSL configuration using new certificate", "error", err)
		return err
	}

	notBefore, notAfter, serial, err := extractValidityAndSerial(newCertificate)
	if err != nil {
		s.logger.Debug("failed to read validity dates from new certificate", "error", err)
		return err
	}

	// The new certificate is valid; retire the oldest generation so at
	// most two stay in use.
	s.updateClientsUsingOldCertificate()

	// Existing connections keep using the expiring certificate's
	// configuration until they go away.
	s.serverConfigOld = s.serverConfig
	s.serverConfig = newConfig
	s.serverConfigCreatedAt = time.Now()

	s.certificate = newCertificate
	s.certificateFile = newCertificateFile
	s.privateKey = newPrivateKey
	s.privateKeyFile = newPrivateKeyFile
	s.notBeforeDate = notBefore
	s.notAfterDate = notAfter
	s.certificateSerial = serial

	s.connectionsToPreviousCertificate = s.connectionsToCurrentCertificate
	s.connectionsToCurrentCertificate = 0

	metrics.IncrCounter([]string{"ssl", "certificate", "renewals"}, 1)
	s.logger.Info("successfully renewed SSL certificate",
		"not_after", notAfter, "serial", fmt.Sprintf("%x", serial))
	return nil
}

// updateClientsUsingOldCertificate disconnects clients still on the oldest
// configuration and tags the remainder as belonging to the now-previous
// generation, keeping the per-generation counts accurate.
func (s *SslContext) updateClientsUsingOldCertificate() {
	if !s.enabled {
		return
	}

	if s.serverConfigOld != nil {
		s.logger.Debug("disconnecting clients using very old certificates")
		disconnected := 0
		s.hooks.EachClient(func(data interface{}, fd int, createdAt time.Time) {
			if !createdAt.After(s.serverConfigCreatedAt) {
				// Predates the live configuration, so it belongs to
				// the generation being retired.
				s.hooks.FreeClient(data)
				disconnected++
				return
			}
			s.connectionForFd(fd).flags |= flagOldCertificate
		})
		// No connection references the retired configuration anymore.
		s.serverConfigOld = nil
		s.logger.Warn("disconnected clients using very old certificate", "count", disconnected)
		return
	}

	s.hooks.EachClient(func(data interface{}, fd int, createdAt time.Time) {
		s.connectionForFd(fd).flags |= flagOldCertificate
	})
}
