package helios

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Certificate inspection: CN extraction for the process-wide expected
// hostname, validity and serial extraction for operator visibility, and the
// hostname verifier installed on client-role configurations.

func parseX509FromPEM(certificate string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certificate))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no PEM certificate block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("error parsing certificate: %w", err)
	}
	return cert, nil
}

// extractCN returns the subject common name of the leaf certificate. The
// result becomes the expected hostname for verification; names longer than
// certCNameMaxLength bytes are truncated.
func extractCN(certificate string) (string, error) {
	cert, err := parseX509FromPEM(certificate)
	if err != nil {
		return "", err
	}
	cn := cert.Subject.CommonName
	if cn == "" {
		return "", errors.New("could not find a CN entry in certificate")
	}
	if len(cn) > certCNameMaxLength {
		cn = cn[:certCNameMaxLength]
	}
	return cn, nil
}

// validityTimeLayout renders notBefore/notAfter the way OpenSSL's ASN.1
// time printer does, which is what operators and tooling parse.
const validityTimeLayout = "Jan _2 15:04:05 2006"

// extractValidityAndSerial reads the validity window and serial from the
// certificate. A zero serial is rejected; unusual but kept for
// compatibility with existing tooling that treats zero as "unset".
func extractValidityAndSerial(certificate string) (notBefore, notAfter string, serial int64, err error) {
	cert, err := parseX509FromPEM(certificate)
	if err != nil {
		return "", "", 0, err
	}
	notBefore = cert.NotBefore.UTC().Format(validityTimeLayout) + " GMT"
	notAfter = cert.NotAfter.UTC().Format(validityTimeLayout) + " GMT"
	serial = cert.SerialNumber.Int64()
	if serial == 0 {
		return "", "", 0, errors.New("certificate has a zero serial number")
	}
	return notBefore, notAfter, serial, nil
}

// VerifyHost matches a peer certificate name against the process-wide
// expected hostname, following RFC 6125 §6.4 with a single level of
// wildcard. It deliberately replaces endpoint-name verification: cluster
// bus peers are addressed by IP, so the connection's endpoint name is not
// authoritative, the configured certificate's CN is.
func (s *SslContext) VerifyHost(peerName string) bool {
	if s.expectedHostname == "" {
		return false
	}

	if strings.EqualFold(s.expectedHostname, peerName) {
		return true
	}

	// Match one level of wildcard. "*" and "*." alone never match.
	if len(peerName) > 2 && peerName[0] == '*' && peerName[1] == '.' {
		idx := strings.IndexByte(s.expectedHostname, '.')
		if idx < 0 {
			return false
		}
		suffix := s.expectedHostname[idx:]
		return strings.EqualFold(suffix, peerName[1:])
	}

	return false
}
