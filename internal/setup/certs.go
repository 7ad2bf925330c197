package setup

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// Identity fields placed in the CSR subject alongside the hostname Core
// announces.
const (
	csrCommonName   = "Coreproxy"
	csrOrganization = "Coreproxy"
)

// generateKeyPair creates the relay's private key. ECDSA P-256 keeps the
// signing request small and is accepted by every Core release we gate on.
func generateKeyPair() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// buildCSR produces a DER-encoded certificate signing request naming the
// announced hostname.
func buildCSR(key *ecdsa.PrivateKey, hostname string) ([]byte, error) {
	if hostname == "" {
		return nil, fmt.Errorf("empty certificate hostname")
	}
	tmpl := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   csrCommonName,
			Organization: []string{csrOrganization},
		},
		DNSNames: []string{hostname},
	}
	return x509.CreateCertificateRequest(rand.Reader, &tmpl, key)
}

// keyPEM serializes the private key.
func keyPEM(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

// certPEM converts the DER certificate Core returns to its textual form,
// validating that it actually parses as a certificate.
func certPEM(der []byte) (string, error) {
	if _, err := x509.ParseCertificate(der); err != nil {
		return "", fmt.Errorf("invalid certificate from core: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), nil
}

// newSessionToken issues the bearer credential Core must echo on every setup
// message after the first.
func newSessionToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
