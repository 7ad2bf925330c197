package coresim

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
)

func TestLoadOrCreateCAPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateCA() error = %v", err)
	}
	second, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateCA() reload error = %v", err)
	}
	if !first.cert.Equal(second.cert) {
		t.Error("reloaded CA certificate differs from the created one")
	}
}

func TestSignCSRChainsToCA(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA() error = %v", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	csrDer, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "proxy.example.com"},
		DNSNames: []string{"proxy.example.com"},
	}, key)
	if err != nil {
		t.Fatalf("Failed to build CSR: %v", err)
	}

	certDer, err := ca.SignCSR(csrDer)
	if err != nil {
		t.Fatalf("SignCSR() error = %v", err)
	}
	cert, err := x509.ParseCertificate(certDer)
	if err != nil {
		t.Fatalf("Failed to parse issued certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		DNSName:   "proxy.example.com",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("issued certificate does not verify against the CA: %v", err)
	}
}

func TestSignCSRRejectsGarbage(t *testing.T) {
	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA() error = %v", err)
	}
	if _, err := ca.SignCSR([]byte("not a csr")); err == nil {
		t.Fatal("SignCSR() should reject malformed input")
	}
}
