package setup

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
)

// File names under the cert dir. Matching files found at startup skip the
// provisioning handshake entirely.
const (
	CertFileName = "relay_cert.pem"
	KeyFileName  = "relay_key.pem"
)

// Configuration is the transport trust material the main relay listener runs
// with: a certificate signed by Core and the locally generated private key,
// both PEM. Immutable once created; a later successful handshake replaces it
// wholesale.
type Configuration struct {
	CertPEM string
	KeyPEM  string
}

// TLSConfig builds the relay listener's TLS config from the pair.
func (c *Configuration) TLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(c.CertPEM), []byte(c.KeyPEM))
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// LoadConfiguration reads a previously persisted pair from dir.
// Returns os.ErrNotExist if either file is missing.
func LoadConfiguration(dir string) (*Configuration, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, CertFileName))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, KeyFileName))
	if err != nil {
		return nil, err
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, errors.New("empty certificate or key file")
	}
	return &Configuration{CertPEM: string(certPEM), KeyPEM: string(keyPEM)}, nil
}

// Save persists the pair to dir. The key file is written with owner-only
// permissions.
func (c *Configuration) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, CertFileName), []byte(c.CertPEM), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, KeyFileName), []byte(c.KeyPEM), 0o600)
}
