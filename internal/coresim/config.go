package coresim

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config drives the simulated Core instance.
type Config struct {
	// ProxyAddr is the proxy's Core-facing listener, used for both
	// provisioning and the relay connection.
	ProxyAddr string `yaml:"proxy_addr"`
	// Hostname is the certificate hostname requested during provisioning.
	Hostname string `yaml:"cert_hostname"`
	// Version is reported in the hello message. Must satisfy the proxy's
	// minimum version gate.
	Version string `yaml:"core_version"`
	// CookieSecret is pushed to the proxy in the initial info message.
	// Generated at load time when empty.
	CookieSecret string `yaml:"cookie_secret"`
	// DataDir holds the throwaway signing CA.
	DataDir string `yaml:"data_dir"`
	// InstanceName and InstanceURL are echoed in instance info responses.
	InstanceName string `yaml:"instance_name"`
	InstanceURL  string `yaml:"instance_url"`
	// RemoteApprovalDelay is how long the simulator waits before completing
	// a remote approval session on its own.
	RemoteApprovalDelay time.Duration `yaml:"remote_approval_delay"`
}

// DefaultConfig returns a config suitable for talking to a locally running
// proxy.
func DefaultConfig() *Config {
	return &Config{
		ProxyAddr:           "localhost:50051",
		Hostname:            "core.local",
		Version:             "1.5.0",
		DataDir:             "coresim-data",
		InstanceName:        "coresim",
		InstanceURL:         "https://core.local",
		RemoteApprovalDelay: 2 * time.Second,
	}
}

// LoadConfig reads a YAML config from path, filling in defaults for any
// omitted field. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if cfg.CookieSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		cfg.CookieSecret = hex.EncodeToString(buf)
	}
	return cfg, nil
}
