// ============================================================================
// simfarm Transport - mutual TLS configuration
// ============================================================================
//
// Package: internal/transport
// File: tls.go
//
// Dialers verify the worker against CAFile; listeners require and verify a
// client certificate from the same CA. TLS 1.2 is the floor unless
// min_version raises it.
//
// ============================================================================

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TLSConfig holds the externally supplied secure transport parameters.
// Both peers present certificates signed by a CA in CAFile.
type TLSConfig struct {
	CertFile     string   `yaml:"cert_file"`     // PEM certificate presented to the peer
	KeyFile      string   `yaml:"key_file"`      // PEM private key of CertFile
	CAFile       string   `yaml:"ca_file"`       // PEM bundle trusted for both directions
	ServerName   string   `yaml:"server_name"`   // overrides the dialed address in verification
	MinVersion   string   `yaml:"min_version"`   // "1.2" or "1.3"
	CipherSuites []string `yaml:"cipher_suites"` // IANA names, TLS 1.2 only
}

// Enabled reports whether any TLS material is configured
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.CAFile != ""
}

// ClientConfig builds the dialing side configuration
func (c TLSConfig) ClientConfig() (*tls.Config, error) {
	cfg, pool, err := c.base()
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool
	cfg.ServerName = c.ServerName
	return cfg, nil
}

// ServerConfig builds the accepting side configuration; client certificates are required
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	cfg, pool, err := c.base()
	if err != nil {
		return nil, err
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

func (c TLSConfig) base() (*tls.Config, *x509.CertPool, error) {
	if c.CertFile == "" || c.KeyFile == "" || c.CAFile == "" {
		return nil, nil, errors.New("tls: cert_file, key_file and ca_file are required")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	caPEM, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, nil, fmt.Errorf("tls: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, nil, fmt.Errorf("tls: no certificates found in %s", c.CAFile)
	}

	minVersion, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, nil, err
	}
	suites, err := parseSuites(c.CipherSuites)
	if err != nil {
		return nil, nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		CipherSuites: suites,
	}, pool, nil
}

func parseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(v), "tls") {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("tls: unsupported min_version %q", v)
}

func parseSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := known[n]
		if !ok {
			return nil, fmt.Errorf("tls: unsupported cipher suite %q", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
