package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrTLSRequired             = errors.New("rpc: tls required")
	ErrTLSCertFileRequired     = errors.New("rpc: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("rpc: tls key file required")
	ErrTLSCAFileRequired       = errors.New("rpc: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("rpc: insecure skip verify not allowed with mutual tls")
)

// TLSConfig secures host-to-host links. Mutual requires both sides to
// present certificates signed by CAFile.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func (c TLSConfig) ValidateClient() error {
	if c.Mutual && !c.Enabled {
		return ErrTLSRequired
	}
	if !c.Enabled {
		return nil
	}
	if c.Mutual && c.InsecureSkipVerify {
		return ErrTLSInsecureSkipNotAllow
	}
	if strings.TrimSpace(c.CAFile) == "" && !c.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.Mutual {
		if strings.TrimSpace(c.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (c TLSConfig) ValidateServer() error {
	if c.Mutual && !c.Enabled {
		return ErrTLSRequired
	}
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	if c.Mutual && strings.TrimSpace(c.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// ClientTLS builds the dialer configuration, nil when TLS is disabled.
func (c TLSConfig) ClientTLS() (*tls.Config, error) {
	if err := c.ValidateClient(); err != nil {
		return nil, err
	}
	if !c.Enabled {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}
	if c.Mutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("rpc: load client keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// ServerTLS builds the listener configuration, nil when TLS is disabled.
func (c TLSConfig) ServerTLS() (*tls.Config, error) {
	if err := c.ValidateServer(); err != nil {
		return nil, err
	}
	if !c.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("rpc: load server keypair: %w", err)
	}
	out := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if c.Mutual {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rpc: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("rpc: no certificates in %s", path)
	}
	return pool, nil
}
