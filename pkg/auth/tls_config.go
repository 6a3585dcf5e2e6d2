package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder builds TLS configurations for the listener and for
// outbound peer links.
type TLSConfigBuilder struct {
	config *TLSConfig
}

// NewTLSConfigBuilder validates config and returns a builder for it. A nil
// config behaves as disabled.
func NewTLSConfigBuilder(config *TLSConfig) (*TLSConfigBuilder, error) {
	if config == nil {
		config = DefaultTLSConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TLSConfigBuilder{config: config}, nil
}

// Enabled reports whether links should use wss://.
func (b *TLSConfigBuilder) Enabled() bool { return b.config.Enabled }

// BuildServerConfig creates the listener TLS configuration. It returns nil
// when TLS is disabled.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   b.minVersion(),
	}

	if b.config.RequireClientAuth {
		pool, err := loadCAPool(b.config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, nil
}

// BuildClientConfig creates the TLS configuration for dialing peers. It
// returns nil when TLS is disabled.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         b.minVersion(),
		InsecureSkipVerify: b.config.InsecureSkipVerify,
	}

	if b.config.CAPath != "" {
		pool, err := loadCAPool(b.config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA pool: %w", err)
		}
		tlsConfig.RootCAs = pool
	}

	// Present our certificate so peers requiring client auth accept the link.
	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	tlsConfig.Certificates = []tls.Certificate{cert}

	return tlsConfig, nil
}

func (b *TLSConfigBuilder) minVersion() uint16 {
	switch b.config.MinTLSVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, ErrInvalidCA
	}
	return pool, nil
}
