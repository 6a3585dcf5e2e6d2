// Package auth builds the TLS configurations used when the node serves or
// dials wss:// links. Envelope-level identity is handled by signatures; TLS
// only protects the transport.
package auth

import (
	"errors"
)

var (
	ErrInvalidCA    = errors.New("invalid CA certificate")
	ErrMissingPaths = errors.New("certificate and key paths are required when TLS is enabled")
)

// TLSConfig holds transport security configuration.
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CAPath   string `json:"ca_cert,omitempty"`
	CertPath string `json:"cert"`
	KeyPath  string `json:"key"`
	// RequireClientAuth makes the listener demand a certificate signed by CAPath.
	RequireClientAuth bool   `json:"require_client_auth"`
	MinTLSVersion     string `json:"min_tls_version,omitempty"`
	// InsecureSkipVerify disables server certificate checks when dialing.
	// Only meant for local test federations.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// DefaultTLSConfig returns a disabled configuration.
func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{
		Enabled:       false,
		MinTLSVersion: "1.2",
	}
}

// Validate checks if the TLS configuration is usable.
func (c *TLSConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	if c.CertPath == "" || c.KeyPath == "" {
		return ErrMissingPaths
	}

	if c.RequireClientAuth && c.CAPath == "" {
		return errors.New("CA certificate path is required for client authentication")
	}

	switch c.MinTLSVersion {
	case "", "1.2", "1.3":
	default:
		return errors.New("min_tls_version must be 1.2 or 1.3")
	}

	return nil
}
