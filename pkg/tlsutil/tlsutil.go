// Package tlsutil builds the mutual-TLS configuration used by mtlsclient
// transports: it loads the client keystore, resolves the protocol version and
// delegates peer chain validation to a pluggable TrustPolicy.
package tlsutil

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
)

// DefaultProtocol is the protocol used when none is configured.
const DefaultProtocol = "TLSv1.2"

// ErrConstruction matches every *ConstructionError via errors.Is.
var ErrConstruction = errors.New("TLS construction failed")

// ConstructionError reports why the TLS context could not be built. A client
// must never continue with a transport whose construction failed.
type ConstructionError struct {
	Op   string
	Path string
	Err  error
}

func (e *ConstructionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("tls: %s %q: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("tls: %s: %v", e.Op, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrConstruction.
func (e *ConstructionError) Is(target error) bool { return target == ErrConstruction }

// ParseProtocol converts a protocol name into the minimum tls version.
// Accepted: "TLSv1.2", "TLSv1.3", "TLS" (TLS 1.2 or later), "1.2", "1.3".
func ParseProtocol(protocol string) (uint16, error) {
	switch strings.TrimSpace(protocol) {
	case "", "TLS", "TLSv1.2", "1.2":
		return tls.VersionTLS12, nil
	case "TLSv1.3", "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, &ConstructionError{Op: "init context", Err: fmt.Errorf("unsupported protocol %q", protocol)}
	}
}

// NewClientTLSConfig pairs the client certificate from ks with policy.
// Go's built-in chain verification is switched off so that policy alone
// decides; it runs on every handshake through VerifyConnection.
func NewClientTLSConfig(ks *KeyStore, minVersion uint16, policy TrustPolicy) *tls.Config {
	if policy == nil {
		policy = AcceptAll{}
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{ks.Certificate},
		MinVersion:         minVersion,
		Rand:               rand.Reader,
		InsecureSkipVerify: true, //nolint:gosec // verification is delegated to policy
		VerifyConnection: func(cs tls.ConnectionState) error {
			if err := policy.CheckServerTrusted(cs.PeerCertificates, cs.ServerName); err != nil {
				return fmt.Errorf("server certificate rejected: %w", err)
			}
			return nil
		},
	}
}

// Build loads the keystore at certPath and returns a client TLS config for
// protocol validated by policy (AcceptAll when nil). Every failure is a
// *ConstructionError.
func Build(certPath, certPassword, protocol string, policy TrustPolicy) (*tls.Config, error) {
	version, err := ParseProtocol(protocol)
	if err != nil {
		return nil, err
	}
	ks, err := LoadKeyStore(certPath, certPassword)
	if err != nil {
		return nil, err
	}
	return NewClientTLSConfig(ks, version, policy), nil
}

// NewServerTLSConfig returns a server config that requires a client
// certificate and validates it with policy.
func NewServerTLSConfig(cert tls.Certificate, minVersion uint16, policy TrustPolicy) *tls.Config {
	if policy == nil {
		policy = AcceptAll{}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if err := policy.CheckClientTrusted(cs.PeerCertificates); err != nil {
				return fmt.Errorf("client certificate rejected: %w", err)
			}
			return nil
		},
	}
}
