package tlsutil

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// TrustPolicy decides whether a peer's certificate chain is accepted during
// a handshake. chain[0] is the peer's leaf certificate.
type TrustPolicy interface {
	CheckClientTrusted(chain []*x509.Certificate) error
	CheckServerTrusted(chain []*x509.Certificate, serverName string) error
	AcceptedIssuers() []*x509.Certificate
}

var errEmptyChain = errors.New("peer presented no certificate")

// AcceptAll trusts every chain, including self-signed and unknown-CA peers.
//
// SECURITY: this disables chain validation entirely; the connection is still
// encrypted and the client still authenticates itself, but the server is not
// authenticated. Use SystemRoots or PinnedFingerprints where that matters.
type AcceptAll struct{}

func (AcceptAll) CheckClientTrusted([]*x509.Certificate) error         { return nil }
func (AcceptAll) CheckServerTrusted([]*x509.Certificate, string) error { return nil }
func (AcceptAll) AcceptedIssuers() []*x509.Certificate                 { return []*x509.Certificate{} }

// SystemRoots validates chains against Roots (the system pool when nil) plus
// CACerts.
type SystemRoots struct {
	Roots   *x509.CertPool
	CACerts []*x509.Certificate
}

func (p SystemRoots) pool() *x509.CertPool {
	roots := p.Roots
	if roots == nil {
		sys, err := x509.SystemCertPool()
		if err != nil {
			sys = x509.NewCertPool()
		}
		roots = sys
	} else {
		roots = roots.Clone()
	}
	for _, c := range p.CACerts {
		roots.AddCert(c)
	}
	return roots
}

func (p SystemRoots) verify(chain []*x509.Certificate, serverName string, usage x509.ExtKeyUsage) error {
	if len(chain) == 0 {
		return errEmptyChain
	}
	roots := p.pool()
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		DNSName:       serverName,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	return err
}

func (p SystemRoots) CheckClientTrusted(chain []*x509.Certificate) error {
	return p.verify(chain, "", x509.ExtKeyUsageClientAuth)
}

func (p SystemRoots) CheckServerTrusted(chain []*x509.Certificate, serverName string) error {
	return p.verify(chain, serverName, x509.ExtKeyUsageServerAuth)
}

func (p SystemRoots) AcceptedIssuers() []*x509.Certificate {
	return append([]*x509.Certificate{}, p.CACerts...)
}

// PinnedFingerprints accepts a peer only when the SHA-256 fingerprint of its
// leaf certificate is in the set.
type PinnedFingerprints struct {
	pins map[string]struct{}
}

// NewPinnedFingerprints builds a pin set from hex fingerprints. Colons and
// case are ignored, so the output of `openssl x509 -fingerprint -sha256` can
// be used as-is.
func NewPinnedFingerprints(fingerprints ...string) (*PinnedFingerprints, error) {
	p := &PinnedFingerprints{pins: make(map[string]struct{}, len(fingerprints))}
	for _, fp := range fingerprints {
		norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
		raw, err := hex.DecodeString(norm)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("invalid SHA-256 fingerprint %q", fp)
		}
		p.pins[norm] = struct{}{}
	}
	if len(p.pins) == 0 {
		return nil, errors.New("at least one fingerprint is required")
	}
	return p, nil
}

// Fingerprint returns the lowercase hex SHA-256 of cert's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func (p *PinnedFingerprints) check(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return errEmptyChain
	}
	fp := Fingerprint(chain[0])
	if _, ok := p.pins[fp]; !ok {
		return fmt.Errorf("certificate fingerprint %s is not pinned", fp)
	}
	return nil
}

func (p *PinnedFingerprints) CheckClientTrusted(chain []*x509.Certificate) error {
	return p.check(chain)
}

func (p *PinnedFingerprints) CheckServerTrusted(chain []*x509.Certificate, _ string) error {
	return p.check(chain)
}

func (p *PinnedFingerprints) AcceptedIssuers() []*x509.Certificate { return []*x509.Certificate{} }
