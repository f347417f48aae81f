package client

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
)

// Trust modes accepted by TrustPolicyFor.
const (
	TrustAcceptAll = "accept-all"
	TrustSystem    = "system"
	TrustPinned    = "pinned"
)

// TrustPolicyFor builds the policy named by mode. caFiles are PEM files added
// to the system pool for TrustSystem; pins are SHA-256 fingerprints for
// TrustPinned. An empty mode is TrustAcceptAll.
//
//	policy, err := client.TrustPolicyFor("system", []string{"/etc/app/ca.pem"}, nil)
func TrustPolicyFor(mode string, caFiles, pins []string) (tlsutil.TrustPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", TrustAcceptAll:
		return tlsutil.AcceptAll{}, nil
	case TrustSystem:
		cas, err := LoadCAFiles(caFiles...)
		if err != nil {
			return nil, err
		}
		return tlsutil.SystemRoots{CACerts: cas}, nil
	case TrustPinned:
		p, err := tlsutil.NewPinnedFingerprints(pins...)
		if err != nil {
			return nil, fmt.Errorf("pinned trust: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown trust mode %q (want %s, %s or %s)", mode, TrustAcceptAll, TrustSystem, TrustPinned)
	}
}

// LoadCAFiles reads every certificate from the given PEM files.
func LoadCAFiles(paths ...string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		found := 0
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse CA certificate in %s: %w", p, err)
			}
			certs = append(certs, c)
			found++
		}
		if found == 0 {
			return nil, fmt.Errorf("no certificate found in %s", p)
		}
	}
	return certs, nil
}
