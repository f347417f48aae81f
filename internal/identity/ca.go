package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"

	caCommonName = "mtlsclient development CA"
	caLifetime   = 5 * 365 * 24 * time.Hour
)

// CAManager owns the development root. Its certificate and key live as a
// pair of PEM files under one directory; the Issuer signs everything with it.
type CAManager struct {
	dir  string
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewCAManager returns a CAManager rooted at dir. Nothing is read until
// Load, Create or LoadOrCreate is called.
func NewCAManager(dir string) *CAManager {
	return &CAManager{dir: dir}
}

func (m *CAManager) certPath() string { return filepath.Join(m.dir, caCertFile) }
func (m *CAManager) keyPath() string  { return filepath.Join(m.dir, caKeyFile) }

// LoadOrCreate activates the CA stored in the directory, generating one when
// neither file exists yet. A CA that exists but cannot be parsed is reported
// rather than replaced.
func (m *CAManager) LoadOrCreate() error {
	err := m.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return m.Create()
	}
	return err
}

// Load activates the CA stored in the directory.
func (m *CAManager) Load() error {
	rawCert, err := os.ReadFile(m.certPath())
	if err != nil {
		return fmt.Errorf("ca: %w", err)
	}
	rawKey, err := os.ReadFile(m.keyPath())
	if err != nil {
		return fmt.Errorf("ca: %w", err)
	}

	cert, key, err := decodeCertAndKey(rawCert, rawKey)
	if err != nil {
		return fmt.Errorf("ca %s: %w", m.dir, err)
	}
	if !cert.IsCA {
		return fmt.Errorf("ca %s: %s is not a CA certificate", m.dir, caCertFile)
	}
	m.cert, m.key = cert, key
	return nil
}

// Create generates a fresh root, writes it to the directory and activates it.
// Existing files are overwritten.
func (m *CAManager) Create() error {
	cert, key, err := selfSignedRoot(time.Now().UTC())
	if err != nil {
		return err
	}
	if err := m.persist(cert, key); err != nil {
		return err
	}
	m.cert, m.key = cert, key
	return nil
}

func (m *CAManager) persist(cert *x509.Certificate, key *ecdsa.PrivateKey) error {
	keyPEM, err := encodeKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("ca: %w", err)
	}
	// The key goes first so a crash never leaves a certificate without one.
	if err := os.WriteFile(m.keyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("ca: %w", err)
	}
	if err := os.WriteFile(m.certPath(), encodeCert(cert.Raw), 0o644); err != nil {
		return fmt.Errorf("ca: %w", err)
	}
	return nil
}

// selfSignedRoot builds a P-256 root that may sign leaves but not other CAs.
func selfSignedRoot(now time.Time) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName, Organization: []string{"mtlsclient"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caLifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, key.Public(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: sign root: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: %w", err)
	}
	return cert, key, nil
}

// Cert returns the active CA certificate, or nil before Load or Create.
func (m *CAManager) Cert() *x509.Certificate { return m.cert }

// Key returns the active CA key, or nil before Load or Create.
func (m *CAManager) Key() *ecdsa.PrivateKey { return m.key }

// CertPEM returns the active CA certificate in PEM form.
func (m *CAManager) CertPEM() []byte { return encodeCert(m.cert.Raw) }

// Fingerprint is the lowercase hex SHA-256 of the CA certificate's DER bytes,
// the same form tlsutil.Pinned expects.
func (m *CAManager) Fingerprint() string {
	sum := sha256.Sum256(m.cert.Raw)
	return hex.EncodeToString(sum[:])
}

// CertPool returns a pool holding only the CA certificate.
func (m *CAManager) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.cert)
	return pool
}

func encodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// decodeCertAndKey expects one CERTIFICATE block and one PKCS#8 ECDSA key.
func decodeCertAndKey(rawCert, rawKey []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(rawCert)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, nil, errors.New("no CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	keyBlock, _ := pem.Decode(rawKey)
	if keyBlock == nil {
		return nil, nil, errors.New("no PRIVATE KEY block")
	}
	anyKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	key, ok := anyKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("key is %T, want *ecdsa.PrivateKey", anyKey)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, nil, errors.New("key does not match certificate")
	}
	return cert, key, nil
}

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

func randomSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}
	return n, nil
}
