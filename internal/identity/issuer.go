package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
)

const defaultValidity = 365 * 24 * time.Hour

// IssuedCert holds the result of any certificate issuance operation.
type IssuedCert struct {
	CertPEM string
	KeyPEM  string
	CAPEM   string
	Serial  string
	Cert    *x509.Certificate // parsed certificate for in-process use
}

// TLSCertificate converts the PEM-encoded cert+key into a tls.Certificate.
func (ic *IssuedCert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair([]byte(ic.CertPEM), []byte(ic.KeyPEM))
}

// BundlePEM returns the certificate, the CA and the private key in one PEM
// file, the layout tlsutil.LoadKeyStore accepts as a keystore.
func (ic *IssuedCert) BundlePEM() []byte {
	return []byte(ic.CertPEM + ic.CAPEM + ic.KeyPEM)
}

// WriteBundle writes BundlePEM to path with owner-only permissions.
func (ic *IssuedCert) WriteBundle(path string) error {
	if err := os.WriteFile(path, ic.BundlePEM(), 0o600); err != nil {
		return fmt.Errorf("write keystore bundle: %w", err)
	}
	return nil
}

// Fingerprint is the SHA-256 pin of the certificate.
func (ic *IssuedCert) Fingerprint() string { return tlsutil.Fingerprint(ic.Cert) }

// Issuer issues and verifies certificates signed by the development CA.
type Issuer struct {
	ca *CAManager
}

// NewIssuer creates an Issuer backed by the given CAManager.
func NewIssuer(ca *CAManager) *Issuer {
	return &Issuer{ca: ca}
}

// CACertPEM returns the CA certificate in PEM format.
func (i *Issuer) CACertPEM() string { return string(i.ca.CertPEM()) }

// CertPool returns a pool holding only the CA.
func (i *Issuer) CertPool() *x509.CertPool { return i.ca.CertPool() }

// TrustPolicy validates peers against the CA only.
func (i *Issuer) TrustPolicy() tlsutil.TrustPolicy {
	return tlsutil.SystemRoots{Roots: i.CertPool()}
}

// leaf describes one certificate the CA is asked to sign.
type leaf struct {
	cn       string
	usage    x509.ExtKeyUsage
	dnsNames []string
	ips      []net.IP
	validFor time.Duration
}

// IssueClientCert signs a client-auth leaf for cn, valid for validFor or one
// year when zero.
func (i *Issuer) IssueClientCert(cn string, validFor time.Duration) (*IssuedCert, error) {
	return i.sign(leaf{cn: cn, usage: x509.ExtKeyUsageClientAuth, validFor: validFor})
}

// IssueServerCert signs a server-auth leaf covering dnsNames and ips. The
// first DNS name doubles as the common name.
func (i *Issuer) IssueServerCert(dnsNames []string, ips []net.IP, validFor time.Duration) (*IssuedCert, error) {
	l := leaf{cn: "mtls-echo", usage: x509.ExtKeyUsageServerAuth, dnsNames: dnsNames, ips: ips, validFor: validFor}
	if len(dnsNames) > 0 {
		l.cn = dnsNames[0]
	}
	return i.sign(l)
}

// VerifyPeerCert verifies a client certificate against the CA.
func (i *Issuer) VerifyPeerCert(cert *x509.Certificate) (*x509.Certificate, error) {
	opts := x509.VerifyOptions{
		Roots:     i.ca.CertPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return nil, fmt.Errorf("certificate not trusted: %w", err)
	}
	return cert, nil
}

// ServerTLSConfig builds the config of an mTLS server that only accepts
// clients holding a certificate from this CA.
func (i *Issuer) ServerTLSConfig(serverCert tls.Certificate) *tls.Config {
	return tlsutil.NewServerTLSConfig(serverCert, tls.VersionTLS12, i.TrustPolicy())
}

func (i *Issuer) sign(l leaf) (*IssuedCert, error) {
	if i.ca == nil || i.ca.cert == nil || i.ca.key == nil {
		return nil, fmt.Errorf("CA not loaded; call LoadOrCreate first")
	}
	if l.validFor == 0 {
		l.validFor = defaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("issue %s: %w", l.cn, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: l.cn, Organization: []string{"mtlsclient"}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(l.validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{l.usage},
		DNSNames:     l.dnsNames,
		IPAddresses:  l.ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, i.ca.cert, key.Public(), i.ca.key)
	if err != nil {
		return nil, fmt.Errorf("issue %s: %w", l.cn, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("issue %s: %w", l.cn, err)
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, err
	}

	return &IssuedCert{
		CertPEM: string(encodeCert(der)),
		KeyPEM:  string(keyPEM),
		CAPEM:   i.CACertPEM(),
		Serial:  serial.Text(16),
		Cert:    cert,
	}, nil
}
