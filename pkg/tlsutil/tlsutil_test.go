package tlsutil_test

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/pkcs12"

	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
)

const (
	p12Path     = "testdata/client.p12"
	p12Password = "changeit"
	bundlePath  = "testdata/client-bundle.pem"
	caPath      = "testdata/ca.crt"

	// openssl x509 -in client.crt -noout -fingerprint -sha256
	clientFingerprint = "44:D0:F4:E5:9C:7D:6A:44:41:70:96:12:02:36:96:F1:3C:87:4E:9E:8F:92:EF:39:03:AD:CD:94:E7:73:97:70"
)

func loadCA(t *testing.T) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(caPath)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatal("no PEM block in CA file")
	}
	ca, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	return ca
}

// ── keystore ────────────────────────────────────────────────────────────────

func TestLoadKeyStore_pkcs12(t *testing.T) {
	ks, err := tlsutil.LoadKeyStore(p12Path, p12Password)
	if err != nil {
		t.Fatalf("LoadKeyStore() error: %v", err)
	}
	if ks.Leaf.Subject.CommonName != "test-client" {
		t.Errorf("leaf CN = %q, want test-client", ks.Leaf.Subject.CommonName)
	}
	if len(ks.CACerts) != 1 || ks.CACerts[0].Subject.CommonName != "mtlsclient test CA" {
		t.Errorf("CACerts = %d, want the test CA", len(ks.CACerts))
	}
	if len(ks.Certificate.Certificate) != 2 {
		t.Errorf("presented chain length = %d, want 2", len(ks.Certificate.Certificate))
	}
	if ks.Certificate.PrivateKey == nil {
		t.Error("private key missing")
	}
}

func TestLoadKeyStore_pemBundle(t *testing.T) {
	ks, err := tlsutil.LoadKeyStore(bundlePath, "")
	if err != nil {
		t.Fatalf("LoadKeyStore() error: %v", err)
	}
	if ks.Leaf.Subject.CommonName != "test-client" {
		t.Errorf("leaf CN = %q, want test-client", ks.Leaf.Subject.CommonName)
	}
}

func TestLoadKeyStore_wrongPassword(t *testing.T) {
	_, err := tlsutil.LoadKeyStore(p12Path, "wrong")
	if !errors.Is(err, tlsutil.ErrConstruction) {
		t.Fatalf("error = %v, want ErrConstruction", err)
	}
	if !errors.Is(err, pkcs12.ErrIncorrectPassword) {
		t.Errorf("error = %v, want it to wrap pkcs12.ErrIncorrectPassword", err)
	}
}

func TestLoadKeyStore_missingFile(t *testing.T) {
	_, err := tlsutil.LoadKeyStore(filepath.Join(t.TempDir(), "nope.p12"), p12Password)
	var ce *tlsutil.ConstructionError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ConstructionError", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error = %v, want fs.ErrNotExist", err)
	}
}

func TestLoadKeyStore_pemWithoutKey(t *testing.T) {
	_, err := tlsutil.LoadKeyStore(caPath, "")
	if !errors.Is(err, tlsutil.ErrConstruction) {
		t.Fatalf("error = %v, want ErrConstruction", err)
	}
	if !strings.Contains(err.Error(), "no private key") {
		t.Errorf("error = %q", err)
	}
}

func TestLoadKeyStore_garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.p12")
	if err := os.WriteFile(path, []byte("not a keystore"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := tlsutil.LoadKeyStore(path, "x"); !errors.Is(err, tlsutil.ErrConstruction) {
		t.Fatalf("error = %v, want ErrConstruction", err)
	}
}

// ── protocol ────────────────────────────────────────────────────────────────

func TestParseProtocol(t *testing.T) {
	ok := map[string]uint16{
		"":        tls.VersionTLS12,
		"TLS":     tls.VersionTLS12,
		"TLSv1.2": tls.VersionTLS12,
		"1.2":     tls.VersionTLS12,
		"TLSv1.3": tls.VersionTLS13,
		"1.3":     tls.VersionTLS13,
	}
	for in, want := range ok {
		got, err := tlsutil.ParseProtocol(in)
		if err != nil || got != want {
			t.Errorf("ParseProtocol(%q) = %x, %v; want %x", in, got, err, want)
		}
	}
	for _, bad := range []string{"SSLv3", "TLSv1", "TLSv1.1", "QUIC"} {
		if _, err := tlsutil.ParseProtocol(bad); !errors.Is(err, tlsutil.ErrConstruction) {
			t.Errorf("ParseProtocol(%q) error = %v, want ErrConstruction", bad, err)
		}
	}
}

func TestBuild_unsupportedProtocol(t *testing.T) {
	if _, err := tlsutil.Build(p12Path, p12Password, "SSLv3", nil); !errors.Is(err, tlsutil.ErrConstruction) {
		t.Fatalf("error = %v, want ErrConstruction", err)
	}
}

// ── trust policies ──────────────────────────────────────────────────────────

func TestAcceptAll(t *testing.T) {
	var p tlsutil.TrustPolicy = tlsutil.AcceptAll{}
	if err := p.CheckServerTrusted(nil, "anything"); err != nil {
		t.Errorf("CheckServerTrusted() = %v", err)
	}
	if err := p.CheckClientTrusted(nil); err != nil {
		t.Errorf("CheckClientTrusted() = %v", err)
	}
	if issuers := p.AcceptedIssuers(); issuers == nil || len(issuers) != 0 {
		t.Errorf("AcceptedIssuers() = %v, want empty", issuers)
	}
}

func TestSystemRoots_clientChain(t *testing.T) {
	ks, err := tlsutil.LoadKeyStore(p12Path, p12Password)
	if err != nil {
		t.Fatal(err)
	}
	ca := loadCA(t)
	p := tlsutil.SystemRoots{Roots: x509.NewCertPool(), CACerts: []*x509.Certificate{ca}}

	if err := p.CheckClientTrusted([]*x509.Certificate{ks.Leaf}); err != nil {
		t.Errorf("CheckClientTrusted() = %v, want nil", err)
	}
	// The client certificate carries clientAuth only.
	if err := p.CheckServerTrusted([]*x509.Certificate{ks.Leaf}, ""); err == nil {
		t.Error("CheckServerTrusted() accepted a client-only certificate")
	}
	if got := p.AcceptedIssuers(); len(got) != 1 {
		t.Errorf("AcceptedIssuers() = %d, want 1", len(got))
	}

	untrusted := tlsutil.SystemRoots{Roots: x509.NewCertPool()}
	if err := untrusted.CheckClientTrusted([]*x509.Certificate{ks.Leaf}); err == nil {
		t.Error("CheckClientTrusted() accepted a chain with an unknown root")
	}
	if err := untrusted.CheckClientTrusted(nil); err == nil {
		t.Error("CheckClientTrusted() accepted an empty chain")
	}
}

func TestPinnedFingerprints(t *testing.T) {
	ks, err := tlsutil.LoadKeyStore(p12Path, p12Password)
	if err != nil {
		t.Fatal(err)
	}
	if got := tlsutil.Fingerprint(ks.Leaf); got != strings.ToLower(strings.ReplaceAll(clientFingerprint, ":", "")) {
		t.Fatalf("Fingerprint() = %s", got)
	}

	p, err := tlsutil.NewPinnedFingerprints(clientFingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.CheckClientTrusted([]*x509.Certificate{ks.Leaf}); err != nil {
		t.Errorf("pinned leaf rejected: %v", err)
	}
	if err := p.CheckServerTrusted([]*x509.Certificate{loadCA(t)}, ""); err == nil {
		t.Error("unpinned certificate accepted")
	}

	if _, err := tlsutil.NewPinnedFingerprints("abc"); err == nil {
		t.Error("short fingerprint accepted")
	}
	if _, err := tlsutil.NewPinnedFingerprints(); err == nil {
		t.Error("empty pin set accepted")
	}
}

// ── handshake ───────────────────────────────────────────────────────────────

func mtlsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client certificate", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(r.TLS.PeerCertificates[0].Subject.CommonName)) //nolint:errcheck
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, cfg *tls.Config) (string, error) {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func TestBuild_mutualTLSHandshake(t *testing.T) {
	srv := mtlsServer(t)

	cfg, err := tlsutil.Build(p12Path, p12Password, tlsutil.DefaultProtocol, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	cn, err := call(t, srv, cfg)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	if cn != "test-client" {
		t.Errorf("server saw client CN %q, want test-client", cn)
	}
}

func TestBuild_pinnedServer(t *testing.T) {
	srv := mtlsServer(t)

	pinned, err := tlsutil.NewPinnedFingerprints(tlsutil.Fingerprint(srv.Certificate()))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := tlsutil.Build(p12Path, p12Password, "TLSv1.3", pinned)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, srv, cfg); err != nil {
		t.Errorf("pinned server rejected: %v", err)
	}

	other, _ := tlsutil.NewPinnedFingerprints(clientFingerprint)
	cfg, _ = tlsutil.Build(p12Path, p12Password, "TLSv1.2", other)
	if _, err := call(t, srv, cfg); err == nil {
		t.Error("handshake succeeded against an unpinned server")
	}
}

func TestBuild_systemRootsServer(t *testing.T) {
	srv := mtlsServer(t)

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	cfg, err := tlsutil.Build(bundlePath, "", "TLS", tlsutil.SystemRoots{Roots: roots})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, srv, cfg); err != nil {
		t.Errorf("trusted server rejected: %v", err)
	}

	cfg, _ = tlsutil.Build(bundlePath, "", "TLS", tlsutil.SystemRoots{Roots: x509.NewCertPool()})
	if _, err := call(t, srv, cfg); err == nil {
		t.Error("handshake succeeded against an untrusted server")
	}
}

func TestNewServerTLSConfig_rejectsUnpinnedClient(t *testing.T) {
	pinned, _ := tlsutil.NewPinnedFingerprints(strings.Repeat("00", 32))

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverCfg := tlsutil.NewServerTLSConfig(tls.Certificate{}, tls.VersionTLS12, pinned)
	serverCfg.Certificates = nil // let httptest install its own certificate
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	cfg, err := tlsutil.Build(p12Path, p12Password, "TLSv1.2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, srv, cfg); err == nil {
		t.Error("server accepted an unpinned client certificate")
	}
}
