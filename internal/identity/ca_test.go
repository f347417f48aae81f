package identity_test

import (
	"bytes"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmerrifield20/mtlsclient/internal/identity"
)

func newCA(t *testing.T) (*identity.CAManager, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ca")
	ca := identity.NewCAManager(dir)
	if err := ca.LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	return ca, dir
}

func TestLoadOrCreate_writesRootToDisk(t *testing.T) {
	ca, dir := newCA(t)

	info, err := os.Stat(filepath.Join(dir, "ca.key"))
	if err != nil {
		t.Fatalf("ca.key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("ca.key mode = %o, want 600", perm)
	}
	onDisk, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		t.Fatalf("ca.crt: %v", err)
	}
	if !bytes.Equal(onDisk, ca.CertPEM()) {
		t.Error("ca.crt differs from CertPEM()")
	}

	cert := ca.Cert()
	if !cert.IsCA || !cert.MaxPathLenZero {
		t.Errorf("IsCA=%v MaxPathLenZero=%v, want both true", cert.IsCA, cert.MaxPathLenZero)
	}
	if cert.Subject.CommonName != "mtlsclient development CA" {
		t.Errorf("CN = %q", cert.Subject.CommonName)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		t.Errorf("root is not self-signed: %v", err)
	}
	if len(ca.Fingerprint()) != 64 {
		t.Errorf("Fingerprint() = %q, want 64 hex chars", ca.Fingerprint())
	}
}

func TestLoadOrCreate_reusesExistingRoot(t *testing.T) {
	first, dir := newCA(t)

	second := identity.NewCAManager(dir)
	if err := second.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("second LoadOrCreate generated a new root")
	}
	if !second.Key().PublicKey.Equal(first.Cert().PublicKey) {
		t.Error("reloaded key does not match the original certificate")
	}
}

func TestLoadOrCreate_keepsCorruptRoot(t *testing.T) {
	_, dir := newCA(t)
	if err := os.WriteFile(filepath.Join(dir, "ca.crt"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := identity.NewCAManager(dir).LoadOrCreate(); err == nil {
		t.Fatal("expected an error for an unparsable ca.crt")
	}
	raw, _ := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if string(raw) != "garbage" {
		t.Error("corrupt ca.crt was overwritten")
	}
}

func TestLoad_mismatchedKey(t *testing.T) {
	_, dirA := newCA(t)
	_, dirB := newCA(t)
	otherKey, err := os.ReadFile(filepath.Join(dirB, "ca.key"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirA, "ca.key"), otherKey, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := identity.NewCAManager(dirA).Load(); err == nil {
		t.Error("Load accepted a key belonging to another root")
	}
}

func TestLoad_emptyDir(t *testing.T) {
	if err := identity.NewCAManager(t.TempDir()).Load(); err == nil {
		t.Error("Load() on an empty dir succeeded")
	}
}

func TestCertPool_containsRoot(t *testing.T) {
	ca, _ := newCA(t)
	issued, err := identity.NewIssuer(ca).IssueClientCert("pool-check", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := issued.Cert.CheckSignatureFrom(ca.Cert()); err != nil {
		t.Errorf("leaf not signed by root: %v", err)
	}
	_, err = issued.Cert.Verify(x509.VerifyOptions{
		Roots:     ca.CertPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		t.Errorf("leaf does not chain to CertPool(): %v", err)
	}
}
