package client_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmerrifield20/mtlsclient/pkg/client"
	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
)

func TestTrustPolicyFor(t *testing.T) {
	p, err := client.TrustPolicyFor("", nil, nil)
	if _, ok := p.(tlsutil.AcceptAll); err != nil || !ok {
		t.Errorf("default = %T, %v; want AcceptAll", p, err)
	}

	p, err = client.TrustPolicyFor("SYSTEM", []string{"../tlsutil/testdata/ca.crt"}, nil)
	if err != nil {
		t.Fatalf("system: %v", err)
	}
	sr, ok := p.(tlsutil.SystemRoots)
	if !ok || len(sr.CACerts) != 1 {
		t.Errorf("system = %#v", p)
	}

	pin := "44:D0:F4:E5:9C:7D:6A:44:41:70:96:12:02:36:96:F1:3C:87:4E:9E:8F:92:EF:39:03:AD:CD:94:E7:73:97:70"
	if _, err := client.TrustPolicyFor("pinned", nil, []string{pin}); err != nil {
		t.Errorf("pinned: %v", err)
	}
	if _, err := client.TrustPolicyFor("pinned", nil, nil); err == nil {
		t.Error("pinned without fingerprints accepted")
	}
	if _, err := client.TrustPolicyFor("trust-me", nil, nil); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestLoadCAFiles_errors(t *testing.T) {
	if _, err := client.LoadCAFiles(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("missing file accepted")
	}
	empty := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(empty, []byte("nothing here"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := client.LoadCAFiles(empty); err == nil {
		t.Error("file without certificates accepted")
	}
}
