package tlsutil

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// KeyStore is the client authentication material loaded from disk.
type KeyStore struct {
	// Certificate is ready to be presented during the TLS handshake. Its
	// chain starts with the leaf followed by any CA certificates found.
	Certificate tls.Certificate

	// Leaf is the parsed certificate matching the private key.
	Leaf *x509.Certificate

	// CACerts are the other certificates found alongside the leaf.
	CACerts []*x509.Certificate
}

var pemPrefix = []byte("-----BEGIN")

// LoadKeyStore reads a PKCS#12 archive (.p12/.pfx) protected by password, or a
// PEM bundle holding certificates and an unencrypted private key. For PEM
// bundles the password is ignored.
func LoadKeyStore(path, password string) (*KeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConstructionError{Op: "read keystore", Path: path, Err: err}
	}

	var blocks []*pem.Block
	if bytes.HasPrefix(bytes.TrimSpace(data), pemPrefix) {
		blocks = decodePEM(data)
	} else {
		blocks, err = pkcs12.ToPEM(data, password)
		if err != nil {
			return nil, &ConstructionError{Op: "decode PKCS#12 keystore", Path: path, Err: err}
		}
	}

	ks, err := keyStoreFromBlocks(blocks)
	if err != nil {
		return nil, &ConstructionError{Op: "build key manager", Path: path, Err: err}
	}
	return ks, nil
}

func decodePEM(data []byte) []*pem.Block {
	var blocks []*pem.Block
	for {
		var b *pem.Block
		b, data = pem.Decode(data)
		if b == nil {
			return blocks
		}
		blocks = append(blocks, b)
	}
}

// keyStoreFromBlocks pairs the private key with the certificate carrying its
// public key.
func keyStoreFromBlocks(blocks []*pem.Block) (*KeyStore, error) {
	var (
		key   crypto.Signer
		certs []*x509.Certificate
	)
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			certs = append(certs, c)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			if key != nil {
				return nil, errors.New("keystore holds more than one private key")
			}
			k, err := parsePrivateKey(b.Bytes)
			if err != nil {
				return nil, err
			}
			key = k
		case "ENCRYPTED PRIVATE KEY":
			return nil, errors.New("encrypted PEM private keys are not supported, use a PKCS#12 keystore")
		}
	}
	if key == nil {
		return nil, errors.New("no private key found")
	}

	leafIdx := -1
	for i, c := range certs {
		if publicKeysEqual(c.PublicKey, key.Public()) {
			leafIdx = i
			break
		}
	}
	if leafIdx < 0 {
		return nil, errors.New("no certificate matches the private key")
	}

	ks := &KeyStore{Leaf: certs[leafIdx]}
	chain := [][]byte{certs[leafIdx].Raw}
	for i, c := range certs {
		if i == leafIdx {
			continue
		}
		ks.CACerts = append(ks.CACerts, c)
		chain = append(chain, c.Raw)
	}
	ks.Certificate = tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        ks.Leaf,
	}
	return ks, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := k.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported private key type %T", k)
		}
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, errors.New("unrecognised private key encoding")
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}
