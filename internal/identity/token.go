package identity

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the JWT claims of an access token handed to a client that
// authenticated with its certificate.
type AccessClaims struct {
	jwt.RegisteredClaims
	Fingerprint string   `json:"cert_fp"`
	Scopes      []string `json:"scopes,omitempty"`
}

// TokenIssuer signs ES256 access tokens with the CA key, so anyone holding
// the CA certificate can check them offline.
type TokenIssuer struct {
	key    *ecdsa.PrivateKey
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns a TokenIssuer whose tokens carry iss=issuerURL and
// live for ttl, or one hour when ttl is zero.
func NewTokenIssuer(key *ecdsa.PrivateKey, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: key, issuer: issuerURL, ttl: ttl, now: time.Now}
}

// Issue signs a token for subject bound to the certificate fingerprint it was
// exchanged for. It also reports when the token expires.
func (t *TokenIssuer) Issue(subject, fingerprint string, scopes []string) (string, time.Time, error) {
	issued := t.now().UTC().Truncate(time.Second)
	expires := issued.Add(t.ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Fingerprint: fingerprint,
		Scopes:      scopes,
	})
	signed, err := tok.SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature, issuer and expiry and returns the claims.
func (t *TokenIssuer) Verify(raw string) (*AccessClaims, error) {
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return t.key.Public(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	if claims.Fingerprint == "" {
		return nil, fmt.Errorf("token: missing cert_fp claim")
	}
	return &claims, nil
}

// TTL is the lifetime given to every issued token.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
