package identity

import (
	"crypto/x509"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
)

const (
	ctxClientCert  = "mtls_client_cert"
	ctxTokenClaims = "mtls_token_claims"
)

var errNoBearer = errors.New("bearer token required")

func deny(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// RequireClientCert rejects requests whose TLS state carries no leaf signed
// by the issuer's CA. The accepted leaf is available via ClientCertFromCtx.
func RequireClientCert(issuer *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := c.Request.TLS
		if state == nil || len(state.PeerCertificates) == 0 {
			deny(c, http.StatusUnauthorized, "mTLS required: no client certificate presented")
			return
		}
		peer := state.PeerCertificates[0]
		if _, err := issuer.VerifyPeerCert(peer); err != nil {
			deny(c, http.StatusUnauthorized, "client certificate not trusted: "+err.Error())
			return
		}
		c.Set(ctxClientCert, peer)
		c.Next()
	}
}

// RequireToken admits requests with a valid Bearer token. Behind
// RequireClientCert the token's cert_fp claim must name the presented leaf.
func RequireToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearer(c.Request)
		if err != nil {
			deny(c, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := tokens.Verify(raw)
		if err != nil {
			deny(c, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		if peer := ClientCertFromCtx(c); peer != nil && claims.Fingerprint != tlsutil.Fingerprint(peer) {
			deny(c, http.StatusForbidden, "token was issued for another certificate")
			return
		}
		c.Set(ctxTokenClaims, claims)
		c.Next()
	}
}

func bearer(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errNoBearer
	}
	return token, nil
}

// ClientCertFromCtx returns the leaf stored by RequireClientCert, or nil.
func ClientCertFromCtx(c *gin.Context) *x509.Certificate {
	if v, ok := c.Get(ctxClientCert); ok {
		cert, _ := v.(*x509.Certificate)
		return cert
	}
	return nil
}

// ClaimsFromCtx returns the claims stored by RequireToken, or nil.
func ClaimsFromCtx(c *gin.Context) *AccessClaims {
	if v, ok := c.Get(ctxTokenClaims); ok {
		claims, _ := v.(*AccessClaims)
		return claims
	}
	return nil
}
