// Package identity is the development certificate authority behind the
// mtlsclient tooling.
//
// It provides:
//   - CAManager   : creates/loads a local ECDSA root CA
//   - Issuer      : issues client and server certificates and keystore bundles
//   - TokenIssuer : issues and verifies ES256 access tokens for authenticated clients
//   - RequireClientCert / RequireToken: Gin middleware guarding echo routes
package identity
