// Package signer produces the signed JWTs and DPoP proofs required by the
// Google and Okta token-endpoint handshakes.
package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrKeyMaterialInvalid is returned when a configured private key cannot be
// parsed as PEM-encoded PKCS#1 or PKCS#8 RSA key material.
var ErrKeyMaterialInvalid = errors.New("signer: key material invalid")

// ParseRSAKey parses a PEM-encoded RSA private key, trying PKCS#1 first and
// falling back to PKCS#8 (the two shapes commonly exported for service
// accounts and JWKs alike).
func ParseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyMaterialInvalid, err)
	}
	return key, nil
}

// GoogleServiceAccountAssertion builds the compact JWS for a Google service
// account's JWT-bearer grant: {iss, scope, aud, sub, exp, iat}, RS256.
func GoogleServiceAccountAssertion(key *rsa.PrivateKey, serviceAccountEmail, impersonationEmail, tokenEndpoint string, scopes []string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   serviceAccountEmail,
		"scope": strings.Join(scopes, " "),
		"aud":   tokenEndpoint,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	if impersonationEmail != "" {
		claims["sub"] = impersonationEmail
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["typ"] = "JWT"
	return token.SignedString(key)
}

// OktaClientAssertion builds the compact JWS used as client_assertion in the
// Okta client-credentials grant: {iss, sub, aud, exp, iat, jti}, RS256.
func OktaClientAssertion(key *rsa.PrivateKey, keyID, clientID, tokenEndpoint string, now time.Time) (string, error) {
	jti, err := newJTI(now)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": tokenEndpoint,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": jti,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["typ"] = "JWT"
	if keyID != "" {
		token.Header["kid"] = keyID
	}
	return token.SignedString(key)
}

// DPoPProofOptions carries the per-request inputs to a DPoP proof (RFC 9449).
type DPoPProofOptions struct {
	Method      string // HTTP method, upper-cased in the proof
	URL         string // request URL; query and fragment are stripped
	AccessToken string // present on resource-server calls; populates "ath"
	Nonce       string // server-issued DPoP-Nonce, when retrying after use_dpop_nonce
	Now         time.Time
}

// DPoPProof builds a fresh DPoP proof JWT bound to the given key. A new proof
// must be generated per request attempt so jti/iat stay current across
// retries.
func DPoPProof(key *rsa.PrivateKey, keyID string, opts DPoPProofOptions) (string, error) {
	htu, err := normalizeHTU(opts.URL)
	if err != nil {
		return "", err
	}

	jti, err := newJTI(opts.Now)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"htm": strings.ToUpper(opts.Method),
		"htu": htu,
		"iat": opts.Now.Unix(),
		"exp": opts.Now.Add(5 * time.Minute).Unix(),
		"jti": jti,
	}
	if opts.AccessToken != "" {
		sum := sha256.Sum256([]byte(opts.AccessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	if opts.Nonce != "" {
		claims["nonce"] = opts.Nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = publicJWK(&key.PublicKey, keyID)
	return token.SignedString(key)
}

func normalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("dpop: invalid htu %q: %w", raw, err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func newJTI(now time.Time) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jti entropy: %w", err)
	}
	return strconv.FormatInt(now.Unix(), 10) + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// publicJWK renders the RSA public components for embedding in a DPoP
// proof's "jwk" header, per RFC 9449 / RFC 7517.
func publicJWK(pub *rsa.PublicKey, keyID string) map[string]any {
	jwk := map[string]any{
		"kty": "RSA",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(bigIntToBytes(pub.E)),
	}
	if keyID != "" {
		jwk["kid"] = keyID
	}
	return jwk
}

func bigIntToBytes(e int) []byte {
	return big.NewInt(int64(e)).Bytes()
}
