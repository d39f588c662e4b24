package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mustKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestGoogleServiceAccountAssertion(t *testing.T) {
	key := mustKey(t)
	now := time.Unix(1700000000, 0).UTC()

	compact, err := GoogleServiceAccountAssertion(key, "svc@project.iam.gserviceaccount.com", "admin@example.com", "https://oauth2.googleapis.com/token", []string{"scope-a", "scope-b"}, now)
	if err != nil {
		t.Fatalf("GoogleServiceAccountAssertion: %v", err)
	}

	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(compact, &claims)
	if err != nil {
		t.Fatalf("parse unverified: %v", err)
	}
	if tok.Method.Alg() != "RS256" {
		t.Fatalf("alg = %s, want RS256", tok.Method.Alg())
	}
	if claims["iss"] != "svc@project.iam.gserviceaccount.com" {
		t.Errorf("iss = %v", claims["iss"])
	}
	if claims["sub"] != "admin@example.com" {
		t.Errorf("sub = %v", claims["sub"])
	}
	if claims["scope"] != "scope-a scope-b" {
		t.Errorf("scope = %v", claims["scope"])
	}
	if got, want := claims["exp"].(float64), float64(now.Add(time.Hour).Unix()); got != want {
		t.Errorf("exp = %v, want %v", got, want)
	}
}

func TestOktaClientAssertion(t *testing.T) {
	key := mustKey(t)
	now := time.Unix(1700000000, 0).UTC()

	compact, err := OktaClientAssertion(key, "key-1", "client-123", "https://example.okta.com/oauth2/v1/token", now)
	if err != nil {
		t.Fatalf("OktaClientAssertion: %v", err)
	}

	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(compact, &claims)
	if err != nil {
		t.Fatalf("parse unverified: %v", err)
	}
	if tok.Header["kid"] != "key-1" {
		t.Errorf("kid header = %v", tok.Header["kid"])
	}
	if claims["iss"] != "client-123" || claims["sub"] != "client-123" {
		t.Errorf("iss/sub = %v/%v", claims["iss"], claims["sub"])
	}
	jti, _ := claims["jti"].(string)
	if !strings.HasPrefix(jti, "1700000000_") {
		t.Errorf("jti = %q, want 1700000000_ prefix", jti)
	}
}

func TestDPoPProof(t *testing.T) {
	key := mustKey(t)
	now := time.Unix(1700000000, 0).UTC()

	compact, err := DPoPProof(key, "key-1", DPoPProofOptions{
		Method:      "post",
		URL:         "https://example.okta.com/oauth2/v1/token?foo=bar",
		AccessToken: "access-token-value",
		Nonce:       "server-nonce",
		Now:         now,
	})
	if err != nil {
		t.Fatalf("DPoPProof: %v", err)
	}

	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(compact, &claims)
	if err != nil {
		t.Fatalf("parse unverified: %v", err)
	}
	if tok.Header["typ"] != "dpop+jwt" {
		t.Errorf("typ header = %v", tok.Header["typ"])
	}
	jwkHeader, ok := tok.Header["jwk"].(map[string]any)
	if !ok {
		t.Fatalf("jwk header missing or wrong type: %v", tok.Header["jwk"])
	}
	if jwkHeader["kty"] != "RSA" {
		t.Errorf("jwk.kty = %v", jwkHeader["kty"])
	}
	if claims["htm"] != "POST" {
		t.Errorf("htm = %v, want POST", claims["htm"])
	}
	if claims["htu"] != "https://example.okta.com/oauth2/v1/token" {
		t.Errorf("htu = %v, stripped query expected", claims["htu"])
	}
	if claims["nonce"] != "server-nonce" {
		t.Errorf("nonce = %v", claims["nonce"])
	}
	if claims["ath"] == nil || claims["ath"] == "" {
		t.Errorf("ath claim missing")
	}
}

func TestParseRSAKeyInvalid(t *testing.T) {
	if _, err := ParseRSAKey([]byte("not a pem key")); err == nil {
		t.Fatal("expected error for invalid key material")
	}
}
