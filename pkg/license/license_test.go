package license

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
)

const (
	testIssuer   = "https://ops.cadalytix.example/license"
	testAudience = "cadalytix-installer"
)

func mustKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, pemBytes
}

func sign(t *testing.T, priv *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(now time.Time) Claims {
	return Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    testIssuer,
			Audience:  testAudience,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(30 * 24 * time.Hour).Unix(),
		},
		GraceUntil: now.Add(37 * 24 * time.Hour).Unix(),
		InstallID:  "INSTALL-ABC-123",
	}
}

func TestVerifyValidToken(t *testing.T) {
	priv, pub := mustKeyPair(t)
	v, err := New(pub, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Now()
	tok := sign(t, priv, baseClaims(now))

	claims, err := v.Verify(tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.InstallID != "INSTALL-ABC-123" {
		t.Fatalf("unexpected install id: %s", claims.InstallID)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, pub := mustKeyPair(t)
	otherPriv, _ := mustKeyPair(t)
	v, _ := New(pub, testIssuer, testAudience)

	now := time.Now()
	tok := sign(t, otherPriv, baseClaims(now))

	if _, err := v.Verify(tok, now); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	priv, pub := mustKeyPair(t)
	v, _ := New(pub, testIssuer, testAudience)

	now := time.Now()
	claims := baseClaims(now)
	claims.Issuer = "https://evil.example/license"
	tok := sign(t, priv, claims)

	if _, err := v.Verify(tok, now); err == nil {
		t.Fatal("expected issuer mismatch failure")
	}
}

func TestVerifyRejectsMissingExp(t *testing.T) {
	priv, pub := mustKeyPair(t)
	v, _ := New(pub, testIssuer, testAudience)

	now := time.Now()
	claims := baseClaims(now)
	claims.ExpiresAt = 0
	tok := sign(t, priv, claims)

	if _, err := v.Verify(tok, now); err == nil {
		t.Fatal("expected missing-exp failure")
	}
}

func TestVerifyRejectsFutureIat(t *testing.T) {
	priv, pub := mustKeyPair(t)
	v, _ := New(pub, testIssuer, testAudience)

	now := time.Now()
	claims := baseClaims(now)
	claims.IssuedAt = now.Add(time.Hour).Unix()
	tok := sign(t, priv, claims)

	if _, err := v.Verify(tok, now); err == nil {
		t.Fatal("expected future-iat failure")
	}
}

func TestStatus(t *testing.T) {
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	exp := now.Add(24 * time.Hour)
	grace := exp.Add(7 * 24 * time.Hour)

	if got := Status(now, exp, grace); got != "active" {
		t.Fatalf("Status before exp = %s, want active", got)
	}
	if got := Status(exp.Add(time.Hour), exp, grace); got != "grace" {
		t.Fatalf("Status after exp within grace = %s, want grace", got)
	}
	if got := Status(grace.Add(time.Hour), exp, grace); got != "expired" {
		t.Fatalf("Status after grace = %s, want expired", got)
	}
}

func TestBindInstallFirstRunAdopts(t *testing.T) {
	adopted, err := BindInstall("TOKEN-ID", "")
	if err != nil {
		t.Fatalf("BindInstall: %v", err)
	}
	if adopted != "TOKEN-ID" {
		t.Fatalf("adopted = %q, want TOKEN-ID", adopted)
	}
}

func TestBindInstallMatchesCaseInsensitive(t *testing.T) {
	adopted, err := BindInstall("install-id-1", "INSTALL-ID-1")
	if err != nil {
		t.Fatalf("BindInstall: %v", err)
	}
	if adopted != "INSTALL-ID-1" {
		t.Fatalf("adopted = %q, want INSTALL-ID-1", adopted)
	}
}

func TestBindInstallRejectsMismatch(t *testing.T) {
	if _, err := BindInstall("TOKEN-ID", "OTHER-ID"); err == nil {
		t.Fatal("expected install id mismatch error")
	}
}
