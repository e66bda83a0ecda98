// Package license verifies the signed license token the wizard collects
// during setup: RS256 signature over an embedded public key, issuer/audience
// checks, a manual clock-skew sanity check, and the active/grace/expired
// state machine driven by the token's exp and grace_until claims. Every
// failure mode returns "not verified" — there is no partial-trust result.
package license

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	jwt "github.com/dgrijalva/jwt-go"

	"github.com/cadalytix/installer/pkg/metrics"
	"github.com/cadalytix/installer/pkg/types"
)

// maxClockSkew bounds how far in the future iat/nbf may legitimately sit
// relative to the verifier's own clock.
const maxClockSkew = 5 * time.Minute

// Claims is the license token's payload. Standard fields carry issuer,
// audience, subject, and expiry; GraceUntil, InstallID, Features, and
// Identity are cadalytix-specific.
type Claims struct {
	jwt.StandardClaims
	GraceUntil int64             `json:"grace_until"`
	InstallID  string            `json:"install_id"`
	Features   map[string]bool   `json:"features"`
	Identity   map[string]string `json:"identity"`
}

// Valid implements jwt.Claims. It deliberately does not enforce exp/nbf —
// the verifier needs those to flow through as data so Status can compute
// active/grace/expired — but it does require exp to be present.
func (c Claims) Valid() error {
	if c.ExpiresAt == 0 {
		return fmt.Errorf("license: token is missing exp claim")
	}
	return nil
}

// Verifier checks license tokens against a fixed public key, issuer, and
// audience.
type Verifier struct {
	PublicKey *rsa.PublicKey
	Issuer    string
	Audience  string
}

// New returns a Verifier for the given embedded PEM-encoded RSA public key.
func New(publicKeyPEM []byte, issuer, audience string) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("license: parse public key: %w", err)
	}
	return &Verifier{PublicKey: key, Issuer: issuer, Audience: audience}, nil
}

// Verify parses and signature-checks tokenString, fail-closed on any error,
// and returns the claims for the caller to combine with Status and install
// binding. now is injected so tests can exercise grace/expired deterministically.
func (v *Verifier) Verify(tokenString string, now time.Time) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("license: unexpected signing method %v", t.Header["alg"])
		}
		return v.PublicKey, nil
	})
	if err != nil {
		return nil, types.NewError(types.KindSignatureInvalid, fmt.Errorf("license: not verified: %w", err))
	}
	if !token.Valid {
		return nil, types.NewError(types.KindSignatureInvalid, fmt.Errorf("license: not verified: invalid token"))
	}

	if claims.Issuer != v.Issuer {
		return nil, types.NewError(types.KindSignatureInvalid, fmt.Errorf("license: not verified: unexpected issuer"))
	}
	if !claims.VerifyAudience(v.Audience, true) {
		return nil, types.NewError(types.KindSignatureInvalid, fmt.Errorf("license: not verified: unexpected audience"))
	}

	skewLimit := now.Add(maxClockSkew).Unix()
	if claims.IssuedAt != 0 && claims.IssuedAt > skewLimit {
		return nil, types.NewError(types.KindSignatureInvalid, fmt.Errorf("license: not verified: iat too far in the future"))
	}
	if claims.NotBefore != 0 && claims.NotBefore > skewLimit {
		return nil, types.NewError(types.KindSignatureInvalid, fmt.Errorf("license: not verified: nbf too far in the future"))
	}

	return &claims, nil
}

// Status computes the active/grace/expired trinary from the verified
// expiry and grace deadline, and records it on the license status gauge.
func Status(now, exp, graceUntil time.Time) types.LicenseStatus {
	var status types.LicenseStatus
	switch {
	case !now.After(exp):
		status = types.LicenseActive
	case !now.After(graceUntil):
		status = types.LicenseGrace
	default:
		status = types.LicenseExpired
	}
	for _, s := range []types.LicenseStatus{types.LicenseActive, types.LicenseGrace, types.LicenseExpired} {
		var v float64
		if s == status {
			v = 1
		}
		metrics.LicenseStatus.WithLabelValues(string(s)).Set(v)
	}
	return status
}

// BindInstall reconciles the token's install-id claim against the
// previously persisted one (case-insensitive). An unset persisted id adopts
// the token's id (first-run binding); a populated, mismatching persisted id
// is rejected.
func BindInstall(tokenInstallID, persistedInstallID string) (adopted string, err error) {
	if persistedInstallID == "" {
		return tokenInstallID, nil
	}
	if !strings.EqualFold(tokenInstallID, persistedInstallID) {
		return "", types.NewError(types.KindInstallIDMismatch,
			fmt.Errorf("license: token install id does not match this installation"))
	}
	return persistedInstallID, nil
}
