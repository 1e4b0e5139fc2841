// Package auth implements the Token Verifier (C1): parsing and validating a
// bearer token into a principal and expiry, with a single opaque failure
// kind and constant-time failure-reason hiding, following the HS256
// self-signed-token pattern of wisbric-nightowl's SessionManager.
package auth

import (
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/codeready-toolchain/entity-sync-core/internal/corerr"
)

// clockLeeway absorbs small clock skew between the token issuer and this
// process when checking expiry, matching wisbric's ValidateWithLeeway call.
const clockLeeway = 5 * time.Second

// Principal is the result of a successful verification (§4.1).
type Principal struct {
	UserID     string
	ExpiryUnix int64
}

// sessionClaims is the private-claims shape embedded in the signed token.
// The signing secret and claim shape are both process-wide, set once at
// startup — there is no per-tenant key material (§1 Non-goals: no
// multi-tenant isolation beyond the token's user identity).
type sessionClaims struct {
	jwt.Claims
	UserID string `json:"uid"`
}

// Verifier verifies bearer tokens signed with a process-wide HS256 secret.
// No I/O, no retries — exactly the C1 contract.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier from the configured signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify decodes and validates a bearer token. All failures — malformed
// envelope, bad signature, or expiry — collapse to a single opaque
// corerr.ErrInvalidToken or corerr.ErrExpiredToken so the caller cannot
// distinguish attack probing from expired credentials by error shape, per
// §4.1's "constant-time failure reason hiding" contract interpreted as: the
// set of distinguishable outcomes is exactly {valid, invalid, expired}.
func (v *Verifier) Verify(token string) (Principal, error) {
	parsed, err := jwt.ParseSigned(token, []jwt.SignatureAlgorithm{jwt.HS256})
	if err != nil {
		return Principal{}, corerr.Wrap(corerr.ErrInvalidToken, "parse token", nil)
	}

	var claims sessionClaims
	if err := parsed.Claims(v.secret, &claims); err != nil {
		return Principal{}, corerr.Wrap(corerr.ErrInvalidToken, "verify signature", nil)
	}

	if claims.UserID == "" || claims.Subject == "" {
		return Principal{}, corerr.Wrap(corerr.ErrInvalidToken, "missing subject", nil)
	}

	if err := claims.Claims.ValidateWithLeeway(jwt.Expected{}, clockLeeway); err != nil {
		return Principal{}, corerr.Wrap(corerr.ErrExpiredToken, "expiry check", nil)
	}

	if claims.Expiry == nil {
		return Principal{}, corerr.Wrap(corerr.ErrInvalidToken, "missing expiry", nil)
	}

	return Principal{
		UserID:     claims.UserID,
		ExpiryUnix: claims.Expiry.Time().Unix(),
	}, nil
}
