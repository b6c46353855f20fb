package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PlaceholderSignature is the constant third segment of unsigned tokens.
const PlaceholderSignature = "signature"

// Unsigned mimics the JWT layout without any signature. It exists for demo
// deployments only: anyone can forge these tokens.
type Unsigned struct{}

// NewUnsigned creates the demo issuer.
func NewUnsigned() *Unsigned {
	return &Unsigned{}
}

// Issue encodes claims as header.payload.signature with a placeholder signature.
func (u *Unsigned) Issue(claims Claims, ttl time.Duration) (string, error) {
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, stamp(claims, ttl)).SigningString()
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	return unsigned + "." + PlaceholderSignature, nil
}

// Verify accepts any well-formed triplet whose claims decode and have not expired.
func (u *Unsigned) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrMalformed
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, ErrMalformed
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(NowTimeFunc()) {
		return nil, ErrExpired
	}
	return &claims, nil
}
