package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMAC signs tokens with HS256.
type HMAC struct {
	secret []byte
	issuer string
}

// NewHMAC creates an HS256 issuer.
func NewHMAC(secret, issuer string) *HMAC {
	return &HMAC{secret: []byte(secret), issuer: issuer}
}

// Issue signs claims valid for ttl.
func (h *HMAC) Issue(claims Claims, ttl time.Duration) (string, error) {
	claims = stamp(claims, ttl)
	claims.Issuer = h.issuer
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry.
func (h *HMAC) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	}, jwt.WithTimeFunc(NowTimeFunc))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	return claims, nil
}
