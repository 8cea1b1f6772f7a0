// Package auth issues and validates the capability tokens that authorize
// proxy calls into a specific preview instance, and defines the caller
// authentication boundary.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a capability token is malformed, signed
// with the wrong key, expired, or bound to a different instance.
var ErrInvalidToken = errors.New("invalid capability token")

// CapabilityClaims binds a token to one preview instance for a bounded time.
type CapabilityClaims struct {
	jwt.Claims
	InstanceID string `json:"iid"`
	Expiry     int64  `json:"exp"`
	IssuedAt   int64  `json:"iat"`
}

func (c CapabilityClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Expiry, 0)), nil
}

func (c CapabilityClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c CapabilityClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c CapabilityClaims) GetIssuer() (string, error) {
	return "", nil
}

func (c CapabilityClaims) GetSubject() (string, error) {
	return "", nil
}

func (c CapabilityClaims) GetAudience() (jwt.ClaimStrings, error) {
	return nil, nil
}

// Issuer mints and validates capability tokens with an HMAC secret.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an Issuer from the given HMAC secret key.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret}
}

// Issue mints a token authorizing proxy calls into the given instance until
// the ttl elapses.
func (i *Issuer) Issue(instanceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CapabilityClaims{
		InstanceID: instanceID,
		Expiry:     now.Add(ttl).Unix(),
		IssuedAt:   now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign capability token: %w", err)
	}
	return signed, nil
}

// Validate checks the token's signature, expiry, and instance binding.
func (i *Issuer) Validate(tokenString, instanceID string) error {
	claims := &CapabilityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	if claims.InstanceID != instanceID {
		return ErrInvalidToken
	}
	return nil
}

// ExpiresAt reports the expiry time encoded in the token without verifying
// it against an instance. Used by the expiry sweep.
func (i *Issuer) ExpiresAt(tokenString string) (time.Time, error) {
	claims := &CapabilityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		return time.Time{}, ErrInvalidToken
	}
	return time.Unix(claims.Expiry, 0), nil
}

// LoadSecretKey reads the HMAC secret from path, generating and persisting a
// new 32-byte key if the file does not exist yet.
func LoadSecretKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read secret key: %w", err)
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate secret key: %w", err)
		}
		if err := os.WriteFile(path, b, 0600); err != nil {
			return nil, fmt.Errorf("failed to write secret key: %w", err)
		}
		key = b
	}
	return key, nil
}
