package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the identity provider vouches for: who, and until when.
type Claims struct {
	Subject    string
	Email      string
	ValidUntil time.Time
}

type tokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Validator checks provider-issued HS256 access tokens.
type Validator struct {
	secret   []byte
	audience string
}

func NewValidator(secret, audience string) *Validator {
	return &Validator{secret: []byte(secret), audience: audience}
}

func (v *Validator) Validate(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if parsed.Subject == "" || parsed.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Subject:    parsed.Subject,
		Email:      parsed.Email,
		ValidUntil: parsed.ExpiresAt.Time,
	}, nil
}

// IssueToken signs a token the way the provider does. Used by local
// development and tests; production tokens come from the provider.
func IssueToken(secret []byte, audience string, claims Claims) (string, error) {
	registered := jwt.RegisteredClaims{
		Subject:   claims.Subject,
		ExpiresAt: jwt.NewNumericDate(claims.ValidUntil),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	if audience != "" {
		registered.Audience = jwt.ClaimStrings{audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Email:            claims.Email,
		RegisteredClaims: registered,
	}).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
