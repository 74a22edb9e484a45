package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the bearer token attached to outgoing requests.
type TokenSource interface {
	Token() (string, error)
}

// StaticTokenSource returns the same pre-issued token forever.
type StaticTokenSource struct {
	Value string
}

func (s *StaticTokenSource) Token() (string, error) {
	return s.Value, nil
}

// SignedTokenSource self-issues short-lived HMAC-signed tokens for servers
// that accept client-signed credentials. Tokens are cached and reissued
// shortly before expiry.
type SignedTokenSource struct {
	Secret  []byte
	Subject string
	TTL     time.Duration

	mu     sync.Mutex
	cached string
	expiry time.Time
}

func (s *SignedTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.cached != "" && now.Before(s.expiry.Add(-30*time.Second)) {
		return s.cached, nil
	}

	ttl := s.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	claims := jwt.RegisteredClaims{
		Subject:   s.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	s.cached = signed
	s.expiry = now.Add(ttl)
	return signed, nil
}
