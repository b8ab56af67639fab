// Package credentials stores the access and refresh tokens of an authenticated session.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens is the credential pair issued by the auth service.
type Tokens struct {
	AccessToken  string `json:"accessToken" yaml:"access_token"`
	RefreshToken string `json:"refreshToken" yaml:"refresh_token"`
}

// IsZero reports whether neither token is set.
func (t Tokens) IsZero() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}

// ExpiresAt returns the exp claim of the access token. The signature is not verified;
// the value only schedules client-side work. A token without exp yields the zero time.
func (t Tokens) ExpiresAt() (time.Time, error) {
	if t.AccessToken == "" {
		return time.Time{}, errors.New("no access token")
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// ExpiresWithin reports whether the access token expires before now+d.
// Tokens that cannot be parsed or carry no exp claim are treated as not expiring.
func (t Tokens) ExpiresWithin(now time.Time, d time.Duration) bool {
	exp, err := t.ExpiresAt()
	if err != nil || exp.IsZero() {
		return false
	}
	return exp.Before(now.Add(d))
}

// Store persists the current Tokens. Get returns zero Tokens and no error when nothing is stored.
type Store interface {
	Get(ctx context.Context) (Tokens, error)
	Set(ctx context.Context, tokens Tokens) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps tokens in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens Tokens
}

// NewMemoryStore returns a store holding initial.
func NewMemoryStore(initial Tokens) *MemoryStore {
	return &MemoryStore{tokens: initial}
}

func (s *MemoryStore) Get(ctx context.Context) (Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens, nil
}

func (s *MemoryStore) Set(ctx context.Context, tokens Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = Tokens{}
	return nil
}
