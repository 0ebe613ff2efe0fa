// Package auth verifies bearer tokens on gateway requests.
package auth

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Identity is the caller established by a validated token.
type Identity struct {
	UserID string
	Admin  bool
}

// Config configures authentication.
type Config struct {
	JWTSecret   string
	Issuer      string
	TokenExpiry time.Duration
}

// Service validates tokens. A Service without a secret is disabled and lets
// every request through.
type Service struct {
	jwt *JWTService
}

// NewService constructs an auth service from configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.Issuer, cfg.TokenExpiry)
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && s.jwt != nil
}

// Issue signs a token for id.
func (s *Service) Issue(id Identity) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(id)
}

// Validate verifies a token and returns its identity.
func (s *Service) Validate(token string) (*Identity, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}
