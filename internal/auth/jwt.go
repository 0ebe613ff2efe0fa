package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by conductor tokens. The subject is the user id.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies HS256 tokens.
type JWTService struct {
	key    []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWTService returns a service keyed by secret. The issuer is enforced
// only when non-empty, and a non-positive ttl issues tokens without exp.
func NewJWTService(secret, issuer string, ttl time.Duration) *JWTService {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTService{
		key:    []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		parser: jwt.NewParser(opts...),
		now:    time.Now,
	}
}

// Generate issues a signed token for id.
func (s *JWTService) Generate(id Identity) (string, error) {
	if s == nil || len(s.key) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(id.UserID) == "" {
		return "", errors.New("auth: user id required")
	}
	issued := s.now()
	claims := &Claims{Admin: id.Admin}
	claims.Subject = id.UserID
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(issued)
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(issued.Add(s.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Validate verifies token and returns the identity it names. Every failure
// wraps ErrInvalidToken.
func (s *JWTService) Validate(token string) (*Identity, error) {
	if s == nil || len(s.key) == 0 {
		return nil, ErrAuthDisabled
	}
	claims := &Claims{}
	if _, err := s.parser.ParseWithClaims(token, claims, s.keyFunc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Identity{UserID: claims.Subject, Admin: claims.Admin}, nil
}

func (s *JWTService) keyFunc(*jwt.Token) (any, error) {
	return s.key, nil
}
