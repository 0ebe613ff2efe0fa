package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", "conductor", time.Hour)
	token, err := service.Generate(Identity{UserID: "user-1", Admin: true})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	id, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.UserID != "user-1" || !id.Admin {
		t.Errorf("Validate() = %+v, want user-1 admin", id)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", "conductor", time.Hour)

	sign := func(secret string, claims jwt.Claims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		return token
	}
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign("other", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "conductor"}})},
		{"wrong issuer", sign("secret", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "elsewhere"}})},
		{"expired", sign("secret", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "conductor", ExpiresAt: past}})},
		{"no subject", sign("secret", Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "conductor"}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestServiceDisabled(t *testing.T) {
	service := NewService(Config{})
	if service.Enabled() {
		t.Error("Enabled() = true without secret")
	}
	if _, err := service.Issue(Identity{UserID: "u"}); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Issue() error = %v, want ErrAuthDisabled", err)
	}
}

func TestMiddleware(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	token, err := service.Issue(Identity{UserID: "user-7"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	var seen *Identity
	handler := Middleware(service, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantUser string
	}{
		{"header", "Bearer " + token, "", http.StatusNoContent, "user-7"},
		{"lowercase scheme", "bearer " + token, "", http.StatusNoContent, "user-7"},
		{"query", "", "?access_token=" + token, http.StatusNoContent, "user-7"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"invalid", "Bearer nope", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/v1/chat"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			got := ""
			if seen != nil {
				got = seen.UserID
			}
			if got != tt.wantUser {
				t.Errorf("identity = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	called := false
	handler := Middleware(NewService(Config{}), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("handler not called with auth disabled")
	}
}
