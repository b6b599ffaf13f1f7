package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenService_WorkerToken(t *testing.T) {
	svc := NewTokenServiceWithStore("secret", time.Hour, NewMemoryRevocationStore())

	token, err := svc.IssueWorkerToken("n8n")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.ParseWorkerToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "n8n" || claims.TokenType != TokenTypeWorker || claims.ID == "" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := svc.ParseChatToken(token); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("worker token must not pass as chat token, got %v", err)
	}
}

func TestTokenService_ChatToken(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	token, err := svc.IssueChatToken(" tenant-1 ")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.ParseChatToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.TenantID != "tenant-1" {
		t.Fatalf("unexpected tenant %q", claims.TenantID)
	}
	if _, err := svc.ParseWorkerToken(token); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("chat token must not pass as worker token, got %v", err)
	}
}

func TestTokenService_Revoke(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	token, err := svc.IssueWorkerToken("n8n")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.Revoke(token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.ParseWorkerToken(token); !errors.Is(err, ErrJWTRevoked) {
		t.Fatalf("expected ErrJWTRevoked, got %v", err)
	}
}

func TestTokenService_InvalidInputs(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	other := NewTokenService("other", time.Hour)
	noSecret := NewTokenService("", time.Hour)

	if _, err := svc.IssueWorkerToken(" "); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid for empty worker, got %v", err)
	}
	if _, err := svc.IssueChatToken(""); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid for empty tenant, got %v", err)
	}
	if _, err := noSecret.IssueWorkerToken("n8n"); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid without secret, got %v", err)
	}

	token, _ := other.IssueWorkerToken("n8n")
	if _, err := svc.ParseWorkerToken(token); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected signature mismatch to be invalid, got %v", err)
	}
	if _, err := svc.ParseWorkerToken(""); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid for empty token, got %v", err)
	}
	if err := svc.Revoke("garbage"); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid revoking garbage, got %v", err)
	}
}

func TestTokenService_Expired(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	now := time.Now().UTC()
	claims := Claims{
		TokenType: TokenTypeWorker,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			Issuer:    tokenIssuer,
			Subject:   "n8n",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.ParseWorkerToken(token); !errors.Is(err, ErrJWTExpired) {
		t.Fatalf("expected ErrJWTExpired, got %v", err)
	}
}
