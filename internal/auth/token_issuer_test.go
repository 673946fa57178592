package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesBackendTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "gravity-sync",
		Audience:      "gravity-sync-api",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresAt, err := issuer.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected expiry in the future, got %s", expiresAt)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "gravity-sync" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}

	validated, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected token to validate: %v", err)
	}
	if validated.Subject != "user-123" {
		t.Fatalf("unexpected validated subject %s", validated.Subject)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "gravity-sync", Audience: "gravity-sync-api"})
	if err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "gravity-sync",
		Audience:      "gravity-sync-api",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "gravity-sync",
		Audience:      "gravity-sync-api",
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	foreign, _, err := other.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := issuer.ValidateToken(foreign); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}
