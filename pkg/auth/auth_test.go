package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidateJWT(t *testing.T) {
	secret := []byte("test-secret")

	token, err := GenerateJWT("acct-123", "user@example.com", secret)
	if err != nil {
		t.Fatalf("failed to generate JWT: %v", err)
	}

	claims, err := ValidateJWT(token, secret)
	if err != nil {
		t.Fatalf("failed to validate JWT: %v", err)
	}
	if claims.AccountID != "acct-123" {
		t.Fatalf("expected account acct-123, got %s", claims.AccountID)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("expected email user@example.com, got %s", claims.Email)
	}
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	token, err := GenerateJWT("acct-123", "user@example.com", []byte("secret-a"))
	if err != nil {
		t.Fatalf("failed to generate JWT: %v", err)
	}

	if _, err := ValidateJWT(token, []byte("secret-b")); err != ErrInvalidJWT {
		t.Fatalf("expected ErrInvalidJWT, got %v", err)
	}
}

func TestValidateJWT_Expired(t *testing.T) {
	secret := []byte("test-secret")
	claims := &Claims{
		AccountID: "acct-123",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := ValidateJWT(token, secret); err != ErrExpiredJWT {
		t.Fatalf("expected ErrExpiredJWT, got %v", err)
	}
}

func TestValidateServiceToken(t *testing.T) {
	if err := ValidateServiceToken("", "expected"); err != ErrMissingServiceToken {
		t.Fatalf("expected ErrMissingServiceToken, got %v", err)
	}
	if err := ValidateServiceToken("wrong", "expected"); err != ErrInvalidServiceToken {
		t.Fatalf("expected ErrInvalidServiceToken, got %v", err)
	}
	if err := ValidateServiceToken("expected", "expected"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
