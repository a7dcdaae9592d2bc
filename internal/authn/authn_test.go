package authn

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv("VESTRA_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01", 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	identity, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if identity != "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01" {
		t.Fatalf("unexpected identity: %s", identity)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	t.Setenv("VESTRA_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	if _, err := GenerateToken("  ", time.Minute); err == nil {
		t.Fatal("expected an error for a blank identity")
	}
	if _, err := GenerateToken("someone", 0); err == nil {
		t.Fatal("expected an error for a non-positive ttl")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	t.Setenv("VESTRA_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("someone", time.Nanosecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	t.Setenv("VESTRA_AUTH_SECRET", "secret-one")
	ResetSecretForTests()
	token, err := GenerateToken("someone", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	t.Setenv("VESTRA_AUTH_SECRET", "secret-two")
	ResetSecretForTests()
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("VESTRA_AUTH_SECRET", "")
	ResetSecretForTests()
	defer ResetSecretForTests()

	if _, err := GenerateToken("someone", time.Minute); err != errMissingSecret {
		t.Fatalf("expected errMissingSecret, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatal("expected no identity on a fresh context")
	}
	ctx = ContextWithIdentity(ctx, " someone ")
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity != "someone" {
		t.Fatalf("unexpected identity: %q, ok=%v", identity, ok)
	}
}
