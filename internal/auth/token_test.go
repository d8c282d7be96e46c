package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:   "executor",
		Scope: ScopeExecuteTasks,
		JTI:   "jti-1",
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued, time.Now())
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "executor" || claims.Scope != ScopeExecuteTasks {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:   "executor",
		Scope: ScopeExecuteTasks,
		JTI:   "jti-1",
		Exp:   time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued, time.Now())
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	issued, err := IssueToken([]byte("a"), Claims{Sub: "executor", Scope: ScopeExecuteTasks, JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("b"), issued, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseToken([]byte("a"), "garbage", time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed token, got %v", err)
	}
}

func TestIssuerVerifiesScopeAndLifetime(t *testing.T) {
	issuer := NewIssuer("secret", 30*time.Second)
	now := time.Unix(1_700_000_000, 0)
	issuer.now = func() time.Time { return now }

	token, err := issuer.Issue("executor", ScopeExecuteTasks)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := issuer.Verify(token, ScopeExecuteTasks); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := issuer.Verify(token, "nodes:write"); !errors.Is(err, ErrScope) {
		t.Fatalf("expected ErrScope, got %v", err)
	}

	now = now.Add(time.Minute)
	if _, err := issuer.Verify(token, ScopeExecuteTasks); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}
