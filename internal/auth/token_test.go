package auth

import (
	"strings"
	"testing"
	"time"
)

func TestStateTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	claims := StateClaims{
		State:    "state-1",
		Verifier: "verifier-1",
		Next:     "/home",
		Exp:      time.Now().Add(10 * time.Minute).Unix(),
	}

	token, err := IssueStateToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueStateToken failed: %v", err)
	}

	parsed, err := ParseStateToken(secret, token)
	if err != nil {
		t.Fatalf("ParseStateToken failed: %v", err)
	}
	if parsed.State != claims.State || parsed.Verifier != claims.Verifier || parsed.Next != claims.Next {
		t.Fatalf("claims mismatch: %+v vs %+v", parsed, claims)
	}
}

func TestStateTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueStateToken([]byte("secret-a"), StateClaims{
		State:    "s",
		Verifier: "v",
		Exp:      time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueStateToken failed: %v", err)
	}

	if _, err := ParseStateToken([]byte("secret-b"), token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestStateTokenRejectsTampering(t *testing.T) {
	secret := []byte("secret")
	token, err := IssueStateToken(secret, StateClaims{
		State:    "s",
		Verifier: "v",
		Exp:      time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueStateToken failed: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "x." + parts[1]
	if _, err := ParseStateToken(secret, tampered); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestStateTokenExpired(t *testing.T) {
	secret := []byte("secret")
	token, err := IssueStateToken(secret, StateClaims{
		State:    "s",
		Verifier: "v",
		Exp:      time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueStateToken failed: %v", err)
	}

	if _, err := ParseStateToken(secret, token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestSessionTokensAreUnique(t *testing.T) {
	a := NewSessionToken()
	b := NewSessionToken()
	if a == b {
		t.Fatal("expected unique session tokens")
	}
	if HashToken(a) == HashToken(b) {
		t.Fatal("expected distinct hashes")
	}
}
