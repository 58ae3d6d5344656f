// Package auth holds token primitives for the OAuth login flow and
// session cookies: an HMAC-signed state token that carries the PKCE
// verifier across the redirect round-trip, and opaque session tokens
// whose hashes are what the session store actually sees.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StateClaims is signed into the login-state cookie when the OAuth flow
// starts and read back on the callback.
type StateClaims struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	Next     string `json:"next"`
	Exp      int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueStateToken(secret []byte, claims StateClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal state claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseStateToken(secret []byte, token string) (StateClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return StateClaims{}, ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return StateClaims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return StateClaims{}, ErrInvalidToken
	}

	var claims StateClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return StateClaims{}, ErrInvalidToken
	}
	if claims.State == "" || claims.Verifier == "" || claims.Exp == 0 {
		return StateClaims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return StateClaims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

// NewSessionToken returns an opaque token for the session cookie. Only
// its hash is persisted, so a leaked store dump cannot be replayed.
func NewSessionToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// NewStateValue returns a random value for the OAuth state parameter.
func NewStateValue() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
