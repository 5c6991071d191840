// Package auth implements API key and enrollment token handling.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// KeyPrefix marks Sonde API keys so they are recognisable in configs
	// and secret scanners.
	KeyPrefix = "sk_"

	// EnrollPrefix marks one-time enrollment tokens.
	EnrollPrefix = "se_"
)

// APIKey is the stored record of an issued key. The plaintext is shown once
// at creation and only its hash is persisted.
type APIKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Hash      string    `json:"hash"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed,omitzero"`
}

// EnrollToken is a single-use credential handed to an operator out of band.
type EnrollToken struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	AgentName string    `json:"agentName,omitempty"` // optional name binding
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	UsedAt    time.Time `json:"usedAt,omitzero"`
	UsedBy    string    `json:"usedBy,omitempty"`
}

// Used reports whether the token has been consumed.
func (t *EnrollToken) Used() bool { return !t.UsedAt.IsZero() }

// Expired reports whether the token is past its expiry.
func (t *EnrollToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// GenerateKey creates a new API key. Returns the record to persist and the
// plaintext to hand to the caller exactly once.
func GenerateKey(name string, scopes ...string) (*APIKey, string, error) {
	plaintext, err := randomToken(KeyPrefix)
	if err != nil {
		return nil, "", err
	}
	key := &APIKey{
		ID:        newID(),
		Name:      name,
		Hash:      HashToken(plaintext),
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
	}
	return key, plaintext, nil
}

// GenerateEnrollToken creates a one-time enrollment token with the given
// lifetime (0 means no expiry).
func GenerateEnrollToken(agentName string, ttl time.Duration) (*EnrollToken, string, error) {
	plaintext, err := randomToken(EnrollPrefix)
	if err != nil {
		return nil, "", err
	}
	tok := &EnrollToken{
		ID:        newID(),
		Hash:      HashToken(plaintext),
		AgentName: agentName,
		CreatedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		tok.ExpiresAt = tok.CreatedAt.Add(ttl)
	}
	return tok, plaintext, nil
}

// HashToken returns the hex SHA-256 of a token's plaintext. Tokens are high
// entropy so an unsalted hash is sufficient for lookup and verification.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares a presented plaintext against a stored hash in
// constant time.
func VerifyToken(plaintext, storedHash string) bool {
	h := HashToken(plaintext)
	return subtle.ConstantTimeCompare([]byte(h), []byte(storedHash)) == 1
}

// ScopeAgent returns the scope string that restricts a key to one agent.
func ScopeAgent(name string) string { return "agent:" + name }

// HasScope reports whether the key carries the scope, honoring the "admin"
// wildcard.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == "admin" {
			return true
		}
	}
	return false
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func randomToken(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

func newID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
