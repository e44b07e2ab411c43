package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// AuthEnvVar lists the accepted client tokens, comma separated. Leaving it
// empty disables authentication.
const AuthEnvVar = "BFT_AUTH_TOKENS"

// Authenticator checks the token a client presents when it connects.
type Authenticator struct {
	mu     sync.RWMutex
	tokens [][]byte
}

// NewAuthenticator accepts any of tokens. With no tokens every client is
// let in.
func NewAuthenticator(tokens ...string) *Authenticator {
	a := &Authenticator{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// NewAuthenticatorFromEnv reads the tokens from BFT_AUTH_TOKENS.
func NewAuthenticatorFromEnv() *Authenticator {
	return NewAuthenticator(strings.Split(os.Getenv(AuthEnvVar), ",")...)
}

// IsEnabled reports whether clients must authenticate.
func (a *Authenticator) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tokens) > 0
}

// Rotate adds a token. Tokens handed out earlier remain valid.
func (a *Authenticator) Rotate(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, []byte(token))
}

// ValidateToken compares in constant time against every accepted token.
func (a *Authenticator) ValidateToken(provided string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.tokens) == 0 {
		return nil
	}
	if provided == "" {
		return ErrAuthRequired
	}
	match := 0
	for _, t := range a.tokens {
		match |= subtle.ConstantTimeCompare(t, []byte(provided))
	}
	if match != 1 {
		return ErrAuthTokenMismatch
	}
	return nil
}

// GenerateToken returns a random 256 bit token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// AuthMessage is the first frame a client sends when authentication is
// enabled.
type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AuthResponse answers an AuthMessage.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
