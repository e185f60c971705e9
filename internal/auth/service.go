// Package auth guards the results callback used by the AI service.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingToken   = errors.New("authorization required")
	ErrInvalidToken   = errors.New("invalid token")
	ErrCallbackClosed = errors.New("callback disabled")
)

// Service checks the shared secret the AI service presents when it pushes
// results.
type Service struct {
	token       string
	headerName  string
	tokenHeader string
}

// NewService builds a checker for token. An empty token disables callbacks.
func NewService(token string) *Service {
	return &Service{
		token:       strings.TrimSpace(token),
		headerName:  "Authorization",
		tokenHeader: "X-Callback-Token",
	}
}

// Enabled reports whether a shared secret is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.token != ""
}

// ValidateToken compares token with the configured secret in constant time.
func (s *Service) ValidateToken(token string) error {
	if !s.Enabled() {
		return ErrCallbackClosed
	}
	if token == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// GenerateToken returns a random hex secret suitable for callback_token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
