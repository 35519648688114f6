package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateSecret generates a cryptographically secure random secret
func GenerateSecret(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// EngineSecrets are the keys the engine needs at startup
type EngineSecrets struct {
	JWTSecret     string
	TicketSecret  string
	WebhookSecret string
}

// GenerateEngineSecrets generates independent 256-bit secrets for signing
// access tokens, ticket codes and payment callbacks
func GenerateEngineSecrets() (*EngineSecrets, error) {
	var (
		s   EngineSecrets
		err error
	)
	if s.JWTSecret, err = GenerateSecret(32); err != nil {
		return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
	}
	if s.TicketSecret, err = GenerateSecret(32); err != nil {
		return nil, fmt.Errorf("failed to generate ticket secret: %w", err)
	}
	if s.WebhookSecret, err = GenerateSecret(32); err != nil {
		return nil, fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return &s, nil
}
