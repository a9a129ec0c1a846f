package middleware

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey returns the bcrypt hash of a plaintext API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash reports whether the plaintext secret matches the stored
// bcrypt hash.
func APIKeyMatchesHash(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
