package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// APIKey is a stored credential record. Each key is bound to an actor name
// (recorded as changed_by on audit rows) and a role used for authorization.
type APIKey struct {
	ID        string     `json:"id"`
	Actor     string     `json:"actor"`
	Role      string     `json:"role"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// ValidateAPIKey returns the stored hash, actor, and role for a non-revoked
// key ID. Callers compare the presented secret against the hash outside this
// package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, string, error) {
	var keyHash, actor, role string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, actor, role
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &actor, &role); err != nil {
		return "", "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, actor, role, nil
}

// CreateAPIKey generates a new API key for the given actor and role, storing
// a bcrypt hash of the secret. The raw secret is returned exactly once; it
// cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, actor, role string) (string, string, error) {
	keyID := uuid.NewString()

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, actor, role, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, actor, role, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: no such key")
	}

	return nil
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
