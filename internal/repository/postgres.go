// Package repository provides PostgreSQL-backed persistence for feature flags
// and their append-only mutation history. History rows reference the flag key
// rather than a row id, so an audit lineage survives deletion of the flag it
// describes.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakmere/flaggate/internal/core"
)

// HistoryAction tags what kind of mutation produced a history row. Toggles
// get their own tag so audits can tell a kill-switch flip from a settings
// change.
type HistoryAction string

const (
	ActionCreated HistoryAction = "created"
	ActionUpdated HistoryAction = "updated"
	ActionToggled HistoryAction = "toggled"
	ActionDeleted HistoryAction = "deleted"
)

// HistoryEntry is one append-only audit record. PreviousValue and NewValue
// hold JSON snapshots of the fields the mutation touched.
type HistoryEntry struct {
	ID            int64           `json:"id"`
	FlagKey       string          `json:"flag_key"`
	Action        HistoryAction   `json:"action"`
	PreviousValue json.RawMessage `json:"previous_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
	ChangedBy     string          `json:"changed_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PostgresRepository implements flag and history persistence backed by a
// pgxpool connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a [PostgresRepository] over the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// IsDuplicateKey reports whether err is a PostgreSQL unique violation.
func IsDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const flagColumns = `key, enabled, environment, rollout_percentage, target_roles, description, created_at, updated_at`

func scanFlag(row pgx.Row) (core.Flag, error) {
	var flag core.Flag
	var environment string
	err := row.Scan(
		&flag.Key,
		&flag.Enabled,
		&environment,
		&flag.RolloutPercentage,
		&flag.TargetRoles,
		&flag.Description,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	if err != nil {
		return core.Flag{}, err
	}

	flag.Environment = core.Environment(environment)
	return flag, nil
}

// CreateFlag inserts a new flag row and returns the created record with
// server-generated timestamps. A key collision surfaces as a unique
// violation; detect it with [IsDuplicateKey].
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag core.Flag) (core.Flag, error) {
	created, err := scanFlag(r.pool.QueryRow(ctx, `
		INSERT INTO feature_flags (key, enabled, environment, rollout_percentage, target_roles, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+flagColumns,
		flag.Key,
		flag.Enabled,
		string(flag.Environment),
		flag.RolloutPercentage,
		ensureRoles(flag.TargetRoles),
		flag.Description,
	))
	if err != nil {
		return core.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag replaces the mutable columns of an existing flag row and returns
// the updated record. Returns pgx.ErrNoRows (wrapped) if the flag does not
// exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag core.Flag) (core.Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE feature_flags
		SET enabled = $2,
		    environment = $3,
		    rollout_percentage = $4,
		    target_roles = $5,
		    description = $6,
		    updated_at = NOW()
		WHERE key = $1
		RETURNING `+flagColumns,
		flag.Key,
		flag.Enabled,
		string(flag.Environment),
		flag.RolloutPercentage,
		ensureRoles(flag.TargetRoles),
		flag.Description,
	))
	if err != nil {
		return core.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by key. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, key string) (core.Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+`
		FROM feature_flags
		WHERE key = $1
	`, key))
	if err != nil {
		return core.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]core.Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM feature_flags
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]core.Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag by key. History rows for the key are left in
// place. Returns pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM feature_flags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}

	return nil
}

// AppendHistory inserts one audit record. The BIGSERIAL id totally orders
// entries within a key's lineage even when timestamps collide.
func (r *PostgresRepository) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO feature_flag_history (flag_key, action, previous_value, new_value, changed_by)
		VALUES ($1, $2, $3, $4, $5)
	`,
		entry.FlagKey,
		string(entry.Action),
		ensureJSON(entry.PreviousValue),
		ensureJSON(entry.NewValue),
		entry.ChangedBy,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	return nil
}

// ListHistory returns the audit trail for one key, newest first.
func (r *PostgresRepository) ListHistory(ctx context.Context, key string) ([]HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, flag_key, action, previous_value, new_value, changed_by, created_at
		FROM feature_flag_history
		WHERE flag_key = $1
		ORDER BY id DESC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var entry HistoryEntry
		var action string
		if err := rows.Scan(
			&entry.ID,
			&entry.FlagKey,
			&action,
			&entry.PreviousValue,
			&entry.NewValue,
			&entry.ChangedBy,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.Action = HistoryAction(action)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history rows: %w", err)
	}

	return entries, nil
}

func ensureRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}

	return roles
}

func ensureJSON(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage("null")
	}

	return input
}
