package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

// SQLiteQueueRepository keeps the pending mutation queue in the client's
// local SQLite file, one row per mutation ordered by position.
type SQLiteQueueRepository struct {
	db *sql.DB
}

func NewSQLiteQueueRepository(ctx context.Context, db *sql.DB) (*SQLiteQueueRepository, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_mutations (
			position INTEGER PRIMARY KEY,
			id       TEXT NOT NULL UNIQUE,
			payload  BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS client_info (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create queue tables: %w", err)
		}
	}
	return &SQLiteQueueRepository{db: db}, nil
}

func (r *SQLiteQueueRepository) LoadQueue(ctx context.Context) ([]*models.PendingMutation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT payload FROM pending_mutations ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	var queue []*models.PendingMutation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan pending mutation: %w", err)
		}
		var m models.PendingMutation
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to decode pending mutation: %w", err)
		}
		queue = append(queue, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending mutations: %w", err)
	}
	return queue, nil
}

func (r *SQLiteQueueRepository) SaveQueue(ctx context.Context, queue []*models.PendingMutation) (retErr error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin queue transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations`); err != nil {
		return fmt.Errorf("failed to clear pending mutations: %w", err)
	}
	for i, m := range queue {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode pending mutation %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_mutations (position, id, payload) VALUES (?, ?, ?)`,
			i, m.ID, payload,
		); err != nil {
			return fmt.Errorf("failed to insert pending mutation %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending mutations: %w", err)
	}
	return nil
}

// EnsureClientID returns the persisted client id, generating one on first use.
func (r *SQLiteQueueRepository) EnsureClientID(ctx context.Context) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM client_info WHERE name = 'client_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read client id: %w", err)
	}

	id = uuid.NewString()
	if _, err := r.db.ExecContext(ctx, `INSERT INTO client_info (name, value) VALUES ('client_id', ?)`, id); err != nil {
		return "", fmt.Errorf("failed to store client id: %w", err)
	}
	return id, nil
}
