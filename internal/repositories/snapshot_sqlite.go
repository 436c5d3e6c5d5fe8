package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/prudhvinik1/ledgersync/internal/models"
)

const sequenceBucket = "_sequence"

// SQLiteSnapshotRepository stores the domain stores as one JSON blob per
// family, replaced wholesale on every save.
type SQLiteSnapshotRepository struct {
	db *sql.DB
}

func NewSQLiteSnapshotRepository(ctx context.Context, db *sql.DB) (*SQLiteSnapshotRepository, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS domain_state (
		bucket  TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create domain_state table: %w", err)
	}
	return &SQLiteSnapshotRepository{db: db}, nil
}

// LoadSnapshot returns ErrNotFound when nothing was saved yet.
func (r *SQLiteSnapshotRepository) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT bucket, payload FROM domain_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query domain state: %w", err)
	}
	defer rows.Close()

	snap := &models.Snapshot{Families: make(map[models.Family][]json.RawMessage)}
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan domain state: %w", err)
		}
		found = true
		if bucket == sequenceBucket {
			seq, err := strconv.ParseInt(string(payload), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to decode snapshot sequence: %w", err)
			}
			snap.Sequence = seq
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", bucket, err)
		}
		snap.Families[models.Family(bucket)] = items
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating domain state: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (r *SQLiteSnapshotRepository) SaveSnapshot(ctx context.Context, snap *models.Snapshot) (retErr error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	const upsert = `INSERT INTO domain_state (bucket, payload) VALUES (?, ?)
		ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload`
	for _, f := range models.Families {
		items := snap.Families[f]
		if items == nil {
			items = []json.RawMessage{}
		}
		payload, err := json.Marshal(items)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, upsert, string(f), payload); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", f, err)
		}
	}
	if _, err := tx.ExecContext(ctx, upsert, sequenceBucket, []byte(strconv.FormatInt(snap.Sequence, 10))); err != nil {
		return fmt.Errorf("failed to upsert snapshot sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}
