package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

const syncEventsSchema = `
CREATE TABLE IF NOT EXISTS sync_events (
	sequence    BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	payload     JSONB NOT NULL,
	client_id   TEXT NOT NULL,
	mutation_id TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS sync_events_mutation_id_idx ON sync_events (mutation_id) WHERE mutation_id <> '';
`

const selectEvents = `SELECT sequence, kind, payload, client_id, mutation_id, created_at FROM sync_events`

type PostgresSyncEventRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncEventRepository(pool *pgxpool.Pool) *PostgresSyncEventRepository {
	return &PostgresSyncEventRepository{pool: pool}
}

// EnsureSchema creates the event log table if it does not exist.
func (r *PostgresSyncEventRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, syncEventsSchema); err != nil {
		return fmt.Errorf("failed to create sync_events schema: %w", err)
	}
	return nil
}

// AppendBatch inserts events in one transaction. The table lock makes commit
// order match sequence order, so readers never observe a gap that is later
// filled by a slower transaction.
func (r *PostgresSyncEventRepository) AppendBatch(ctx context.Context, events []models.SyncEvent) ([]models.SyncEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `LOCK TABLE sync_events IN EXCLUSIVE MODE`); err != nil {
		return nil, fmt.Errorf("failed to lock sync_events: %w", err)
	}

	query := `INSERT INTO sync_events (kind, payload, client_id, mutation_id)
	          VALUES ($1, $2, $3, $4)
	          RETURNING sequence, created_at`

	stored := make([]models.SyncEvent, len(events))
	for i, ev := range events {
		ev = ev.Clone()
		err := tx.QueryRow(ctx, query,
			string(ev.Kind),
			string(ev.Payload),
			ev.ClientID,
			ev.MutationID,
		).Scan(&ev.Sequence, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to append event: %w", err)
		}
		stored[i] = ev
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit events: %w", err)
	}
	return stored, nil
}

// GetSinceSequence returns events with a sequence greater than the given one.
// A limit of zero or less means no limit.
func (r *PostgresSyncEventRepository) GetSinceSequence(ctx context.Context, sequence int64, limit int) ([]models.SyncEvent, error) {
	query := selectEvents + ` WHERE sequence > $1 ORDER BY sequence ASC`
	args := []any{sequence}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

func (r *PostgresSyncEventRepository) GetByMutationID(ctx context.Context, mutationID string) ([]models.SyncEvent, error) {
	if mutationID == "" {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, selectEvents+` WHERE mutation_id = $1 ORDER BY sequence ASC`, mutationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by mutation: %w", err)
	}
	return collectEvents(rows)
}

func (r *PostgresSyncEventRepository) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM sync_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	return seq, nil
}

func collectEvents(rows pgx.Rows) ([]models.SyncEvent, error) {
	defer rows.Close()

	var events []models.SyncEvent
	for rows.Next() {
		var ev models.SyncEvent
		var kind string
		var payload []byte
		err := rows.Scan(
			&ev.Sequence,
			&kind,
			&payload,
			&ev.ClientID,
			&ev.MutationID,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.Payload = payload
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
