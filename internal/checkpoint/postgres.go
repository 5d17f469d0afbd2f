package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id             text PRIMARY KEY,
	created_at     timestamptz NOT NULL,
	updated_at     timestamptz NOT NULL,
	status         text NOT NULL,
	row_count      integer NOT NULL,
	sender_address text NOT NULL DEFAULT '',
	config         jsonb NOT NULL,
	counts         jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_updated_at_idx ON checkpoints (updated_at DESC);
CREATE TABLE IF NOT EXISTS checkpoint_outcomes (
	checkpoint_id text NOT NULL REFERENCES checkpoints (id) ON DELETE CASCADE,
	outcome_key   text NOT NULL,
	payload       jsonb NOT NULL,
	PRIMARY KEY (checkpoint_id, outcome_key)
);`

const selectCheckpoint = `
SELECT id, created_at, updated_at, status, row_count, sender_address, config, counts
FROM checkpoints`

// PostgresStore keeps checkpoints in two tables. Outcome payloads are
// stored one row per row:stage key.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore wraps an open pool. Call EnsureSchema before use.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: orDefault(logger), now: time.Now}
}

// EnsureSchema creates the checkpoint tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create checkpoint schema: %w", err)
	}
	return nil
}

// Save implements core.CheckpointStore. The record and its outcomes are
// written in one transaction.
func (s *PostgresStore) Save(ctx context.Context, cp *core.Checkpoint, partial bool) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev *core.Checkpoint
	if cp.ID != "" {
		row := tx.QueryRow(ctx, selectCheckpoint+` WHERE id = $1 FOR UPDATE`, cp.ID)
		if prev, err = scanCheckpoint(row); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", notFound(cp.ID)
			}
			return "", fmt.Errorf("select checkpoint: %w", err)
		}
	}

	rec := merge(prev, cp, partial, s.now().UTC())
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	counts, err := json.Marshal(rec.Counts)
	if err != nil {
		return "", fmt.Errorf("marshal counts: %w", err)
	}

	if prev == nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO checkpoints (id, created_at, updated_at, status, row_count, sender_address, config, counts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.ID, rec.CreatedAt, rec.UpdatedAt, string(rec.Status), rec.RowCount, rec.SenderAddress, config, counts)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE checkpoints
			SET updated_at = $2, status = $3, row_count = $4, sender_address = $5, config = $6, counts = $7
			WHERE id = $1`,
			rec.ID, rec.UpdatedAt, string(rec.Status), rec.RowCount, rec.SenderAddress, config, counts)
	}
	if err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}

	if !partial {
		if err := s.replaceOutcomes(ctx, tx, rec); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) replaceOutcomes(ctx context.Context, tx pgx.Tx, rec *core.Checkpoint) error {
	entries, err := encodeOutcomes(rec.Outcomes)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM checkpoint_outcomes WHERE checkpoint_id = $1`, rec.ID)
	for key, payload := range entries {
		batch.Queue(`INSERT INTO checkpoint_outcomes (checkpoint_id, outcome_key, payload) VALUES ($1, $2, $3)`,
			rec.ID, key, payload)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write outcomes: %w", err)
	}
	return nil
}

// Load implements core.CheckpointStore.
func (s *PostgresStore) Load(ctx context.Context, id string) (*core.Checkpoint, error) {
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, selectCheckpoint+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT outcome_key, payload FROM checkpoint_outcomes WHERE checkpoint_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("select outcomes: %w", err)
	}
	defer rows.Close()

	entries := make(map[string][]byte)
	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		entries[key] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select outcomes: %w", err)
	}

	cp.Outcomes = decodeOutcomes(s.logger, id, entries)
	return cp, nil
}

// List implements core.CheckpointStore.
func (s *PostgresStore) List(ctx context.Context) ([]core.CheckpointSummary, error) {
	rows, err := s.pool.Query(ctx, selectCheckpoint+` ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []core.CheckpointSummary{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			s.logger.Warn("skipping checkpoint", "error", err)
			continue
		}
		out = append(out, cp.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

// Delete removes a checkpoint; its outcomes go with it.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func scanCheckpoint(row pgx.Row) (*core.Checkpoint, error) {
	var (
		cp             core.Checkpoint
		status         string
		config, counts []byte
	)
	if err := row.Scan(&cp.ID, &cp.CreatedAt, &cp.UpdatedAt, &status, &cp.RowCount, &cp.SenderAddress, &config, &counts); err != nil {
		return nil, err
	}
	cp.Status = core.CheckpointStatus(status)
	if err := json.Unmarshal(config, &cp.Config); err != nil {
		return nil, fmt.Errorf("decode config of %s: %w", cp.ID, err)
	}
	if err := json.Unmarshal(counts, &cp.Counts); err != nil {
		return nil, fmt.Errorf("decode counts of %s: %w", cp.ID, err)
	}
	return &cp, nil
}
