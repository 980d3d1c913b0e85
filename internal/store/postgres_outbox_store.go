package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/devrev/riptide-persistence/internal/model"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresOutboxStore implements OutboxStore using PostgreSQL
type PostgresOutboxStore struct {
	pool  pgPool
	table string
}

// NewPostgresOutboxStore creates an outbox store writing to table
func NewPostgresOutboxStore(pool pgPool, table string) (*PostgresOutboxStore, error) {
	if table == "" {
		table = "outbox_events"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresOutboxStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the outbox table if it is missing
func (s *PostgresOutboxStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id              TEXT PRIMARY KEY,
	event_type      TEXT NOT NULL,
	aggregate_id    TEXT NOT NULL,
	payload         BYTEA NOT NULL,
	metadata        JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	published_at    TIMESTAMPTZ,
	retry_count     INT NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %[1]s_pending_idx ON %[1]s (next_attempt_at) WHERE published_at IS NULL`, s.table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create outbox table: %w", err)
	}
	return nil
}

// Append records a domain event for later publication
func (s *PostgresOutboxStore) Append(ctx context.Context, event *model.DomainEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, event_type, aggregate_id, payload, metadata, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, s.table)

	_, err = s.pool.Exec(ctx, query,
		event.ID,
		event.Type,
		event.AggregateID,
		event.Payload,
		metadata,
		event.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}
	return nil
}

// ClaimPending pushes next_attempt_at out by lease for the claimed rows.
// SKIP LOCKED lets several publishers poll the same table.
func (s *PostgresOutboxStore) ClaimPending(ctx context.Context, limit, maxRetries int, lease time.Duration) ([]*OutboxRecord, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET next_attempt_at = NOW() + $3 * INTERVAL '1 millisecond'
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE published_at IS NULL AND retry_count < $2 AND next_attempt_at <= NOW()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, aggregate_id, payload, metadata, created_at, retry_count, last_error
	`, s.table)

	rows, err := s.pool.Query(ctx, query, limit, maxRetries, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	records := make([]*OutboxRecord, 0)
	for rows.Next() {
		var (
			rec      OutboxRecord
			metadata []byte
		)
		if err := rows.Scan(
			&rec.Event.ID,
			&rec.Event.Type,
			&rec.Event.AggregateID,
			&rec.Event.Payload,
			&metadata,
			&rec.Event.CreatedAt,
			&rec.RetryCount,
			&rec.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox events: %w", err)
	}

	// RETURNING order is unspecified
	sortRecords(records)
	return records, nil
}

// MarkPublished stamps an event as delivered
func (s *PostgresOutboxStore) MarkPublished(ctx context.Context, eventID string) error {
	query := fmt.Sprintf(`UPDATE %s SET published_at = NOW() WHERE id = $1`, s.table)
	result, err := s.pool.Exec(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one
func (s *PostgresOutboxStore) MarkFailed(ctx context.Context, eventID string, nextAttempt time.Time, reason string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET retry_count = retry_count + 1, next_attempt_at = $2, last_error = $3
		WHERE id = $1
	`, s.table)
	result, err := s.pool.Exec(ctx, query, eventID, nextAttempt, reason)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func sortRecords(records []*OutboxRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Event.CreatedAt.Before(records[j].Event.CreatedAt)
	})
}
