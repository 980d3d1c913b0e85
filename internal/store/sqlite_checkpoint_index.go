package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/riptide-persistence/internal/model"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteCheckpointIndex is a CheckpointIndex stored in a local SQLite file
type SQLiteCheckpointIndex struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteCheckpointIndex opens or creates the index at path
func NewSQLiteCheckpointIndex(path string) (*SQLiteCheckpointIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_index (
			job_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			kind TEXT NOT NULL,
			checksum INTEGER NOT NULL,
			size INTEGER NOT NULL,
			path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (job_id, sequence)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteCheckpointIndex{db: db}, nil
}

// Record inserts or replaces a checkpoint entry
func (s *SQLiteCheckpointIndex) Record(ctx context.Context, info model.CheckpointInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoint_index (job_id, sequence, kind, checksum, size, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, info.JobID, int64(info.Sequence), string(info.Kind), int64(info.Checksum), info.Size, info.Path,
		info.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	return nil
}

// List returns the job's checkpoints newest first
func (s *SQLiteCheckpointIndex) List(ctx context.Context, jobID string) ([]model.CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, kind, checksum, size, path, created_at
		FROM checkpoint_index
		WHERE job_id = ?
		ORDER BY sequence DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []model.CheckpointInfo
	for rows.Next() {
		var (
			info      model.CheckpointInfo
			seq       int64
			kind      string
			checksum  int64
			createdAt string
		)
		if err := rows.Scan(&seq, &kind, &checksum, &info.Size, &info.Path, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint info: %w", err)
		}
		info.JobID = jobID
		info.Sequence = uint64(seq)
		info.Kind = model.CheckpointKind(kind)
		info.Checksum = uint32(checksum)
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		infos = append(infos, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return infos, nil
}

// LatestSequence returns the highest recorded sequence, or 0
func (s *SQLiteCheckpointIndex) LatestSequence(ctx context.Context, jobID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM checkpoint_index WHERE job_id = ?
	`, jobID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Remove deletes one entry
func (s *SQLiteCheckpointIndex) Remove(ctx context.Context, jobID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoint_index
		WHERE job_id = ? AND sequence = ?
	`, jobID, int64(sequence))
	if err != nil {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteCheckpointIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
