package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/logging"
	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/devrev/riptide-persistence/internal/util"
	"github.com/devrev/riptide-persistence/internal/util/diskguard"
	"go.uber.org/zap"
)

const spillExt = ".session"

// SpilloverConfig configures the spill directory
type SpilloverConfig struct {
	Dir    string
	Guard  *diskguard.Guard
	Rename RenameFunc
}

// SpilloverService moves sessions between memory and <dir>/<id>.session files
type SpilloverService struct {
	dir     string
	guard   *diskguard.Guard
	rename  RenameFunc
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSpilloverService creates the spill directory if needed
func NewSpilloverService(cfg SpilloverConfig, m *metrics.Metrics, logger *zap.Logger) (*SpilloverService, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, perrors.Filesystem(cfg.Dir, err)
	}
	rename := cfg.Rename
	if rename == nil {
		rename = os.Rename
	}
	return &SpilloverService{
		dir:     cfg.Dir,
		guard:   cfg.Guard,
		rename:  rename,
		metrics: m,
		logger:  logger,
	}, nil
}

func (s *SpilloverService) path(sessionID string) (string, error) {
	if !validJobID.MatchString(sessionID) {
		return "", perrors.InvalidArgument(fmt.Sprintf("invalid session id %q", sessionID), nil)
	}
	return filepath.Join(s.dir, sessionID+spillExt), nil
}

// Spill writes the session to disk and returns the bytes written
func (s *SpilloverService) Spill(ctx context.Context, session *model.SessionState) (int64, error) {
	path, err := s.path(session.ID)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return 0, perrors.Serialization("failed to encode session", err).WithDetail("session_id", session.ID)
	}
	framed := util.AppendChecksum(data)

	if s.guard != nil {
		if err := s.guard.CheckBeforeWrite(uint64(len(framed))); err != nil {
			return 0, err
		}
	}
	if err := writeFileAtomic(ctx, path, framed, s.rename); err != nil {
		return 0, err
	}

	s.metrics.SpilloverWritesTotal.Inc()
	return int64(len(framed)), nil
}

// Load reads a spilled session; a missing file returns (nil, nil)
func (s *SpilloverService) Load(ctx context.Context, sessionID string) (*model.SessionState, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	framed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, perrors.Filesystem(path, err)
	}

	data, expected, actual, ok := util.StripChecksum(framed)
	if !ok {
		s.logger.Error("Rejected corrupt spill file", append(logging.Integrity("session "+sessionID),
			zap.String("path", path))...)
		return nil, perrors.DataIntegrity("spilled session "+sessionID, util.FormatChecksum(expected), util.FormatChecksum(actual))
	}

	var session model.SessionState
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, perrors.Serialization("failed to decode spilled session", err).WithDetail("session_id", sessionID)
	}
	return &session, nil
}

// Remove deletes a spill file; removing a missing file is not an error
func (s *SpilloverService) Remove(sessionID string) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return perrors.Filesystem(path, err)
	}
	return nil
}

// List returns the ids of all spilled sessions
func (s *SpilloverService) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, perrors.Filesystem(s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, spillExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, spillExt))
	}
	sort.Strings(ids)
	return ids, nil
}
