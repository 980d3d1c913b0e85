package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/logging"
	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/devrev/riptide-persistence/internal/store"
	"github.com/devrev/riptide-persistence/internal/tracing"
	"github.com/devrev/riptide-persistence/internal/util"
	"github.com/devrev/riptide-persistence/internal/util/diskguard"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const checkpointExt = ".checkpoint"

var validJobID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CheckpointConfig configures the checkpoint directory and retention
type CheckpointConfig struct {
	Dir      string
	MaxAge   time.Duration
	MaxCount int
	// Timeout bounds a single save or restore; zero means only the caller's ctx applies
	Timeout time.Duration
}

type retention struct {
	maxAge   time.Duration
	maxCount int
}

// CheckpointService writes crash-safe checkpoints.
//
// Every save writes <job>.<seq>.checkpoint and then points <job>.checkpoint at it,
// both through a temp file and rename. Restore tries the latest file first and
// falls back through history; temp files are never read.
type CheckpointService struct {
	dir       string
	timeout   time.Duration
	retention atomic.Pointer[retention]
	index     store.CheckpointIndex
	guard     *diskguard.Guard
	metrics   *metrics.Metrics
	tracer    tracing.SpanManager
	logger    *zap.Logger

	rename RenameFunc
	now    func() time.Time

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex
	seqs     map[string]uint64
}

// CheckpointOption customises a CheckpointService
type CheckpointOption func(*CheckpointService)

// WithCheckpointIndex records checkpoints in an index
func WithCheckpointIndex(idx store.CheckpointIndex) CheckpointOption {
	return func(s *CheckpointService) { s.index = idx }
}

// WithDiskGuard rejects writes when the disk is nearly full
func WithDiskGuard(g *diskguard.Guard) CheckpointOption {
	return func(s *CheckpointService) { s.guard = g }
}

// WithRename replaces os.Rename
func WithRename(fn RenameFunc) CheckpointOption {
	return func(s *CheckpointService) { s.rename = fn }
}

// WithTracer sets the span manager
func WithTracer(t tracing.SpanManager) CheckpointOption {
	return func(s *CheckpointService) { s.tracer = t }
}

// NewCheckpointService creates the checkpoint directory if needed
func NewCheckpointService(cfg CheckpointConfig, m *metrics.Metrics, logger *zap.Logger, opts ...CheckpointOption) (*CheckpointService, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, perrors.Filesystem(cfg.Dir, err)
	}

	s := &CheckpointService{
		dir:      cfg.Dir,
		timeout:  cfg.Timeout,
		metrics:  m,
		tracer:   tracing.Noop(),
		logger:   logger,
		rename:   os.Rename,
		now:      time.Now,
		jobLocks: make(map[string]*sync.Mutex),
		seqs:     make(map[string]uint64),
	}
	s.retention.Store(&retention{maxAge: cfg.MaxAge, maxCount: cfg.MaxCount})
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ApplyRetention swaps in reloaded retention limits
func (s *CheckpointService) ApplyRetention(maxAge time.Duration, maxCount int) {
	s.retention.Store(&retention{maxAge: maxAge, maxCount: maxCount})
}

// Dir returns the checkpoint directory
func (s *CheckpointService) Dir() string {
	return s.dir
}

func (s *CheckpointService) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[jobID] = l
	}
	return l
}

func (s *CheckpointService) latestPath(jobID string) string {
	return filepath.Join(s.dir, jobID+checkpointExt)
}

func (s *CheckpointService) historyPath(jobID string, seq uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%d%s", jobID, seq, checkpointExt))
}

// parseCheckpointName splits a directory entry into job and sequence.
// The latest pointer parses with history=false.
func parseCheckpointName(name string) (jobID string, seq uint64, history bool, ok bool) {
	if !strings.HasSuffix(name, checkpointExt) {
		return "", 0, false, false
	}
	base := strings.TrimSuffix(name, checkpointExt)
	dot := strings.LastIndexByte(base, '.')
	if dot < 0 {
		return base, 0, false, validJobID.MatchString(base)
	}
	n, err := strconv.ParseUint(base[dot+1:], 10, 64)
	if err != nil || !validJobID.MatchString(base[:dot]) {
		return "", 0, false, false
	}
	return base[:dot], n, true, true
}

// nextSequence returns the next sequence for jobID, recovering the last one from disk or index.
// Callers hold the job lock.
func (s *CheckpointService) nextSequence(ctx context.Context, jobID string) (uint64, error) {
	s.mu.Lock()
	last, known := s.seqs[jobID]
	s.mu.Unlock()

	if !known {
		history, err := s.history(jobID)
		if err != nil {
			return 0, err
		}
		if len(history) > 0 {
			last = history[0]
		}
		if s.index != nil {
			if idxSeq, err := s.index.LatestSequence(ctx, jobID); err == nil && idxSeq > last {
				last = idxSeq
			}
		}
	}

	next := last + 1
	s.mu.Lock()
	s.seqs[jobID] = next
	s.mu.Unlock()
	return next, nil
}

// history lists the job's history sequences, newest first
func (s *CheckpointService) history(jobID string) ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, perrors.Filesystem(s.dir, err)
	}

	var seqs []uint64
	for _, e := range entries {
		job, seq, isHistory, ok := parseCheckpointName(e.Name())
		if ok && isHistory && job == jobID {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	return seqs, nil
}

// Save writes a checkpoint of payload for jobID. Writes for the same job are serialized.
func (s *CheckpointService) Save(ctx context.Context, jobID string, kind model.CheckpointKind, payload json.RawMessage) (cp *model.Checkpoint, err error) {
	if !validJobID.MatchString(jobID) {
		return nil, perrors.InvalidArgument(fmt.Sprintf("invalid checkpoint job id %q", jobID), nil)
	}
	if !kind.Valid() {
		return nil, perrors.InvalidArgument(fmt.Sprintf("invalid checkpoint kind %q", kind), nil)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, perrors.Serialization("checkpoint payload is not valid JSON", err).WithDetail("job_id", jobID)
	}
	payload = compact.Bytes()

	ctx, span := s.tracer.Start(ctx, "checkpoint", "save",
		attribute.String("checkpoint.job_id", jobID),
		attribute.String("checkpoint.kind", string(kind)))
	start := time.Now()
	defer func() {
		if err != nil {
			s.metrics.CheckpointFailuresTotal.Inc()
			s.logger.Error("Checkpoint failed",
				zap.String("job_id", jobID),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
		s.tracer.End(span, err)
	}()

	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := s.nextSequence(ctx, jobID)
	if err != nil {
		return nil, err
	}

	cp = &model.Checkpoint{
		JobID:     jobID,
		Kind:      kind,
		Sequence:  seq,
		CreatedAt: s.now().UTC(),
		Checksum:  util.ComputeChecksum(payload),
		Payload:   payload,
	}
	record, err := encodeCheckpoint(cp)
	if err != nil {
		return nil, perrors.Serialization("failed to encode checkpoint", err).WithDetail("job_id", jobID)
	}
	framed := util.AppendChecksum(record)

	if s.guard != nil {
		if err := s.guard.CheckBeforeWrite(uint64(2 * len(framed))); err != nil {
			return nil, err
		}
	}

	historyPath := s.historyPath(jobID, seq)
	if err := writeFileAtomic(ctx, historyPath, framed, s.rename); err != nil {
		return nil, err
	}
	if err := linkOrCopyAtomic(ctx, historyPath, s.latestPath(jobID), s.rename); err != nil {
		// the new checkpoint is only visible once latest points at it
		os.Remove(historyPath)
		return nil, err
	}

	s.metrics.CheckpointsCreatedTotal.WithLabelValues(string(kind)).Inc()
	s.metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	s.metrics.CheckpointBytes.Observe(float64(len(framed)))

	if s.index != nil {
		if err := s.index.Record(ctx, model.CheckpointInfo{
			JobID:     jobID,
			Kind:      kind,
			Sequence:  seq,
			CreatedAt: cp.CreatedAt,
			Checksum:  cp.Checksum,
			Size:      int64(len(framed)),
			Path:      historyPath,
		}); err != nil {
			s.logger.Warn("Failed to index checkpoint", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	s.logger.Info("Checkpoint written",
		zap.String("job_id", jobID),
		zap.String("kind", string(kind)),
		zap.Uint64("sequence", seq),
		zap.Int("bytes", len(framed)),
		zap.String("checksum", util.FormatChecksum(cp.Checksum)))

	if pruned := s.pruneCountLocked(ctx, jobID); pruned > 0 {
		s.logger.Debug("Pruned old checkpoints", zap.String("job_id", jobID), zap.Int("removed", pruned))
	}
	return cp, nil
}

// encodeCheckpoint keeps the payload byte-for-byte so its checksum survives a round trip
func encodeCheckpoint(cp *model.Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cp); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// readCheckpoint loads and verifies one checkpoint file. A missing file returns (nil, nil).
func (s *CheckpointService) readCheckpoint(path, jobID string) (*model.Checkpoint, int64, error) {
	framed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, perrors.Filesystem(path, err)
	}

	record, expected, actual, ok := util.StripChecksum(framed)
	if !ok {
		return nil, 0, perrors.DataIntegrity("checkpoint "+path, util.FormatChecksum(expected), util.FormatChecksum(actual))
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(record, &cp); err != nil {
		return nil, 0, perrors.Serialization("failed to decode checkpoint", err).WithDetail("path", path)
	}
	if sum := util.ComputeChecksum(cp.Payload); sum != cp.Checksum {
		return nil, 0, perrors.DataIntegrity("checkpoint payload "+path, util.FormatChecksum(cp.Checksum), util.FormatChecksum(sum))
	}
	if cp.JobID != jobID {
		return nil, 0, perrors.DataIntegrity("checkpoint "+path, jobID, cp.JobID)
	}
	return &cp, int64(len(framed)), nil
}

// RestoreLatest returns the newest valid checkpoint for jobID, or nil when none exist.
// Corrupt checkpoints are reported and skipped in favour of older ones.
func (s *CheckpointService) RestoreLatest(ctx context.Context, jobID string) (cp *model.Checkpoint, err error) {
	if !validJobID.MatchString(jobID) {
		return nil, perrors.InvalidArgument(fmt.Sprintf("invalid checkpoint job id %q", jobID), nil)
	}

	ctx, span := s.tracer.Start(ctx, "checkpoint", "restore", attribute.String("checkpoint.job_id", jobID))
	defer func() { s.tracer.End(span, err) }()

	ctx, cancel := withOperationTimeout(ctx, s.timeout)
	defer cancel()

	history, err := s.history(jobID)
	if err != nil {
		return nil, err
	}
	candidates := make([]string, 0, len(history)+1)
	candidates = append(candidates, s.latestPath(jobID))
	for _, seq := range history {
		candidates = append(candidates, s.historyPath(jobID, seq))
	}

	var failures []error
	for i, path := range candidates {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}

		cp, _, err := s.readCheckpoint(path, jobID)
		if err != nil {
			failures = append(failures, err)
			if perrors.Is(err, perrors.ErrCodeDataIntegrity) {
				s.logger.Error("Rejected corrupt checkpoint", append(logging.Integrity("checkpoint "+jobID),
					zap.String("path", path), zap.Error(err))...)
			} else {
				s.logger.Warn("Unreadable checkpoint", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		if cp == nil {
			continue
		}
		if i > 0 && len(failures) > 0 {
			s.metrics.CheckpointRestoreFallbacks.Inc()
			s.logger.Warn("Restored from an older checkpoint",
				zap.String("job_id", jobID),
				zap.Uint64("sequence", cp.Sequence),
				zap.Int("rejected", len(failures)))
		}
		return cp, nil
	}

	if len(failures) > 0 {
		s.metrics.CheckpointRestoreFailures.Inc()
		return nil, perrors.State(fmt.Sprintf("no valid checkpoint for %s", jobID), errors.Join(failures...)).
			WithDetail("job_id", jobID).
			WithDetail("rejected", len(failures))
	}
	return nil, nil
}

// List returns the job's checkpoints newest first
func (s *CheckpointService) List(ctx context.Context, jobID string) ([]model.CheckpointInfo, error) {
	if s.index != nil {
		infos, err := s.index.List(ctx, jobID)
		if err == nil {
			return infos, nil
		}
		s.logger.Warn("Checkpoint index unavailable, scanning directory", zap.Error(err))
	}

	history, err := s.history(jobID)
	if err != nil {
		return nil, err
	}
	infos := make([]model.CheckpointInfo, 0, len(history))
	for _, seq := range history {
		path := s.historyPath(jobID, seq)
		cp, size, err := s.readCheckpoint(path, jobID)
		if err != nil || cp == nil {
			continue
		}
		infos = append(infos, model.CheckpointInfo{
			JobID:     jobID,
			Kind:      cp.Kind,
			Sequence:  cp.Sequence,
			CreatedAt: cp.CreatedAt,
			Checksum:  cp.Checksum,
			Size:      size,
			Path:      path,
		})
	}
	return infos, nil
}

// Jobs returns every job with a checkpoint on disk
func (s *CheckpointService) Jobs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, perrors.Filesystem(s.dir, err)
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if job, _, _, ok := parseCheckpointName(e.Name()); ok {
			seen[job] = true
		}
	}
	jobs := make([]string, 0, len(seen))
	for j := range seen {
		jobs = append(jobs, j)
	}
	sort.Strings(jobs)
	return jobs, nil
}

// pruneCountLocked enforces the count limit for one job; callers hold the job lock
func (s *CheckpointService) pruneCountLocked(ctx context.Context, jobID string) int {
	maxCount := s.retention.Load().maxCount
	if maxCount <= 0 {
		return 0
	}
	history, err := s.history(jobID)
	if err != nil || len(history) <= maxCount {
		return 0
	}

	removed := 0
	for _, seq := range history[maxCount:] {
		if s.removeHistory(ctx, jobID, seq) {
			removed++
		}
	}
	return removed
}

func (s *CheckpointService) removeHistory(ctx context.Context, jobID string, seq uint64) bool {
	path := s.historyPath(jobID, seq)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Failed to remove checkpoint", zap.String("path", path), zap.Error(err))
		return false
	}
	if s.index != nil {
		if err := s.index.Remove(ctx, jobID, seq); err != nil {
			s.logger.Warn("Failed to unindex checkpoint", zap.String("path", path), zap.Error(err))
		}
	}
	s.metrics.CheckpointsPrunedTotal.Inc()
	return true
}

// Cleanup removes history older than maxAge (the configured age when maxAge <= 0) and
// stale temp files. The newest checkpoint of every job is always kept.
func (s *CheckpointService) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.retention.Load().maxAge
	}
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-maxAge)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, perrors.Filesystem(s.dir, err)
	}

	removed := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			if info, err := e.Info(); err == nil && info.ModTime().Before(cutoff) {
				if os.Remove(filepath.Join(s.dir, e.Name())) == nil {
					removed++
				}
			}
		}
	}

	jobs, err := s.Jobs()
	if err != nil {
		return removed, err
	}
	for _, jobID := range jobs {
		if err := ctxErr(ctx); err != nil {
			return removed, err
		}
		removed += s.cleanupJob(ctx, jobID, cutoff)
	}

	if removed > 0 {
		s.logger.Info("Cleaned up old checkpoints",
			zap.Int("removed", removed),
			zap.Duration("max_age", maxAge))
	}
	return removed, nil
}

func (s *CheckpointService) cleanupJob(ctx context.Context, jobID string, cutoff time.Time) int {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	history, err := s.history(jobID)
	if err != nil || len(history) <= 1 {
		return 0
	}

	removed := 0
	for _, seq := range history[1:] {
		info, err := os.Stat(s.historyPath(jobID, seq))
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if s.removeHistory(ctx, jobID, seq) {
			removed++
		}
	}
	return removed + s.pruneCountLocked(ctx, jobID)
}

// Delete removes every checkpoint of a job
func (s *CheckpointService) Delete(ctx context.Context, jobID string) error {
	if !validJobID.MatchString(jobID) {
		return perrors.InvalidArgument(fmt.Sprintf("invalid checkpoint job id %q", jobID), nil)
	}
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	history, err := s.history(jobID)
	if err != nil {
		return err
	}
	for _, seq := range history {
		s.removeHistory(ctx, jobID, seq)
	}
	if err := os.Remove(s.latestPath(jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return perrors.Filesystem(s.latestPath(jobID), err)
	}
	return nil
}
