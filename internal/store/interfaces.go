package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/riptide-persistence/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// KeyResult is one entry of a batch read
type KeyResult struct {
	Key   string
	Value []byte
	Found bool
	Err   error
}

// KeyValue is one entry of a batch write
type KeyValue struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// KVStore is the key-value half of the backing store.
// No implementation retries internally; retry policy belongs to callers.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Swap writes value and returns the previous value, or nil when there was none
	Swap(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, error)
	// GetDelete removes key and returns the removed value, or nil when absent
	GetDelete(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	// GetBatch and SetBatch pipeline in one round trip and report per-key outcomes
	GetBatch(ctx context.Context, keys []string) ([]KeyResult, error)
	SetBatch(ctx context.Context, entries []KeyValue) ([]error, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers events for a channel pattern until closed
type Subscription interface {
	Events() <-chan model.CoordinationEvent
	Close() error
}

// Coordinator is the cluster coordination capability.
// Leadership and liveness are TTL leases, not consensus: two nodes can both
// believe they lead for at most one lease window during a partition.
type Coordinator interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	DeleteMany(ctx context.Context, keys []string) (int64, error)

	RegisterNode(ctx context.Context, nodeID string, metadata map[string]string, ttl time.Duration) error
	Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) error
	ListNodes(ctx context.Context) ([]model.NodeInfo, error)
	UnregisterNode(ctx context.Context, nodeID string) error

	TryAcquireLeadership(ctx context.Context, nodeID string, ttl time.Duration) (bool, error)
	ReleaseLeadership(ctx context.Context, nodeID string) error
	GetLeader(ctx context.Context) (string, error)

	HealthCheck(ctx context.Context) error
	NodeID() string
}

// Backend is a backing store that provides both capabilities
type Backend interface {
	KVStore
	Coordinator
}

// ErrAlreadyExists is returned when creating a record whose id is taken
var ErrAlreadyExists = errors.New("already exists")

// ErrVersionConflict is returned when an optimistic update loses a race
var ErrVersionConflict = errors.New("version conflict")

// TenantStore persists tenant configuration.
// UpdateTenant expects tenant.Version to be the new version and only
// succeeds while the stored row still carries Version-1.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
	CreateTenant(ctx context.Context, tenant *model.Tenant) error
	UpdateTenant(ctx context.Context, tenant *model.Tenant) error
	DeleteTenant(ctx context.Context, tenantID string) error
	ListTenants(ctx context.Context) ([]*model.Tenant, error)
}

// OutboxRecord is a stored domain event with its delivery state
type OutboxRecord struct {
	Event         model.DomainEvent
	RetryCount    int
	NextAttemptAt time.Time
	PublishedAt   *time.Time
	LastError     string
}

// OutboxStore is the transactional outbox of domain events
type OutboxStore interface {
	Append(ctx context.Context, event *model.DomainEvent) error
	// ClaimPending leases up to limit due events so concurrent publishers skip them
	ClaimPending(ctx context.Context, limit, maxRetries int, lease time.Duration) ([]*OutboxRecord, error)
	MarkPublished(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, nextAttempt time.Time, reason string) error
}

// CheckpointIndex records checkpoint files so listing and retention need not stat the directory
type CheckpointIndex interface {
	Record(ctx context.Context, info model.CheckpointInfo) error
	// List returns the job's checkpoints newest first
	List(ctx context.Context, jobID string) ([]model.CheckpointInfo, error)
	LatestSequence(ctx context.Context, jobID string) (uint64, error)
	Remove(ctx context.Context, jobID string, sequence uint64) error
	Close() error
}
