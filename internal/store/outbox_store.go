package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/riptide-persistence/internal/model"
)

// MemoryOutboxStore keeps outbox records in process
type MemoryOutboxStore struct {
	mu      sync.Mutex
	records map[string]*OutboxRecord
	now     func() time.Time
}

// NewMemoryOutboxStore creates an empty outbox
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{records: make(map[string]*OutboxRecord), now: time.Now}
}

func (s *MemoryOutboxStore) Append(ctx context.Context, event *model.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[event.ID]; ok {
		return ErrAlreadyExists
	}
	s.records[event.ID] = &OutboxRecord{Event: *event, NextAttemptAt: event.CreatedAt}
	return nil
}

func (s *MemoryOutboxStore) ClaimPending(ctx context.Context, limit, maxRetries int, lease time.Duration) ([]*OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	due := make([]*OutboxRecord, 0)
	for _, r := range s.records {
		if r.PublishedAt == nil && r.RetryCount < maxRetries && !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Event.CreatedAt.Before(due[j].Event.CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*OutboxRecord, len(due))
	for i, r := range due {
		r.NextAttemptAt = now.Add(lease)
		c := *r
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryOutboxStore) MarkPublished(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[eventID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	r.PublishedAt = &now
	return nil
}

func (s *MemoryOutboxStore) MarkFailed(ctx context.Context, eventID string, nextAttempt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[eventID]
	if !ok {
		return ErrNotFound
	}
	r.RetryCount++
	r.NextAttemptAt = nextAttempt
	r.LastError = reason
	return nil
}

// Pending returns the number of unpublished records
func (s *MemoryOutboxStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.PublishedAt == nil {
			n++
		}
	}
	return n
}

// Get returns a copy of a record
func (s *MemoryOutboxStore) Get(eventID string) (*OutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[eventID]
	if !ok {
		return nil, false
	}
	c := *r
	return &c, true
}
