package model

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionExpired    SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
)

// Terminal reports whether the status forbids further mutation
func (s SessionStatus) Terminal() bool {
	return s == SessionExpired || s == SessionTerminated
}

// SessionState represents one long-lived crawl or user session
type SessionState struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Status       SessionStatus   `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
	Version      int64           `json:"version"`
}

// Clone returns a deep copy safe to hand to callers
func (s *SessionState) Clone() *SessionState {
	c := *s
	if s.Data != nil {
		c.Data = append(json.RawMessage(nil), s.Data...)
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// EstimatedSize is the running memory estimate used for spillover decisions
func (s *SessionState) EstimatedSize() int64 {
	data, err := json.Marshal(s)
	if err != nil {
		return int64(len(s.Data) + len(s.ID) + len(s.TenantID) + 128)
	}
	return int64(len(data))
}
