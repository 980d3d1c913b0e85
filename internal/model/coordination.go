package model

import "time"

// CoordinationEvent is a transient notification on a logical channel
type CoordinationEvent struct {
	Channel string `json:"channel"`
	Payload []byte `json:"payload"`
	NodeID  string `json:"node_id"`
}

// NodeInfo is a registered cluster member
type NodeInfo struct {
	NodeID        string            `json:"node_id"`
	Metadata      map[string]string `json:"metadata"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// InvalidationMessage is published when cached keys become stale
type InvalidationMessage struct {
	Keys    []string `json:"keys,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Origin  string   `json:"origin"`
}

// DomainEvent is an application event recorded in the outbox
type DomainEvent struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	AggregateID string            `json:"aggregate_id"`
	Payload     []byte            `json:"payload"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Domain event types
const (
	EventSessionCreated    = "session.created"
	EventSessionTerminated = "session.terminated"
	EventCheckpointCreated = "checkpoint.created"
	EventTenantCreated     = "tenant.created"
	EventTenantSuspended   = "tenant.suspended"
	EventQuotaExceeded     = "quota.exceeded"
)
