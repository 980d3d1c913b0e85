package model

import (
	"encoding/json"
	"time"
)

// CheckpointKind tells why a checkpoint was taken
type CheckpointKind string

const (
	CheckpointScheduled CheckpointKind = "scheduled"
	CheckpointManual    CheckpointKind = "manual"
	CheckpointShutdown  CheckpointKind = "shutdown"
	CheckpointEmergency CheckpointKind = "emergency"
)

// Valid reports whether the kind is known
func (k CheckpointKind) Valid() bool {
	switch k {
	case CheckpointScheduled, CheckpointManual, CheckpointShutdown, CheckpointEmergency:
		return true
	default:
		return false
	}
}

// Checkpoint is a durable snapshot of session or job state.
// Checksum is the CRC32 of Payload.
type Checkpoint struct {
	JobID     string          `json:"job_id"`
	Kind      CheckpointKind  `json:"kind"`
	Sequence  uint64          `json:"sequence"`
	CreatedAt time.Time       `json:"created_at"`
	Checksum  uint32          `json:"checksum"`
	Payload   json.RawMessage `json:"payload"`
}

// CheckpointInfo describes a checkpoint file without its payload
type CheckpointInfo struct {
	JobID     string         `json:"job_id"`
	Kind      CheckpointKind `json:"kind"`
	Sequence  uint64         `json:"sequence"`
	CreatedAt time.Time      `json:"created_at"`
	Checksum  uint32         `json:"checksum"`
	Size      int64          `json:"size"`
	Path      string         `json:"path"`
}
