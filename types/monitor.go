package types

import "time"

// QueueStat is a point-in-time depth reading for one named queue.
type QueueStat struct {
	Name  string `json:"name"`
	Depth int64  `json:"depth"`
}

type SlotStatus string

const (
	SlotIdle SlotStatus = "idle"
	SlotBusy SlotStatus = "busy"
)

// SlotInfo is a read-only snapshot of one worker slot. Slot IDs are never
// reused: a recycled slot is replaced by a fresh one with a new ID.
type SlotInfo struct {
	ID           int        `json:"slot_id"`
	Status       SlotStatus `json:"status"`
	CurrentJobID string     `json:"current_job_id,omitempty"`
	ExecCount    int        `json:"exec_count"`
	StartedAt    time.Time  `json:"started_at"`
}
