package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ScheduleEntry is a recurring job definition owned exclusively by the
// scheduler. LastFiredAt/NextRunAt are persisted so a restart neither
// duplicates nor (beyond one tolerance window) misses a firing.
type ScheduleEntry struct {
	Name        string          `json:"name" yaml:"name"`
	Spec        string          `json:"spec" yaml:"spec"` // standard 5-field cron or @every
	Queue       string          `json:"queue" yaml:"queue"`
	Handler     string          `json:"handler" yaml:"handler"`
	Payload     json.RawMessage `json:"payload,omitempty" yaml:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts" yaml:"max_attempts"`
	LastFiredAt *time.Time      `json:"last_fired_at,omitempty"`
	NextRunAt   time.Time       `json:"next_run_at"`
	Active      bool            `json:"active"`
}

// FireKey derives the idempotent enqueue key for one firing. At most one job
// per (name, scheduled time) ever reaches the broker, even if the scheduler
// restarts mid-fire.
func (e *ScheduleEntry) FireKey(scheduled time.Time) string {
	return fmt.Sprintf("%s@%s", e.Name, scheduled.UTC().Format(time.RFC3339))
}
