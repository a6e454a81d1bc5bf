package state

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusReserved  JobStatus = "reserved"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusDead      JobStatus = "dead"
)

func (s JobStatus) String() string {
	return string(s)
}

// Terminal statuses are immutable; no transition leads out of them.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusDead
}

// Known reports whether s is one of the defined statuses. Guards values
// arriving from query strings or stored rows.
func (s JobStatus) Known() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

var AllStatuses = []JobStatus{
	StatusPending,
	StatusReserved,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusDead,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions is the full lifecycle table. Retry and dead-lettering are
// explicit transitions here, not side effects of error handling.
var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusReserved},
	{From: StatusReserved, To: StatusRunning},
	{From: StatusReserved, To: StatusPending}, // visibility timeout expired
	{From: StatusReserved, To: StatusDead},    // poison payload, no retry consumed
	{From: StatusRunning, To: StatusSucceeded},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusRunning, To: StatusPending}, // forced requeue on shutdown
	{From: StatusFailed, To: StatusPending},  // retry requeue
	{From: StatusFailed, To: StatusDead},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// ValidSources returns every status a job may be in immediately before
// transitioning to the given status. Stores use it to guard updates.
func ValidSources(to JobStatus) []JobStatus {
	var from []JobStatus
	for _, t := range ValidTransitions {
		if t.To == to {
			from = append(from, t.From)
		}
	}
	return from
}
