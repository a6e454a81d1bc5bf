package state

import (
	"testing"
)

func TestJobStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{name: "Pending status", status: StatusPending, expected: "pending"},
		{name: "Reserved status", status: StatusReserved, expected: "reserved"},
		{name: "Running status", status: StatusRunning, expected: "running"},
		{name: "Succeeded status", status: StatusSucceeded, expected: "succeeded"},
		{name: "Failed status", status: StatusFailed, expected: "failed"},
		{name: "Dead status", status: StatusDead, expected: "dead"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.status.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		expected bool
	}{
		{StatusPending, false},
		{StatusReserved, false},
		{StatusRunning, false},
		{StatusSucceeded, true},
		{StatusFailed, false},
		{StatusDead, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.expected {
				t.Errorf("Terminal() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{name: "Valid: Pending to Reserved", from: StatusPending, to: StatusReserved, expected: true},
		{name: "Valid: Reserved to Running", from: StatusReserved, to: StatusRunning, expected: true},
		{name: "Valid: Reserved to Pending (expiry)", from: StatusReserved, to: StatusPending, expected: true},
		{name: "Valid: Reserved to Dead (poison)", from: StatusReserved, to: StatusDead, expected: true},
		{name: "Valid: Running to Succeeded", from: StatusRunning, to: StatusSucceeded, expected: true},
		{name: "Valid: Running to Failed", from: StatusRunning, to: StatusFailed, expected: true},
		{name: "Valid: Running to Pending (forced requeue)", from: StatusRunning, to: StatusPending, expected: true},
		{name: "Valid: Failed to Pending (retry)", from: StatusFailed, to: StatusPending, expected: true},
		{name: "Valid: Failed to Dead", from: StatusFailed, to: StatusDead, expected: true},
		{name: "Invalid: Pending to Running", from: StatusPending, to: StatusRunning, expected: false},
		{name: "Invalid: Pending to Succeeded", from: StatusPending, to: StatusSucceeded, expected: false},
		{name: "Invalid: Succeeded to Failed", from: StatusSucceeded, to: StatusFailed, expected: false},
		{name: "Invalid: Succeeded to Pending", from: StatusSucceeded, to: StatusPending, expected: false},
		{name: "Invalid: Dead to Pending", from: StatusDead, to: StatusPending, expected: false},
		{name: "Invalid: Dead to Running", from: StatusDead, to: StatusRunning, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestValidSources(t *testing.T) {
	sources := ValidSources(StatusDead)
	if len(sources) != 2 {
		t.Fatalf("ValidSources(dead) = %v, want 2 entries", sources)
	}
	seen := map[JobStatus]bool{}
	for _, s := range sources {
		seen[s] = true
	}
	if !seen[StatusReserved] || !seen[StatusFailed] {
		t.Errorf("ValidSources(dead) = %v, want reserved and failed", sources)
	}

	if got := ValidSources(StatusPending); len(got) != 3 {
		t.Errorf("ValidSources(pending) = %v, want 3 entries", got)
	}
}
