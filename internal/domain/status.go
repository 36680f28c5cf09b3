package domain

import "strings"

// Status is the lifecycle state of a simulation run.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// transitions is the only place legal status edges are defined.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// ParseStatus maps free-form values to a canonical Status. Unknown values
// return "".
func ParseStatus(value string) Status {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending":
		return StatusPending
	case "running":
		return StatusRunning
	case "completed", "succeeded":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	default:
		return ""
	}
}

// CanTransition reports whether a run may move from current to next.
// Self transitions are not edges.
func CanTransition(current, next Status) bool {
	for _, allowed := range transitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Cancellable reports whether a user cancel request is accepted.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusRunning
}
