package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by storage adapters for an unknown job id.
var ErrNotFound = errors.New("job not found")

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// running -> pending covers both a scheduled retry and the startup recovery
// reset of an interrupted job.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusDone || next == StatusFailed || next == StatusPending
	}
	return false
}

type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
