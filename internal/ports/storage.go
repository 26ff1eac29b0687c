package ports

import (
	"context"
	"encoding/json"

	"jobrun/internal/domain"
)

// ListFilter narrows and pages ListJobs results. An empty Statuses slice
// matches every status.
type ListFilter struct {
	Statuses []domain.Status
	Limit    int
	Offset   int
}

// Matches reports whether a job's status passes the filter.
func (f ListFilter) Matches(s domain.Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if s == want {
			return true
		}
	}
	return false
}

// Storage is the durable record of jobs. Implementations must make each
// operation atomic for a single job id; mutating an unknown id returns
// domain.ErrNotFound. ListJobs returns newest-created first and an empty
// slice (not an error) for an empty store.
type Storage interface {
	Create(ctx context.Context, name string, payload json.RawMessage, maxAttempts int) (*domain.Job, error)
	MarkRunning(ctx context.Context, id string) error
	MarkDone(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	IncAttempts(ctx context.Context, id string) error
	ResetStatus(ctx context.Context, id string, status domain.Status) error
	ListJobs(ctx context.Context, f ListFilter) ([]*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
}
