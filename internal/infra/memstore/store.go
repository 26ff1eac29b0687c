// Package memstore keeps jobs in a go-memdb table. It backs the demo
// command and the engine tests; nothing survives a restart.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"jobrun/internal/domain"
	"jobrun/internal/ports"
)

var _ ports.Storage = (*Store)(nil)

// record is the row stored in memdb. Status is mirrored as a plain string
// so the status index can cover it; Job is treated as immutable once
// inserted and replaced wholesale on every write.
type record struct {
	ID     string
	Status string
	Seq    uint64
	Job    *domain.Job
}

type Store struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

func New() (*Store, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"jobs": {
				Name: "jobs",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Create(_ context.Context, name string, payload json.RawMessage, maxAttempts int) (*domain.Job, error) {
	now := time.Now()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Name:        name,
		Status:      domain.StatusPending,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	cp := *job
	rec := &record{ID: job.ID, Status: string(job.Status), Seq: s.seq.Add(1), Job: &cp}
	if err := txn.Insert("jobs", rec); err != nil {
		return nil, err
	}
	txn.Commit()
	return job, nil
}

// update replaces the stored job with a mutated copy inside one write
// transaction, which is what makes IncAttempts atomic here.
func (s *Store) update(id string, mutate func(j *domain.Job)) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("jobs", "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return domain.ErrNotFound
	}
	old := raw.(*record)

	cp := *old.Job
	mutate(&cp)
	cp.UpdatedAt = time.Now()

	rec := &record{ID: cp.ID, Status: string(cp.Status), Seq: old.Seq, Job: &cp}
	if err := txn.Insert("jobs", rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) MarkRunning(_ context.Context, id string) error {
	return s.update(id, func(j *domain.Job) {
		j.Status = domain.StatusRunning
	})
}

func (s *Store) MarkDone(_ context.Context, id string, result json.RawMessage) error {
	return s.update(id, func(j *domain.Job) {
		j.Status = domain.StatusDone
		j.Result = result
	})
}

func (s *Store) MarkFailed(_ context.Context, id string, errMsg string) error {
	return s.update(id, func(j *domain.Job) {
		j.Status = domain.StatusFailed
		j.Error = errMsg
	})
}

func (s *Store) IncAttempts(_ context.Context, id string) error {
	return s.update(id, func(j *domain.Job) {
		j.Attempts++
	})
}

func (s *Store) ResetStatus(_ context.Context, id string, status domain.Status) error {
	return s.update(id, func(j *domain.Job) {
		j.Status = status
	})
}

func (s *Store) ListJobs(_ context.Context, f ports.ListFilter) ([]*domain.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("jobs", "id")
	if err != nil {
		return nil, err
	}

	var recs []*record
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*record)
		if f.Matches(rec.Job.Status) {
			recs = append(recs, rec)
		}
	}

	// Newest-created first.
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq > recs[j].Seq })

	if f.Offset > 0 {
		if f.Offset >= len(recs) {
			recs = nil
		} else {
			recs = recs[f.Offset:]
		}
	}
	if f.Limit > 0 && f.Limit < len(recs) {
		recs = recs[:f.Limit]
	}

	jobs := make([]*domain.Job, 0, len(recs))
	for _, rec := range recs {
		cp := *rec.Job
		jobs = append(jobs, &cp)
	}
	return jobs, nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("jobs", "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, domain.ErrNotFound
	}
	cp := *raw.(*record).Job
	return &cp, nil
}
