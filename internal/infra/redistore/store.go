// Package redistore persists jobs in Redis: one hash per job, a sequence
// zset for creation order, and one set per status for filtered listings.
package redistore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"jobrun/internal/config"
	"jobrun/internal/domain"
	"jobrun/internal/ports"
)

var _ ports.Storage = (*Store)(nil)

type Store struct {
	rdb    *redis.Client
	prefix string
}

func New(cfg config.Redis) *Store {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{rdb: rdb, prefix: cfg.KeyPrefix}
}

// Connect verifies the server is reachable.
func (s *Store) Connect(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }
func (s *Store) seqKey() string          { return s.prefix + ":jobs" }
func (s *Store) counterKey() string      { return s.prefix + ":jobs:seq" }

func (s *Store) statusKey(st domain.Status) string {
	return s.prefix + ":status:" + string(st)
}

func (s *Store) Create(ctx context.Context, name string, payload json.RawMessage, maxAttempts int) (*domain.Job, error) {
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

	seq, err := s.rdb.Incr(ctx, s.counterKey()).Result()
	if err != nil {
		return nil, err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(job.ID), map[string]any{
			"name":         job.Name,
			"status":       string(job.Status),
			"payload":      string(job.Payload),
			"attempts":     0,
			"max_attempts": job.MaxAttempts,
			"created_at":   job.CreatedAt.UnixMilli(),
			"updated_at":   job.UpdatedAt.UnixMilli(),
		})
		pipe.ZAdd(ctx, s.seqKey(), redis.Z{Score: float64(seq), Member: job.ID})
		pipe.SAdd(ctx, s.statusKey(job.Status), job.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// currentStatus reads the stored status, mapping a missing hash to
// domain.ErrNotFound.
func (s *Store) currentStatus(ctx context.Context, id string) (domain.Status, error) {
	st, err := s.rdb.HGet(ctx, s.jobKey(id), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return domain.Status(st), nil
}

// setStatus moves the job between status sets and writes the given hash
// fields alongside the new status.
func (s *Store) setStatus(ctx context.Context, id string, next domain.Status, fields map[string]any) error {
	prev, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}

	if fields == nil {
		fields = map[string]any{}
	}
	fields["status"] = string(next)
	fields["updated_at"] = time.Now().UnixMilli()

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(id), fields)
		if prev != next {
			pipe.SRem(ctx, s.statusKey(prev), id)
			pipe.SAdd(ctx, s.statusKey(next), id)
		}
		return nil
	})
	return err
}

func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, domain.StatusRunning, nil)
}

func (s *Store) MarkDone(ctx context.Context, id string, result json.RawMessage) error {
	return s.setStatus(ctx, id, domain.StatusDone, map[string]any{
		"result": string(result),
	})
}

func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return s.setStatus(ctx, id, domain.StatusFailed, map[string]any{
		"error": errMsg,
	})
}

func (s *Store) IncAttempts(ctx context.Context, id string) error {
	if _, err := s.currentStatus(ctx, id); err != nil {
		return err
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, s.jobKey(id), "attempts", 1)
		pipe.HSet(ctx, s.jobKey(id), "updated_at", time.Now().UnixMilli())
		return nil
	})
	return err
}

func (s *Store) ResetStatus(ctx context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return s.setStatus(ctx, id, status, nil)
}

func (s *Store) ListJobs(ctx context.Context, f ports.ListFilter) ([]*domain.Job, error) {
	// Newest-created first; the zset score is a monotonic counter.
	ids, err := s.rdb.ZRevRange(ctx, s.seqKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0)
	skipped := 0
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !f.Matches(job.Status) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		jobs = append(jobs, job)
		if f.Limit > 0 && len(jobs) == f.Limit {
			break
		}
	}
	return jobs, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	h, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, domain.ErrNotFound
	}

	job := &domain.Job{
		ID:     id,
		Name:   h["name"],
		Status: domain.Status(h["status"]),
		Error:  h["error"],
	}
	if v := h["payload"]; v != "" {
		job.Payload = json.RawMessage(v)
	}
	if v := h["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	job.Attempts, _ = strconv.Atoi(h["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(h["max_attempts"])
	if ms, err := strconv.ParseInt(h["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(h["updated_at"], 10, 64); err == nil {
		job.UpdatedAt = time.UnixMilli(ms)
	}
	return job, nil
}
