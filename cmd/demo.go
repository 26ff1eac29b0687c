package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"jobrun/internal/domain"
	"jobrun/internal/infra/memstore"
	"jobrun/internal/ports"
	"jobrun/internal/usecase"
)

func demoCmd() *cobra.Command {
	var (
		baseBackoff time.Duration
		maxBackoff  time.Duration
	)

	var command = &cobra.Command{
		Use:   "demo",
		Short: "Run a few jobs through the in-memory engine and print their lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(baseBackoff, maxBackoff)
		},
	}

	command.Flags().DurationVar(&baseBackoff, "base-backoff", 200*time.Millisecond, "Base backoff duration")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 5*time.Second, "Max backoff duration")

	return command
}

func runDemo(baseBackoff, maxBackoff time.Duration) error {
	store, err := memstore.New()
	if err != nil {
		return err
	}

	run := usecase.New(store, usecase.WithBackoff(baseBackoff, maxBackoff))

	run.Register("greet", func(ctx context.Context, payload []byte) ([]byte, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"greeting": "hello " + req.Name})
	})

	// Fails until its final allowed attempt so the retry path shows up.
	attempts := 0
	run.Register("stubborn", func(ctx context.Context, payload []byte) ([]byte, error) {
		attempts++
		if attempts < usecase.DefaultMaxAttempts {
			return nil, errors.New("not this time")
		}
		return json.Marshal(map[string]int{"succeeded_on": attempts})
	})

	var wg sync.WaitGroup
	done := func(j domain.Job) {
		log.Info().Str("job_id", j.ID).Str("job", j.Name).
			RawJSON("result", j.Result).Msg("job done")
		wg.Done()
	}
	failed := func(j domain.Job) {
		log.Warn().Str("job_id", j.ID).Str("job", j.Name).
			Int("attempts", j.Attempts).Str("error", j.Error).Msg("job failed")
		wg.Done()
	}
	run.On(usecase.EventStart, func(j domain.Job) {
		log.Info().Str("job_id", j.ID).Str("job", j.Name).
			Int("attempts", j.Attempts).Msg("job started")
	}).On(usecase.EventDone, done).On(usecase.EventFailed, failed)

	ctx := context.Background()
	wg.Add(3)
	if _, err := run.Add(ctx, "greet", json.RawMessage(`{"name":"world"}`)); err != nil {
		return err
	}
	if _, err := run.Add(ctx, "stubborn", nil); err != nil {
		return err
	}
	if _, err := run.Add(ctx, "no-such-type", nil); err != nil {
		return err
	}

	wg.Wait()

	jobs, err := run.ListJobs(ctx, ports.ListFilter{})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		log.Info().Str("job_id", j.ID).Str("job", j.Name).
			Str("status", string(j.Status)).Int("attempts", j.Attempts).Msg("final state")
	}
	return nil
}
