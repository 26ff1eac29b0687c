package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"jobrun/internal/api"
	"jobrun/internal/config"
	"jobrun/internal/domain"
	"jobrun/internal/usecase"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			cfg := config.Load()
			log.Info().Msgf("API server using store: %s", cfg.Store)

			ctx := context.Background()
			store, closeStore, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			run := usecase.New(store)
			registerHandlers(run)

			run.On(usecase.EventDone, func(j domain.Job) {
				log.Info().Str("job_id", j.ID).Str("job", j.Name).Msg("job done")
			}).On(usecase.EventFailed, func(j domain.Job) {
				log.Warn().Str("job_id", j.ID).Str("job", j.Name).
					Int("attempts", j.Attempts).Str("error", j.Error).Msg("job failed")
			}).On(usecase.EventRecover, func(j domain.Job) {
				log.Info().Str("job_id", j.ID).Str("job", j.Name).Msg("job recovered")
			})

			n, err := run.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recover interrupted jobs: %w", err)
			}
			log.Info().Msgf("resumed %d interrupted job(s)", n)

			server := api.NewServer(run)
			server.Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}

// registerHandlers wires the built-in demo job types.
func registerHandlers(run *usecase.Runner) {
	run.Register("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	run.Register("sleep", func(ctx context.Context, payload []byte) ([]byte, error) {
		var req struct {
			Millis int `json:"millis"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(req.Millis) * time.Millisecond)
		return json.Marshal(map[string]any{"slept_ms": req.Millis})
	})

	run.Register("flaky", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("simulated failure")
	})
}
