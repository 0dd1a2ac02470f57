package worker

// recovery_sweep.go
// Periodic pass that makes settlement processing survive restarts:
//   - in-flight requests with no live poller get their polling resumed,
//     or are timed out once their attempts are exhausted;
//   - REQUESTED rows older than the initiation grace (the process died
//     mid-initiation) are timed out since no handle exists to poll;
//   - CONFIRMED requests whose side effects never completed are re-applied.

import (
	"context"
	"fmt"
	"time"

	"pharmapos/internal/model"
	"pharmapos/internal/repository"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const sweepBatchSize = 100

// SweepTarget is the settlement pipeline as seen by the sweep.
type SweepTarget interface {
	Settler
	ResumePolling(ctx context.Context, s model.SettlementRequest) error
	ReapplyEffects(ctx context.Context, id uuid.UUID) error
}

type runningChecker interface {
	Running(id uuid.UUID) bool
}

type SweeperConfig struct {
	Repo            repository.SettlementRepository
	Poller          runningChecker
	Target          SweepTarget
	MaxAttempts     int
	InitiationGrace time.Duration
}

type Sweeper struct {
	cfg  SweeperConfig
	cron *cron.Cron
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.InitiationGrace <= 0 {
		cfg.InitiationGrace = 2 * time.Minute
	}
	return &Sweeper{cfg: cfg}
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Resumed   int
	TimedOut  int
	Reapplied int
}

// Run performs one pass.
func (w *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	inFlight, err := w.cfg.Repo.ListInFlight(ctx, sweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("sweep: list in-flight: %w", err)
	}
	now := time.Now().UTC()
	for i := range inFlight {
		s := inFlight[i]
		if w.cfg.Poller.Running(s.ID) {
			continue
		}
		logger := log.With().Str("settlement_id", s.ID.String()).Logger()

		switch {
		case s.Status == model.SettlementRequested || s.Handle == nil:
			if now.Sub(s.CreatedAt) < w.cfg.InitiationGrace {
				continue
			}
			if won, err := w.cfg.Target.Settle(ctx, s.ID, model.SettlementTimedOut,
				"initiation interrupted before gateway acknowledged", SourceSweep); err != nil {
				logger.Error().Err(err).Msg("sweep: timeout of stale request failed")
			} else if won {
				res.TimedOut++
			}
		case s.Attempts >= w.cfg.MaxAttempts:
			if won, err := w.cfg.Target.Settle(ctx, s.ID, model.SettlementTimedOut,
				fmt.Sprintf("no confirmation after %d attempts", s.Attempts), SourceSweep); err != nil {
				logger.Error().Err(err).Msg("sweep: timeout failed")
			} else if won {
				res.TimedOut++
			}
		default:
			if err := w.cfg.Target.ResumePolling(ctx, s); err != nil {
				logger.Warn().Err(err).Msg("sweep: resume polling failed")
				continue
			}
			res.Resumed++
		}
	}

	confirmed, err := w.cfg.Repo.ListUnappliedConfirmed(ctx, sweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("sweep: list unapplied: %w", err)
	}
	for _, s := range confirmed {
		if err := w.cfg.Target.ReapplyEffects(ctx, s.ID); err != nil {
			log.Error().Err(err).Str("settlement_id", s.ID.String()).Msg("sweep: re-applying effects failed")
			continue
		}
		res.Reapplied++
	}

	if res != (SweepResult{}) {
		log.Info().Int("resumed", res.Resumed).Int("timed_out", res.TimedOut).
			Int("reapplied", res.Reapplied).Msg("sweep: pass complete")
	}
	return res, nil
}

// Start runs one pass immediately, then on schedule until ctx is cancelled.
// Overlapping passes are skipped.
func (w *Sweeper) Start(ctx context.Context, schedule string) error {
	w.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	job := func() {
		if _, err := w.Run(ctx); err != nil {
			log.Error().Err(err).Msg("sweep: pass failed")
		}
	}
	if _, err := w.cron.AddFunc(schedule, job); err != nil {
		return fmt.Errorf("sweep: invalid schedule %q: %w", schedule, err)
	}
	go job()
	w.cron.Start()
	log.Info().Str("schedule", schedule).Msg("sweep: started")

	go func() {
		<-ctx.Done()
		<-w.cron.Stop().Done()
		log.Info().Msg("sweep: shutting down")
	}()
	return nil
}
