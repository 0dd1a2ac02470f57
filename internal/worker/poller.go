package worker

// poller.go
// One polling task per in-flight settlement, run on an ants pool.
// Each task owns a cancellable context; cancelling it stops the wait timer
// and aborts any status call in flight.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pharmapos/internal/infra"
	"pharmapos/internal/model"
	"pharmapos/internal/repository"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	SourcePoller = "poller"
	SourceSweep  = "sweep"
)

// Settler finalizes a settlement. Implementations must be a compare-and-set:
// when two outcomes race, exactly one call returns true.
type Settler interface {
	Settle(ctx context.Context, id uuid.UUID, outcome model.SettlementStatus, reason, source string) (bool, error)
}

type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
	PoolSize    int
	CallTimeout time.Duration
}

type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Poller struct {
	cfg      PollerConfig
	repo     repository.SettlementRepository
	gateways infra.Gateways
	pool     *ants.Pool

	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	tasks  map[uuid.UUID]*pollTask
	closed bool
}

func NewPoller(cfg PollerConfig, repo repository.SettlementRepository, gateways infra.Gateways) (*Poller, error) {
	if cfg.Interval <= 0 || cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("poller: interval and max attempts must be positive")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 256
	}
	if cfg.CallTimeout <= 0 || cfg.CallTimeout > cfg.Interval*5 {
		cfg.CallTimeout = cfg.Interval * 5
	}
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("poller: create pool: %w", err)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Poller{
		cfg:      cfg,
		repo:     repo,
		gateways: gateways,
		pool:     pool,
		ctx:      ctx,
		stop:     stop,
		tasks:    map[uuid.UUID]*pollTask{},
	}, nil
}

// Start schedules polling for s. A second Start for a running id is a no-op.
func (p *Poller) Start(s model.SettlementRequest, settler Settler) error {
	if s.Handle == nil {
		return fmt.Errorf("poller: settlement %s has no handle", s.ID)
	}
	gw, err := p.gateways.Get(s.Gateway)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("poller: shut down")
	}
	if _, running := p.tasks[s.ID]; running {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(p.ctx)
	task := &pollTask{cancel: cancel, done: make(chan struct{})}
	p.tasks[s.ID] = task
	p.mu.Unlock()

	err = p.pool.Submit(func() {
		defer p.finish(s.ID, task)
		p.run(ctx, s, gw, settler)
	})
	if err != nil {
		p.finish(s.ID, task)
		return fmt.Errorf("poller: submit: %w", err)
	}
	return nil
}

// Cancel stops the task for id. Reports whether one was running.
func (p *Poller) Cancel(id uuid.UUID) bool {
	p.mu.Lock()
	task, ok := p.tasks[id]
	p.mu.Unlock()
	if ok {
		task.cancel()
	}
	return ok
}

func (p *Poller) Running(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[id]
	return ok
}

// Done returns a channel closed when the task for id has exited.
func (p *Poller) Done(id uuid.UUID) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task, ok := p.tasks[id]; ok {
		return task.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown cancels every task and waits for the pool to drain.
func (p *Poller) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stop()
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		log.Warn().Err(err).Msg("poller: pool did not drain in time")
	}
}

func (p *Poller) finish(id uuid.UUID, task *pollTask) {
	p.mu.Lock()
	if p.tasks[id] == task {
		delete(p.tasks, id)
	}
	p.mu.Unlock()
	task.cancel()
	close(task.done)
}

func (p *Poller) run(ctx context.Context, s model.SettlementRequest, gw infra.PaymentGateway, settler Settler) {
	// Outcomes are written even if the task is cancelled mid-call, so a
	// confirmation that arrives late still reaches the settler.
	settleCtx := context.WithoutCancel(ctx)
	attempts := s.Attempts
	logger := log.With().Str("settlement_id", s.ID.String()).Str("gateway", string(s.Gateway)).Logger()

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for attempts < p.cfg.MaxAttempts {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// select picks at random when both are ready.
		if ctx.Err() != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		status, err := gw.CheckStatus(callCtx, *s.Handle)
		cancel()
		if err != nil && ctx.Err() != nil {
			return
		}

		attempts++
		if _, rerr := p.repo.RecordPoll(settleCtx, s.ID, attempts, time.Now().UTC()); rerr != nil {
			logger.Warn().Err(rerr).Msg("poller: failed to record attempt")
		}
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempts).Msg("poller: status check failed")
			status = infra.GatewayPending
		}

		switch status {
		case infra.GatewayConfirmed:
			p.settle(settleCtx, settler, s.ID, model.SettlementConfirmed, "confirmed by gateway", logger)
			return
		case infra.GatewayFailed:
			p.settle(settleCtx, settler, s.ID, model.SettlementFailed, "gateway reported failure", logger)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempts < p.cfg.MaxAttempts {
			timer.Reset(p.cfg.Interval)
		}
	}

	if ctx.Err() != nil {
		return
	}
	reason := fmt.Sprintf("no confirmation after %d attempts", attempts)
	p.settle(settleCtx, settler, s.ID, model.SettlementTimedOut, reason, logger)
}

func (p *Poller) settle(ctx context.Context, settler Settler, id uuid.UUID, outcome model.SettlementStatus, reason string, logger zerolog.Logger) {
	won, err := settler.Settle(ctx, id, outcome, reason, SourcePoller)
	if err != nil {
		logger.Error().Err(err).Str("outcome", string(outcome)).Msg("poller: settle failed")
		return
	}
	if !won {
		logger.Debug().Str("outcome", string(outcome)).Msg("poller: outcome lost to an earlier transition")
	}
}
