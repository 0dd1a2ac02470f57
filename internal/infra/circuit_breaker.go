package infra

import (
	"context"
	"errors"
	"sync"
	"time"

	"pharmapos/internal/model"
)

// ── Circuit Breaker ───────────────────────────────────────────────────────────
// Closed → Open after FailureThreshold consecutive transport failures.
// Open → Half-Open after OpenTimeout; SuccessThreshold probes close it again.

type CBState int

const (
	CBClosed CBState = iota
	CBOpen
	CBHalfOpen
)

func (s CBState) String() string {
	switch s {
	case CBClosed:
		return "closed"
	case CBOpen:
		return "open"
	case CBHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

func DefaultCBConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
}

type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       CircuitBreakerConfig
	state     CBState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCBConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &CircuitBreaker{cfg: cfg, state: CBClosed, now: time.Now}
}

func (cb *CircuitBreaker) State() CBState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentLocked()
}

func (cb *CircuitBreaker) currentLocked() CBState {
	if cb.state == CBOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		cb.state = CBHalfOpen
		cb.successes = 0
	}
	return cb.state
}

// Execute runs fn unless the breaker is open. Errors wrapping
// ErrInitiationRejected or context cancellation are the gateway answering,
// not the gateway being down, and count as successes.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.currentLocked() == CBOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && !errors.Is(err, ErrInitiationRejected) && !errors.Is(err, context.Canceled) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	switch cb.state {
	case CBClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	case CBHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = CBOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case CBClosed:
		cb.failures = 0
	case CBHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = CBClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// ── Guarded gateway ───────────────────────────────────────────────────────────

// GuardedGateway routes network calls of a PaymentGateway through its own breaker.
type GuardedGateway struct {
	inner PaymentGateway
	cb    *CircuitBreaker
}

func Guard(gw PaymentGateway, cfg CircuitBreakerConfig) *GuardedGateway {
	return &GuardedGateway{inner: gw, cb: NewCircuitBreaker(cfg)}
}

func (g *GuardedGateway) Name() model.Gateway { return g.inner.Name() }

func (g *GuardedGateway) State() CBState { return g.cb.State() }

func (g *GuardedGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	var res *InitiateResult
	err := g.cb.Execute(func() error {
		var err error
		res, err = g.inner.Initiate(ctx, req)
		return err
	})
	return res, err
}

func (g *GuardedGateway) CheckStatus(ctx context.Context, handle string) (GatewayStatus, error) {
	status := GatewayPending
	err := g.cb.Execute(func() error {
		var err error
		status, err = g.inner.CheckStatus(ctx, handle)
		return err
	})
	if err != nil {
		return GatewayPending, err
	}
	return status, nil
}

func (g *GuardedGateway) Cancel(ctx context.Context, handle string) error {
	return g.inner.Cancel(ctx, handle)
}

// BreakerStates reports each guarded gateway's breaker for health checks.
func (g Gateways) BreakerStates() map[string]string {
	out := make(map[string]string, len(g))
	for name, gw := range g {
		if guarded, ok := gw.(*GuardedGateway); ok {
			out[string(name)] = guarded.State().String()
		}
	}
	return out
}
