package upstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/pkg/metrics"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	// StateClosed - normal operation, calls pass through
	StateClosed CircuitState = iota
	// StateOpen - calls are rejected without touching the network
	StateOpen
	// StateHalfOpen - a single probe call is testing recovery
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards one upstream adapter. Consecutive transient failures
// open it; after a cooldown a single probe is let through, and its
// outcome decides between closing again and re-opening with a longer
// cooldown.
type Breaker struct {
	name          string
	threshold     int
	baseCooldown  time.Duration
	maxCooldown   time.Duration
	backoffFactor float64
	logger        *zap.Logger

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	probeInFlight       bool
}

// NewBreaker creates a closed breaker for the named adapter.
func NewBreaker(name string, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	b := &Breaker{
		name:          name,
		threshold:     cfg.FailureThreshold,
		baseCooldown:  cfg.Cooldown,
		maxCooldown:   cfg.MaxCooldown,
		backoffFactor: cfg.BackoffFactor,
		logger:        logger,
		state:         StateClosed,
		cooldown:      cfg.Cooldown,
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen until the cooldown elapses, at which point it moves to
// half-open and admits exactly one probe; concurrent callers are
// rejected until that probe's outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			metrics.BreakerShortCircuits.WithLabelValues(b.name).Inc()
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.probeInFlight = true
		b.logger.Info("circuit breaker half-open, probing",
			zap.String("breaker", b.name))
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			metrics.BreakerShortCircuits.WithLabelValues(b.name).Inc()
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess resets the failure count. A successful probe closes the
// breaker and restores the base cooldown.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
		b.cooldown = b.baseCooldown
		b.probeInFlight = false
		b.logger.Info("circuit breaker closed after successful probe",
			zap.String("breaker", b.name))
	}
}

// RecordFailure counts a transient failure. Reaching the threshold
// opens the breaker; a failed probe re-opens it with a longer cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.setState(StateOpen)
			b.openedAt = time.Now()
			b.logger.Warn("circuit breaker opened",
				zap.String("breaker", b.name),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}

	case StateHalfOpen:
		b.setState(StateOpen)
		b.openedAt = time.Now()
		b.probeInFlight = false
		next := time.Duration(float64(b.cooldown) * b.backoffFactor)
		if next > b.maxCooldown {
			next = b.maxCooldown
		}
		b.cooldown = next
		b.logger.Warn("circuit breaker re-opened after failed probe",
			zap.String("breaker", b.name),
			zap.Duration("cooldown", b.cooldown))
	}
}

// Observe applies the counting policy to a call outcome. Transient
// failures count against the breaker; definitive vendor answers (success,
// auth rejection, unknown symbol) reset it, because the upstream clearly
// responded. A canceled call says nothing about vendor health and only
// releases a held probe slot.
func (b *Breaker) Observe(err error) {
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, ErrCircuitOpen):
	case Transient(err):
		b.RecordFailure()
	case errors.Is(err, context.Canceled):
		b.releaseProbe()
	default:
		b.RecordSuccess()
	}
}

func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Snapshot describes the breaker for the status surface.
type Snapshot struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Cooldown            time.Duration `json:"cooldown"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
}

// Describe returns a point-in-time view for health reporting.
func (b *Breaker) Describe() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		Cooldown:            b.cooldown,
		OpenedAt:            b.openedAt,
	}
}

// setState must be called with the mutex held.
func (b *Breaker) setState(s CircuitState) {
	b.state = s
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(s))
}
