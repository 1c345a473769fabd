package b2ops

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/b2-go/internal/b2"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a circuit breaker for one endpoint group. It counts
// consecutive Transient failures; any other outcome means the service
// answered and resets the count.
type Breaker struct {
	group       b2.Group
	threshold   int
	cooldown    time.Duration
	maxCooldown time.Duration
	logger      *slog.Logger
	nowFunc     func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	current  time.Duration // cooldown of the current open period
	probing  bool
	lastErr  error
}

func newBreaker(group b2.Group, cfg BreakerConfig, logger *slog.Logger, now func() time.Time) *Breaker {
	return &Breaker{
		group:       group,
		threshold:   cfg.Threshold,
		cooldown:    cfg.Cooldown,
		maxCooldown: cfg.MaxCooldown,
		logger:      logger,
		nowFunc:     now,
		current:     cfg.Cooldown,
	}
}

// Allow admits a call or returns a *CircuitOpenError. probe is true when the
// call is the single half-open probe; the caller must report its outcome
// with Record or Abandon.
func (b *Breaker) Allow() (probe bool, err error) {
	if b == nil || b.threshold <= 0 {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return false, nil
	case breakerOpen:
		retryAt := b.openedAt.Add(b.current)
		if b.nowFunc().Before(retryAt) {
			return false, &CircuitOpenError{Group: b.group, RetryAt: retryAt, Last: b.lastErr}
		}

		b.state = breakerHalfOpen
		b.probing = true

		b.logger.Info("circuit half-open, probing",
			slog.String("group", b.group.String()),
		)

		return true, nil
	default:
		if b.probing {
			return false, &CircuitOpenError{Group: b.group, RetryAt: b.nowFunc(), Last: b.lastErr}
		}

		b.probing = true

		return true, nil
	}
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(probe bool, class b2.Class, err error) {
	if b == nil || b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if class == b2.ClassTransient && err != nil {
		b.lastErr = err
		b.failures++

		switch {
		case probe:
			b.probing = false
			b.current = min(b.current*2, b.maxCooldown)
			b.trip()
		case b.state == breakerClosed && b.failures >= b.threshold:
			b.current = b.cooldown
			b.trip()
		}

		return
	}

	// Late results from calls admitted before the breaker opened do not
	// close it; only the probe does.
	if b.state != breakerClosed && !probe {
		return
	}

	if b.state != breakerClosed {
		b.logger.Info("circuit closed",
			slog.String("group", b.group.String()),
		)
	}

	b.state = breakerClosed
	b.failures = 0
	b.probing = false
	b.current = b.cooldown
	b.lastErr = nil
}

// Abandon releases a probe slot without an outcome (the caller's context
// ended). The breaker stays half-open and admits the next caller as probe.
func (b *Breaker) Abandon(probe bool) {
	if b == nil || !probe {
		return
	}

	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// trip opens the breaker. Caller holds mu.
func (b *Breaker) trip() {
	b.state = breakerOpen
	b.openedAt = b.nowFunc()

	b.logger.Warn("circuit opened",
		slog.String("group", b.group.String()),
		slog.Int("consecutive_failures", b.failures),
		slog.Duration("cooldown", b.current),
	)
}

// State returns the breaker state name, for diagnostics.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state.String()
}
