package b2ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tonimelisma/b2-go/internal/b2"
)

const jitterFraction = 0.25

// RetryConfig bounds how the Policy recovers each failure class.
type RetryConfig struct {
	MaxAttempts          int           // total attempts for Transient failures
	BaseBackoff          time.Duration // first backoff, doubled per attempt
	MaxBackoff           time.Duration
	MaxAuthRetries       int           // re-authorizations per operation
	MaxCapabilityRetries int           // upload URL replacements per operation
	RequestTimeout       time.Duration // per attempt, account and api groups; 0 = none
	TransferTimeout      time.Duration // per attempt, upload and download groups; 0 = none
}

// DefaultRetryConfig mirrors the config package defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:          5,
		BaseBackoff:          time.Second,
		MaxBackoff:           60 * time.Second,
		MaxAuthRetries:       1,
		MaxCapabilityRetries: 1,
		RequestTimeout:       30 * time.Second,
	}
}

// BreakerConfig configures the per-group circuit breakers. Threshold 0
// disables them.
type BreakerConfig struct {
	Threshold   int
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultBreakerConfig mirrors the config package defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		Cooldown:    30 * time.Second,
		MaxCooldown: 5 * time.Minute,
	}
}

// Policy runs protocol operations with retry, re-authorization, upload URL
// replacement, and circuit breaking. One Policy is shared by every
// operation of a Manager.
type Policy struct {
	retry    RetryConfig
	breakers map[b2.Group]*Breaker
	logger   *slog.Logger

	// sleepFunc waits between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
	nowFunc   func() time.Time
}

// NewPolicy creates a Policy with one breaker per endpoint group.
func NewPolicy(retry RetryConfig, breaker BreakerConfig, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}

	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	if breaker.MaxCooldown < breaker.Cooldown {
		breaker.MaxCooldown = breaker.Cooldown
	}

	p := &Policy{
		retry:     retry,
		breakers:  make(map[b2.Group]*Breaker),
		logger:    logger,
		sleepFunc: timeSleep,
		nowFunc:   time.Now,
	}

	now := func() time.Time { return p.nowFunc() }
	for _, g := range []b2.Group{b2.GroupAccount, b2.GroupAPI, b2.GroupUpload, b2.GroupDownload} {
		p.breakers[g] = newBreaker(g, breaker, logger, now)
	}

	return p
}

// Breaker returns the breaker guarding group.
func (p *Policy) Breaker(group b2.Group) *Breaker {
	return p.breakers[group]
}

// hooks adapt one operation to the retry loop. Only attempt is required.
type hooks struct {
	// prepare obtains the credential the next attempt presents.
	prepare func(ctx context.Context) error
	// attempt performs one request.
	attempt func(ctx context.Context) error
	// settle is told how each attempt ended (class is ignored when err is nil).
	settle func(class b2.Class, err error)
	// authInvalid discards the credential presented by the last attempt.
	authInvalid func()
	// adopt takes ownership of a successful attempt's context; when nil the
	// context is canceled as soon as attempt returns.
	adopt func(cancel context.CancelFunc)
}

// run executes h under the policy for ep.
func (p *Policy) run(ctx context.Context, ep b2.Endpoint, h hooks) error {
	br := p.breakers[ep.Group]

	var (
		attempts, transient, authRetries, capRetries int
	)

	for {
		probe, err := br.Allow()
		if err != nil {
			p.logger.Debug("failing fast, circuit open",
				slog.String("endpoint", ep.Name),
			)

			return err
		}

		if h.prepare != nil {
			if err := h.prepare(ctx); err != nil {
				br.Abandon(probe)
				return err
			}
		}

		attempts++

		attemptCtx, cancel := p.attemptContext(ctx, ep.Group)
		err = h.attempt(attemptCtx)

		if err == nil && h.adopt != nil {
			h.adopt(cancel)
		} else {
			cancel()
		}

		if err == nil {
			br.Record(probe, b2.ClassPermanent, nil)
			p.settle(h, b2.ClassPermanent, nil)

			return nil
		}

		// The caller's own cancellation is never retried.
		if ctx.Err() != nil {
			br.Abandon(probe)
			p.settle(h, b2.ClassTransient, err)

			return fmt.Errorf("b2ops: %s: %w", ep.Name, errors.Join(ctx.Err(), err))
		}

		class := b2.Classify(ep, err)
		br.Record(probe, class, err)
		p.settle(h, class, err)

		final := &OpError{Endpoint: ep.Name, Class: class, Attempts: attempts, Err: err}

		switch class {
		case b2.ClassTransient:
			transient++
			if transient >= p.retry.MaxAttempts {
				p.logger.Error("request failed after retries",
					slog.String("endpoint", ep.Name),
					slog.Int("attempts", attempts),
					slog.String("error", err.Error()),
				)

				return final
			}

			backoff := p.retryBackoff(err, transient-1)
			p.logger.Warn("retrying after transient failure",
				slog.String("endpoint", ep.Name),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := p.sleepFunc(ctx, backoff); sleepErr != nil {
				return fmt.Errorf("b2ops: %s: %w", ep.Name, sleepErr)
			}

		case b2.ClassAuthInvalid:
			if h.authInvalid == nil || authRetries >= p.retry.MaxAuthRetries {
				return final
			}

			authRetries++
			h.authInvalid()

			p.logger.Info("authorization rejected, re-authorizing",
				slog.String("endpoint", ep.Name),
			)

		case b2.ClassCapabilityInvalid:
			if capRetries >= p.retry.MaxCapabilityRetries {
				return final
			}

			capRetries++

			p.logger.Info("upload URL rejected, replacing",
				slog.String("endpoint", ep.Name),
			)

		default:
			return final
		}
	}
}

func (p *Policy) settle(h hooks, class b2.Class, err error) {
	if h.settle != nil {
		h.settle(class, err)
	}
}

func (p *Policy) attemptContext(ctx context.Context, g b2.Group) (context.Context, context.CancelFunc) {
	timeout := p.retry.RequestTimeout
	if g == b2.GroupUpload || g == b2.GroupDownload {
		timeout = p.retry.TransferTimeout
	}

	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}

// retryBackoff honours a Retry-After from the service, otherwise computes
// exponential backoff.
func (p *Policy) retryBackoff(err error, attempt int) time.Duration {
	var apiErr *b2.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}

	return p.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (p *Policy) calcBackoff(attempt int) time.Duration {
	backoff := float64(p.retry.BaseBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(p.retry.MaxBackoff) {
		backoff = float64(p.retry.MaxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
