package b2ops

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/b2-go/internal/b2"
)

// Authorizer exchanges credentials for an Authorization. Satisfied by
// *b2.Client.
type Authorizer interface {
	Authorize(ctx context.Context, keyID, applicationKey string) (*b2.Authorization, error)
}

// Credentials identify the application key used for every refresh.
type Credentials struct {
	KeyID          string
	ApplicationKey string // NEVER log
}

// AuthConfig controls how long a cached Authorization is trusted.
type AuthConfig struct {
	Lifetime       time.Duration // trusted lifetime after issue; capped by key expiry
	RefreshSkew    time.Duration // refresh this long before expiry
	RefreshTimeout time.Duration // bound on one refresh, independent of any waiter
}

// DefaultAuthConfig mirrors the config package defaults.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Lifetime:       b2.DefaultTokenLifetime,
		RefreshSkew:    5 * time.Minute,
		RefreshTimeout: 2 * time.Minute,
	}
}

// authEntry is the cached value. Entries are replaced whole, never mutated
// except for the invalid flag.
type authEntry struct {
	auth       *b2.Authorization
	validUntil time.Time
	generation uint64
	invalid    bool
}

const refreshKey = "authorize"

// AuthCache holds the current Authorization. Get refreshes it when expired
// or invalidated; concurrent callers share a single in-flight refresh.
type AuthCache struct {
	authorizer Authorizer
	creds      Credentials
	cfg        AuthConfig
	policy     *Policy
	logger     *slog.Logger

	// nowFunc is the clock used for expiry. Tests override it.
	nowFunc func() time.Time

	refreshes singleflight.Group

	mu         sync.Mutex
	current    *authEntry
	generation uint64
}

// NewAuthCache creates an empty cache. The first Get authorizes.
func NewAuthCache(
	authorizer Authorizer, creds Credentials, cfg AuthConfig, policy *Policy, logger *slog.Logger,
) *AuthCache {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Lifetime <= 0 {
		cfg.Lifetime = b2.DefaultTokenLifetime
	}

	if cfg.RefreshSkew < 0 || cfg.RefreshSkew >= cfg.Lifetime {
		cfg.RefreshSkew = 0
	}

	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultAuthConfig().RefreshTimeout
	}

	return &AuthCache{
		authorizer: authorizer,
		creds:      creds,
		cfg:        cfg,
		policy:     policy,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Get returns a valid Authorization, refreshing if needed. A refresh
// failure is returned as-is; an expired or invalidated value is never
// substituted.
func (c *AuthCache) Get(ctx context.Context) (*b2.Authorization, error) {
	for {
		if a := c.valid(); a != nil {
			return a, nil
		}

		// The refresh outlives any one waiter: if the caller that started it
		// gives up, the others still get its result.
		refreshCtx := context.WithoutCancel(ctx)
		ch := c.refreshes.DoChan(refreshKey, func() (any, error) {
			return c.refresh(refreshCtx)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}

			a, _ := res.Val.(*b2.Authorization)

			// A flight that finished installing before an Invalidate still
			// carries the rejected token.
			if c.isCurrent(a) {
				return a, nil
			}
		}
	}
}

// isCurrent reports whether a is the installed, non-invalidated
// Authorization.
func (c *AuthCache) isCurrent(a *b2.Authorization) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return a != nil && c.current != nil && c.current.auth == a && !c.current.invalid
}

// Invalidate marks the current Authorization unusable. When token is
// non-empty only an Authorization carrying that token is invalidated, so a
// rejection of an already-replaced token cannot discard its successor.
func (c *AuthCache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.invalid {
		return
	}

	if token != "" && token != c.current.auth.Token {
		return
	}

	c.current.invalid = true

	// Callers arriving from now on start a new refresh instead of joining
	// one that already produced the rejected token.
	c.refreshes.Forget(refreshKey)

	c.logger.Info("authorization invalidated",
		slog.Uint64("generation", c.current.generation),
	)
}

// Generation returns how many times the Authorization has been replaced.
func (c *AuthCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generation
}

// valid returns the cached Authorization if it may still be presented.
func (c *AuthCache) valid() *b2.Authorization {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.invalid {
		return nil
	}

	if !c.nowFunc().Before(c.current.validUntil) {
		return nil
	}

	return c.current.auth
}

// refresh authorizes and installs the result. It runs at most once at a
// time (singleflight), and re-checks the cache first so a caller that raced
// a just-finished refresh does not start another.
func (c *AuthCache) refresh(ctx context.Context) (*b2.Authorization, error) {
	if a := c.valid(); a != nil {
		return a, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	issued := c.nowFunc()

	var auth *b2.Authorization

	attempt := func(ctx context.Context) error {
		a, err := c.authorizer.Authorize(ctx, c.creds.KeyID, c.creds.ApplicationKey)
		if err != nil {
			return err
		}

		auth = a

		return nil
	}

	var err error
	if c.policy != nil {
		err = c.policy.run(ctx, b2.EndpointAuthorizeAccount, hooks{attempt: attempt})
	} else {
		err = attempt(ctx)
	}

	if err != nil {
		c.logger.Warn("authorization refresh failed",
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	validUntil := issued.Add(c.cfg.Lifetime)
	if !auth.KeyExpiresAt.IsZero() && auth.KeyExpiresAt.Before(validUntil) {
		validUntil = auth.KeyExpiresAt
	}

	validUntil = validUntil.Add(-c.cfg.RefreshSkew)

	c.mu.Lock()
	c.generation++
	c.current = &authEntry{
		auth:       auth,
		validUntil: validUntil,
		generation: c.generation,
	}
	gen := c.generation
	c.mu.Unlock()

	c.logger.Debug("authorization refreshed",
		slog.Uint64("generation", gen),
		slog.Time("valid_until", validUntil),
	)

	return auth, nil
}
