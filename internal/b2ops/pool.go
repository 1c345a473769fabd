package b2ops

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/b2-go/internal/b2"
)

// Outcome tells the pool what happened to a leased upload URL.
type Outcome int

const (
	// Reusable returns the URL to the idle set.
	Reusable Outcome = iota
	// Invalid drops the URL; a replacement is fetched lazily.
	Invalid
)

// PoolConfig configures upload URL pooling.
type PoolConfig struct {
	Enabled     bool          // false: every lease is a fresh one-shot URL
	MaxPerKey   int           // outstanding URLs per bucket (or per large file)
	IdleTimeout time.Duration // idle URLs older than this are dropped; 0 = never
}

// DefaultPoolConfig mirrors the config package defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Enabled:     true,
		MaxPerKey:   4,
		IdleTimeout: 20 * time.Hour,
	}
}

// urlFetcher obtains a new upload URL for key.
type urlFetcher func(ctx context.Context, key string) (*b2.UploadURL, error)

// Leaser lends upload URLs. Satisfied by *Pool and the per-session part
// URL pool.
type Leaser interface {
	Acquire(ctx context.Context, key string) (*Lease, error)
}

// pooledURL is one upload URL plus bookkeeping.
type pooledURL struct {
	url       *b2.UploadURL
	uses      int
	fetchedAt time.Time
	lastUsed  time.Time
}

// keyPool is the per-key state: a semaphore bounding outstanding URLs and
// the idle stack.
type keyPool struct {
	sem  *semaphore.Weighted
	idle []*pooledURL
}

// urlPool is the machinery behind Pool (keyed by bucket ID) and the
// per-session part URL pool (keyed by large file ID).
type urlPool struct {
	fetch  urlFetcher
	cfg    PoolConfig
	logger *slog.Logger

	// nowFunc is the clock used for idle trimming. Tests override it.
	nowFunc func() time.Time

	mu   sync.Mutex
	keys map[string]*keyPool

	fetched atomic.Int64
	evicted atomic.Int64
}

func newURLPool(fetch urlFetcher, cfg PoolConfig, logger *slog.Logger) *urlPool {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxPerKey < 1 {
		cfg.MaxPerKey = 1
	}

	return &urlPool{
		fetch:   fetch,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
		keys:    make(map[string]*keyPool),
	}
}

// Acquire leases a URL for key, blocking while MaxPerKey URLs are out. An
// idle URL is reused when available; otherwise one is fetched.
func (p *urlPool) Acquire(ctx context.Context, key string) (*Lease, error) {
	kp := p.keyPool(key)

	if err := kp.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if entry := p.takeIdle(kp); entry != nil {
		return &Lease{pool: p, kp: kp, key: key, entry: entry}, nil
	}

	u, err := p.fetch(ctx, key)
	if err != nil {
		kp.sem.Release(1)
		return nil, err
	}

	p.fetched.Add(1)

	now := p.nowFunc()

	return &Lease{
		pool:  p,
		kp:    kp,
		key:   key,
		entry: &pooledURL{url: u, fetchedAt: now, lastUsed: now},
	}, nil
}

func (p *urlPool) keyPool(key string) *keyPool {
	p.mu.Lock()
	defer p.mu.Unlock()

	kp, ok := p.keys[key]
	if !ok {
		kp = &keyPool{sem: semaphore.NewWeighted(int64(p.cfg.MaxPerKey))}
		p.keys[key] = kp
	}

	return kp
}

// takeIdle pops the most recently used idle URL, dropping stale ones.
func (p *urlPool) takeIdle(kp *keyPool) *pooledURL {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.IdleTimeout > 0 {
		cutoff := p.nowFunc().Add(-p.cfg.IdleTimeout)
		kept := kp.idle[:0]

		for _, e := range kp.idle {
			if e.lastUsed.Before(cutoff) {
				p.evicted.Add(1)
				continue
			}

			kept = append(kept, e)
		}

		clear(kp.idle[len(kept):])
		kp.idle = kept
	}

	n := len(kp.idle)
	if n == 0 {
		return nil
	}

	e := kp.idle[n-1]
	kp.idle[n-1] = nil
	kp.idle = kp.idle[:n-1]

	return e
}

func (p *urlPool) release(l *Lease, o Outcome) {
	if o == Reusable && p.cfg.Enabled {
		l.entry.lastUsed = p.nowFunc()

		p.mu.Lock()
		l.kp.idle = append(l.kp.idle, l.entry)
		p.mu.Unlock()
	} else if o == Invalid {
		p.evicted.Add(1)

		p.logger.Debug("upload URL evicted",
			slog.String("key", l.key),
			slog.Int("uses", l.entry.uses),
		)
	}

	l.kp.sem.Release(1)
}

// Idle returns the number of idle URLs held for key.
func (p *urlPool) Idle(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if kp, ok := p.keys[key]; ok {
		return len(kp.idle)
	}

	return 0
}

// Fetched returns how many URLs have been obtained from the service.
func (p *urlPool) Fetched() int64 { return p.fetched.Load() }

// Evicted returns how many URLs have been dropped as invalid or stale.
func (p *urlPool) Evicted() int64 { return p.evicted.Load() }

// drop forgets every idle URL. Used when a large file ends.
func (p *urlPool) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, kp := range p.keys {
		clear(kp.idle)
		kp.idle = nil
	}
}

// Lease is exclusive use of one upload URL. Release it exactly once; later
// calls are no-ops.
type Lease struct {
	pool     *urlPool
	kp       *keyPool
	key      string
	entry    *pooledURL
	released atomic.Bool
}

// URL returns the leased upload URL.
func (l *Lease) URL() *b2.UploadURL {
	return l.entry.url
}

// Uses returns how many uploads have succeeded through this URL.
func (l *Lease) Uses() int {
	return l.entry.uses
}

// Release hands the URL back with the outcome of its last use.
func (l *Lease) Release(o Outcome) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}

	l.pool.release(l, o)
}

func (l *Lease) succeeded() {
	l.entry.uses++
}

// Pool lends bucket upload URLs (b2_get_upload_url).
type Pool struct {
	*urlPool
}

// newPool creates a Pool that fetches URLs with fetch.
func newPool(fetch urlFetcher, cfg PoolConfig, logger *slog.Logger) *Pool {
	return &Pool{urlPool: newURLPool(fetch, cfg, logger)}
}
