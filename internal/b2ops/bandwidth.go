package b2ops

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/b2-go/internal/config"
)

// burstMultiplier sets the token bucket burst relative to the per-second
// rate.
const burstMultiplier = 2

// BandwidthLimiter is one token bucket shared by every upload and download
// stream of a Manager, so aggregate throughput stays within the limit. A nil
// *BandwidthLimiter is unlimited.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBandwidthLimiter creates a limiter from a bandwidth_limit setting such
// as "5MB/s". It returns nil for "0" or "" (unlimited).
func NewBandwidthLimiter(bandwidthLimit string, logger *slog.Logger) (*BandwidthLimiter, error) {
	bytesPerSec, err := ParseBandwidthRate(bandwidthLimit)
	if err != nil {
		return nil, err
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter = unlimited; its methods are nil-safe
	}

	if logger == nil {
		logger = slog.Default()
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("bandwidth limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &BandwidthLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		logger:  logger,
	}, nil
}

// ParseBandwidthRate parses "5MB/s", "100KiB/s", or "0" into bytes per
// second.
func ParseBandwidthRate(s string) (int64, error) {
	n, err := config.ParseRate(s)
	if err != nil {
		return 0, fmt.Errorf("b2ops: invalid bandwidth rate %q: %w", s, err)
	}

	return n, nil
}

// WrapReader returns r limited by bl. A nil bl returns r unchanged.
func (bl *BandwidthLimiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return &rateLimitedReader{r: r, limiter: bl.limiter, ctx: ctx}
}

// WrapWriter returns w limited by bl. A nil bl returns w unchanged.
func (bl *BandwidthLimiter) WrapWriter(ctx context.Context, w io.Writer) io.Writer {
	if bl == nil {
		return w
	}

	return &rateLimitedWriter{w: w, limiter: bl.limiter, ctx: ctx}
}

// rateLimitedReader waits for tokens after each read.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// rateLimitedWriter waits for tokens after each write.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		if waitErr := waitN(w.ctx, w.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN takes n tokens in burst-sized chunks; rate.Limiter.WaitN rejects
// requests larger than the burst.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
