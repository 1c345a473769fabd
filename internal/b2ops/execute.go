package b2ops

import (
	"context"
	"io"

	"github.com/tonimelisma/b2-go/internal/b2"
)

// Execute runs one protocol operation under p with a valid Authorization
// from ac. When the service rejects the token the Authorization is
// invalidated and the call retried with a fresh one.
func Execute[T any](
	ctx context.Context, p *Policy, ac *AuthCache, ep b2.Endpoint,
	call func(ctx context.Context, auth *b2.Authorization) (T, error),
) (T, error) {
	var (
		result T
		auth   *b2.Authorization
	)

	err := p.run(ctx, ep, hooks{
		prepare: func(ctx context.Context) error {
			a, err := ac.Get(ctx)
			if err != nil {
				return err
			}

			auth = a

			return nil
		},
		attempt: func(ctx context.Context) error {
			r, err := call(ctx, auth)
			if err != nil {
				return err
			}

			result = r

			return nil
		},
		authInvalid: func() {
			ac.Invalidate(auth.Token)
		},
	})

	return result, err
}

// ExecuteUpload runs one upload under p with a URL leased from urls for
// key. The lease goes back Reusable after success or a Permanent failure;
// after any other failure the URL is evicted and the retry leases another.
// call must produce a fresh request body on every invocation.
func ExecuteUpload[T any](
	ctx context.Context, p *Policy, urls Leaser, key string, ep b2.Endpoint,
	call func(ctx context.Context, u *b2.UploadURL) (T, error),
) (T, error) {
	var (
		result T
		lease  *Lease
	)

	err := p.run(ctx, ep, hooks{
		prepare: func(ctx context.Context) error {
			l, err := urls.Acquire(ctx, key)
			if err != nil {
				return err
			}

			lease = l

			return nil
		},
		attempt: func(ctx context.Context) error {
			r, err := call(ctx, lease.URL())
			if err != nil {
				return err
			}

			result = r

			return nil
		},
		settle: func(class b2.Class, err error) {
			switch {
			case err == nil:
				lease.succeeded()
				lease.Release(Reusable)
			case class == b2.ClassPermanent:
				lease.Release(Reusable)
			default:
				lease.Release(Invalid)
			}

			lease = nil
		},
	})

	return result, err
}

// executeDownload is Execute for downloads: the attempt context stays alive
// until the caller closes the body.
func executeDownload(
	ctx context.Context, p *Policy, ac *AuthCache, ep b2.Endpoint,
	call func(ctx context.Context, auth *b2.Authorization) (*b2.Download, error),
) (*b2.Download, error) {
	var (
		result *b2.Download
		auth   *b2.Authorization
	)

	err := p.run(ctx, ep, hooks{
		prepare: func(ctx context.Context) error {
			a, err := ac.Get(ctx)
			if err != nil {
				return err
			}

			auth = a

			return nil
		},
		attempt: func(ctx context.Context) error {
			dl, err := call(ctx, auth)
			if err != nil {
				return err
			}

			result = dl

			return nil
		},
		authInvalid: func() {
			ac.Invalidate(auth.Token)
		},
		adopt: func(cancel context.CancelFunc) {
			result.Body = &cancelOnClose{ReadCloser: result.Body, cancel: cancel}
		},
	})

	return result, err
}

// cancelOnClose releases a download's attempt context when its body is
// closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()

	return err
}
