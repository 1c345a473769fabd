package b2ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/digest"
)

func startTestLargeFile(t *testing.T, m *Manager) *LargeFile {
	t.Helper()

	lf, err := m.StartLargeFile(context.Background(), LargeFileRequest{
		BucketID: "id-photos",
		Info:     b2.FileInfo{FileName: "video.mp4"},
	})
	require.NoError(t, err)
	require.Equal(t, StateOpen, lf.State())

	return lf
}

func TestLargeFile_RoundTripThreeParts(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 20),
		bytes.Repeat([]byte("c"), 5),
	}

	var want []string

	for i, c := range chunks {
		p, err := lf.UploadPart(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, i+1, p.PartNumber)

		want = append(want, digest.SHA1Hex(c))
	}

	assert.Equal(t, int64(35), lf.BytesCommitted())

	f, err := lf.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFinished, lf.State())
	assert.Equal(t, int64(35), f.ContentLength)
	assert.Equal(t, f, lf.Result())

	assert.Equal(t, want, api.finished[lf.FileID()], "finish receives digests in part order")
	assert.Equal(t, bytes.Join(chunks, nil), api.content[lf.FileID()])
}

func TestLargeFile_ConcurrentPartsContiguous(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, func(o *Options) { o.Pool.MaxPerKey = 4 })
	lf := startTestLargeFile(t, m)

	const parts = 40

	var wg sync.WaitGroup

	for i := range parts {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := lf.UploadPart(context.Background(), []byte(fmt.Sprintf("part payload %d", i)))
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	got := lf.Parts()
	require.Len(t, got, parts)

	for i, p := range got {
		assert.Equal(t, i+1, p.PartNumber)
	}

	assert.Zero(t, api.sharedUpload.Load(), "a part URL was used by two uploads at once")

	_, err := lf.Finish(context.Background())
	require.NoError(t, err)
}

func TestLargeFile_FinishWithoutPartsNoNetwork(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	before := api.count(b2.EndpointAuthorizeAccount)

	_, err := lf.Finish(context.Background())
	require.ErrorIs(t, err, ErrNoParts)
	requireClass(t, b2.ClassPermanent, err)

	assert.Equal(t, 0, api.count(b2.EndpointFinishLargeFile))
	assert.Equal(t, before, api.count(b2.EndpointAuthorizeAccount))
	assert.Equal(t, StateOpen, lf.State())
}

func TestLargeFile_CapabilityInvalidReplacedOnce(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	api.fail(b2.EndpointUploadPart, apiErr(401, b2.CodeExpiredAuthToken))

	p, err := lf.UploadPart(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.PartNumber)

	assert.Equal(t, 2, api.count(b2.EndpointGetUploadPartURL), "exactly one replacement URL")
	assert.Equal(t, int64(1), lf.urls.Evicted())
	assert.Equal(t, 1, lf.urls.Idle(lf.FileID()))
	assert.Equal(t, 1, api.count(b2.EndpointAuthorizeAccount), "account token untouched")
}

func TestLargeFile_TransientFailureRollsBackNewest(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, func(o *Options) { o.Retry.MaxAttempts = 1 })
	lf := startTestLargeFile(t, m)

	_, err := lf.UploadPart(context.Background(), []byte("one"))
	require.NoError(t, err)

	api.fail(b2.EndpointUploadPart, apiErr(500, "internal_error"))

	_, err = lf.UploadPart(context.Background(), []byte("two"))
	requireClass(t, b2.ClassTransient, err)
	assert.Equal(t, StateOpen, lf.State(), "session survives a recoverable failure")

	p, err := lf.UploadPart(context.Background(), []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, 2, p.PartNumber, "released number is reused, no gap")

	_, err = lf.Finish(context.Background())
	require.NoError(t, err)
}

func TestLargeFile_GapFailsSession(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, func(o *Options) { o.Retry.MaxAttempts = 1 })
	lf := startTestLargeFile(t, m)

	r1, err := lf.Reserve()
	require.NoError(t, err)
	r2, err := lf.Reserve()
	require.NoError(t, err)
	assert.Equal(t, 1, r1.Number())
	assert.Equal(t, 2, r2.Number())

	_, err = r2.Upload(context.Background(), []byte("second"))
	require.NoError(t, err)

	api.fail(b2.EndpointUploadPart, apiErr(500, "internal_error"))

	_, err = r1.Upload(context.Background(), []byte("first"))
	require.Error(t, err)
	assert.Equal(t, StateFailed, lf.State())

	_, err = lf.UploadPart(context.Background(), []byte("more"))
	require.ErrorIs(t, err, ErrSessionState)

	_, err = lf.Finish(context.Background())
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateFailed, stateErr.State)

	require.NoError(t, lf.Cancel(context.Background()))
	assert.Equal(t, StateCancelled, lf.State())
}

func TestLargeFile_PermanentPartFailureFails(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	api.fail(b2.EndpointUploadPart, apiErr(400, "bad_request"))

	_, err := lf.UploadPart(context.Background(), []byte("x"))
	requireClass(t, b2.ClassPermanent, err)
	assert.Equal(t, StateFailed, lf.State())
}

func TestLargeFile_ReservationReleasedUnused(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	r, err := lf.Reserve()
	require.NoError(t, err)

	_, err = lf.Finish(context.Background())
	require.ErrorIs(t, err, ErrPartsInFlight)

	r.Release()
	r.Release()

	_, err = r.Upload(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrSessionState)

	assert.Equal(t, StateOpen, lf.State())
	assert.Empty(t, lf.Parts())
}

func TestLargeFile_FinishTransientStaysOpen(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, func(o *Options) { o.Retry.MaxAttempts = 1 })
	lf := startTestLargeFile(t, m)

	_, err := lf.UploadPart(context.Background(), []byte("data"))
	require.NoError(t, err)

	api.fail(b2.EndpointFinishLargeFile, apiErr(503, "service_unavailable"))

	_, err = lf.Finish(context.Background())
	requireClass(t, b2.ClassTransient, err)
	assert.Equal(t, StateOpen, lf.State())

	f, err := lf.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.ContentLength)
	assert.Equal(t, StateFinished, lf.State())
}

func TestLargeFile_FinishPermanentFails(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	_, err := lf.UploadPart(context.Background(), []byte("data"))
	require.NoError(t, err)

	api.fail(b2.EndpointFinishLargeFile, apiErr(400, "bad_request"))

	_, err = lf.Finish(context.Background())
	requireClass(t, b2.ClassPermanent, err)
	assert.Equal(t, StateFailed, lf.State())
}

func TestLargeFile_LostFinishAcknowledgement(t *testing.T) {
	api := &lostFinishAPI{fakeAPI: newFakeAPI()}
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	_, err := lf.UploadPart(context.Background(), []byte("data"))
	require.NoError(t, err)

	f, err := lf.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "upload", f.Action)
	assert.Equal(t, StateFinished, lf.State())
	assert.Equal(t, 2, api.count(b2.EndpointFinishLargeFile))
	assert.Equal(t, 1, api.count(b2.EndpointGetFileInfo))
}

// lostFinishAPI finishes the file on the first call but reports a transport
// failure, as if the response was lost.
type lostFinishAPI struct {
	*fakeAPI
	once sync.Once
}

func (l *lostFinishAPI) FinishLargeFile(
	ctx context.Context, auth *b2.Authorization, fileID string, shas []string,
) (*b2.File, error) {
	f, err := l.fakeAPI.FinishLargeFile(ctx, auth, fileID, shas)

	lost := false
	l.once.Do(func() { lost = true })

	if lost && err == nil {
		return nil, transportErr()
	}

	return f, err
}

func TestLargeFile_VerifyPartsDetectsMismatch(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, func(o *Options) { o.FinishVerify = VerifyParts })
	lf := startTestLargeFile(t, m)

	_, err := lf.UploadPart(context.Background(), []byte("data"))
	require.NoError(t, err)

	// The service loses the part.
	api.mu.Lock()
	delete(api.parts[lf.FileID()], 1)
	api.mu.Unlock()

	_, err = lf.Finish(context.Background())
	require.ErrorIs(t, err, ErrPartMismatch)
	assert.Equal(t, StateFailed, lf.State())
	assert.Equal(t, 0, api.count(b2.EndpointFinishLargeFile))
}

func TestLargeFile_VerifyPartsSuccess(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, func(o *Options) { o.FinishVerify = VerifyParts })
	lf := startTestLargeFile(t, m)

	for _, s := range []string{"alpha", "beta"} {
		_, err := lf.UploadPart(context.Background(), []byte(s))
		require.NoError(t, err)
	}

	_, err := lf.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, api.count(b2.EndpointListParts))
}

func TestLargeFile_CancelAlwaysEndsCancelled(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, func(o *Options) { o.Retry.MaxAttempts = 1 })
	lf := startTestLargeFile(t, m)

	api.fail(b2.EndpointCancelLargeFile, apiErr(500, "internal_error"))

	err := lf.Cancel(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateCancelled, lf.State())

	err = lf.Cancel(context.Background())
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.True(t, errors.Is(err, ErrSessionState))
}

func TestLargeFile_FinishedCannotCancel(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	_, err := lf.UploadPart(context.Background(), []byte("data"))
	require.NoError(t, err)
	_, err = lf.Finish(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, lf.Cancel(context.Background()), ErrSessionState)
	assert.Equal(t, 0, api.count(b2.EndpointCancelLargeFile))
}

func TestLargeFile_UploadPartAt(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	src := bytes.NewReader([]byte("0123456789"))

	r1, err := lf.Reserve()
	require.NoError(t, err)
	r2, err := lf.Reserve()
	require.NoError(t, err)

	_, err = r2.UploadAt(context.Background(), src, 6, 4)
	require.NoError(t, err)
	_, err = r1.UploadAt(context.Background(), src, 0, 6)
	require.NoError(t, err)

	_, err = lf.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), api.content[lf.FileID()])
}

func TestResumeLargeFile(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	_, err := lf.UploadPart(context.Background(), []byte("first"))
	require.NoError(t, err)

	resumed, err := m.ResumeLargeFile(context.Background(), lf.FileID(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, lf.ID(), resumed.ID())
	assert.Equal(t, int64(5), resumed.BytesCommitted())

	p, err := resumed.UploadPart(context.Background(), []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, 2, p.PartNumber)

	_, err = resumed.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("firstsecond"), api.content[lf.FileID()])
}

func TestResumeLargeFile_GapRejected(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, nil)
	lf := startTestLargeFile(t, m)

	r1, err := lf.Reserve()
	require.NoError(t, err)
	r2, err := lf.Reserve()
	require.NoError(t, err)
	_, err = r2.Upload(context.Background(), []byte("only part two"))
	require.NoError(t, err)
	r1.Release()

	_, err = m.ResumeLargeFile(context.Background(), lf.FileID(), nil)
	require.ErrorIs(t, err, ErrPartGap)
}

func TestParseFinishVerify(t *testing.T) {
	for _, s := range []string{"trust", "length", "parts"} {
		v, err := ParseFinishVerify(s)
		require.NoError(t, err)
		assert.Equal(t, FinishVerify(s), v)
	}

	_, err := ParseFinishVerify("paranoid")
	require.Error(t, err)
}

// stallingAPI holds UploadPart and FinishLargeFile calls until release is
// closed. A stalled finish is applied by the service before it stalls, so
// only its response is late.
type stallingAPI struct {
	*fakeAPI

	stallParts  bool
	stallFinish bool
	entered     chan struct{}
	release     chan struct{}
}

func newStallingAPI() *stallingAPI {
	return &stallingAPI{
		fakeAPI: newFakeAPI(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *stallingAPI) UploadPart(ctx context.Context, u *b2.UploadURL, r b2.PartRequest, body io.Reader) (*b2.Part, error) {
	if s.stallParts {
		s.entered <- struct{}{}
		<-s.release
	}

	return s.fakeAPI.UploadPart(ctx, u, r, body)
}

func (s *stallingAPI) FinishLargeFile(
	ctx context.Context, auth *b2.Authorization, fileID string, partSHA1s []string,
) (*b2.File, error) {
	f, err := s.fakeAPI.FinishLargeFile(ctx, auth, fileID, partSHA1s)

	if s.stallFinish {
		s.entered <- struct{}{}
		<-s.release
	}

	return f, err
}

func TestLargeFile_CancelWithPartInFlight(t *testing.T) {
	api := newStallingAPI()
	api.stallParts = true
	m := newTestManager(t, api, func(o *Options) { o.Retry.MaxAttempts = 1 })
	lf := startTestLargeFile(t, m)

	type result struct {
		part *b2.Part
		err  error
	}

	done := make(chan result, 1)

	go func() {
		p, err := lf.UploadPart(context.Background(), []byte("in flight"))
		done <- result{p, err}
	}()

	<-api.entered

	cancelled := make(chan error, 1)

	go func() { cancelled <- lf.Cancel(context.Background()) }()

	select {
	case err := <-cancelled:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(api.release)
		t.Fatal("cancel waited for the in-flight part")
	}

	assert.Equal(t, StateCancelled, lf.State())
	assert.Equal(t, 1, api.count(b2.EndpointCancelLargeFile))

	close(api.release)

	late := <-done
	require.Error(t, late.err, "the service no longer knows the file")
	assert.Nil(t, late.part)
	assert.Equal(t, StateCancelled, lf.State())

	_, err := lf.UploadPart(context.Background(), []byte("after"))
	require.ErrorIs(t, err, ErrSessionState)
}

func TestLargeFile_CancelDuringFinish(t *testing.T) {
	api := newStallingAPI()
	m := newTestManager(t, api, func(o *Options) { o.Retry.MaxAttempts = 1 })
	lf := startTestLargeFile(t, m)

	_, err := lf.UploadPart(context.Background(), []byte("data"))
	require.NoError(t, err)

	api.stallFinish = true

	finished := make(chan error, 1)

	go func() {
		_, err := lf.Finish(context.Background())
		finished <- err
	}()

	<-api.entered
	require.Equal(t, StateFinishing, lf.State())

	// The service already finished the file, so its cancel is rejected.
	require.Error(t, lf.Cancel(context.Background()))
	assert.Equal(t, StateCancelled, lf.State())

	close(api.release)

	err = <-finished
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateCancelled, stateErr.State)
	assert.Equal(t, StateCancelled, lf.State())
}
