package b2ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/digest"
)

// State is the lifecycle state of a LargeFile.
type State int

const (
	StateOpen State = iota
	StateFinishing
	StateFinished
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FinishVerify selects how a finished large file is checked against the
// parts recorded locally.
type FinishVerify string

const (
	// VerifyTrust accepts the service's finish response as-is.
	VerifyTrust FinishVerify = "trust"
	// VerifyLength compares the finished content length with the bytes
	// committed.
	VerifyLength FinishVerify = "length"
	// VerifyParts additionally lists the service's parts before finishing and
	// compares number, length, and SHA-1 of each.
	VerifyParts FinishVerify = "parts"
)

// ParseFinishVerify validates a finish_verify setting.
func ParseFinishVerify(s string) (FinishVerify, error) {
	switch v := FinishVerify(s); v {
	case VerifyTrust, VerifyLength, VerifyParts:
		return v, nil
	default:
		return "", fmt.Errorf("b2ops: unknown finish verification %q (want trust, length, or parts)", s)
	}
}

// LargeFile is one large-file upload session. Parts may be uploaded
// concurrently; each reserves the next part number when dispatched. A
// LargeFile never cancels itself: a session that ends Failed keeps its
// server-side parts until Cancel is called.
type LargeFile struct {
	m          *Manager
	id         string
	file       b2.File
	encryption *b2.Encryption
	urls       *urlPool
	verify     FinishVerify
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	// parts[i] holds part i+1; a nil slot is reserved and still uploading.
	parts     []*b2.Part
	inFlight  int
	committed int64
	// finishRetried is set once a finish attempt has failed transiently, so
	// a later "already finished" rejection can be recognized.
	finishRetried bool
	result        *b2.File
}

func (m *Manager) newLargeFile(f *b2.File, enc *b2.Encryption) *LargeFile {
	id := uuid.NewString()
	logger := m.logger.With(
		slog.String("session_id", id),
		slog.String("file_id", f.FileID),
	)

	fetch := func(ctx context.Context, fileID string) (*b2.UploadURL, error) {
		return Execute(ctx, m.policy, m.auth, b2.EndpointGetUploadPartURL,
			func(ctx context.Context, auth *b2.Authorization) (*b2.UploadURL, error) {
				return m.api.GetUploadPartURL(ctx, auth, fileID)
			})
	}

	return &LargeFile{
		m:          m,
		id:         id,
		file:       *f,
		encryption: enc,
		urls:       newURLPool(fetch, m.opts.Pool, logger),
		verify:     m.opts.FinishVerify,
		logger:     logger,
		state:      StateOpen,
	}
}

// ID returns the local session ID used in log records.
func (lf *LargeFile) ID() string { return lf.id }

// FileID returns the service's ID for the file.
func (lf *LargeFile) FileID() string { return lf.file.FileID }

// FileName returns the file's name.
func (lf *LargeFile) FileName() string { return lf.file.FileName }

// State returns the current state.
func (lf *LargeFile) State() State {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	return lf.state
}

// BytesCommitted returns the total length of acknowledged parts.
func (lf *LargeFile) BytesCommitted() int64 {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	return lf.committed
}

// Parts returns the acknowledged parts in part-number order. Parts still
// uploading are omitted.
func (lf *LargeFile) Parts() []b2.Part {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	out := make([]b2.Part, 0, len(lf.parts))
	for _, p := range lf.parts {
		if p != nil {
			out = append(out, *p)
		}
	}

	return out
}

// Result returns the finished file, or nil before Finish succeeds.
func (lf *LargeFile) Result() *b2.File {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	return lf.result
}

// UploadPart uploads data as the next part.
func (lf *LargeFile) UploadPart(ctx context.Context, data []byte) (*b2.Part, error) {
	r, err := lf.Reserve()
	if err != nil {
		return nil, err
	}

	return r.Upload(ctx, data)
}

// Reserve assigns the next part number. The reservation must be used by
// exactly one Upload, UploadAt, or Release. Reserving in order and
// uploading concurrently keeps part numbers aligned with file offsets.
//
// A number is not always used once. When the newest reservation fails
// recoverably or is released, its number is rolled back and the next Reserve
// returns it again. A failure of any older reservation fails the session.
func (lf *LargeFile) Reserve() (*PartReservation, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.state != StateOpen {
		return nil, &StateError{Op: "upload a part to", State: lf.state}
	}

	if len(lf.parts) >= b2.MaxPartNumber {
		return nil, fmt.Errorf("b2ops: large file already has %d parts: %w", b2.MaxPartNumber, ErrTooManyParts)
	}

	lf.parts = append(lf.parts, nil)
	lf.inFlight++

	return &PartReservation{lf: lf, number: len(lf.parts)}, nil
}

// PartReservation is a part number reserved on a LargeFile.
type PartReservation struct {
	lf     *LargeFile
	number int
	used   atomic.Bool
}

// Number returns the reserved part number.
func (r *PartReservation) Number() int { return r.number }

// Upload uploads data under the reserved number.
func (r *PartReservation) Upload(ctx context.Context, data []byte) (*b2.Part, error) {
	if err := r.use(); err != nil {
		return nil, err
	}

	return r.lf.uploadPart(ctx, r.number, int64(len(data)), digest.SHA1Hex(data), func() io.Reader {
		return bytes.NewReader(data)
	})
}

// UploadAt uploads length bytes of ra starting at off under the reserved
// number, without holding the section in memory. The section is read once
// to hash and once per attempt.
func (r *PartReservation) UploadAt(ctx context.Context, ra io.ReaderAt, off, length int64) (*b2.Part, error) {
	if err := r.use(); err != nil {
		return nil, err
	}

	sha, n, err := digest.SHA1Reader(io.NewSectionReader(ra, off, length))
	if err == nil && n != length {
		err = fmt.Errorf("read %d of %d bytes: %w", n, length, io.ErrUnexpectedEOF)
	}

	if err != nil {
		err = fmt.Errorf("b2ops: hashing part %d: %w", r.number, err)
		r.lf.abandon(r.number, true, err)

		return nil, err
	}

	return r.lf.uploadPart(ctx, r.number, length, sha, func() io.Reader {
		return io.NewSectionReader(ra, off, length)
	})
}

// Release gives the number back without uploading. It is a no-op after
// Upload or UploadAt.
func (r *PartReservation) Release() {
	if r.use() != nil {
		return
	}

	r.lf.abandon(r.number, true, fmt.Errorf("b2ops: part %d released unused", r.number))
}

func (r *PartReservation) use() error {
	if !r.used.CompareAndSwap(false, true) {
		return fmt.Errorf("b2ops: part %d reservation already used: %w", r.number, ErrSessionState)
	}

	return nil
}

func (lf *LargeFile) uploadPart(
	ctx context.Context, n int, length int64, sha string, body func() io.Reader,
) (*b2.Part, error) {
	req := b2.PartRequest{
		PartNumber:    n,
		ContentLength: length,
		ContentSHA1:   sha,
		Encryption:    lf.encryption,
	}

	part, err := ExecuteUpload(ctx, lf.m.policy, lf.urls, lf.file.FileID, b2.EndpointUploadPart,
		func(ctx context.Context, u *b2.UploadURL) (*b2.Part, error) {
			return lf.m.api.UploadPart(ctx, u, req, lf.m.wrapReader(ctx, body()))
		})
	if err != nil {
		lf.abandon(n, !isPermanent(err) || isCanceled(err), err)
		return nil, err
	}

	if part.ContentLength != length || !digest.Matches(part.ContentSHA1, sha) {
		err := fmt.Errorf("b2ops: part %d acknowledged with length %d sha1 %s, sent %d %s: %w",
			n, part.ContentLength, part.ContentSHA1, length, sha, ErrHashMismatch)
		lf.abandon(n, false, err)

		return nil, err
	}

	lf.commit(n, part)

	lf.logger.Debug("part uploaded",
		slog.Int("part", n),
		slog.Int64("size", length),
	)

	return part, nil
}

func (lf *LargeFile) commit(n int, p *b2.Part) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	lf.inFlight--
	lf.parts[n-1] = p
	lf.committed += p.ContentLength
}

// abandon releases reservation n after its upload failed. The newest
// reservation is rolled back when the failure is recoverable, leaving no gap;
// any other failed reservation is a gap and fails the session.
func (lf *LargeFile) abandon(n int, recoverable bool, err error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	lf.inFlight--

	if lf.state != StateOpen {
		return
	}

	switch {
	case !recoverable:
		lf.state = StateFailed

		lf.logger.Error("part upload failed permanently",
			slog.Int("part", n),
			slog.String("error", err.Error()),
		)
	case n == len(lf.parts):
		lf.parts = lf.parts[:n-1]

		lf.logger.Warn("part upload failed, reservation released",
			slog.Int("part", n),
			slog.String("error", err.Error()),
		)
	default:
		lf.state = StateFailed

		lf.logger.Error("part upload failed, part sequence has a gap",
			slog.Int("part", n),
			slog.Int("reserved", len(lf.parts)),
			slog.String("error", err.Error()),
		)
	}
}

// Finish assembles the parts into the final file. A Transient failure
// leaves the session Open so Finish may be retried; a Permanent one fails
// it.
func (lf *LargeFile) Finish(ctx context.Context) (*b2.File, error) {
	shas, committed, err := lf.beginFinish()
	if err != nil {
		return nil, err
	}

	if lf.verify == VerifyParts {
		if err := lf.verifyParts(ctx); err != nil {
			lf.finishFailed(err)
			return nil, err
		}
	}

	f, err := Execute(ctx, lf.m.policy, lf.m.auth, b2.EndpointFinishLargeFile,
		func(ctx context.Context, auth *b2.Authorization) (*b2.File, error) {
			return lf.m.api.FinishLargeFile(ctx, auth, lf.file.FileID, shas)
		})
	if err != nil {
		recovered, ok := lf.recoverLostFinish(ctx, err)
		if !ok {
			lf.finishFailed(err)
			return nil, err
		}

		f = recovered
	}

	if lf.verify != VerifyTrust && f.ContentLength != committed {
		err := fmt.Errorf("b2ops: finished file has %d bytes, %d committed: %w",
			f.ContentLength, committed, ErrPartMismatch)
		lf.finishFailed(err)

		return nil, err
	}

	lf.mu.Lock()
	if lf.state != StateFinishing {
		state := lf.state
		lf.mu.Unlock()

		lf.logger.Warn("large file finished after session left finishing",
			slog.String("state", state.String()),
		)

		return nil, &StateError{Op: "complete finish of", State: state}
	}
	lf.state = StateFinished
	lf.result = f
	lf.mu.Unlock()

	lf.urls.drop()

	lf.logger.Info("large file finished",
		slog.String("file_name", f.FileName),
		slog.Int("parts", len(shas)),
		slog.Int64("size", f.ContentLength),
	)

	return f, nil
}

// beginFinish checks the preconditions and moves to Finishing.
func (lf *LargeFile) beginFinish() ([]string, int64, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.state != StateOpen {
		return nil, 0, &StateError{Op: "finish", State: lf.state}
	}

	if len(lf.parts) == 0 {
		return nil, 0, fmt.Errorf("b2ops: finish %s: %w", lf.file.FileID, ErrNoParts)
	}

	if lf.inFlight > 0 {
		return nil, 0, fmt.Errorf("b2ops: finish %s: %d uploads outstanding: %w",
			lf.file.FileID, lf.inFlight, ErrPartsInFlight)
	}

	shas := make([]string, len(lf.parts))
	for i, p := range lf.parts {
		shas[i] = p.ContentSHA1
	}

	lf.state = StateFinishing

	return shas, lf.committed, nil
}

// finishFailed returns the session to Open after a recoverable finish
// failure, or fails it.
func (lf *LargeFile) finishFailed(err error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.state != StateFinishing {
		return
	}

	if isPermanent(err) && !isCanceled(err) {
		lf.state = StateFailed

		lf.logger.Error("finish failed permanently",
			slog.String("error", err.Error()),
		)

		return
	}

	lf.state = StateOpen
	lf.finishRetried = true

	lf.logger.Warn("finish failed, session still open",
		slog.String("error", err.Error()),
	)
}

// recoverLostFinish handles a finish rejected as a bad request after an
// earlier attempt failed transiently: the earlier attempt may have finished
// the file and lost its response.
func (lf *LargeFile) recoverLostFinish(ctx context.Context, err error) (*b2.File, bool) {
	if !errors.Is(err, b2.ErrBadRequest) {
		return nil, false
	}

	lf.mu.Lock()
	retried := lf.finishRetried
	lf.mu.Unlock()

	var opErr *OpError
	if !retried && (!errors.As(err, &opErr) || opErr.Attempts < 2) {
		return nil, false
	}

	f, infoErr := lf.m.getFileInfo(ctx, lf.file.FileID)
	if infoErr != nil || f.Action != "upload" {
		return nil, false
	}

	lf.logger.Info("finish acknowledgement was lost, file already finished")

	return f, true
}

// verifyParts compares the service's parts with those recorded locally.
func (lf *LargeFile) verifyParts(ctx context.Context) error {
	remote, err := lf.m.ListParts(ctx, lf.file.FileID)
	if err != nil {
		return err
	}

	local := lf.Parts()
	if len(remote) != len(local) {
		return fmt.Errorf("b2ops: service has %d parts, %d recorded: %w", len(remote), len(local), ErrPartMismatch)
	}

	for i := range local {
		r, l := remote[i], local[i]
		if r.PartNumber != l.PartNumber || r.ContentLength != l.ContentLength ||
			!digest.Matches(r.ContentSHA1, l.ContentSHA1) {
			return fmt.Errorf("b2ops: part %d differs from the service's part %d: %w",
				l.PartNumber, r.PartNumber, ErrPartMismatch)
		}
	}

	return nil
}

// Cancel discards the file and its parts on the service. The session ends
// Cancelled even when the service call fails; that failure is logged and
// returned. Uploads already in flight are not waited for.
func (lf *LargeFile) Cancel(ctx context.Context) error {
	lf.mu.Lock()
	switch lf.state {
	case StateOpen, StateFinishing, StateFailed:
		lf.state = StateCancelled
	default:
		state := lf.state
		lf.mu.Unlock()

		return &StateError{Op: "cancel", State: state}
	}
	lf.mu.Unlock()

	lf.urls.drop()

	if _, err := lf.m.cancelLargeFile(ctx, lf.file.FileID); err != nil {
		lf.logger.Warn("cancel large file failed",
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("b2ops: cancel %s: %w", lf.file.FileID, err)
	}

	lf.logger.Info("large file cancelled")

	return nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
