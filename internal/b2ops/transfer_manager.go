package b2ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/digest"
)

// defaultMaxHashRetries is the number of extra download attempts when the
// content does not match the service's SHA-1.
const defaultMaxHashRetries = 2

// maxSaneRetries caps MaxHashRetries for the `range maxRetries + 1` loop.
const maxSaneRetries = 100

// defaultParallelParts is used when TransferOptions.ParallelParts is unset.
const defaultParallelParts = 4

func resolveMaxRetries(configured int) int {
	if configured <= 0 {
		return defaultMaxHashRetries
	}

	if configured > maxSaneRetries {
		return maxSaneRetries
	}

	return configured
}

// TransferOptions configures whole-file transfers.
type TransferOptions struct {
	PartSize           int64 // 0 = the account's recommended part size
	LargeFileThreshold int64 // files larger than this use a large file; 0 = twice the part size
	ParallelParts      int   // concurrent part uploads per file

	// Sessions records unfinished large files so an interrupted upload of
	// the same local file resumes. Nil disables resume: a failed large
	// upload is cancelled.
	Sessions *SessionStore
}

// UploadOpts configures a single file upload.
type UploadOpts struct {
	BucketID    string // empty selects the key's bucket
	Name        string // remote file name
	ContentType string
	Info        map[string]string
	Mtime       time.Time // zero = the local modification time
	Encryption  *b2.Encryption
}

// UploadResult reports a completed upload.
type UploadResult struct {
	File      *b2.File
	LocalHash string
	Size      int64
	Mtime     time.Time
	Parts     int // 0 for a single-request upload

	ResumedParts int // parts reused from an interrupted upload
}

// DownloadOpts configures a single download.
type DownloadOpts struct {
	Encryption     *b2.Encryption
	SetMtime       bool // apply src_last_modified_millis when present
	MaxHashRetries int  // 0 = default (2 retries, 3 attempts)
}

// DownloadResult reports a completed download.
type DownloadResult struct {
	File         b2.File
	LocalHash    string
	Size         int64
	HashVerified bool // false when the service provided no SHA-1 or retries were exhausted
}

// TransferManager moves whole files between disk and B2: hashing, choosing
// a single upload or a parallel large file, and downloading to a .partial
// file with SHA-1 verification and atomic rename.
type TransferManager struct {
	m        *Manager
	opts     TransferOptions
	logger   *slog.Logger
	hashFunc func(string) (string, error)
}

// NewTransferManager creates a TransferManager over m.
func NewTransferManager(m *Manager, opts TransferOptions, logger *slog.Logger) *TransferManager {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.ParallelParts < 1 {
		opts.ParallelParts = defaultParallelParts
	}

	return &TransferManager{
		m:        m,
		opts:     opts,
		logger:   logger,
		hashFunc: digest.SHA1File,
	}
}

// UploadFile uploads localPath as opts.Name.
func (tm *TransferManager) UploadFile(ctx context.Context, localPath string, opts UploadOpts) (*UploadResult, error) {
	if localPath == "" {
		return nil, errors.New("upload: local path must not be empty")
	}

	if opts.Name == "" {
		return nil, errors.New("upload: file name must not be empty")
	}

	tm.logger.Debug("UploadFile",
		slog.String("path", localPath),
		slog.String("name", opts.Name),
	)

	st, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}

	if st.IsDir() {
		return nil, fmt.Errorf("upload: %s is a directory", localPath)
	}

	localHash, err := tm.hashFunc(localPath)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", localPath, err)
	}

	size := st.Size()

	mtime := opts.Mtime
	if mtime.IsZero() {
		mtime = st.ModTime()
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s for upload: %w", localPath, err)
	}
	defer f.Close()

	info := b2.FileInfo{
		FileName:     opts.Name,
		ContentType:  opts.ContentType,
		LastModified: mtime,
		Info:         opts.Info,
		Encryption:   opts.Encryption,
	}

	partSize, threshold, err := tm.partSizing(ctx)
	if err != nil {
		return nil, err
	}

	result := &UploadResult{LocalHash: localHash, Size: size, Mtime: mtime}

	if size <= threshold {
		info.ContentLength = size
		info.ContentSHA1 = localHash

		result.File, err = tm.m.UploadFile(ctx, opts.BucketID, &info, func() (io.Reader, error) {
			return io.NewSectionReader(f, 0, size), nil
		})
		if err != nil {
			return nil, fmt.Errorf("uploading %s: %w", localPath, err)
		}
	} else {
		info.Info = withLargeFileSHA1(opts.Info, localHash)

		abs, absErr := filepath.Abs(localPath)
		if absErr != nil {
			abs = localPath
		}

		u := largeUpload{localPath: abs, bucketID: opts.BucketID, hash: localHash, size: size, partSize: partSize}

		if err := tm.uploadLarge(ctx, f, u, &info, result); err != nil {
			return nil, fmt.Errorf("uploading %s: %w", localPath, err)
		}
	}

	tm.logger.Debug("upload complete",
		slog.String("path", localPath),
		slog.String("file_id", result.File.FileID),
		slog.Int64("size", size),
		slog.Int("parts", result.Parts),
	)

	return result, nil
}

// partSizing resolves the part size and large-file threshold, consulting
// the account's recommendations when unset.
func (tm *TransferManager) partSizing(ctx context.Context) (int64, int64, error) {
	auth, err := tm.m.Authorization(ctx)
	if err != nil {
		return 0, 0, err
	}

	partSize := tm.opts.PartSize
	if partSize <= 0 {
		partSize = auth.RecommendedPartSize
	}

	partSize = max(partSize, auth.AbsoluteMinimumPartSize, 1)

	threshold := tm.opts.LargeFileThreshold
	if threshold <= 0 {
		threshold = 2 * partSize
	}

	// A large file needs at least two parts.
	threshold = max(threshold, partSize)

	return partSize, threshold, nil
}

func withLargeFileSHA1(info map[string]string, sha string) map[string]string {
	out := make(map[string]string, len(info)+1)
	for k, v := range info {
		out[k] = v
	}

	out[b2.InfoLargeFileSHA1] = sha

	return out
}

// largeUpload identifies one large-file upload of a local file.
type largeUpload struct {
	localPath string
	bucketID  string
	hash      string
	size      int64
	partSize  int64
}

// uploadLarge uploads f as a large file, ParallelParts parts at a time.
// Part numbers are reserved in offset order before each part is dispatched.
// A matching session record resumes after the parts the service already
// holds. On failure the large file is kept for resume when possible and
// cancelled otherwise; the local file is the source of truth, so nothing is
// lost.
func (tm *TransferManager) uploadLarge(
	ctx context.Context, f io.ReaderAt, u largeUpload, info *b2.FileInfo, result *UploadResult,
) error {
	lf, err := tm.openLarge(ctx, u, info)
	if err != nil {
		return err
	}

	resumed := len(lf.Parts())

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(pctx)
	slots := semaphore.NewWeighted(int64(tm.opts.ParallelParts))

	parts := resumed

	for off := int64(resumed) * u.partSize; off < u.size; off += u.partSize {
		// Take a slot before reserving so no number is held while waiting.
		if err := slots.Acquire(gctx, 1); err != nil {
			break
		}

		if gctx.Err() != nil {
			slots.Release(1)
			break
		}

		length := min(u.partSize, u.size-off)

		res, err := lf.Reserve()
		if err != nil {
			slots.Release(1)
			g.Go(func() error { return err })

			break
		}

		parts++

		g.Go(func() error {
			defer slots.Release(1)

			if _, err := res.UploadAt(gctx, f, off, length); err != nil {
				cancel()
				return err
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		tm.abortLarge(ctx, lf, u)
		return err
	}

	if err := ctx.Err(); err != nil {
		tm.abortLarge(ctx, lf, u)
		return err
	}

	file, err := lf.Finish(ctx)
	if err != nil {
		tm.abortLarge(ctx, lf, u)
		return err
	}

	tm.forgetSession(u)

	result.File = file
	result.Parts = parts
	result.ResumedParts = resumed

	return nil
}

// openLarge resumes the recorded large file for u or starts a new one.
func (tm *TransferManager) openLarge(ctx context.Context, u largeUpload, info *b2.FileInfo) (*LargeFile, error) {
	if tm.opts.Sessions != nil {
		if lf := tm.resumeLarge(ctx, u, info); lf != nil {
			return lf, nil
		}
	}

	lf, err := tm.m.StartLargeFile(ctx, LargeFileRequest{BucketID: u.bucketID, Info: *info})
	if err != nil {
		return nil, err
	}

	if tm.opts.Sessions != nil {
		rec := &SessionRecord{
			BucketID:  u.bucketID,
			LocalPath: u.localPath,
			FileName:  info.FileName,
			FileID:    lf.FileID(),
			FileHash:  u.hash,
			FileSize:  u.size,
			PartSize:  u.partSize,
		}

		if err := tm.opts.Sessions.Save(rec); err != nil {
			tm.logger.Warn("failed to save upload session",
				slog.String("path", u.localPath),
				slog.String("error", err.Error()),
			)
		}
	}

	return lf, nil
}

// resumeLarge reopens the large file recorded for u. It returns nil, after
// discarding the record, when the local file changed or the service's parts
// do not line up with the current part size.
func (tm *TransferManager) resumeLarge(ctx context.Context, u largeUpload, info *b2.FileInfo) *LargeFile {
	rec, err := tm.opts.Sessions.Load(u.bucketID, u.localPath)
	if err != nil {
		tm.logger.Warn("failed to load upload session",
			slog.String("path", u.localPath),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if rec == nil {
		return nil
	}

	if rec.FileName != info.FileName || rec.FileHash != u.hash || rec.FileSize != u.size || rec.PartSize != u.partSize {
		tm.logger.Info("local file changed since interrupted upload, starting over",
			slog.String("path", u.localPath),
			slog.String("file_id", rec.FileID),
		)
		tm.discardSession(ctx, u, rec.FileID)

		return nil
	}

	lf, err := tm.m.ResumeLargeFile(ctx, rec.FileID, info.Encryption)
	if err != nil {
		tm.logger.Warn("cannot resume large file, starting over",
			slog.String("path", u.localPath),
			slog.String("file_id", rec.FileID),
			slog.String("error", err.Error()),
		)

		if ctx.Err() == nil {
			tm.discardSession(ctx, u, rec.FileID)
		}

		return nil
	}

	if err := checkResumedParts(lf.Parts(), u.partSize, u.size); err != nil {
		tm.logger.Warn("resumed parts do not match local file, starting over",
			slog.String("path", u.localPath),
			slog.String("file_id", rec.FileID),
			slog.String("error", err.Error()),
		)
		tm.discardSession(ctx, u, rec.FileID)

		return nil
	}

	tm.logger.Info("resuming large file upload",
		slog.String("path", u.localPath),
		slog.String("file_id", rec.FileID),
		slog.Int("parts", len(lf.Parts())),
	)

	return lf
}

// checkResumedParts verifies that part i covers exactly the bytes a fresh
// upload with partSize would have sent for it.
func checkResumedParts(parts []b2.Part, partSize, size int64) error {
	for i, p := range parts {
		off := int64(i) * partSize
		if off >= size {
			return fmt.Errorf("part %d starts beyond the %d-byte file", p.PartNumber, size)
		}

		if want := min(partSize, size-off); p.ContentLength != want {
			return fmt.Errorf("part %d is %d bytes, expected %d", p.PartNumber, p.ContentLength, want)
		}
	}

	return nil
}

// abortLarge handles a failed large upload. An Open session is kept for
// resume when a session store is configured; anything else is cancelled.
func (tm *TransferManager) abortLarge(ctx context.Context, lf *LargeFile, u largeUpload) {
	if tm.opts.Sessions != nil && lf.State() == StateOpen {
		tm.logger.Info("large file kept for resume",
			slog.String("path", u.localPath),
			slog.String("file_id", lf.FileID()),
			slog.Int64("committed", lf.BytesCommitted()),
		)

		return
	}

	tm.cancelLarge(ctx, lf)
	tm.forgetSession(u)
}

func (tm *TransferManager) cancelLarge(ctx context.Context, lf *LargeFile) {
	if err := lf.Cancel(context.WithoutCancel(ctx)); err != nil {
		tm.logger.Warn("failed to cancel large file after upload error",
			slog.String("file_id", lf.FileID()),
			slog.String("error", err.Error()),
		)
	}
}

// discardSession cancels a recorded large file that can no longer be
// resumed and forgets the record.
func (tm *TransferManager) discardSession(ctx context.Context, u largeUpload, fileID string) {
	if _, err := tm.m.CancelLargeFile(context.WithoutCancel(ctx), fileID); err != nil {
		tm.logger.Debug("cancelling stale large file failed",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}

	tm.forgetSession(u)
}

func (tm *TransferManager) forgetSession(u largeUpload) {
	if tm.opts.Sessions == nil {
		return
	}

	if err := tm.opts.Sessions.Delete(u.bucketID, u.localPath); err != nil {
		tm.logger.Warn("failed to delete upload session",
			slog.String("path", u.localPath),
			slog.String("error", err.Error()),
		)
	}
}

// DownloadToFile downloads a file version to targetPath: write to
// targetPath.partial, resume from an existing .partial with a range request,
// verify the SHA-1 with retry, then rename into place.
func (tm *TransferManager) DownloadToFile(
	ctx context.Context, fileID, targetPath string, opts DownloadOpts,
) (*DownloadResult, error) {
	if targetPath == "" {
		return nil, errors.New("download: target path must not be empty")
	}

	if fileID == "" {
		return nil, errors.New("download: file ID must not be empty")
	}

	tm.logger.Debug("DownloadToFile",
		slog.String("file_id", fileID),
		slog.String("target", targetPath),
	)

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil { //nolint:mnd // owner-only dir perms
		return nil, fmt.Errorf("creating parent dir for %s: %w", targetPath, err)
	}

	partialPath := targetPath + ".partial"
	maxRetries := resolveMaxRetries(opts.MaxHashRetries)

	var (
		file      b2.File
		localHash string
		size      int64
		verified  bool
	)

	for attempt := range maxRetries + 1 {
		var err error

		file, localHash, size, err = tm.downloadToPartial(ctx, fileID, partialPath, opts)
		if err != nil {
			return nil, err
		}

		remoteHash := file.ContentSHA1
		if remoteHash == "" || remoteHash == digest.None {
			break
		}

		if digest.Matches(remoteHash, localHash) {
			verified = true
			break
		}

		if attempt < maxRetries {
			os.Remove(partialPath)
			tm.logger.Warn("download hash mismatch, retrying",
				slog.String("target", targetPath),
				slog.Int("attempt", attempt+1),
				slog.String("local_hash", localHash),
				slog.String("remote_hash", remoteHash),
			)

			continue
		}

		os.Remove(partialPath)

		return nil, fmt.Errorf("downloading %s: sha1 %s, service has %s: %w",
			targetPath, localHash, remoteHash, ErrHashMismatch)
	}

	if file.ContentLength > 0 && size != file.ContentLength {
		os.Remove(partialPath)

		return nil, fmt.Errorf("downloading %s: got %d bytes, service has %d: %w",
			targetPath, size, file.ContentLength, ErrHashMismatch)
	}

	if opts.SetMtime {
		tm.applyMtime(partialPath, &file)
	}

	// On failure the .partial is kept so the next attempt can resume.
	if err := os.Rename(partialPath, targetPath); err != nil {
		return nil, fmt.Errorf("renaming partial to %s: %w", targetPath, err)
	}

	tm.logger.Debug("download complete",
		slog.String("target", targetPath),
		slog.Int64("size", size),
		slog.Bool("verified", verified),
	)

	return &DownloadResult{File: file, LocalHash: localHash, Size: size, HashVerified: verified}, nil
}

func (tm *TransferManager) applyMtime(path string, f *b2.File) {
	mtime, ok := b2.LastModified(f.Info)
	if !ok {
		return
	}

	if err := os.Chtimes(path, mtime, mtime); err != nil {
		tm.logger.Warn("failed to set mtime on partial",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// downloadToPartial fills partialPath, resuming when it already holds
// bytes, and returns the SHA-1 of the complete partial file.
func (tm *TransferManager) downloadToPartial(
	ctx context.Context, fileID, partialPath string, opts DownloadOpts,
) (b2.File, string, int64, error) {
	f, openErr := os.OpenFile(partialPath, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:mnd // owner-only
	if openErr == nil {
		st, statErr := f.Stat()
		if statErr == nil && st.Size() > 0 {
			return tm.resumeDownload(ctx, fileID, f, partialPath, st.Size(), opts)
		}

		f.Close()
	} else if !errors.Is(openErr, os.ErrNotExist) {
		tm.logger.Warn("cannot open partial file for resume, starting fresh",
			slog.String("path", partialPath),
			slog.String("error", openErr.Error()),
		)
	}

	return tm.freshDownload(ctx, fileID, partialPath, opts)
}

// removePartialIfNotCanceled keeps the .partial on cancellation for a later
// resume.
func removePartialIfNotCanceled(ctx context.Context, path string) {
	if ctx.Err() == nil {
		os.Remove(path)
	}
}

func (tm *TransferManager) freshDownload(
	ctx context.Context, fileID, partialPath string, opts DownloadOpts,
) (b2.File, string, int64, error) {
	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:mnd // owner-only
	if err != nil {
		return b2.File{}, "", 0, fmt.Errorf("creating partial file %s: %w", partialPath, err)
	}

	dl, err := tm.m.DownloadFileByID(ctx, fileID, b2.DownloadOptions{Encryption: opts.Encryption})
	if err != nil {
		f.Close()
		os.Remove(partialPath)

		return b2.File{}, "", 0, err
	}
	defer dl.Body.Close()

	h := digest.NewWriter()
	w := tm.m.Bandwidth().WrapWriter(ctx, io.MultiWriter(f, h))

	size, err := io.Copy(w, dl.Body)
	if err != nil {
		f.Close()
		removePartialIfNotCanceled(ctx, partialPath)

		return b2.File{}, "", 0, fmt.Errorf("downloading to %s: %w", partialPath, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(partialPath)
		return b2.File{}, "", 0, fmt.Errorf("closing partial file %s: %w", partialPath, err)
	}

	return dl.File, h.Hex(), size, nil
}

// resumeDownload appends the rest of the file to an open .partial with a
// range request, then hashes the whole file. Any failure falls back to a
// fresh download.
func (tm *TransferManager) resumeDownload(
	ctx context.Context, fileID string, f *os.File, partialPath string, existing int64, opts DownloadOpts,
) (b2.File, string, int64, error) {
	tm.logger.Debug("resuming download from partial file",
		slog.String("path", partialPath),
		slog.Int64("existing_bytes", existing),
	)

	dl, err := tm.m.DownloadFileByID(ctx, fileID, b2.DownloadOptions{
		Range:      fmt.Sprintf("bytes=%d-", existing),
		Encryption: opts.Encryption,
	})
	if err != nil || dl.ContentRange == "" {
		f.Close()

		if err == nil {
			dl.Body.Close()
		} else if ctx.Err() != nil {
			return b2.File{}, "", 0, err
		}

		tm.logger.Warn("range download unavailable, falling back to fresh download",
			slog.String("path", partialPath),
		)

		return tm.freshDownload(ctx, fileID, partialPath, opts)
	}
	defer dl.Body.Close()

	n, err := io.Copy(tm.m.Bandwidth().WrapWriter(ctx, f), dl.Body)

	if closeErr := f.Close(); closeErr != nil || err != nil {
		removePartialIfNotCanceled(ctx, partialPath)

		if ctx.Err() != nil {
			return b2.File{}, "", 0, fmt.Errorf("downloading to %s: %w", partialPath, ctx.Err())
		}

		return tm.freshDownload(ctx, fileID, partialPath, opts)
	}

	localHash, err := tm.hashFunc(partialPath)
	if err != nil {
		removePartialIfNotCanceled(ctx, partialPath)
		return b2.File{}, "", 0, fmt.Errorf("hashing resumed partial file %s: %w", partialPath, err)
	}

	return dl.File, localHash, existing + n, nil
}
