package b2ops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/digest"
)

// listPageSize is the page size requested from list endpoints.
const listPageSize = 1000

// Options configures a Manager.
type Options struct {
	Credentials  Credentials
	Auth         AuthConfig
	Retry        RetryConfig
	Breaker      BreakerConfig
	Pool         PoolConfig
	FinishVerify FinishVerify
	Bandwidth    *BandwidthLimiter // shared across uploads and downloads; nil = unlimited
}

// DefaultOptions returns Options with every section at its default and no
// credentials.
func DefaultOptions() Options {
	return Options{
		Auth:         DefaultAuthConfig(),
		Retry:        DefaultRetryConfig(),
		Breaker:      DefaultBreakerConfig(),
		Pool:         DefaultPoolConfig(),
		FinishVerify: VerifyLength,
	}
}

// BodyFunc opens a fresh copy of an upload body. It is called once per
// attempt.
type BodyFunc func() (io.Reader, error)

// BytesBody returns a BodyFunc over data.
func BytesBody(data []byte) BodyFunc {
	return func() (io.Reader, error) {
		return bytes.NewReader(data), nil
	}
}

// Manager runs B2 operations with a shared AuthCache, upload URL Pool, and
// Policy. It is safe for concurrent use.
type Manager struct {
	api    API
	auth   *AuthCache
	policy *Policy
	pool   *Pool
	bw     *BandwidthLimiter
	opts   Options
	logger *slog.Logger
}

// NewManager wires an AuthCache, Pool, and Policy around api.
func NewManager(api API, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.FinishVerify == "" {
		opts.FinishVerify = VerifyLength
	}

	m := &Manager{
		api:    api,
		policy: NewPolicy(opts.Retry, opts.Breaker, logger),
		bw:     opts.Bandwidth,
		opts:   opts,
		logger: logger,
	}

	m.auth = NewAuthCache(api, opts.Credentials, opts.Auth, m.policy, logger)
	m.pool = newPool(m.fetchUploadURL, opts.Pool, logger)

	return m
}

// AuthCache returns the Manager's Authorization cache.
func (m *Manager) AuthCache() *AuthCache { return m.auth }

// Pool returns the Manager's bucket upload URL pool.
func (m *Manager) Pool() *Pool { return m.pool }

// Policy returns the Manager's resilience policy.
func (m *Manager) Policy() *Policy { return m.policy }

// Bandwidth returns the shared bandwidth limiter, nil when unlimited.
func (m *Manager) Bandwidth() *BandwidthLimiter { return m.bw }

func (m *Manager) wrapReader(ctx context.Context, r io.Reader) io.Reader {
	return m.bw.WrapReader(ctx, r)
}

// Authorization returns the current valid Authorization.
func (m *Manager) Authorization(ctx context.Context) (*b2.Authorization, error) {
	return m.auth.Get(ctx)
}

// authorized returns the current Authorization after checking it holds
// capability.
func (m *Manager) authorized(ctx context.Context, capability string) (*b2.Authorization, error) {
	auth, err := m.auth.Get(ctx)
	if err != nil {
		return nil, err
	}

	if !auth.Allows(capability) {
		return nil, &CapabilityError{Capability: capability}
	}

	return auth, nil
}

// resolveBucket substitutes the key's bucket when bucketID is empty.
func resolveBucket(auth *b2.Authorization, bucketID string) (string, error) {
	if bucketID != "" {
		return bucketID, nil
	}

	if auth.Allowed.BucketID != "" {
		return auth.Allowed.BucketID, nil
	}

	return "", ErrMissingBucketID
}

func (m *Manager) fetchUploadURL(ctx context.Context, bucketID string) (*b2.UploadURL, error) {
	return Execute(ctx, m.policy, m.auth, b2.EndpointGetUploadURL,
		func(ctx context.Context, auth *b2.Authorization) (*b2.UploadURL, error) {
			return m.api.GetUploadURL(ctx, auth, bucketID)
		})
}

// ListBuckets lists buckets. A key restricted to one bucket lists only it.
func (m *Manager) ListBuckets(ctx context.Context, r b2.ListBucketsRequest) ([]b2.Bucket, error) {
	auth, err := m.authorized(ctx, b2.CapListBuckets)
	if err != nil {
		return nil, err
	}

	if r.BucketID == "" && r.BucketName == "" && auth.Allowed.BucketID != "" {
		r.BucketID = auth.Allowed.BucketID
	}

	return Execute(ctx, m.policy, m.auth, b2.EndpointListBuckets,
		func(ctx context.Context, auth *b2.Authorization) ([]b2.Bucket, error) {
			return m.api.ListBuckets(ctx, auth, r)
		})
}

// BucketByName looks up a bucket by name.
func (m *Manager) BucketByName(ctx context.Context, name string) (*b2.Bucket, error) {
	buckets, err := m.ListBuckets(ctx, b2.ListBucketsRequest{BucketName: name})
	if err != nil {
		return nil, err
	}

	for i := range buckets {
		if buckets[i].BucketName == name {
			return &buckets[i], nil
		}
	}

	return nil, fmt.Errorf("b2ops: bucket %q: %w", name, b2.ErrNotFound)
}

// CreateBucket creates a bucket.
func (m *Manager) CreateBucket(
	ctx context.Context, name, bucketType string, info map[string]string,
) (*b2.Bucket, error) {
	if _, err := m.authorized(ctx, b2.CapWriteBuckets); err != nil {
		return nil, err
	}

	return Execute(ctx, m.policy, m.auth, b2.EndpointCreateBucket,
		func(ctx context.Context, auth *b2.Authorization) (*b2.Bucket, error) {
			return m.api.CreateBucket(ctx, auth, name, bucketType, info)
		})
}

// DeleteBucket deletes an empty bucket.
func (m *Manager) DeleteBucket(ctx context.Context, bucketID string) (*b2.Bucket, error) {
	if _, err := m.authorized(ctx, b2.CapDeleteBuckets); err != nil {
		return nil, err
	}

	return Execute(ctx, m.policy, m.auth, b2.EndpointDeleteBucket,
		func(ctx context.Context, auth *b2.Authorization) (*b2.Bucket, error) {
			return m.api.DeleteBucket(ctx, auth, bucketID)
		})
}

// GetFileInfo returns one file version's metadata.
func (m *Manager) GetFileInfo(ctx context.Context, fileID string) (*b2.File, error) {
	if _, err := m.authorized(ctx, b2.CapReadFiles); err != nil {
		return nil, err
	}

	return m.getFileInfo(ctx, fileID)
}

func (m *Manager) getFileInfo(ctx context.Context, fileID string) (*b2.File, error) {
	return Execute(ctx, m.policy, m.auth, b2.EndpointGetFileInfo,
		func(ctx context.Context, auth *b2.Authorization) (*b2.File, error) {
			return m.api.GetFileInfo(ctx, auth, fileID)
		})
}

// ListFileNames returns one page of file names. An empty BucketID selects
// the key's bucket.
func (m *Manager) ListFileNames(ctx context.Context, r b2.ListFilesRequest) (*b2.ListFilesResult, error) {
	return m.listFiles(ctx, b2.EndpointListFileNames, r, m.api.ListFileNames)
}

// ListFileVersions returns one page of file versions.
func (m *Manager) ListFileVersions(ctx context.Context, r b2.ListFilesRequest) (*b2.ListFilesResult, error) {
	return m.listFiles(ctx, b2.EndpointListFileVersions, r, m.api.ListFileVersions)
}

func (m *Manager) listFiles(
	ctx context.Context, ep b2.Endpoint, r b2.ListFilesRequest,
	list func(context.Context, *b2.Authorization, b2.ListFilesRequest) (*b2.ListFilesResult, error),
) (*b2.ListFilesResult, error) {
	auth, err := m.authorized(ctx, b2.CapListFiles)
	if err != nil {
		return nil, err
	}

	if r.BucketID, err = resolveBucket(auth, r.BucketID); err != nil {
		return nil, err
	}

	if r.MaxFileCount == 0 {
		r.MaxFileCount = listPageSize
	}

	return Execute(ctx, m.policy, m.auth, ep,
		func(ctx context.Context, auth *b2.Authorization) (*b2.ListFilesResult, error) {
			return list(ctx, auth, r)
		})
}

// HideFile hides the current version of a name.
func (m *Manager) HideFile(ctx context.Context, bucketID, fileName string) (*b2.File, error) {
	auth, err := m.authorized(ctx, b2.CapWriteFiles)
	if err != nil {
		return nil, err
	}

	if bucketID, err = resolveBucket(auth, bucketID); err != nil {
		return nil, err
	}

	return Execute(ctx, m.policy, m.auth, b2.EndpointHideFile,
		func(ctx context.Context, auth *b2.Authorization) (*b2.File, error) {
			return m.api.HideFile(ctx, auth, bucketID, fileName)
		})
}

// DeleteFileVersion permanently deletes one version.
func (m *Manager) DeleteFileVersion(ctx context.Context, fileName, fileID string, bypassGovernance bool) error {
	if _, err := m.authorized(ctx, b2.CapDeleteFiles); err != nil {
		return err
	}

	_, err := Execute(ctx, m.policy, m.auth, b2.EndpointDeleteFileVersion,
		func(ctx context.Context, auth *b2.Authorization) (struct{}, error) {
			return struct{}{}, m.api.DeleteFileVersion(ctx, auth, fileName, fileID, bypassGovernance)
		})

	return err
}

// CopyFile copies a file server-side.
func (m *Manager) CopyFile(ctx context.Context, r b2.CopyFileRequest) (*b2.File, error) {
	if _, err := m.authorized(ctx, b2.CapWriteFiles); err != nil {
		return nil, err
	}

	return Execute(ctx, m.policy, m.auth, b2.EndpointCopyFile,
		func(ctx context.Context, auth *b2.Authorization) (*b2.File, error) {
			return m.api.CopyFile(ctx, auth, r)
		})
}

// UploadFile uploads a whole file through a pooled upload URL. info must
// carry ContentLength and ContentSHA1; body is reopened for every attempt.
func (m *Manager) UploadFile(ctx context.Context, bucketID string, info *b2.FileInfo, body BodyFunc) (*b2.File, error) {
	auth, err := m.authorized(ctx, b2.CapWriteFiles)
	if err != nil {
		return nil, err
	}

	if bucketID, err = resolveBucket(auth, bucketID); err != nil {
		return nil, err
	}

	f, err := ExecuteUpload(ctx, m.policy, m.pool, bucketID, b2.EndpointUploadFile,
		func(ctx context.Context, u *b2.UploadURL) (*b2.File, error) {
			r, err := body()
			if err != nil {
				return nil, fmt.Errorf("b2ops: opening upload body: %w", err)
			}

			if c, ok := r.(io.Closer); ok {
				defer c.Close()
			}

			return m.api.UploadFile(ctx, u, info, m.wrapReader(ctx, r))
		})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("file uploaded",
		slog.String("bucket_id", bucketID),
		slog.String("file_id", f.FileID),
		slog.Int64("size", f.ContentLength),
	)

	return f, nil
}

// UploadBytes uploads data as one file, computing its SHA-1.
func (m *Manager) UploadBytes(ctx context.Context, bucketID string, info b2.FileInfo, data []byte) (*b2.File, error) {
	info.ContentLength = int64(len(data))
	info.ContentSHA1 = digest.SHA1Hex(data)

	return m.UploadFile(ctx, bucketID, &info, BytesBody(data))
}

// LargeFileRequest describes a large file to start.
type LargeFileRequest struct {
	BucketID string // empty selects the key's bucket
	Info     b2.FileInfo
}

// StartLargeFile starts a large file and returns its Open session.
func (m *Manager) StartLargeFile(ctx context.Context, r LargeFileRequest) (*LargeFile, error) {
	auth, err := m.authorized(ctx, b2.CapWriteFiles)
	if err != nil {
		return nil, err
	}

	bucketID, err := resolveBucket(auth, r.BucketID)
	if err != nil {
		return nil, err
	}

	info := r.Info

	f, err := Execute(ctx, m.policy, m.auth, b2.EndpointStartLargeFile,
		func(ctx context.Context, auth *b2.Authorization) (*b2.File, error) {
			return m.api.StartLargeFile(ctx, auth, bucketID, &info)
		})
	if err != nil {
		return nil, err
	}

	if f.BucketID == "" {
		f.BucketID = bucketID
	}

	lf := m.newLargeFile(f, info.Encryption)

	lf.logger.Info("large file started",
		slog.String("file_name", f.FileName),
	)

	return lf, nil
}

// ResumeLargeFile reopens an unfinished large file from the parts the
// service already holds. The parts must be numbered 1..n without gaps.
func (m *Manager) ResumeLargeFile(ctx context.Context, fileID string, enc *b2.Encryption) (*LargeFile, error) {
	if _, err := m.authorized(ctx, b2.CapWriteFiles); err != nil {
		return nil, err
	}

	f, err := m.getFileInfo(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if f.Action != "start" {
		return nil, fmt.Errorf("b2ops: file %s is not an unfinished large file (action %q): %w",
			fileID, f.Action, ErrSessionState)
	}

	parts, err := m.ListParts(ctx, fileID)
	if err != nil {
		return nil, err
	}

	lf := m.newLargeFile(f, enc)

	for i := range parts {
		if parts[i].PartNumber != i+1 {
			return nil, fmt.Errorf("b2ops: file %s: expected part %d, service has part %d: %w",
				fileID, i+1, parts[i].PartNumber, ErrPartGap)
		}

		p := parts[i]
		lf.parts = append(lf.parts, &p)
		lf.committed += p.ContentLength
	}

	lf.logger.Info("large file resumed",
		slog.String("file_name", f.FileName),
		slog.Int("parts", len(parts)),
	)

	return lf, nil
}

// ListParts returns every acknowledged part of an unfinished large file.
func (m *Manager) ListParts(ctx context.Context, fileID string) ([]b2.Part, error) {
	var (
		all   []b2.Part
		start = b2.MinPartNumber
	)

	for {
		res, err := Execute(ctx, m.policy, m.auth, b2.EndpointListParts,
			func(ctx context.Context, auth *b2.Authorization) (*b2.ListPartsResult, error) {
				return m.api.ListParts(ctx, auth, fileID, start, listPageSize)
			})
		if err != nil {
			return nil, err
		}

		all = append(all, res.Parts...)

		if res.NextPartNumber == 0 || res.NextPartNumber <= start {
			return all, nil
		}

		start = res.NextPartNumber
	}
}

// ListUnfinishedLargeFiles returns every unfinished large file in a bucket
// under namePrefix.
func (m *Manager) ListUnfinishedLargeFiles(ctx context.Context, bucketID, namePrefix string) ([]b2.File, error) {
	auth, err := m.authorized(ctx, b2.CapListFiles)
	if err != nil {
		return nil, err
	}

	if bucketID, err = resolveBucket(auth, bucketID); err != nil {
		return nil, err
	}

	var (
		all     []b2.File
		startID string
	)

	for {
		res, err := Execute(ctx, m.policy, m.auth, b2.EndpointListUnfinishedLargeFiles,
			func(ctx context.Context, auth *b2.Authorization) (*b2.ListFilesResult, error) {
				return m.api.ListUnfinishedLargeFiles(ctx, auth, bucketID, namePrefix, startID, listPageSize)
			})
		if err != nil {
			return nil, err
		}

		all = append(all, res.Files...)

		if res.NextFileID == "" || res.NextFileID == startID {
			return all, nil
		}

		startID = res.NextFileID
	}
}

// CancelLargeFile cancels an unfinished large file by ID, without a
// session.
func (m *Manager) CancelLargeFile(ctx context.Context, fileID string) (*b2.File, error) {
	if _, err := m.authorized(ctx, b2.CapWriteFiles); err != nil {
		return nil, err
	}

	return m.cancelLargeFile(ctx, fileID)
}

func (m *Manager) cancelLargeFile(ctx context.Context, fileID string) (*b2.File, error) {
	return Execute(ctx, m.policy, m.auth, b2.EndpointCancelLargeFile,
		func(ctx context.Context, auth *b2.Authorization) (*b2.File, error) {
			return m.api.CancelLargeFile(ctx, auth, fileID)
		})
}

// DownloadFileByID opens a download of one file version. The caller must
// close the returned Body.
func (m *Manager) DownloadFileByID(ctx context.Context, fileID string, opts b2.DownloadOptions) (*b2.Download, error) {
	if _, err := m.authorized(ctx, b2.CapReadFiles); err != nil {
		return nil, err
	}

	return executeDownload(ctx, m.policy, m.auth, b2.EndpointDownloadFileByID,
		func(ctx context.Context, auth *b2.Authorization) (*b2.Download, error) {
			return m.api.DownloadFileByID(ctx, auth, fileID, opts)
		})
}

// DownloadFileByName opens a download of a name's current version.
func (m *Manager) DownloadFileByName(
	ctx context.Context, bucketName, fileName string, opts b2.DownloadOptions,
) (*b2.Download, error) {
	auth, err := m.authorized(ctx, b2.CapReadFiles)
	if err != nil {
		return nil, err
	}

	if bucketName == "" {
		if auth.Allowed.BucketName == "" {
			return nil, ErrMissingBucketID
		}

		bucketName = auth.Allowed.BucketName
	}

	return executeDownload(ctx, m.policy, m.auth, b2.EndpointDownloadFileByName,
		func(ctx context.Context, auth *b2.Authorization) (*b2.Download, error) {
			return m.api.DownloadFileByName(ctx, auth, bucketName, fileName, opts)
		})
}

// GetDownloadAuthorization issues a token for downloading names under
// prefix from a private bucket.
func (m *Manager) GetDownloadAuthorization(
	ctx context.Context, bucketID, prefix string, validFor time.Duration,
) (*b2.DownloadAuthorization, error) {
	auth, err := m.authorized(ctx, b2.CapShareFiles)
	if err != nil {
		return nil, err
	}

	if bucketID, err = resolveBucket(auth, bucketID); err != nil {
		return nil, err
	}

	return Execute(ctx, m.policy, m.auth, b2.EndpointGetDownloadAuthorization,
		func(ctx context.Context, auth *b2.Authorization) (*b2.DownloadAuthorization, error) {
			return m.api.GetDownloadAuthorization(ctx, auth, bucketID, prefix, validFor)
		})
}
