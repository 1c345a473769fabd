package b2ops

import (
	"context"
	"io"
	"time"

	"github.com/tonimelisma/b2-go/internal/b2"
)

// API is the protocol surface the Manager drives, one method per endpoint.
// Each call is a single attempt. Satisfied by *b2.Client.
type API interface {
	Authorizer

	ListBuckets(ctx context.Context, auth *b2.Authorization, r b2.ListBucketsRequest) ([]b2.Bucket, error)
	CreateBucket(ctx context.Context, auth *b2.Authorization, name, bucketType string, info map[string]string) (*b2.Bucket, error)
	DeleteBucket(ctx context.Context, auth *b2.Authorization, bucketID string) (*b2.Bucket, error)

	GetUploadURL(ctx context.Context, auth *b2.Authorization, bucketID string) (*b2.UploadURL, error)
	UploadFile(ctx context.Context, u *b2.UploadURL, info *b2.FileInfo, body io.Reader) (*b2.File, error)

	GetFileInfo(ctx context.Context, auth *b2.Authorization, fileID string) (*b2.File, error)
	ListFileNames(ctx context.Context, auth *b2.Authorization, r b2.ListFilesRequest) (*b2.ListFilesResult, error)
	ListFileVersions(ctx context.Context, auth *b2.Authorization, r b2.ListFilesRequest) (*b2.ListFilesResult, error)
	HideFile(ctx context.Context, auth *b2.Authorization, bucketID, fileName string) (*b2.File, error)
	DeleteFileVersion(ctx context.Context, auth *b2.Authorization, fileName, fileID string, bypassGovernance bool) error
	CopyFile(ctx context.Context, auth *b2.Authorization, r b2.CopyFileRequest) (*b2.File, error)

	StartLargeFile(ctx context.Context, auth *b2.Authorization, bucketID string, info *b2.FileInfo) (*b2.File, error)
	GetUploadPartURL(ctx context.Context, auth *b2.Authorization, fileID string) (*b2.UploadURL, error)
	UploadPart(ctx context.Context, u *b2.UploadURL, r b2.PartRequest, body io.Reader) (*b2.Part, error)
	ListParts(ctx context.Context, auth *b2.Authorization, fileID string, startPart, maxCount int) (*b2.ListPartsResult, error)
	ListUnfinishedLargeFiles(
		ctx context.Context, auth *b2.Authorization, bucketID, namePrefix, startFileID string, maxCount int,
	) (*b2.ListFilesResult, error)
	FinishLargeFile(ctx context.Context, auth *b2.Authorization, fileID string, partSHA1s []string) (*b2.File, error)
	CancelLargeFile(ctx context.Context, auth *b2.Authorization, fileID string) (*b2.File, error)

	GetDownloadAuthorization(
		ctx context.Context, auth *b2.Authorization, bucketID, prefix string, validFor time.Duration,
	) (*b2.DownloadAuthorization, error)
	DownloadFileByID(ctx context.Context, auth *b2.Authorization, fileID string, opts b2.DownloadOptions) (*b2.Download, error)
	DownloadFileByName(
		ctx context.Context, auth *b2.Authorization, bucketName, fileName string, opts b2.DownloadOptions,
	) (*b2.Download, error)
}

var _ API = (*b2.Client)(nil)
