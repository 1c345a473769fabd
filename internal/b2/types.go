package b2

import (
	"strings"
	"time"
)

// DefaultTokenLifetime is how long an account authorization token stays
// valid after issue, per the service documentation.
const DefaultTokenLifetime = 24 * time.Hour

// Capability names a key may hold. A subset of the service's list: the ones
// this client checks before issuing a request.
const (
	CapListBuckets   = "listBuckets"
	CapWriteBuckets  = "writeBuckets"
	CapDeleteBuckets = "deleteBuckets"
	CapListFiles     = "listFiles"
	CapReadFiles     = "readFiles"
	CapShareFiles    = "shareFiles"
	CapWriteFiles    = "writeFiles"
	CapDeleteFiles   = "deleteFiles"
)

// Authorization is an account-level credential returned by
// b2_authorize_account. Values are never mutated after construction; a
// refresh produces a new value.
type Authorization struct {
	AccountID               string
	APIURL                  string
	DownloadURL             string
	S3APIURL                string
	Token                   string // NEVER log
	IssuedAt                time.Time
	ExpiresAt               time.Time // IssuedAt+DefaultTokenLifetime, capped by KeyExpiresAt
	KeyExpiresAt            time.Time // zero when the key does not expire
	RecommendedPartSize     int64
	AbsoluteMinimumPartSize int64
	Allowed                 Allowed
}

// Allowed describes what the authorizing key may do.
type Allowed struct {
	Capabilities []string
	BucketID     string // non-empty when the key is restricted to one bucket
	BucketName   string
	NamePrefix   string
}

// Allows reports whether the key holds capability. Matching is
// case-insensitive, as the service's capability names are camelCase.
func (a *Authorization) Allows(capability string) bool {
	for _, c := range a.Allowed.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}

	return false
}

// Bucket is a B2 bucket.
type Bucket struct {
	AccountID  string
	BucketID   string
	BucketName string
	BucketType string // allPublic, allPrivate, snapshot, ...
	Info       map[string]string
	Revision   int64
}

// File is a file version (or an unfinished large file, or a hide marker).
type File struct {
	AccountID     string
	BucketID      string
	FileID        string
	FileName      string
	Action        string // start, upload, hide, folder
	ContentLength int64
	ContentType   string
	ContentSHA1   string // hex, "none" for large files
	ContentMD5    string
	Info          map[string]string
	UploadedAt    time.Time
	Encryption    string // SSE mode reported by the service, empty when none
}

// Part is an acknowledged part of a large file. Immutable once returned.
type Part struct {
	FileID        string
	PartNumber    int
	ContentLength int64
	ContentSHA1   string
	UploadedAt    time.Time
}

// UploadURL is a single-bucket (or single-large-file) upload capability.
// Only one upload may use a given value at a time.
type UploadURL struct {
	BucketID string
	FileID   string // set for part-upload URLs
	URL      string // NEVER log: the URL and token together grant upload access
	Token    string // NEVER log
}

// ListFilesRequest pages through b2_list_file_names and
// b2_list_file_versions. StartFileID is only used for versions.
type ListFilesRequest struct {
	BucketID      string
	StartFileName string
	StartFileID   string
	MaxFileCount  int
	Prefix        string
	Delimiter     string
}

// ListFilesResult is one page of a file listing.
type ListFilesResult struct {
	Files        []File
	NextFileName string
	NextFileID   string
}

// ListPartsResult is one page of b2_list_parts.
type ListPartsResult struct {
	Parts          []Part
	NextPartNumber int // 0 when there are no more parts
}

// DownloadAuthorization is a token granting read access to a name prefix.
type DownloadAuthorization struct {
	BucketID       string
	FileNamePrefix string
	Token          string // NEVER log
}

// millisToTime converts a B2 millisecond timestamp to time.Time. Zero
// stays zero so absent fields remain distinguishable.
func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}
