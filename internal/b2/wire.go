package b2

import "time"

// Wire types mirror the service's JSON. They never leave this package:
// each has a toX method that produces the normalized public type.

type authorizeResponse struct {
	AccountID          string  `json:"accountId"`
	AuthorizationToken string  `json:"authorizationToken"`
	APIInfo            apiInfo `json:"apiInfo"`
	KeyExpiration      *int64  `json:"applicationKeyExpirationTimestamp"`
}

type apiInfo struct {
	StorageAPI storageAPI `json:"storageApi"`
}

type storageAPI struct {
	APIURL                  string   `json:"apiUrl"`
	DownloadURL             string   `json:"downloadUrl"`
	S3APIURL                string   `json:"s3ApiUrl"`
	RecommendedPartSize     int64    `json:"recommendedPartSize"`
	AbsoluteMinimumPartSize int64    `json:"absoluteMinimumPartSize"`
	Capabilities            []string `json:"capabilities"`
	BucketID                *string  `json:"bucketId"`
	BucketName              *string  `json:"bucketName"`
	NamePrefix              *string  `json:"namePrefix"`
}

func (r *authorizeResponse) validate() string {
	switch {
	case r.AuthorizationToken == "":
		return "missing authorizationToken"
	case r.APIInfo.StorageAPI.APIURL == "":
		return "missing apiInfo.storageApi.apiUrl"
	case r.APIInfo.StorageAPI.DownloadURL == "":
		return "missing apiInfo.storageApi.downloadUrl"
	default:
		return ""
	}
}

func (r *authorizeResponse) toAuthorization(issued time.Time) *Authorization {
	s := r.APIInfo.StorageAPI

	a := &Authorization{
		AccountID:               r.AccountID,
		APIURL:                  s.APIURL,
		DownloadURL:             s.DownloadURL,
		S3APIURL:                s.S3APIURL,
		Token:                   r.AuthorizationToken,
		IssuedAt:                issued,
		ExpiresAt:               issued.Add(DefaultTokenLifetime),
		RecommendedPartSize:     s.RecommendedPartSize,
		AbsoluteMinimumPartSize: s.AbsoluteMinimumPartSize,
		Allowed: Allowed{
			Capabilities: s.Capabilities,
			BucketID:     deref(s.BucketID),
			BucketName:   deref(s.BucketName),
			NamePrefix:   deref(s.NamePrefix),
		},
	}

	if r.KeyExpiration != nil && *r.KeyExpiration > 0 {
		a.KeyExpiresAt = time.UnixMilli(*r.KeyExpiration)
		if a.KeyExpiresAt.Before(a.ExpiresAt) {
			a.ExpiresAt = a.KeyExpiresAt
		}
	}

	return a
}

type bucketResponse struct {
	AccountID  string            `json:"accountId"`
	BucketID   string            `json:"bucketId"`
	BucketName string            `json:"bucketName"`
	BucketType string            `json:"bucketType"`
	BucketInfo map[string]string `json:"bucketInfo"`
	Revision   int64             `json:"revision"`
}

func (r *bucketResponse) toBucket() Bucket {
	return Bucket{
		AccountID:  r.AccountID,
		BucketID:   r.BucketID,
		BucketName: r.BucketName,
		BucketType: r.BucketType,
		Info:       r.BucketInfo,
		Revision:   r.Revision,
	}
}

type listBucketsResponse struct {
	Buckets []bucketResponse `json:"buckets"`
}

type fileResponse struct {
	AccountID       string            `json:"accountId"`
	BucketID        string            `json:"bucketId"`
	FileID          string            `json:"fileId"`
	FileName        string            `json:"fileName"`
	Action          string            `json:"action"`
	ContentLength   int64             `json:"contentLength"`
	ContentType     string            `json:"contentType"`
	ContentSHA1     string            `json:"contentSha1"`
	ContentMD5      string            `json:"contentMd5"`
	FileInfo        map[string]string `json:"fileInfo"`
	UploadTimestamp int64             `json:"uploadTimestamp"`
	SSE             *sseResponse      `json:"serverSideEncryption"`
}

type sseResponse struct {
	Mode      *string `json:"mode"`
	Algorithm *string `json:"algorithm"`
}

func (r *fileResponse) validate() string {
	if r.FileID == "" {
		return "missing fileId"
	}

	return ""
}

func (r *fileResponse) toFile() File {
	f := File{
		AccountID:     r.AccountID,
		BucketID:      r.BucketID,
		FileID:        r.FileID,
		FileName:      r.FileName,
		Action:        r.Action,
		ContentLength: r.ContentLength,
		ContentType:   r.ContentType,
		ContentSHA1:   r.ContentSHA1,
		ContentMD5:    r.ContentMD5,
		Info:          r.FileInfo,
		UploadedAt:    millisToTime(r.UploadTimestamp),
	}

	if r.SSE != nil {
		f.Encryption = deref(r.SSE.Mode)
	}

	return f
}

type listFilesResponse struct {
	Files        []fileResponse `json:"files"`
	NextFileName *string        `json:"nextFileName"`
	NextFileID   *string        `json:"nextFileId"`
}

func (r *listFilesResponse) toResult() *ListFilesResult {
	res := &ListFilesResult{
		Files:        make([]File, 0, len(r.Files)),
		NextFileName: deref(r.NextFileName),
		NextFileID:   deref(r.NextFileID),
	}

	for i := range r.Files {
		res.Files = append(res.Files, r.Files[i].toFile())
	}

	return res
}

type uploadURLResponse struct {
	BucketID           string `json:"bucketId"`
	FileID             string `json:"fileId"`
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

func (r *uploadURLResponse) validate() string {
	switch {
	case r.UploadURL == "":
		return "missing uploadUrl"
	case r.AuthorizationToken == "":
		return "missing authorizationToken"
	default:
		return ""
	}
}

func (r *uploadURLResponse) toUploadURL() *UploadURL {
	return &UploadURL{
		BucketID: r.BucketID,
		FileID:   r.FileID,
		URL:      r.UploadURL,
		Token:    r.AuthorizationToken,
	}
}

type partResponse struct {
	FileID          string `json:"fileId"`
	PartNumber      int    `json:"partNumber"`
	ContentLength   int64  `json:"contentLength"`
	ContentSHA1     string `json:"contentSha1"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
}

func (r *partResponse) validate() string {
	if r.PartNumber < 1 {
		return "missing or invalid partNumber"
	}

	return ""
}

func (r *partResponse) toPart() Part {
	return Part{
		FileID:        r.FileID,
		PartNumber:    r.PartNumber,
		ContentLength: r.ContentLength,
		ContentSHA1:   r.ContentSHA1,
		UploadedAt:    millisToTime(r.UploadTimestamp),
	}
}

type listPartsResponse struct {
	Parts          []partResponse `json:"parts"`
	NextPartNumber *int           `json:"nextPartNumber"`
}

type downloadAuthResponse struct {
	BucketID           string `json:"bucketId"`
	FileNamePrefix     string `json:"fileNamePrefix"`
	AuthorizationToken string `json:"authorizationToken"`
}

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}

	return *p
}
