package b2

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/tonimelisma/b2-go/internal/digest"
)

// Large-file limits enforced by the service.
const (
	MinPartNumber = 1
	MaxPartNumber = 10000
)

type startLargeFileRequest struct {
	BucketID             string            `json:"bucketId"`
	FileName             string            `json:"fileName"`
	ContentType          string            `json:"contentType"`
	FileInfo             map[string]string `json:"fileInfo,omitempty"`
	FileRetention        *retentionRequest `json:"fileRetention,omitempty"`
	LegalHold            string            `json:"legalHold,omitempty"`
	ServerSideEncryption *sseRequest       `json:"serverSideEncryption,omitempty"`
}

// StartLargeFile begins a large file (b2_start_large_file). The returned
// File carries the fileId every later part and the finish call refer to.
func (c *Client) StartLargeFile(ctx context.Context, auth *Authorization, bucketID string, info *FileInfo) (*File, error) {
	ep := EndpointStartLargeFile

	if bucketID == "" {
		return nil, fmt.Errorf("b2: %s: bucket ID is required", ep.Name)
	}

	fi, err := info.validate()
	if err != nil {
		return nil, err
	}

	req := startLargeFileRequest{
		BucketID:             bucketID,
		FileName:             fi.FileName,
		ContentType:          fi.ContentType,
		LegalHold:            fi.LegalHold,
		ServerSideEncryption: fi.Encryption.toJSON(),
	}

	if all := fi.allInfo(); len(all) > 0 {
		req.FileInfo = all
	}

	if fi.Retention != nil {
		req.FileRetention = &retentionRequest{
			Mode:                 fi.Retention.Mode,
			RetainUntilTimestamp: fi.Retention.RetainUntil.UnixMilli(),
		}
	}

	var resp fileResponse
	if err := c.call(ctx, auth, ep, req, &resp); err != nil {
		return nil, err
	}

	if err := checkRequired(ep, &resp); err != nil {
		return nil, err
	}

	f := resp.toFile()

	return &f, nil
}

// GetUploadPartURL obtains a part-upload URL scoped to one large file
// (b2_get_upload_part_url).
func (c *Client) GetUploadPartURL(ctx context.Context, auth *Authorization, fileID string) (*UploadURL, error) {
	ep := EndpointGetUploadPartURL

	if fileID == "" {
		return nil, fmt.Errorf("b2: %s: file ID is required", ep.Name)
	}

	var resp uploadURLResponse
	if err := c.call(ctx, auth, ep, fileIDRequest{FileID: fileID}, &resp); err != nil {
		return nil, err
	}

	if err := checkRequired(ep, &resp); err != nil {
		return nil, err
	}

	u := resp.toUploadURL()
	if u.FileID == "" {
		u.FileID = fileID
	}

	return u, nil
}

// PartRequest describes one part upload.
type PartRequest struct {
	PartNumber    int
	ContentLength int64
	ContentSHA1   string      // hex
	Encryption    *Encryption // SSE-C only; must match start_large_file
}

// UploadPart uploads one part through a part-upload URL (b2_upload_part).
func (c *Client) UploadPart(ctx context.Context, u *UploadURL, r PartRequest, body io.Reader) (*Part, error) {
	ep := EndpointUploadPart

	if u == nil {
		return nil, fmt.Errorf("b2: %s: nil upload URL", ep.Name)
	}

	if r.PartNumber < MinPartNumber || r.PartNumber > MaxPartNumber {
		return nil, fmt.Errorf("b2: %s: part number %d out of range [%d, %d]",
			ep.Name, r.PartNumber, MinPartNumber, MaxPartNumber)
	}

	if len(r.ContentSHA1) != digest.SHA1Size {
		return nil, fmt.Errorf("b2: %s: part %d: content SHA-1 is required", ep.Name, r.PartNumber)
	}

	if err := r.Encryption.validate(); err != nil {
		return nil, err
	}

	req, err := newUploadRequest(ctx, u, r.ContentLength, body)
	if err != nil {
		return nil, fmt.Errorf("b2: %s: creating request: %w", ep.Name, err)
	}

	req.Header.Set("X-Bz-Part-Number", strconv.Itoa(r.PartNumber))
	req.Header.Set("X-Bz-Content-Sha1", r.ContentSHA1)

	if r.Encryption != nil && r.Encryption.Mode == SSEC {
		r.Encryption.setHeaders(req.Header, false)
	}

	var resp partResponse
	if err := c.do(ep, req, &resp); err != nil {
		return nil, err
	}

	if err := checkRequired(ep, &resp); err != nil {
		return nil, err
	}

	if resp.PartNumber != r.PartNumber {
		return nil, &ProtocolError{
			Endpoint: ep.Name,
			Reason:   fmt.Sprintf("acknowledged part %d, sent part %d", resp.PartNumber, r.PartNumber),
		}
	}

	p := resp.toPart()

	return &p, nil
}

type listPartsRequest struct {
	FileID          string `json:"fileId"`
	StartPartNumber int    `json:"startPartNumber,omitempty"`
	MaxPartCount    int    `json:"maxPartCount,omitempty"`
}

// ListParts returns one page of a large file's acknowledged parts
// (b2_list_parts).
func (c *Client) ListParts(
	ctx context.Context, auth *Authorization, fileID string, startPart, maxCount int,
) (*ListPartsResult, error) {
	ep := EndpointListParts

	var resp listPartsResponse

	err := c.call(ctx, auth, ep, listPartsRequest{
		FileID:          fileID,
		StartPartNumber: startPart,
		MaxPartCount:    maxCount,
	}, &resp)
	if err != nil {
		return nil, err
	}

	res := &ListPartsResult{
		Parts:          make([]Part, 0, len(resp.Parts)),
		NextPartNumber: deref(resp.NextPartNumber),
	}

	for i := range resp.Parts {
		if err := checkRequired(ep, &resp.Parts[i]); err != nil {
			return nil, err
		}

		res.Parts = append(res.Parts, resp.Parts[i].toPart())
	}

	return res, nil
}

type listUnfinishedRequest struct {
	BucketID     string `json:"bucketId"`
	NamePrefix   string `json:"namePrefix,omitempty"`
	StartFileID  string `json:"startFileId,omitempty"`
	MaxFileCount int    `json:"maxFileCount,omitempty"`
}

// ListUnfinishedLargeFiles returns one page of started but unfinished large
// files (b2_list_unfinished_large_files).
func (c *Client) ListUnfinishedLargeFiles(
	ctx context.Context, auth *Authorization, bucketID, namePrefix, startFileID string, maxCount int,
) (*ListFilesResult, error) {
	ep := EndpointListUnfinishedLargeFiles

	if bucketID == "" {
		return nil, fmt.Errorf("b2: %s: bucket ID is required", ep.Name)
	}

	var resp listFilesResponse

	err := c.call(ctx, auth, ep, listUnfinishedRequest{
		BucketID:     bucketID,
		NamePrefix:   namePrefix,
		StartFileID:  startFileID,
		MaxFileCount: maxCount,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.toResult(), nil
}

type finishLargeFileRequest struct {
	FileID        string   `json:"fileId"`
	PartSHA1Array []string `json:"partSha1Array"`
}

// FinishLargeFile assembles the parts into a file (b2_finish_large_file).
// partSHA1s must be ordered by part number starting at 1.
func (c *Client) FinishLargeFile(
	ctx context.Context, auth *Authorization, fileID string, partSHA1s []string,
) (*File, error) {
	ep := EndpointFinishLargeFile

	if len(partSHA1s) == 0 {
		return nil, fmt.Errorf("b2: %s: no parts", ep.Name)
	}

	var resp fileResponse

	err := c.call(ctx, auth, ep, finishLargeFileRequest{
		FileID:        fileID,
		PartSHA1Array: partSHA1s,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if err := checkRequired(ep, &resp); err != nil {
		return nil, err
	}

	f := resp.toFile()

	return &f, nil
}

// CancelLargeFile discards an unfinished large file and its parts
// (b2_cancel_large_file). The returned File carries only identity fields.
func (c *Client) CancelLargeFile(ctx context.Context, auth *Authorization, fileID string) (*File, error) {
	ep := EndpointCancelLargeFile

	var resp fileResponse
	if err := c.call(ctx, auth, ep, fileIDRequest{FileID: fileID}, &resp); err != nil {
		return nil, err
	}

	if err := checkRequired(ep, &resp); err != nil {
		return nil, err
	}

	f := resp.toFile()

	return &f, nil
}
