package b2

import (
	"context"
	"fmt"
)

type fileIDRequest struct {
	FileID string `json:"fileId"`
}

// GetFileInfo returns the metadata of one file version (b2_get_file_info).
func (c *Client) GetFileInfo(ctx context.Context, auth *Authorization, fileID string) (*File, error) {
	ep := EndpointGetFileInfo

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

type listFilesRequest struct {
	BucketID      string `json:"bucketId"`
	StartFileName string `json:"startFileName,omitempty"`
	StartFileID   string `json:"startFileId,omitempty"`
	MaxFileCount  int    `json:"maxFileCount,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Delimiter     string `json:"delimiter,omitempty"`
}

// ListFileNames returns one page of current file names
// (b2_list_file_names).
func (c *Client) ListFileNames(ctx context.Context, auth *Authorization, r ListFilesRequest) (*ListFilesResult, error) {
	return c.listFiles(ctx, auth, EndpointListFileNames, listFilesRequest{
		BucketID:      r.BucketID,
		StartFileName: r.StartFileName,
		MaxFileCount:  r.MaxFileCount,
		Prefix:        r.Prefix,
		Delimiter:     r.Delimiter,
	})
}

// ListFileVersions returns one page of all file versions, hide markers
// included (b2_list_file_versions).
func (c *Client) ListFileVersions(
	ctx context.Context, auth *Authorization, r ListFilesRequest,
) (*ListFilesResult, error) {
	return c.listFiles(ctx, auth, EndpointListFileVersions, listFilesRequest{
		BucketID:      r.BucketID,
		StartFileName: r.StartFileName,
		StartFileID:   r.StartFileID,
		MaxFileCount:  r.MaxFileCount,
		Prefix:        r.Prefix,
		Delimiter:     r.Delimiter,
	})
}

func (c *Client) listFiles(
	ctx context.Context, auth *Authorization, ep Endpoint, req listFilesRequest,
) (*ListFilesResult, error) {
	if req.BucketID == "" {
		return nil, fmt.Errorf("b2: %s: bucket ID is required", ep.Name)
	}

	var resp listFilesResponse
	if err := c.call(ctx, auth, ep, req, &resp); err != nil {
		return nil, err
	}

	return resp.toResult(), nil
}

type hideFileRequest struct {
	BucketID string `json:"bucketId"`
	FileName string `json:"fileName"`
}

// HideFile creates a hide marker for fileName (b2_hide_file).
func (c *Client) HideFile(ctx context.Context, auth *Authorization, bucketID, fileName string) (*File, error) {
	ep := EndpointHideFile

	name, err := NormalizeFileName(fileName)
	if err != nil {
		return nil, err
	}

	var resp fileResponse
	if err := c.call(ctx, auth, ep, hideFileRequest{BucketID: bucketID, FileName: name}, &resp); err != nil {
		return nil, err
	}

	if err := checkRequired(ep, &resp); err != nil {
		return nil, err
	}

	f := resp.toFile()

	return &f, nil
}

type deleteFileVersionRequest struct {
	FileName         string `json:"fileName"`
	FileID           string `json:"fileId"`
	BypassGovernance bool   `json:"bypassGovernance,omitempty"`
}

// DeleteFileVersion permanently deletes one version
// (b2_delete_file_version).
func (c *Client) DeleteFileVersion(
	ctx context.Context, auth *Authorization, fileName, fileID string, bypassGovernance bool,
) error {
	return c.call(ctx, auth, EndpointDeleteFileVersion, deleteFileVersionRequest{
		FileName:         fileName,
		FileID:           fileID,
		BypassGovernance: bypassGovernance,
	}, nil)
}

// CopyFileRequest describes a server-side copy (b2_copy_file). When
// MetadataDirective is "REPLACE", ContentType and Info replace the source's.
type CopyFileRequest struct {
	SourceFileID      string
	DestinationBucket string // empty copies within the source bucket
	FileName          string
	Range             string // "bytes=start-end", empty for the whole file
	MetadataDirective string // "COPY" (default) or "REPLACE"
	ContentType       string
	Info              map[string]string
	SourceEncryption  *Encryption
	DestEncryption    *Encryption
}

type copyFileRequest struct {
	SourceFileID        string            `json:"sourceFileId"`
	DestinationBucketID string            `json:"destinationBucketId,omitempty"`
	FileName            string            `json:"fileName"`
	Range               string            `json:"range,omitempty"`
	MetadataDirective   string            `json:"metadataDirective,omitempty"`
	ContentType         string            `json:"contentType,omitempty"`
	FileInfo            map[string]string `json:"fileInfo,omitempty"`
	SourceSSE           *sseRequest       `json:"sourceServerSideEncryption,omitempty"`
	DestinationSSE      *sseRequest       `json:"destinationServerSideEncryption,omitempty"`
}

// CopyFile copies a file server-side (b2_copy_file).
func (c *Client) CopyFile(ctx context.Context, auth *Authorization, r CopyFileRequest) (*File, error) {
	ep := EndpointCopyFile

	name, err := NormalizeFileName(r.FileName)
	if err != nil {
		return nil, err
	}

	if err := r.SourceEncryption.validate(); err != nil {
		return nil, err
	}

	if err := r.DestEncryption.validate(); err != nil {
		return nil, err
	}

	req := copyFileRequest{
		SourceFileID:        r.SourceFileID,
		DestinationBucketID: r.DestinationBucket,
		FileName:            name,
		Range:               r.Range,
		MetadataDirective:   r.MetadataDirective,
		SourceSSE:           r.SourceEncryption.toJSON(),
		DestinationSSE:      r.DestEncryption.toJSON(),
	}

	if r.MetadataDirective == "REPLACE" {
		req.ContentType = r.ContentType
		if req.ContentType == "" {
			req.ContentType = AutoContentType
		}

		req.FileInfo = r.Info
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
