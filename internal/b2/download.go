package b2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DownloadOptions modify a download request.
type DownloadOptions struct {
	Range      string      // "bytes=start-end"; empty for the whole file
	Encryption *Encryption // SSE-C key; required for SSE-C files
}

// Download is an open download response. The caller must close Body.
type Download struct {
	File         File
	Body         io.ReadCloser
	ContentRange string // set for partial (206) responses
}

// DownloadFileByID starts a download of one file version
// (b2_download_file_by_id).
func (c *Client) DownloadFileByID(
	ctx context.Context, auth *Authorization, fileID string, opts DownloadOptions,
) (*Download, error) {
	if fileID == "" {
		return nil, fmt.Errorf("b2: %s: file ID is required", EndpointDownloadFileByID.Name)
	}

	u := strings.TrimRight(auth.DownloadURL, "/") + apiPrefix + EndpointDownloadFileByID.Name +
		"?fileId=" + url.QueryEscape(fileID)

	return c.download(ctx, auth, EndpointDownloadFileByID, u, opts)
}

// DownloadFileByName starts a download of the current version of a name
// (b2_download_file_by_name).
func (c *Client) DownloadFileByName(
	ctx context.Context, auth *Authorization, bucketName, fileName string, opts DownloadOptions,
) (*Download, error) {
	name, err := NormalizeFileName(fileName)
	if err != nil {
		return nil, err
	}

	u := strings.TrimRight(auth.DownloadURL, "/") + "/file/" + url.PathEscape(bucketName) + "/" + EncodeFileName(name)

	return c.download(ctx, auth, EndpointDownloadFileByName, u, opts)
}

func (c *Client) download(
	ctx context.Context, auth *Authorization, ep Endpoint, rawURL string, opts DownloadOptions,
) (*Download, error) {
	if err := opts.Encryption.validate(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("b2: %s: creating request: %w", ep.Name, err)
	}

	req.Header.Set("Authorization", auth.Token)

	if opts.Range != "" {
		req.Header.Set("Range", opts.Range)
	}

	opts.Encryption.setHeaders(req.Header, true)

	resp, err := c.send(ep, req)
	if err != nil {
		return nil, err
	}

	f, err := fileFromHeaders(resp.Header)
	if err != nil {
		resp.Body.Close()
		return nil, &ProtocolError{Endpoint: ep.Name, Reason: "parsing file headers", Err: err}
	}

	contentRange := resp.Header.Get("Content-Range")

	switch {
	case contentRange != "":
		f.ContentLength = rangeTotal(contentRange)
	case resp.ContentLength >= 0:
		f.ContentLength = resp.ContentLength
	}

	return &Download{
		File:         f,
		Body:         resp.Body,
		ContentRange: contentRange,
	}, nil
}

// rangeTotal returns the complete length from a "bytes a-b/total"
// Content-Range, or 0 when unknown.
func rangeTotal(contentRange string) int64 {
	_, total, ok := strings.Cut(contentRange, "/")
	if !ok || total == "*" {
		return 0
	}

	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0
	}

	return n
}

// fileFromHeaders builds File metadata from download response headers.
func fileFromHeaders(h http.Header) (File, error) {
	f := File{
		FileID:      h.Get("X-Bz-File-Id"),
		ContentType: h.Get("Content-Type"),
		ContentSHA1: h.Get("X-Bz-Content-Sha1"),
		Encryption:  h.Get(headerSSE),
		Action:      "upload",
	}

	if f.FileID == "" {
		return f, errors.New("missing X-Bz-File-Id")
	}

	name, err := url.PathUnescape(h.Get("X-Bz-File-Name"))
	if err != nil {
		return f, fmt.Errorf("decoding X-Bz-File-Name: %w", err)
	}

	f.FileName = name

	if v := h.Get("X-Bz-Upload-Timestamp"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("parsing X-Bz-Upload-Timestamp: %w", err)
		}

		f.UploadedAt = time.UnixMilli(ms)
	}

	const infoPrefix = "X-Bz-Info-"

	for k, vs := range h {
		if !strings.HasPrefix(k, infoPrefix) || len(vs) == 0 {
			continue
		}

		if f.Info == nil {
			f.Info = make(map[string]string)
		}

		v, err := url.PathUnescape(vs[0])
		if err != nil {
			v = vs[0]
		}

		f.Info[strings.ToLower(k[len(infoPrefix):])] = v
	}

	if f.ContentSHA1 == "" || f.ContentSHA1 == "none" {
		if sha, ok := f.Info[InfoLargeFileSHA1]; ok {
			f.ContentSHA1 = sha
		}
	}

	return f, nil
}

type downloadAuthRequest struct {
	BucketID               string `json:"bucketId"`
	FileNamePrefix         string `json:"fileNamePrefix"`
	ValidDurationInSeconds int64  `json:"validDurationInSeconds"`
}

// GetDownloadAuthorization issues a token granting read access to names
// under prefix for validFor (b2_get_download_authorization).
func (c *Client) GetDownloadAuthorization(
	ctx context.Context, auth *Authorization, bucketID, prefix string, validFor time.Duration,
) (*DownloadAuthorization, error) {
	ep := EndpointGetDownloadAuthorization

	secs := int64(validFor / time.Second)
	if secs < 1 {
		return nil, fmt.Errorf("b2: %s: validity must be at least one second", ep.Name)
	}

	var resp downloadAuthResponse

	err := c.call(ctx, auth, ep, downloadAuthRequest{
		BucketID:               bucketID,
		FileNamePrefix:         prefix,
		ValidDurationInSeconds: secs,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.AuthorizationToken == "" {
		return nil, &ProtocolError{Endpoint: ep.Name, Reason: "missing authorizationToken"}
	}

	return &DownloadAuthorization{
		BucketID:       resp.BucketID,
		FileNamePrefix: resp.FileNamePrefix,
		Token:          resp.AuthorizationToken,
	}, nil
}
