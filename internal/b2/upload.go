package b2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tonimelisma/b2-go/internal/digest"
)

type bucketIDRequest struct {
	BucketID string `json:"bucketId"`
}

// GetUploadURL obtains an upload URL and its token for a bucket
// (b2_get_upload_url). The result may be used by one upload at a time.
func (c *Client) GetUploadURL(ctx context.Context, auth *Authorization, bucketID string) (*UploadURL, error) {
	ep := EndpointGetUploadURL

	if bucketID == "" {
		return nil, fmt.Errorf("b2: %s: bucket ID is required", ep.Name)
	}

	var resp uploadURLResponse
	if err := c.call(ctx, auth, ep, bucketIDRequest{BucketID: bucketID}, &resp); err != nil {
		return nil, err
	}

	if err := checkRequired(ep, &resp); err != nil {
		return nil, err
	}

	u := resp.toUploadURL()
	if u.BucketID == "" {
		u.BucketID = bucketID
	}

	return u, nil
}

// UploadFile uploads a whole file through an upload URL (b2_upload_file).
// body must yield exactly info.ContentLength bytes whose SHA-1 is
// info.ContentSHA1.
func (c *Client) UploadFile(ctx context.Context, u *UploadURL, info *FileInfo, body io.Reader) (*File, error) {
	ep := EndpointUploadFile

	if u == nil {
		return nil, fmt.Errorf("b2: %s: nil upload URL", ep.Name)
	}

	fi, err := info.validate()
	if err != nil {
		return nil, err
	}

	if len(fi.ContentSHA1) != digest.SHA1Size {
		return nil, fmt.Errorf("b2: %s: %s: content SHA-1 is required", ep.Name, fi.FileName)
	}

	req, err := newUploadRequest(ctx, u, fi.ContentLength, body)
	if err != nil {
		return nil, fmt.Errorf("b2: %s: creating request: %w", ep.Name, err)
	}

	fi.setUploadHeaders(req.Header)

	var resp fileResponse
	if err := c.do(ep, req, &resp); err != nil {
		return nil, err
	}

	if err := checkRequired(ep, &resp); err != nil {
		return nil, err
	}

	f := resp.toFile()

	return &f, nil
}

func newUploadRequest(ctx context.Context, u *UploadURL, length int64, body io.Reader) (*http.Request, error) {
	if body == nil {
		return nil, errors.New("nil body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, body)
	if err != nil {
		return nil, err
	}

	req.ContentLength = length
	req.Header.Set("Authorization", u.Token)
	req.Header.Set("Content-Length", strconv.FormatInt(length, 10))

	return req, nil
}

// do sends req and decodes a JSON success body into v.
func (c *Client) do(ep Endpoint, req *http.Request, v any) error {
	resp, err := c.send(ep, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeJSON(ep, resp.Body, v)
}
