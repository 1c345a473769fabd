package b2

import "context"

// ListBucketsRequest filters b2_list_buckets. All fields are optional.
type ListBucketsRequest struct {
	BucketID    string
	BucketName  string
	BucketTypes []string
}

type listBucketsRequest struct {
	AccountID   string   `json:"accountId"`
	BucketID    string   `json:"bucketId,omitempty"`
	BucketName  string   `json:"bucketName,omitempty"`
	BucketTypes []string `json:"bucketTypes,omitempty"`
}

// ListBuckets lists the account's buckets (b2_list_buckets). Keys restricted
// to one bucket must pass its ID or name.
func (c *Client) ListBuckets(ctx context.Context, auth *Authorization, r ListBucketsRequest) ([]Bucket, error) {
	var resp listBucketsResponse

	err := c.call(ctx, auth, EndpointListBuckets, listBucketsRequest{
		AccountID:   auth.AccountID,
		BucketID:    r.BucketID,
		BucketName:  r.BucketName,
		BucketTypes: r.BucketTypes,
	}, &resp)
	if err != nil {
		return nil, err
	}

	buckets := make([]Bucket, 0, len(resp.Buckets))
	for i := range resp.Buckets {
		buckets = append(buckets, resp.Buckets[i].toBucket())
	}

	return buckets, nil
}

type createBucketRequest struct {
	AccountID  string            `json:"accountId"`
	BucketName string            `json:"bucketName"`
	BucketType string            `json:"bucketType"`
	BucketInfo map[string]string `json:"bucketInfo,omitempty"`
}

// CreateBucket creates a bucket (b2_create_bucket). bucketType is
// "allPrivate" or "allPublic".
func (c *Client) CreateBucket(
	ctx context.Context, auth *Authorization, name, bucketType string, info map[string]string,
) (*Bucket, error) {
	var resp bucketResponse

	err := c.call(ctx, auth, EndpointCreateBucket, createBucketRequest{
		AccountID:  auth.AccountID,
		BucketName: name,
		BucketType: bucketType,
		BucketInfo: info,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.BucketID == "" {
		return nil, &ProtocolError{Endpoint: EndpointCreateBucket.Name, Reason: "missing bucketId"}
	}

	b := resp.toBucket()

	return &b, nil
}

type deleteBucketRequest struct {
	AccountID string `json:"accountId"`
	BucketID  string `json:"bucketId"`
}

// DeleteBucket deletes an empty bucket (b2_delete_bucket).
func (c *Client) DeleteBucket(ctx context.Context, auth *Authorization, bucketID string) (*Bucket, error) {
	var resp bucketResponse

	err := c.call(ctx, auth, EndpointDeleteBucket, deleteBucketRequest{
		AccountID: auth.AccountID,
		BucketID:  bucketID,
	}, &resp)
	if err != nil {
		return nil, err
	}

	b := resp.toBucket()

	return &b, nil
}
