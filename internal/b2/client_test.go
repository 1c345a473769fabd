package b2

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestClient creates a Client whose authorize endpoint is on srvURL.
func newTestClient(t *testing.T, srvURL string) *Client {
	t.Helper()

	c := NewClient(srvURL, http.DefaultClient, slog.Default(), "test-agent")
	c.nowFunc = func() time.Time { return testNow }

	return c
}

// testAuth is an Authorization pointing both hosts at srvURL.
func testAuth(srvURL string) *Authorization {
	return &Authorization{
		AccountID:   "acct",
		APIURL:      srvURL,
		DownloadURL: srvURL,
		Token:       "tok-1",
		IssuedAt:    testNow,
		ExpiresAt:   testNow.Add(DefaultTokenLifetime),
		Allowed:     Allowed{Capabilities: []string{CapListBuckets, CapWriteFiles}},
	}
}

// writeB2Error writes a B2-shaped error body.
func writeB2Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Status: status, Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestCall_SetsHeadersAndPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/b2api/v3/b2_list_buckets", r.URL.Path)
		assert.Equal(t, "tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acct", body["accountId"])

		writeJSON(w, map[string]any{"buckets": []any{}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	buckets, err := c.ListBuckets(context.Background(), testAuth(srv.URL), ListBucketsRequest{})
	require.NoError(t, err)
	assert.Empty(t, buckets)
}

func TestCall_APIErrorParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeB2Error(w, http.StatusTooManyRequests, "too_many_requests", "slow down")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.ListBuckets(context.Background(), testAuth(srv.URL), ListBucketsRequest{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "too_many_requests", apiErr.Code)
	assert.Equal(t, "slow down", apiErr.Message)
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Contains(t, err.Error(), "b2_list_buckets")
}

func TestCall_NonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>bad gateway</html>\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.ListBuckets(context.Background(), testAuth(srv.URL), ListBucketsRequest{})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Empty(t, apiErr.Code)
	assert.Equal(t, "<html>bad gateway</html>", apiErr.Message)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, ClassTransient, Classify(EndpointListBuckets, err))
}

func TestCall_MalformedSuccessIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"buckets": [`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.ListBuckets(context.Background(), testAuth(srv.URL), ListBucketsRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, ClassProtocol, Classify(EndpointListBuckets, err))
}

func TestCall_WrongTypeIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"buckets": "not-a-list"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.ListBuckets(context.Background(), testAuth(srv.URL), ListBucketsRequest{})

	var pErr *ProtocolError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "b2_list_buckets", pErr.Endpoint)
}

func TestCall_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)
	_, err := c.ListBuckets(context.Background(), testAuth(url), ListBucketsRequest{})

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, ClassTransient, Classify(EndpointListBuckets, err))
}

func TestCall_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"buckets": []any{}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, srv.URL)
	_, err := c.ListBuckets(ctx, testAuth(srv.URL), ListBucketsRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
	assert.Equal(t, 3*time.Second, parseRetryAfter(" 3 "))
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("", nil, nil, "")
	assert.Equal(t, "https://api.backblazeb2.com/b2api/v3/b2_authorize_account", c.authURL)
	assert.Equal(t, http.DefaultClient, c.httpClient)
	assert.NotNil(t, c.logger)
	assert.Equal(t, defaultUserAgent, c.userAgent)
}
