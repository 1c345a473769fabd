package b2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultAuthURL is the realm that serves b2_authorize_account. Every other
// URL is learned from its response.
const DefaultAuthURL = "https://api.backblazeb2.com"

const (
	apiPrefix        = "/b2api/v3/"
	defaultUserAgent = "b2-go/0.1"

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Client performs B2 protocol operations. Each method issues exactly one
// HTTP request and returns a typed result or one of *APIError,
// *TransportError, *ProtocolError. A Client holds no credentials: every
// call takes the Authorization or UploadURL it should present.
type Client struct {
	authURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	// nowFunc stamps Authorization.IssuedAt. Tests override it.
	nowFunc func() time.Time
}

// NewClient creates a protocol client. authURL is the authorization realm,
// typically DefaultAuthURL; an empty value selects it.
func NewClient(authURL string, httpClient *http.Client, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if authURL == "" {
		authURL = DefaultAuthURL
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		authURL:    strings.TrimSuffix(authURL, "/") + apiPrefix + EndpointAuthorizeAccount.Name,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
		nowFunc:    time.Now,
	}
}

// call POSTs reqBody as JSON to the api host and decodes a 2xx response
// into respBody (which may be nil).
func (c *Client) call(ctx context.Context, auth *Authorization, ep Endpoint, reqBody, respBody any) error {
	if auth == nil {
		return fmt.Errorf("b2: %s: nil authorization", ep.Name)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("b2: %s: marshaling request: %w", ep.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(auth.APIURL, "/")+apiPrefix+ep.Name, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("b2: %s: creating request: %w", ep.Name, err)
	}

	req.Header.Set("Authorization", auth.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.send(ep, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if respBody == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	return decodeJSON(ep, resp.Body, respBody)
}

// send executes one request. A 2xx response is returned with its body open;
// anything else is converted to an error and the body closed.
func (c *Client) send(ep Endpoint, req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: ep.Name, Err: err}
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("endpoint", ep.Name),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	defer resp.Body.Close()

	apiErr := parseAPIError(ep, resp)
	c.logger.Debug("request failed",
		slog.String("endpoint", ep.Name),
		slog.Int("status", apiErr.StatusCode),
		slog.String("code", apiErr.Code),
	)

	return nil, apiErr
}

// parseAPIError builds an APIError from a non-2xx response. The B2 error
// body is {"status":..,"code":..,"message":..}; bodies that are not JSON
// (proxies, load balancers) are kept verbatim as the message.
func parseAPIError(ep Endpoint, resp *http.Response) *APIError {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{
		Endpoint:   ep.Name,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Err:        classifyStatus(resp.StatusCode),
	}

	if readErr != nil {
		apiErr.Message = "(failed to read response body)"
		return apiErr
	}

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Code != "" {
		apiErr.Code = er.Code
		apiErr.Message = er.Message

		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))

	return apiErr
}

// parseRetryAfter accepts the delta-seconds form only, which is what the
// service sends.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	seconds, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// decodeJSON decodes a success body. Malformed JSON is a protocol
// violation; a read failure mid-body is a transport failure.
func decodeJSON(ep Endpoint, r io.Reader, v any) error {
	err := json.NewDecoder(r).Decode(v)
	if err == nil {
		return nil
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &ProtocolError{Endpoint: ep.Name, Reason: "decoding response", Err: err}
	default:
		return &TransportError{Endpoint: ep.Name, Err: err}
	}
}

// validator is implemented by wire types with required fields.
type validator interface {
	validate() string
}

func checkRequired(ep Endpoint, v validator) error {
	if reason := v.validate(); reason != "" {
		return &ProtocolError{Endpoint: ep.Name, Reason: reason}
	}

	return nil
}
