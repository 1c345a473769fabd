package b2

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
)

// Authorize exchanges an application key for an account Authorization
// (b2_authorize_account). A 401 here means the key itself is wrong and is
// classified Permanent.
func (c *Client) Authorize(ctx context.Context, keyID, applicationKey string) (*Authorization, error) {
	ep := EndpointAuthorizeAccount

	if keyID == "" || applicationKey == "" {
		return nil, fmt.Errorf("b2: %s: key ID and application key are required", ep.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("b2: %s: creating request: %w", ep.Name, err)
	}

	req.Header.Set("Authorization", basicAuth(keyID, applicationKey))

	issued := c.nowFunc()

	resp, err := c.send(ep, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ar authorizeResponse
	if err := decodeJSON(ep, resp.Body, &ar); err != nil {
		return nil, err
	}

	if err := checkRequired(ep, &ar); err != nil {
		return nil, err
	}

	auth := ar.toAuthorization(issued)

	c.logger.Info("account authorized",
		slog.String("account_id", auth.AccountID),
		slog.String("api_url", auth.APIURL),
		slog.Int("capabilities", len(auth.Allowed.Capabilities)),
	)

	return auth, nil
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}
