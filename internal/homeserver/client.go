// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package homeserver is a client for the homeserver's client-server API
// acting on behalf of the appservice's users.
package homeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"maunium.net/go/mautrix/id"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Base URL of the homeserver, e.g. "http://synapse:8008".
	HomeserverURL string
	// Appservice token used for every request.
	ASToken string
	// Server name used to qualify localparts.
	ServerName spec.ServerName
	// Localpart of the bridge's own identity.
	BotLocalpart string
	// HTTPClient is used for all requests. If nil, a client with a 60s timeout is used.
	HTTPClient *http.Client
}

// Client talks to the homeserver as the appservice. Intents bind it to a
// single user via identity assertion.
type Client struct {
	baseURL    string
	asToken    string
	serverName spec.ServerName
	botUserID  id.UserID
	httpClient *http.Client
}

func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("homeserver: HomeserverURL is required")
	}
	if _, err := url.Parse(config.HomeserverURL); err != nil {
		return nil, fmt.Errorf("homeserver: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		asToken:    config.ASToken,
		serverName: config.ServerName,
		botUserID:  id.NewUserID(config.BotLocalpart, string(config.ServerName)),
		httpClient: httpClient,
	}, nil
}

func (c *Client) ServerName() spec.ServerName { return c.serverName }
func (c *Client) BotUserID() id.UserID { return c.botUserID }

// Intent returns an Intent acting as userID.
func (c *Client) Intent(userID id.UserID) Intent {
	return &intent{client: c, userID: userID}
}

// Bot returns the Intent of the bridge's own identity.
func (c *Client) Bot() Intent {
	return c.Intent(c.botUserID)
}

// request describes one call to the homeserver.
type request struct {
	method   string
	path     string
	userID   id.UserID
	deviceID id.DeviceID
	query    url.Values
	body     any
	rawBody  []byte

	// accessToken replaces the appservice token, for calls made on
	// behalf of an end user.
	accessToken string
}

// do performs the request. On a non-2xx response the body is returned
// alongside a *MatrixError.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	query := r.query
	if query == nil {
		query = url.Values{}
	}
	if r.userID != "" {
		query.Set("user_id", string(r.userID))
	}
	if r.deviceID != "" {
		query.Set("org.matrix.msc3202.device_id", string(r.deviceID))
	}
	requestURL := c.baseURL + r.path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	switch {
	case r.rawBody != nil:
		bodyReader = bytes.NewReader(r.rawBody)
	case r.body != nil:
		encoded, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("homeserver: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("homeserver: failed to create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := c.asToken
	if r.accessToken != "" {
		token = r.accessToken
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("homeserver: request to %s %s failed: %w", r.method, r.path, err)
	}
	defer resp.Body.Close() // nolint: errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("homeserver: failed to read response body: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	matrixErr := &MatrixError{StatusCode: resp.StatusCode}
	if jsonErr := json.Unmarshal(respBody, matrixErr); jsonErr != nil || matrixErr.Code == "" {
		matrixErr.Code = ErrCodeUnknown
		matrixErr.Message = strings.TrimSpace(string(respBody))
	}
	return respBody, matrixErr
}

// WhoAmI returns the account an end-user access token belongs to.
func (c *Client) WhoAmI(ctx context.Context, accessToken string) (id.UserID, error) {
	body, err := c.do(ctx, request{
		method:      http.MethodGet,
		path:        "/_matrix/client/v3/account/whoami",
		accessToken: accessToken,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		UserID id.UserID `json:"user_id"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("homeserver: failed to decode whoami response: %w", err)
	}
	return resp.UserID, nil
}

func roomPath(roomID id.RoomID, parts ...string) string {
	var sb strings.Builder
	sb.WriteString("/_matrix/client/v3/rooms/")
	sb.WriteString(url.PathEscape(string(roomID)))
	for _, p := range parts {
		sb.WriteByte('/')
		sb.WriteString(url.PathEscape(p))
	}
	return sb.String()
}
