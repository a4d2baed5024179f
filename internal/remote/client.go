package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// envelope is the platform's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// ServiceError is a non-2xx answer from the remote platform. The orchestrator
// treats any ServiceError during call placement as fatal for the session.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: platform returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: platform error (status %d): %s", e.StatusCode, e.Message)
}

// Client is the REST client for the remote calling platform.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	applicationID string
	authKey       string
	logger        *slog.Logger
}

// NewClient creates a platform client. baseURL is the platform API endpoint;
// applicationID and authKey identify this bridge application.
func NewClient(baseURL, applicationID, authKey string, logger *slog.Logger) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		baseURL:       baseURL,
		applicationID: applicationID,
		authKey:       authKey,
		logger:        logger.With("subsystem", "remote"),
	}
}

// Configured reports whether the client has an endpoint and credentials.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.applicationID != "" && c.authKey != ""
}

// OpenSession authenticates a mapped identity on the platform.
func (c *Client) OpenSession(ctx context.Context, req SessionRequest) (*Session, error) {
	path := fmt.Sprintf("/v1/applications/%s/sessions", url.PathEscape(c.applicationID))

	var sess Session
	if err := c.do(ctx, http.MethodPost, path, req, &sess); err != nil {
		return nil, err
	}

	c.logger.Debug("platform session opened", "session_id", sess.ID, "username", req.Username)
	return &sess, nil
}

// PlaceCall initiates a call toward a platform user within an open session.
// The response acknowledges placement only; acceptance or rejection arrives
// later as a callback.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	path := fmt.Sprintf("/v1/sessions/%s/calls", url.PathEscape(req.SessionID))

	var call Call
	if err := c.do(ctx, http.MethodPost, path, req, &call); err != nil {
		return nil, err
	}

	c.logger.Debug("platform call placed",
		"session_id", req.SessionID,
		"call_id", call.ID,
		"callee", req.CalleeUsername,
		"has_video", req.HasVideo,
	)
	return &call, nil
}

// EndCall hangs up an in-progress platform call.
func (c *Client) EndCall(ctx context.Context, sessionID, callID string) error {
	path := fmt.Sprintf("/v1/sessions/%s/calls/%s", url.PathEscape(sessionID), url.PathEscape(callID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// CloseSession releases a platform session and everything inside it.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/v1/sessions/%s", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do performs one platform request with the shared envelope handling. out may
// be nil when the caller only needs success/failure.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: marshalling request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("remote: creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.authKey)
	req.Header.Set("X-Application-ID", c.applicationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("remote: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return &ServiceError{StatusCode: resp.StatusCode, Message: env.Error}
		}
		return &ServiceError{StatusCode: resp.StatusCode}
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("remote: decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("remote: decoding response data: %w", err)
	}
	return nil
}
