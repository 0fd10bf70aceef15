package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a running svconsole server.
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	username string
	password string
	token    string
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations

	// Credentials for a server with auth enabled. Token wins over
	// Username and Password.
	Username string
	Password string
	Token    string
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 3 * time.Minute,
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is an API 401 or 403.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// IsNotFound reports whether err is an API 404, such as an unknown service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// New creates a new svconsole API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL:  config.BaseURL,
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout},
		username: config.Username,
		password: config.Password,
		token:    config.Token,
	}
}

// IsReachable checks if the server is running and reachable. A server
// that answers with an API error, such as 401, is reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	var recs []ServiceRecord
	err := c.do(ctx, http.MethodGet, "/services", nil, &recs)
	var apiErr *APIError
	if err != nil && !errors.As(err, &apiErr) {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	return true
}

// Login exchanges username and password for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	var tok Token
	return tok, c.do(ctx, http.MethodPost, "/auth/login", LoginRequest{Username: username, Password: password}, &tok)
}

// Services lists every service record.
func (c *Client) Services(ctx context.Context) ([]ServiceRecord, error) {
	var recs []ServiceRecord
	return recs, c.do(ctx, http.MethodGet, "/services", nil, &recs)
}

// Service returns the record of one service.
func (c *Client) Service(ctx context.Context, name string) (ServiceRecord, error) {
	var rec ServiceRecord
	return rec, c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), nil, &rec)
}

// Start starts one service. Launch failures are reported in the record.
func (c *Client) Start(ctx context.Context, name string) (ServiceRecord, error) {
	return c.serviceAction(ctx, name, "start")
}

func (c *Client) Stop(ctx context.Context, name string) (ServiceRecord, error) {
	return c.serviceAction(ctx, name, "stop")
}

func (c *Client) Refresh(ctx context.Context, name string) (ServiceRecord, error) {
	return c.serviceAction(ctx, name, "refresh")
}

// CaptureOutput stores the latest output line of name in its record.
func (c *Client) CaptureOutput(ctx context.Context, name string) (ServiceRecord, error) {
	return c.serviceAction(ctx, name, "output")
}

func (c *Client) serviceAction(ctx context.Context, name, action string) (ServiceRecord, error) {
	c.logger.Debug("service action", "service", name, "action", action)
	var rec ServiceRecord
	return rec, c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/"+action, nil, &rec)
}

// Troubleshoot returns recommendations for one service.
func (c *Client) Troubleshoot(ctx context.Context, name string) (Recommendations, error) {
	var r Recommendations
	return r, c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/troubleshoot", nil, &r)
}

// ServiceLogs returns the output tail of one service.
func (c *Client) ServiceLogs(ctx context.Context, name string) (ServiceLogs, error) {
	var l ServiceLogs
	return l, c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name)+"/logs", nil, &l)
}

func (c *Client) StartAll(ctx context.Context) ([]ServiceRecord, error) {
	return c.lifecycle(ctx, "start-all")
}

func (c *Client) StopAll(ctx context.Context) ([]ServiceRecord, error) {
	return c.lifecycle(ctx, "stop-all")
}

func (c *Client) RefreshAll(ctx context.Context) ([]ServiceRecord, error) {
	return c.lifecycle(ctx, "refresh")
}

func (c *Client) lifecycle(ctx context.Context, action string) ([]ServiceRecord, error) {
	var recs []ServiceRecord
	return recs, c.do(ctx, http.MethodPost, "/lifecycle/"+action, nil, &recs)
}

// Diagnostics runs a full diagnostics pass.
func (c *Client) Diagnostics(ctx context.Context) (DiagnosticsReport, error) {
	var r DiagnosticsReport
	return r, c.do(ctx, http.MethodGet, "/diagnostics", nil, &r)
}

func (c *Client) Ports(ctx context.Context) (map[int]PortStatus, error) {
	var m map[int]PortStatus
	return m, c.do(ctx, http.MethodGet, "/diagnostics/ports", nil, &m)
}

func (c *Client) Processes(ctx context.Context) (map[string]ProcessStatus, error) {
	var m map[string]ProcessStatus
	return m, c.do(ctx, http.MethodGet, "/diagnostics/processes", nil, &m)
}

// TestPort probes one TCP port on the server host.
func (c *Client) TestPort(ctx context.Context, port int) (PortTest, error) {
	var r PortTest
	return r, c.do(ctx, http.MethodPost, "/diagnostics/ports/"+strconv.Itoa(port)+"/test", nil, &r)
}

// Logs returns the console log, newest first. An empty source returns all
// entries.
func (c *Client) Logs(ctx context.Context, source string) ([]LogEntry, error) {
	path := "/logs"
	if source != "" {
		path += "?source=" + url.QueryEscape(source)
	}
	var entries []LogEntry
	return entries, c.do(ctx, http.MethodGet, path, nil, &entries)
}

func (c *Client) ClearLogs(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/logs", nil, nil)
}

// do performs an HTTP request, sending body as JSON when non-nil, and
// decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
