package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8090/api"
	// stop blocks server side for up to grace period plus kill wait
	DefaultTimeout = 30 * time.Second
)

// Client provides HTTP client functionality to communicate with the consolr daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

// New creates a new consolr API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/servers", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) List(ctx context.Context) ([]ServerStatus, error) {
	var out []ServerStatus
	err := c.do(ctx, http.MethodGet, "/servers", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, id string) (ServerStatus, error) {
	var out ServerStatus
	err := c.do(ctx, http.MethodGet, serverPath(id, ""), nil, &out)
	return out, err
}

// Register registers a server folder and returns its initial status.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (ServerStatus, error) {
	c.logger.Debug("Registering server", "path", req.WorkDir, "id", req.ID)
	var out ServerStatus
	err := c.do(ctx, http.MethodPost, "/servers", req, &out)
	return out, err
}

func (c *Client) Unregister(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, serverPath(id, ""), nil, nil)
}

func (c *Client) Start(ctx context.Context, id string) (ServerStatus, error) {
	var out ServerStatus
	err := c.do(ctx, http.MethodPost, serverPath(id, "/start"), nil, &out)
	return out, err
}

// Stop returns once the server has exited; this may take the full grace period.
func (c *Client) Stop(ctx context.Context, id string) (ServerStatus, error) {
	var out ServerStatus
	err := c.do(ctx, http.MethodPost, serverPath(id, "/stop"), nil, &out)
	return out, err
}

func (c *Client) SendCommand(ctx context.Context, id, command string) error {
	return c.do(ctx, http.MethodPost, serverPath(id, "/command"), CommandRequest{Command: command}, nil)
}

// Console returns every buffered line.
func (c *Client) Console(ctx context.Context, id string) (ConsolePage, error) {
	var out ConsolePage
	err := c.do(ctx, http.MethodGet, serverPath(id, "/console"), nil, &out)
	return out, err
}

// ConsoleSince returns lines with a sequence number greater than since.
func (c *Client) ConsoleSince(ctx context.Context, id string, since uint64) (ConsolePage, error) {
	var out ConsolePage
	err := c.do(ctx, http.MethodGet, serverPath(id, "/console")+"?since="+strconv.FormatUint(since, 10), nil, &out)
	return out, err
}

func (c *Client) ClearConsole(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, serverPath(id, "/console"), nil, nil)
}

func serverPath(id, suffix string) string {
	return "/servers/" + url.PathEscape(id) + suffix
}

// do performs an HTTP request with common error handling. in is sent as
// JSON when non-nil; out is decoded from a 2xx body when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns an error body into *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
