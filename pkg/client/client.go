// Package client provides the HTTP client the tree mirror talks to, with retry and auth.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/pkg/models"
	"github.com/notevault/notevault/pkg/protocol"
	"github.com/notevault/notevault/pkg/retry"
)

var (
	// ErrNotModified is returned by FetchTree when the server answered 304.
	ErrNotModified = errors.New("not modified")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("conflict")
)

// ConflictError is returned when an If-Match precondition failed on the server.
type ConflictError struct {
	Path         string
	ExpectedETag string
	CurrentETag  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: expected etag %q, server has %q", e.Path, e.ExpectedETag, e.CurrentETag)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StatusError is any other non-success response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client talks to the vault API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	online    bool
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.RetryConfig.OnRetry == nil {
		base := cfg.BaseURL
		cfg.RetryConfig.OnRetry = func(attempt int, err error, wait time.Duration) {
			logging.Debug("retrying request",
				zap.String("url", base),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:  hc,
		retryConfig: cfg.RetryConfig,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online", zap.String("url", c.baseURL))
		} else {
			logging.Warn("server is offline", zap.String("url", c.baseURL))
		}
	}
	c.online = online
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) (*protocol.HealthResponse, error) {
	var health protocol.HealthResponse
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil, &health)
	if err != nil {
		return nil, err
	}
	return &health, nil
}

func escapePath(p string) string {
	return (&url.URL{Path: strings.TrimPrefix(p, "/")}).EscapedPath()
}

// do runs one request with retries. Network failures and 5xx responses are retried;
// 304, 404 and 409 map to the package's sentinel errors. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header, out any) (http.Header, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (http.Header, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept-Encoding", "gzip")
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.setOnline(false)
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()
		c.setOnline(true)

		var reader io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("decompress response: %w", err)
			}
			defer gr.Close()
			reader = gr
		}

		switch {
		case resp.StatusCode == http.StatusNotModified:
			return resp.Header, ErrNotModified
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
		case resp.StatusCode == http.StatusConflict:
			var cr protocol.ConflictResponse
			_ = json.NewDecoder(reader).Decode(&cr)
			return nil, &ConflictError{Path: cr.Path, ExpectedETag: cr.ExpectedETag, CurrentETag: cr.CurrentETag}
		case resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusTooManyRequests:
			return nil, retry.After(statusError(resp.StatusCode, reader), retryAfter(resp.Header))
		case resp.StatusCode >= 500:
			return nil, retry.Retryable(statusError(resp.StatusCode, reader))
		case resp.StatusCode >= 300:
			return nil, statusError(resp.StatusCode, reader)
		}

		if out != nil {
			if raw, ok := out.(*[]byte); ok {
				*raw, err = io.ReadAll(reader)
				return resp.Header, err
			}
			if err := json.NewDecoder(reader).Decode(out); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.Header, nil
	})
}

// retryAfter parses a Retry-After header given in seconds. Zero means use the backoff.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func statusError(code int, r io.Reader) error {
	var er protocol.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&er); err == nil {
		return &StatusError{Code: code, Message: er.Error}
	}
	return &StatusError{Code: code}
}

// FetchTree fetches the manifest. With a non-empty etag the request is conditional and
// ErrNotModified is returned when the server's copy is unchanged. The returned string is
// the validator to use next time.
func (c *Client) FetchTree(ctx context.Context, etag string) (*models.Manifest, string, error) {
	header := http.Header{}
	if etag != "" {
		header.Set("If-None-Match", `"`+etag+`"`)
	}
	var raw []byte
	h, err := c.do(ctx, http.MethodGet, "/api/v1/tree", nil, header, &raw)
	if errors.Is(err, ErrNotModified) {
		return nil, etag, err
	}
	if err != nil {
		return nil, "", err
	}
	res := models.Validate(raw)
	if !res.Success {
		return nil, "", fmt.Errorf("fetch tree: %w", res.Err())
	}
	validator := models.StripETag(h.Get("ETag"))
	if validator == "" {
		validator = res.Manifest.Metadata.Checksum
	}
	return res.Manifest, validator, nil
}

// Refresh asks the server for a full rebuild and waits for it.
func (c *Client) Refresh(ctx context.Context) (*protocol.RefreshJob, error) {
	var job protocol.RefreshJob
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tree/refresh", nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns one live listing level below prefix.
func (c *Client) List(ctx context.Context, prefix string) (*protocol.ListResponse, error) {
	var lr protocol.ListResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/list/"+escapePath(prefix), nil, nil, &lr); err != nil {
		return nil, err
	}
	return &lr, nil
}

// FileResult is the body of a file with its validator.
type FileResult struct {
	Body []byte
	ETag string
	// Cached reports whether the server answered from its content cache.
	Cached bool
}

// GetFile downloads one file.
func (c *Client) GetFile(ctx context.Context, path string) (*FileResult, error) {
	var raw []byte
	h, err := c.do(ctx, http.MethodGet, "/api/v1/files/"+escapePath(path), nil, nil, &raw)
	if err != nil {
		return nil, err
	}
	return &FileResult{
		Body:   raw,
		ETag:   models.StripETag(h.Get("ETag")),
		Cached: h.Get(protocol.HeaderCache) == "HIT",
	}, nil
}

func ifMatch(etag string) http.Header {
	h := http.Header{}
	if etag != "" {
		h.Set("If-Match", `"`+models.StripETag(etag)+`"`)
	}
	return h
}

// PutFile uploads body. A non-empty etag makes the write conditional.
func (c *Client) PutFile(ctx context.Context, path string, body []byte, etag string) (*protocol.MutationResponse, error) {
	h := ifMatch(etag)
	h.Set("Content-Type", "text/markdown; charset=utf-8")
	if body == nil {
		body = []byte{}
	}
	var mr protocol.MutationResponse
	if _, err := c.do(ctx, http.MethodPut, "/api/v1/files/"+escapePath(path), body, h, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// DeleteFile removes one file. A non-empty etag makes the delete conditional.
func (c *Client) DeleteFile(ctx context.Context, path, etag string) (*protocol.MutationResponse, error) {
	var mr protocol.MutationResponse
	if _, err := c.do(ctx, http.MethodDelete, "/api/v1/files/"+escapePath(path), nil, ifMatch(etag), &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

func (c *Client) move(ctx context.Context, endpoint, from, to string) (*protocol.MutationResponse, error) {
	body, err := json.Marshal(protocol.MoveRequest{From: from, To: to})
	if err != nil {
		return nil, err
	}
	var mr protocol.MutationResponse
	if _, err := c.do(ctx, http.MethodPost, endpoint, body, nil, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// MoveFile renames or moves one file.
func (c *Client) MoveFile(ctx context.Context, from, to string) (*protocol.MutationResponse, error) {
	return c.move(ctx, "/api/v1/files/move", from, to)
}

// MoveFolder moves a folder with everything below it.
func (c *Client) MoveFolder(ctx context.Context, from, to string) (*protocol.MutationResponse, error) {
	return c.move(ctx, "/api/v1/folders/move", from, to)
}

// CreateFolder creates an empty folder.
func (c *Client) CreateFolder(ctx context.Context, path string) (*protocol.MutationResponse, error) {
	var mr protocol.MutationResponse
	if _, err := c.do(ctx, http.MethodPut, "/api/v1/folders/"+escapePath(path), nil, nil, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// DeleteFolder removes a folder with everything below it.
func (c *Client) DeleteFolder(ctx context.Context, path string) (*protocol.MutationResponse, error) {
	var mr protocol.MutationResponse
	if _, err := c.do(ctx, http.MethodDelete, "/api/v1/folders/"+escapePath(path), nil, nil, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}
