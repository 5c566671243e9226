// Package rpcbridge calls the external inference service that performs the
// compute-heavy part of a stage. Requests are JSON over HTTP POST with a hard
// per-call timeout and a single bounded retry when the service is unavailable.
package rpcbridge

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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"mediaflow/internal/config"
	"mediaflow/internal/services"
)

const (
	defaultTimeout    = 120 * time.Second
	defaultRetryDelay = 500 * time.Millisecond
	maxResponseBytes  = 32 << 20
)

// Config captures the runtime settings required to reach the service.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryDelay time.Duration
}

// ConfigFrom extracts the bridge settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BaseURL:    cfg.RPC.BaseURL,
		APIKey:     cfg.RPC.APIKey,
		Timeout:    cfg.RPCTimeout(),
		RetryDelay: time.Duration(cfg.RPC.RetryDelayMS) * time.Millisecond,
	}
}

// Request is one remote call.
type Request struct {
	Method  string
	Payload any
}

// Response carries the raw result of a call.
type Response struct {
	ID     string
	Result json.RawMessage
}

// Decode unmarshals the result into v.
func (r Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("rpc response has no result: %w", services.ErrInvalidRequest)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode rpc result: %v: %w", err, services.ErrInvalidRequest)
	}
	return nil
}

// Invoker is the subset of Client used by stage processors.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Client talks to the inference service.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	client := &Client{cfg: cfg, httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type wireRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type wireResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Invoke performs req. Transport failures, timeouts, 5xx and 429 responses
// are retried once and then reported as services.ErrUnavailable; other 4xx
// responses and malformed bodies are services.ErrInvalidRequest.
func (c *Client) Invoke(ctx context.Context, req Request) (Response, error) {
	method := strings.TrimSpace(req.Method)
	if method == "" {
		return Response{}, services.Wrap(services.ErrInvalidRequest, "rpc", "invoke", "method required", nil)
	}
	if c.cfg.BaseURL == "" {
		return Response{}, services.Wrap(services.ErrConfiguration, "rpc", method, "rpc.base_url is not configured", nil)
	}
	body, err := json.Marshal(wireRequest{ID: uuid.NewString(), Method: method, Params: req.Payload})
	if err != nil {
		return Response{}, services.Wrap(services.ErrInvalidRequest, "rpc", method, "encode request", err)
	}

	var resp Response
	backoff := retry.WithMaxRetries(1, retry.NewConstant(c.cfg.RetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.call(ctx, method, body)
		if callErr != nil && errors.Is(callErr, services.ErrUnavailable) && ctx.Err() == nil {
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, services.ErrUnavailable) {
			return Response{}, services.Wrap(services.ErrUnavailable, "rpc", method, "cancelled", ctxErr)
		}
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method string, body []byte) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint, err := url.JoinPath(c.cfg.BaseURL, "v1", method)
	if err != nil {
		return Response{}, services.Wrap(services.ErrConfiguration, "rpc", method, "build url", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, services.Wrap(services.ErrInvalidRequest, "rpc", method, "new request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, c.transportError(method, err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, c.transportError(method, err)
	}

	if httpResp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &httpStatusError{StatusCode: httpResp.StatusCode, Body: string(raw)}
		if retryableStatus(httpResp.StatusCode) {
			return Response{}, services.Wrap(services.ErrUnavailable, "rpc", method, "service unavailable", statusErr)
		}
		return Response{}, services.Wrap(services.ErrInvalidRequest, "rpc", method, "request rejected", statusErr)
	}

	var decoded wireResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Response{}, services.Wrap(services.ErrInvalidRequest, "rpc", method, "malformed response", err)
	}
	if decoded.Error != nil {
		msg := strings.TrimSpace(decoded.Error.Message)
		if strings.EqualFold(decoded.Error.Code, "unavailable") {
			return Response{}, services.Wrap(services.ErrUnavailable, "rpc", method, msg, nil)
		}
		return Response{}, services.Wrap(services.ErrInvalidRequest, "rpc", method, msg, nil)
	}
	return Response{ID: decoded.ID, Result: decoded.Result}, nil
}

func (c *Client) transportError(method string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrUnavailable, "rpc", method,
			fmt.Sprintf("timed out after %s", c.cfg.Timeout), err)
	}
	return services.Wrap(services.ErrUnavailable, "rpc", method, "transport error", err)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// HealthCheck issues GET /healthz against the service.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.cfg.BaseURL == "" {
		return services.Wrap(services.ErrConfiguration, "rpc", "health", "rpc.base_url is not configured", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, min(c.cfg.Timeout, 10*time.Second))
	defer cancel()
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "healthz")
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "rpc", "health", "build url", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "rpc", "health", "new request", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError("health", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return services.Wrap(services.ErrUnavailable, "rpc", "health", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}
	return nil
}
