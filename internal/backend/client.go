// Package backend talks to the local inference service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inference-bridge/internal/models"
)

const (
	// DefaultBaseURL is where the inference service listens on a desktop install.
	DefaultBaseURL = "http://localhost:8000"
	// DefaultTokenHeader carries the shared secret on every backend request.
	DefaultTokenHeader = "X-Bridge-Token"

	maxResponseBytes = 16 << 20
	maxErrorSnippet  = 512
)

// Options configures the backend client.
type Options struct {
	BaseURL      string
	Token        *TokenSource
	TokenHeader  string
	HTTPClient   *http.Client
	ProxyTimeout time.Duration
	Logger       zerolog.Logger
}

// Client invokes job endpoints and forwards passthrough calls.
type Client struct {
	baseURL      string
	token        *TokenSource
	tokenHeader  string
	httpClient   *http.Client
	proxyTimeout time.Duration
	log          zerolog.Logger
}

// Response is a raw passthrough response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type errorEnvelope struct {
	Detail json.RawMessage `json:"detail"`
}

type structuredDetail struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// NewClient validates opts and builds a client. Job calls are bounded by the
// caller's context, so the default HTTP client has no timeout of its own.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", base)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	header := opts.TokenHeader
	if header == "" {
		header = DefaultTokenHeader
	}
	proxyTimeout := opts.ProxyTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:      base,
		token:        opts.Token,
		tokenHeader:  header,
		httpClient:   httpClient,
		proxyTimeout: proxyTimeout,
		log:          opts.Logger.With().Str("component", "backend").Logger(),
	}, nil
}

// BaseURL returns the normalized backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Invoke posts params to /{jobType} and waits for the result object.
// Every failure is returned as a *models.JobError.
func (c *Client) Invoke(ctx context.Context, jobType string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, &models.JobError{Code: models.CodeInfrastructure, Message: fmt.Sprintf("encode params: %v", err)}
	}

	resp, err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(jobType), bytes.NewReader(body))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeFailure(resp)
	}

	var out map[string]any
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &models.JobError{
			Code:    models.CodeInfrastructure,
			Message: fmt.Sprintf("decode backend response: %v", err),
		}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Forward relays a passthrough call such as GET /models. Transport failures
// come back as errors; HTTP error statuses are returned as responses.
func (c *Client) Forward(ctx context.Context, method, path string, body io.Reader) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.proxyTimeout)
	defer cancel()

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	return resp, nil
}

// Fetch downloads an artifact the backend serves over HTTP. The shared secret
// is only attached when rawURL points at the backend itself.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.proxyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.send(req, c.sameOrigin(req.URL))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &models.JobError{
			Code:    models.CodeInfrastructure,
			Message: fmt.Sprintf("artifact download returned HTTP %d", resp.StatusCode),
		}
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, true)
}

func (c *Client) send(req *http.Request, withToken bool) (*Response, error) {
	if withToken {
		token, err := c.token.Token()
		if err != nil {
			c.log.Warn().Err(err).Msg("shared secret unavailable, calling backend without it")
		} else if token != "" {
			req.Header.Set(c.tokenHeader, token)
		}
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	limited := io.LimitReader(httpResp.Body, maxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("backend response too large (>%d bytes)", maxResponseBytes)
	}
	if withToken && (httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden) {
		c.token.Reset()
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", httpResp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend call")

	return &Response{
		StatusCode:  httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func (c *Client) sameOrigin(u *url.URL) bool {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(base.Scheme, u.Scheme) && strings.EqualFold(base.Host, u.Host)
}

func transportError(ctx context.Context, err error) *models.JobError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &models.JobError{Code: models.CodeInfrastructure, Message: "backend call timed out"}
	}
	return &models.JobError{Code: models.CodeInfrastructure, Message: fmt.Sprintf("backend unreachable: %v", err)}
}

// decodeFailure extracts {detail:{error_code,message}} when the backend sent
// one and synthesizes an infrastructure error otherwise.
func decodeFailure(resp *Response) *models.JobError {
	var env errorEnvelope
	if err := json.Unmarshal(resp.Body, &env); err == nil && len(env.Detail) > 0 {
		var detail structuredDetail
		if err := json.Unmarshal(env.Detail, &detail); err == nil && (detail.ErrorCode != "" || detail.Message != "") {
			code := detail.ErrorCode
			if code == "" {
				code = models.CodeBackend
			}
			return &models.JobError{Code: code, Message: detail.Message}
		}
		var text string
		if err := json.Unmarshal(env.Detail, &text); err == nil && text != "" {
			return &models.JobError{
				Code:    models.CodeInfrastructure,
				Message: fmt.Sprintf("backend returned HTTP %d: %s", resp.StatusCode, text),
			}
		}
	}
	return &models.JobError{
		Code:    models.CodeInfrastructure,
		Message: fmt.Sprintf("backend returned HTTP %d: %s", resp.StatusCode, snippet(resp.Body)),
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
