// Package client is a typed client for the bridge HTTP API and event channel.
package client

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

	"github.com/gorilla/websocket"

	"inference-bridge/internal/models"
)

const (
	// DefaultBaseURL is where the bridge listens by default.
	DefaultBaseURL = "http://localhost:8080"
	// DefaultTimeout bounds every request except Watch.
	DefaultTimeout = 30 * time.Second
)

// Options contains configuration options for the API client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// DefaultOptions returns the default client options.
func DefaultOptions() *Options {
	return &Options{
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// Client talks to one bridge.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with the given options.
func NewClient(opts *Options) (*Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, httpClient: httpClient}, nil
}

// Submit enqueues a job of jobType.
func (c *Client) Submit(ctx context.Context, jobType string, params map[string]any) (*SubmitResponse, error) {
	if params == nil {
		params = map[string]any{}
	}
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/"+url.PathEscape(jobType), params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Job fetches the current state of a job.
func (c *Client) Job(ctx context.Context, id string) (*JobStatus, error) {
	var out JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/job/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel asks the bridge to cancel a job.
func (c *Client) Cancel(ctx context.Context, id string) (*CancelResponse, error) {
	var out CancelResponse
	if err := c.do(ctx, http.MethodDelete, "/api/job/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Queue returns the queue snapshot.
func (c *Client) Queue(ctx context.Context) (*QueueSnapshot, error) {
	var out QueueSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/queue", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Models lists the backend's models.
func (c *Client) Models(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/models", nil, &out)
	return out, err
}

// SwitchModel asks the backend to load modelID.
func (c *Client) SwitchModel(ctx context.Context, modelID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodPost, "/api/models/switch", map[string]string{"model_id": modelID}, &out)
	return out, err
}

// Styles lists the backend's style presets.
func (c *Client) Styles(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/styles", nil, &out)
	return out, err
}

// Wait polls a job until it reaches a terminal state or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, every time.Duration) (*JobStatus, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Watch streams lifecycle events to fn until ctx ends, the bridge closes the
// channel, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(models.Event) error) error {
	wsURL, err := c.eventsURL()
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connect event channel: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var evt models.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var jobErr models.JobError
		if json.Unmarshal(data, &jobErr) == nil && jobErr.Code != "" {
			apiErr.Code = jobErr.Code
			apiErr.Message = jobErr.Message
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
