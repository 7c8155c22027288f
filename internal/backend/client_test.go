package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-bridge/internal/models"
)

func newTestClient(t *testing.T, srv *httptest.Server, token *TokenSource) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL:      srv.URL + "/",
		Token:        token,
		ProxyTimeout: time.Second,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func requireJobError(t *testing.T, err error) *models.JobError {
	t.Helper()
	var jobErr *models.JobError
	require.True(t, errors.As(err, &jobErr), "expected *models.JobError, got %T: %v", err, err)
	return jobErr
}

func TestInvokePostsParamsAndDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a lighthouse", body["prompt"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"image_url":"/tmp/out/1.png","generation_time":3.2}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	assert.Equal(t, srv.URL, c.BaseURL())

	out, err := c.Invoke(context.Background(), "generate", map[string]any{"prompt": "a lighthouse"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out/1.png", out["image_url"])
	assert.Equal(t, 3.2, out["generation_time"])
}

func TestInvokePassesStructuredErrorThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"detail":{"error_code":"MODEL_NOT_LOADED","message":"load a model first"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).Invoke(context.Background(), "generate", nil)
	jobErr := requireJobError(t, err)
	assert.Equal(t, "MODEL_NOT_LOADED", jobErr.Code)
	assert.Equal(t, "load a model first", jobErr.Message)
}

func TestInvokeStructuredErrorWithoutCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":{"message":"width must be a multiple of 8"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).Invoke(context.Background(), "generate", nil)
	jobErr := requireJobError(t, err)
	assert.Equal(t, models.CodeBackend, jobErr.Code)
	assert.Equal(t, "width must be a multiple of 8", jobErr.Message)
}

func TestInvokeUnstructuredErrorIsInfrastructure(t *testing.T) {
	cases := map[string]string{
		"plain text":    `Internal Server Error`,
		"string detail": `{"detail":"CUDA out of memory"}`,
		"empty":         ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv, nil).Invoke(context.Background(), "generate", nil)
			jobErr := requireJobError(t, err)
			assert.Equal(t, models.CodeInfrastructure, jobErr.Code)
			assert.Contains(t, jobErr.Message, "HTTP 500")
		})
	}
}

func TestInvokeUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv, nil)
	srv.Close()

	_, err := c.Invoke(context.Background(), "generate", nil)
	jobErr := requireJobError(t, err)
	assert.Equal(t, models.CodeInfrastructure, jobErr.Code)
	assert.Contains(t, jobErr.Message, "unreachable")
}

func TestInvokeRespectsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, srv, nil).Invoke(ctx, "upscale", nil)
	jobErr := requireJobError(t, err)
	assert.Equal(t, models.CodeInfrastructure, jobErr.Code)
	assert.Equal(t, "backend call timed out", jobErr.Message)
}

func TestInvokeRejectsNonObjectResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["not","an","object"]`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).Invoke(context.Background(), "generate", nil)
	jobErr := requireJobError(t, err)
	assert.Equal(t, models.CodeInfrastructure, jobErr.Code)
}

func TestForwardRelaysStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"models":["sdxl"],"current":"sdxl"}`))
		case "/models/switch":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"unknown model"}`))
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	resp, err := c.Forward(context.Background(), http.MethodGet, "/models", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.ContentType)
	assert.JSONEq(t, `{"models":["sdxl"],"current":"sdxl"}`, string(resp.Body))

	resp, err = c.Forward(context.Background(), http.MethodPost, "/models/switch", strings.NewReader(`{"model_id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSharedSecretHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".bridge_token")

	var seen atomic.Value
	seen.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(DefaultTokenHeader))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, NewTokenSource(path))

	// File not written yet: call goes out without the header.
	_, err := c.Invoke(context.Background(), "generate", nil)
	require.NoError(t, err)
	assert.Equal(t, "", seen.Load())

	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))
	_, err = c.Invoke(context.Background(), "generate", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", seen.Load())

	// Cached after the first successful read.
	require.NoError(t, os.WriteFile(path, []byte("rotated"), 0o600))
	_, err = c.Invoke(context.Background(), "generate", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", seen.Load())
}

func TestUnauthorizedResetsCachedSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".bridge_token")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
	tokens := NewTokenSource(path)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(DefaultTokenHeader) != "new" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"bad token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv, tokens)

	_, err := c.Invoke(context.Background(), "generate", nil)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("new"), 0o600))
	out, err := c.Invoke(context.Background(), "generate", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	c, err := NewClient(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
}

func TestFetchDownloadsArtifactWithSecretOnlyForBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".bridge_token")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/a.png" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "s3cret", r.Header.Get(DefaultTokenHeader))
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer backendSrv.Close()
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(DefaultTokenHeader), "secret leaked to another host")
		_, _ = w.Write([]byte("elsewhere"))
	}))
	defer foreign.Close()

	c := newTestClient(t, backendSrv, NewTokenSource(path))

	body, err := c.Fetch(context.Background(), backendSrv.URL+"/files/a.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))

	body, err = c.Fetch(context.Background(), foreign.URL+"/b.png")
	require.NoError(t, err)
	assert.Equal(t, "elsewhere", string(body))

	_, err = c.Fetch(context.Background(), backendSrv.URL+"/files/missing.png")
	jobErr := requireJobError(t, err)
	assert.Equal(t, models.CodeInfrastructure, jobErr.Code)
	assert.Contains(t, jobErr.Message, "404")
}
