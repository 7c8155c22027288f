package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// TokenSource reads the shared secret from a local file on first use and
// keeps it in memory. A missing or empty file is not cached: the backend
// writes the file when it boots, which may be after the bridge started.
type TokenSource struct {
	path string

	mu     sync.Mutex
	token  string
	loaded bool
}

// NewTokenSource returns a source for the secret stored at path. An empty
// path disables the shared-secret header.
func NewTokenSource(path string) *TokenSource {
	return &TokenSource{path: strings.TrimSpace(path)}
}

// Token returns the cached secret, reading the file if it has not been read yet.
func (t *TokenSource) Token() (string, error) {
	if t == nil || t.path == "" {
		return "", nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.loaded {
		return t.token, nil
	}
	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", nil
	}
	t.token = token
	t.loaded = true
	return token, nil
}

// Reset forgets the cached secret so the next call rereads the file.
func (t *TokenSource) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.token = ""
	t.loaded = false
	t.mu.Unlock()
}
