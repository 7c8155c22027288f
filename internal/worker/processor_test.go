package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"inference-bridge/internal/artifacts"
	"inference-bridge/internal/models"
)

type fakeBackend struct {
	gotType   string
	gotParams map[string]any
	result    map[string]any
	err       error
}

func (f *fakeBackend) Invoke(_ context.Context, jobType string, params map[string]any) (map[string]any, error) {
	f.gotType = jobType
	f.gotParams = params
	return f.result, f.err
}

type fakeFiles map[string][]byte

func (f fakeFiles) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	body, ok := f[rawURL]
	if !ok {
		return nil, errors.New("not found")
	}
	return body, nil
}

func newRewriter(t *testing.T) *artifacts.Rewriter {
	t.Helper()
	r, err := artifacts.NewRewriter(artifacts.Options{
		PublicBaseURL: "http://localhost:8080",
		OutputDir:     filepath.Join(t.TempDir(), "outputs"),
		Fetcher:       fakeFiles{"http://backend/img1.png": []byte("png")},
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new rewriter: %v", err)
	}
	return r
}

func TestProcessorRewritesGenerateResult(t *testing.T) {
	backend := &fakeBackend{result: map[string]any{"image_url": "http://backend/img1.png"}}
	p := NewProcessor(backend, newRewriter(t), zerolog.Nop())

	job := models.Job{ID: "job-1", Type: "generate", Params: map[string]any{"prompt": "fox"}}
	out, err := p.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.gotType != "generate" {
		t.Fatalf("expected generate endpoint, got %q", backend.gotType)
	}
	if backend.gotParams["prompt"] != "fox" {
		t.Fatalf("params not forwarded: %v", backend.gotParams)
	}
	if got := out["image_url"]; got != "http://localhost:8080/outputs/job-1/img1.png" {
		t.Fatalf("unexpected image_url %v", got)
	}
	if got := out["backend_image_url"]; got != "http://backend/img1.png" {
		t.Fatalf("original reference not kept: %v", got)
	}
}

func TestProcessorLocalizesUpscaleInputs(t *testing.T) {
	rw := newRewriter(t)
	backend := &fakeBackend{result: map[string]any{}}
	p := NewProcessor(backend, rw, zerolog.Nop())

	job := models.Job{
		ID:     "job-2",
		Type:   "upscale",
		Params: map[string]any{"image_url": "http://localhost:8080/outputs/img1.png", "scale": 2.0},
	}
	if _, err := p.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := filepath.Join(rw.OutputDir(), "img1.png")
	if got := backend.gotParams["image_url"]; got != want {
		t.Fatalf("expected localized input %q, got %v", want, got)
	}
	if job.Params["image_url"] != "http://localhost:8080/outputs/img1.png" {
		t.Fatalf("job params were mutated")
	}
}

func TestProcessorPassesErrorsThrough(t *testing.T) {
	backendErr := &models.JobError{Code: "MODEL_NOT_LOADED", Message: "no model"}
	p := NewProcessor(&fakeBackend{err: backendErr}, newRewriter(t), zerolog.Nop())

	_, err := p.Run(context.Background(), models.Job{ID: "job-3", Type: "generate"})
	var jobErr *models.JobError
	if !errors.As(err, &jobErr) || jobErr.Code != "MODEL_NOT_LOADED" {
		t.Fatalf("expected backend error to pass through, got %v", err)
	}
}

func TestRegisteredHandlerWins(t *testing.T) {
	backend := &fakeBackend{}
	p := NewProcessor(backend, nil, zerolog.Nop())
	p.RegisterHandler("echo", func(_ context.Context, job models.Job) (map[string]any, error) {
		return map[string]any{"echo": job.Params["v"]}, nil
	})
	p.RegisterHandler("", nil)

	out, err := p.Run(context.Background(), models.Job{Type: "echo", Params: map[string]any{"v": "hi"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["echo"] != "hi" {
		t.Fatalf("unexpected result %v", out)
	}
	if backend.gotType != "" {
		t.Fatalf("backend should not be called, got %q", backend.gotType)
	}
}
