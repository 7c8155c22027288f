package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"inference-bridge/internal/models"
)

// Invoker performs the backend call for a job type.
type Invoker interface {
	Invoke(ctx context.Context, jobType string, params map[string]any) (map[string]any, error)
}

// Shaper maps artifact references between the backend and the bridge.
type Shaper interface {
	Rewrite(ctx context.Context, jobID string, result map[string]any) map[string]any
	Localize(params map[string]any) map[string]any
}

// Handler executes a job for a given type and returns the raw backend result.
type Handler func(ctx context.Context, job models.Job) (map[string]any, error)

// Processor runs one job against the backend. It satisfies queue.Runner.
type Processor struct {
	backend        Invoker
	artifacts      Shaper
	handlers       map[string]Handler
	defaultHandler Handler
	log            zerolog.Logger
}

// NewProcessor builds a processor. Job types that take a source image get
// their inputs localized before the call; everything else is forwarded as is.
func NewProcessor(backend Invoker, artifacts Shaper, log zerolog.Logger) *Processor {
	p := &Processor{
		backend:   backend,
		artifacts: artifacts,
		handlers:  make(map[string]Handler),
		log:       log.With().Str("component", "worker").Logger(),
	}
	p.defaultHandler = p.handleDefault
	p.RegisterHandler("inpaint", p.handleWithInputs)
	p.RegisterHandler("upscale", p.handleWithInputs)
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run executes job and shapes its result for callers.
func (p *Processor) Run(ctx context.Context, job models.Job) (map[string]any, error) {
	result, err := p.runJob(ctx, job)
	if err != nil {
		return nil, err
	}
	if p.artifacts != nil {
		result = p.artifacts.Rewrite(ctx, job.ID, result)
	}
	return result, nil
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (map[string]any, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		if p.defaultHandler == nil {
			return nil, fmt.Errorf("no handler registered for type %q", job.Type)
		}
		handler = p.defaultHandler
	}
	p.log.Debug().Str("job_id", job.ID).Str("job_type", job.Type).Msg("invoking backend")
	return handler(ctx, job)
}

func (p *Processor) handleDefault(ctx context.Context, job models.Job) (map[string]any, error) {
	return p.backend.Invoke(ctx, job.Type, job.Params)
}

// handleWithInputs turns bridge URLs of earlier outputs back into paths the
// backend can open.
func (p *Processor) handleWithInputs(ctx context.Context, job models.Job) (map[string]any, error) {
	params := job.Params
	if p.artifacts != nil {
		params = p.artifacts.Localize(params)
	}
	return p.backend.Invoke(ctx, job.Type, params)
}
