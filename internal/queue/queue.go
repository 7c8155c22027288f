// Package queue admits jobs into a bounded FIFO and executes them one at a
// time against a single slow backend.
//
// All bookkeeping (pending list, current slot, result cache) is guarded by one
// mutex. The backend call itself runs outside the lock so admissions and
// status lookups never wait on it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inference-bridge/internal/models"
	"inference-bridge/internal/telemetry"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrJobNotFound = errors.New("job not found")
	ErrClosed      = errors.New("queue closed")
)

const (
	DefaultCapacity = 5
	DefaultTimeout  = 5 * time.Minute
)

// Runner performs the backend call for one job.
type Runner interface {
	Run(ctx context.Context, job models.Job) (map[string]any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job models.Job) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, job models.Job) (map[string]any, error) {
	return f(ctx, job)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(evt models.Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(models.Event) {}

// Options tunes admission and execution.
type Options struct {
	// Capacity bounds the pending collection; the running job does not count.
	Capacity int
	// Timeout bounds every backend call.
	Timeout time.Duration
	// DrainDelay separates the end of one job from pulling the next.
	DrainDelay time.Duration
	// ResultLimit caps the completed-job cache. Zero keeps every result.
	ResultLimit int
	Logger      zerolog.Logger
}

// Receipt is returned to a caller whose job was admitted.
type Receipt struct {
	JobID    string `json:"job_id"`
	Position int    `json:"position"`
}

// CancelOutcome reports what a cancellation achieved.
type CancelOutcome string

const (
	// CancelOutcomeCancelled means the job was still pending and has been removed.
	CancelOutcomeCancelled CancelOutcome = "cancelled"
	// CancelOutcomeCancelling means the job is running; its outcome will be discarded.
	CancelOutcomeCancelling CancelOutcome = "cancelling"
)

// StatusView is a point-in-time copy of a job. Position is the 0-based
// offset from the head of the pending collection, or -1 when not queued.
type StatusView struct {
	Job      models.Job
	Position int
}

// Snapshot summarises the queue without touching it.
type Snapshot struct {
	Length     int         `json:"length"`
	Processing bool        `json:"processing"`
	CurrentJob *models.Job `json:"current_job"`
	Capacity   int         `json:"capacity"`
}

// Queue owns the pending jobs, the single in-flight slot and the result cache.
type Queue struct {
	runner Runner
	events Publisher
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	pending   []*models.Job
	current   *models.Job
	executing bool
	closed    bool
	results   *resultCache
}

// New builds a queue. Backend calls inherit ctx, so cancelling it aborts the
// in-flight call.
func New(ctx context.Context, runner Runner, events Publisher, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DrainDelay < 0 {
		opts.DrainDelay = 0
	}
	if events == nil {
		events = discardPublisher{}
	}
	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		runner:  runner,
		events:  events,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "queue").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make([]*models.Job, 0, opts.Capacity),
		results: newResultCache(opts.ResultLimit),
	}
	if opts.ResultLimit <= 0 {
		q.log.Warn().Msg("result cache is unbounded; memory grows with every finished job until restart")
	}
	return q
}

// Capacity returns the pending bound.
func (q *Queue) Capacity() int {
	return q.opts.Capacity
}

// Submit admits a job at the tail of the pending collection and returns
// without waiting for it to run.
func (q *Queue) Submit(jobType string, params map[string]any) (Receipt, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Receipt{}, ErrClosed
	}
	if len(q.pending) >= q.opts.Capacity {
		depth := len(q.pending)
		q.mu.Unlock()
		telemetry.QueueFullRejects.Inc()
		q.log.Warn().Str("job_type", jobType).Int("pending", depth).Msg("rejecting submission, queue full")
		return Receipt{}, fmt.Errorf("%w: %d jobs pending", ErrQueueFull, depth)
	}

	id := uuid.NewString()
	for q.knownLocked(id) {
		id = uuid.NewString()
	}
	job := &models.Job{
		ID:          id,
		Type:        jobType,
		Params:      params,
		Status:      models.StatusQueued,
		SubmittedAt: time.Now(),
	}
	q.pending = append(q.pending, job)
	position := len(q.pending) - 1
	depth := len(q.pending)
	q.mu.Unlock()

	telemetry.JobsSubmitted.Inc()
	telemetry.QueueDepthGauge.Set(float64(depth))
	q.log.Info().Str("job_id", id).Str("job_type", jobType).Int("position", position).Msg("job queued")

	q.drive()
	return Receipt{JobID: id, Position: position}, nil
}

// Status looks a job up in the result cache, then the current slot, then the
// pending collection.
func (q *Queue) Status(id string) (StatusView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.results.get(id); ok {
		return StatusView{Job: cloneJob(&job), Position: -1}, nil
	}
	if q.current != nil && q.current.ID == id {
		return StatusView{Job: cloneJob(q.current), Position: -1}, nil
	}
	for i, job := range q.pending {
		if job.ID == id {
			return StatusView{Job: cloneJob(job), Position: i}, nil
		}
	}
	return StatusView{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// Cancel removes a pending job outright, or flags the running job so its
// eventual outcome is discarded.
func (q *Queue) Cancel(id string) (CancelOutcome, error) {
	q.mu.Lock()

	for i, job := range q.pending {
		if job.ID != id {
			continue
		}
		copy(q.pending[i:], q.pending[i+1:])
		q.pending[len(q.pending)-1] = nil
		q.pending = q.pending[:len(q.pending)-1]

		now := time.Now()
		job.Status = models.StatusCancelled
		job.FinishedAt = &now
		q.storeLocked(job)
		depth := len(q.pending)
		q.mu.Unlock()

		telemetry.JobsCancelled.WithLabelValues("queued").Inc()
		telemetry.QueueDepthGauge.Set(float64(depth))
		q.log.Info().Str("job_id", id).Msg("queued job cancelled")
		return CancelOutcomeCancelled, nil
	}

	if q.current != nil && q.current.ID == id {
		if q.current.Cancel == models.CancelNone {
			q.current.Cancel = models.CancelRequested
		}
		q.mu.Unlock()
		q.log.Info().Str("job_id", id).Msg("cancellation requested for running job")
		return CancelOutcomeCancelling, nil
	}

	q.mu.Unlock()
	return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// Snapshot reports the pending length and the current job.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{
		Length:     len(q.pending),
		Processing: q.executing,
		Capacity:   q.opts.Capacity,
	}
	if q.current != nil {
		cur := cloneJob(q.current)
		snap.CurrentJob = &cur
	}
	return snap
}

// Close stops admissions, aborts the in-flight backend call and waits for it
// to be recorded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// drive starts the head of the pending collection if nothing is running.
// Calling it while busy or empty is a no-op.
func (q *Queue) drive() {
	q.mu.Lock()
	if q.closed || q.executing || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}

	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	now := time.Now()
	job.Status = models.StatusRunning
	job.StartedAt = &now
	q.current = job
	q.executing = true
	snapshot := cloneJob(job)
	depth := len(q.pending)
	q.wg.Add(1)
	q.mu.Unlock()

	telemetry.QueueDepthGauge.Set(float64(depth))
	telemetry.InFlightGauge.Inc()
	q.log.Info().Str("job_id", job.ID).Str("job_type", job.Type).Msg("job started")
	q.events.Publish(models.Event{Event: models.EventJobStarted, JobID: job.ID})

	go q.execute(snapshot)
}

func (q *Queue) execute(job models.Job) {
	defer q.wg.Done()

	start := time.Now()
	result, err := q.call(job)
	q.finish(job, result, err, time.Since(start))
}

// call runs the backend request under the configured timeout. The timeout
// wins even if the runner ignores its context.
func (q *Queue) call(job models.Job) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(q.ctx, q.opts.Timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("runner panic: %v", r)}
			}
		}()
		res, err := q.runner.Run(ctx, job)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &models.JobError{
				Code:    models.CodeInfrastructure,
				Message: fmt.Sprintf("backend did not answer within %s", q.opts.Timeout),
			}
		}
		return nil, fmt.Errorf("backend call aborted: %w", ctx.Err())
	}
}

func (q *Queue) finish(job models.Job, result map[string]any, err error, elapsed time.Duration) {
	now := time.Now()

	q.mu.Lock()
	cur := q.current
	var evt *models.Event
	outcome := "completed"
	switch {
	case cur.Cancel == models.CancelRequested:
		cur.Cancel = models.CancelResolved
		cur.Status = models.StatusCancelled
		outcome = "cancelled"
	case err != nil:
		cur.Status = models.StatusFailed
		cur.Error = asJobError(err)
		evt = &models.Event{Event: models.EventJobFailed, JobID: cur.ID, Error: cur.Error}
		outcome = "failed"
	default:
		cur.Status = models.StatusCompleted
		cur.Result = result
		evt = &models.Event{Event: models.EventJobCompleted, JobID: cur.ID, Result: result}
	}
	cur.FinishedAt = &now
	q.storeLocked(cur)
	q.current = nil
	q.mu.Unlock()

	telemetry.InFlightGauge.Dec()
	telemetry.BackendDuration.WithLabelValues(job.Type, outcome).Observe(elapsed.Seconds())

	var logEvt *zerolog.Event
	switch outcome {
	case "completed":
		telemetry.JobsCompleted.Inc()
		logEvt = q.log.Info()
	case "failed":
		telemetry.JobsFailed.Inc()
		logEvt = q.log.Warn().Str("error_code", cur.Error.Code).Str("error", cur.Error.Message)
	default:
		telemetry.JobsCancelled.WithLabelValues("running").Inc()
		logEvt = q.log.Info()
	}
	logEvt.Str("job_id", job.ID).Str("job_type", job.Type).Dur("elapsed", elapsed).Msg("job " + outcome)

	if evt != nil {
		q.events.Publish(*evt)
	}

	// The slot stays taken until the terminal event is out, so no observer
	// sees the next job start before this one finishes.
	q.mu.Lock()
	q.executing = false
	closed := q.closed
	q.mu.Unlock()
	if !closed {
		time.AfterFunc(q.opts.DrainDelay, q.drive)
	}
}

// storeLocked writes a terminal copy of job into the result cache.
func (q *Queue) storeLocked(job *models.Job) {
	evicted, ok := q.results.put(cloneJob(job))
	if !ok {
		q.log.Error().Str("job_id", job.ID).Msg("terminal outcome already recorded, keeping the first")
		return
	}
	for _, id := range evicted {
		telemetry.ResultsEvicted.Inc()
		q.log.Debug().Str("job_id", id).Msg("evicted oldest result")
	}
}

func (q *Queue) knownLocked(id string) bool {
	if q.results.has(id) {
		return true
	}
	if q.current != nil && q.current.ID == id {
		return true
	}
	for _, job := range q.pending {
		if job.ID == id {
			return true
		}
	}
	return false
}

func asJobError(err error) *models.JobError {
	var jobErr *models.JobError
	if errors.As(err, &jobErr) {
		return &models.JobError{Code: jobErr.Code, Message: jobErr.Message}
	}
	return &models.JobError{Code: models.CodeInfrastructure, Message: err.Error()}
}

func cloneJob(job *models.Job) models.Job {
	tmp := *job
	tmp.Params = maps.Clone(job.Params)
	tmp.Result = maps.Clone(job.Result)
	if job.Error != nil {
		e := *job.Error
		tmp.Error = &e
	}
	return tmp
}
