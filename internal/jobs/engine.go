// Package jobs runs long-lived background work with persisted status,
// progress, an append-only log and cooperative cancellation.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

// ErrCancelled is returned by handlers that stopped because cancellation
// was requested.
var ErrCancelled = errors.New("job cancelled")

type Store interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context, f model.JobFilter) ([]model.Job, error)
	ClaimNextQueued(ctx context.Context) (model.Job, bool, error)
	UpdateProgress(ctx context.Context, id string, progress float64, step string) error
	RequestCancel(ctx context.Context, id string) (model.Job, bool, error)
	FinishJob(ctx context.Context, id string, status model.JobStatus, result json.RawMessage, errMsg string, final model.JobLogEntry) (bool, error)
	RecoverInterrupted(ctx context.Context) (failed, cancelled []string, err error)
	AppendJobLog(ctx context.Context, e model.JobLogEntry) (model.JobLogEntry, error)
	ListJobLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]model.JobLogEntry, error)
}

// Handler does the work for one job type. The returned value becomes the
// job result.
type Handler func(ctx context.Context, run *Run) (any, error)

type Recorder interface {
	JobFinished(jobType string, status model.JobStatus)
}

type Options struct {
	Workers      int
	PollInterval time.Duration
	Logger       *slog.Logger
	Recorder     Recorder
}

type Engine struct {
	store    Store
	opts     Options
	handlers map[string]Handler
	wakeup   chan struct{}

	mu      sync.Mutex
	active  map[string]*Run
	started bool
	cancel  context.CancelFunc
	g       *errgroup.Group
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:    store,
		opts:     opts,
		handlers: map[string]Handler{},
		wakeup:   make(chan struct{}, 1),
		active:   map[string]*Run{},
	}
}

// Register binds a handler to a job type. Call before Start.
func (e *Engine) Register(jobType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = h
}

func (e *Engine) handler(jobType string) (Handler, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handlers[jobType]
	return h, ok
}

// Start settles jobs interrupted by a previous process and launches the
// workers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	failed, cancelled, err := e.store.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if n := len(failed) + len(cancelled); n > 0 {
		e.opts.Logger.Warn("settled interrupted jobs", "failed", len(failed), "cancelled", len(cancelled))
	}

	wctx, cancel := context.WithCancel(ctx)
	g := &errgroup.Group{}
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			e.worker(wctx)
			return nil
		})
	}
	e.mu.Lock()
	e.cancel = cancel
	e.g = g
	e.mu.Unlock()
	e.wake()
	return nil
}

// Shutdown stops the workers and waits up to timeout for running handlers
// to return.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.mu.Lock()
	cancel, g := e.cancel, e.g
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timed out waiting for job workers")
	}
}

// Submit creates a queued job and returns it without waiting for it to run.
func (e *Engine) Submit(ctx context.Context, jobType string, params any) (model.Job, error) {
	if _, ok := e.handler(jobType); !ok {
		return model.Job{}, fmt.Errorf("%w: %s", model.ErrUnknownJobType, jobType)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return model.Job{}, err
	}
	now := time.Now().UTC()
	job := model.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    model.JobQueued,
		Params:    raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}
	_ = e.appendLog(ctx, job.ID, model.LogInfo, "Job queued", map[string]any{"job_type": jobType})
	e.wake()
	return e.store.GetJob(ctx, job.ID)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: job input is not valid JSON", model.ErrInvalidInput)
		}
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return b, nil
}

// Cancel requests cancellation. A queued job is cancelled at once; a
// running job is signalled and finishes cooperatively. A finished job is
// returned unchanged with requested=false.
func (e *Engine) Cancel(ctx context.Context, id string) (model.Job, bool, error) {
	job, requested, err := e.store.RequestCancel(ctx, id)
	if err != nil {
		return model.Job{}, false, err
	}
	if !requested {
		return job, false, nil
	}
	switch job.Status {
	case model.JobCancelled:
		e.opts.Logger.Warn("Job cancelled before start", "job_id", id)
		e.finished(job.Type, model.JobCancelled)
	case model.JobCancelling:
		e.mu.Lock()
		if run, ok := e.active[id]; ok {
			run.cancelled.Store(true)
		}
		e.mu.Unlock()
		_ = e.appendLog(ctx, id, model.LogWarn, "Cancel requested", nil)
	}
	return job, true, nil
}

func (e *Engine) Get(ctx context.Context, id string) (model.Job, error) {
	return e.store.GetJob(ctx, id)
}

func (e *Engine) List(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	return e.store.ListJobs(ctx, f)
}

// Log returns entries after afterSeq. Pass the last seq seen to poll.
func (e *Engine) Log(ctx context.Context, id string, afterSeq int64, limit int) ([]model.JobLogEntry, error) {
	if _, err := e.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListJobLogs(ctx, id, afterSeq, limit)
}

// Wait polls until the job reaches a terminal status or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string, every time.Duration) (model.Job, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		job, err := e.store.GetJob(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-t.C:
		}
	}
}

func (e *Engine) wake() {
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

func (e *Engine) worker(ctx context.Context) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		for e.runNext(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wakeup:
		}
	}
}

func (e *Engine) runNext(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	job, ok, err := e.store.ClaimNextQueued(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.opts.Logger.Error("claim job", "error", err)
		}
		return false
	}
	if !ok {
		return false
	}
	e.execute(ctx, job)
	return true
}

func (e *Engine) execute(ctx context.Context, job model.Job) {
	bg := context.WithoutCancel(ctx)
	run := &Run{job: job, engine: e}

	e.mu.Lock()
	e.active[job.ID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, job.ID)
		e.mu.Unlock()
	}()
	// A cancel that landed between the claim and registration above.
	if current, err := e.store.GetJob(bg, job.ID); err == nil && current.CancelRequested {
		run.cancelled.Store(true)
	}

	h, ok := e.handler(job.Type)
	if !ok {
		e.finish(bg, job, model.JobFailed, nil, fmt.Errorf("%w: %s", model.ErrUnknownJobType, job.Type))
		return
	}

	run.Log(model.LogInfo, "Job started", nil)
	result, err := invoke(ctx, h, run)
	switch {
	case errors.Is(err, ErrCancelled):
		// A handler may return partial results alongside ErrCancelled.
		var raw json.RawMessage
		if result != nil {
			raw, _ = json.Marshal(result)
		}
		e.finish(bg, job, model.JobCancelled, raw, nil)
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		e.finish(bg, job, model.JobFailed, nil, fmt.Errorf("%w: interrupted by shutdown", model.ErrJobAborted))
	case err != nil:
		e.finish(bg, job, model.JobFailed, nil, err)
	default:
		raw, merr := json.Marshal(result)
		if merr != nil {
			e.finish(bg, job, model.JobFailed, nil, fmt.Errorf("encode result: %w", merr))
			return
		}
		e.finish(bg, job, model.JobSucceeded, raw, nil)
	}
}

func invoke(ctx context.Context, h Handler, run *Run) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			run.engine.opts.Logger.Error("job handler panicked", "job_id", run.job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, run)
}

func (e *Engine) finish(ctx context.Context, job model.Job, status model.JobStatus, result json.RawMessage, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	final := model.JobLogEntry{}
	switch status {
	case model.JobSucceeded:
		final.Level, final.Message = model.LogInfo, "Job succeeded"
	case model.JobCancelled:
		final.Level, final.Message = model.LogWarn, "Job cancelled"
	case model.JobFailed:
		final.Level, final.Message = model.LogError, "Job failed"
		final.Data, _ = json.Marshal(map[string]any{"error": msg})
	}
	ok, err := e.store.FinishJob(ctx, job.ID, status, result, msg, final)
	if err != nil {
		e.opts.Logger.Error("finish job", "job_id", job.ID, "status", status, "error", err)
		return
	}
	if !ok {
		e.opts.Logger.Warn("job already settled, outcome dropped", "job_id", job.ID, "status", status)
		return
	}
	e.opts.Logger.Log(ctx, slogLevel(final.Level), final.Message, "job_id", job.ID)
	e.finished(job.Type, status)
}

func (e *Engine) finished(jobType string, status model.JobStatus) {
	if e.opts.Recorder != nil {
		e.opts.Recorder.JobFinished(jobType, status)
	}
}

// appendLog writes to the job log and mirrors the line to the process log.
// It returns model.ErrJobNotActive once the job is terminal.
func (e *Engine) appendLog(ctx context.Context, jobID string, level model.LogLevel, msg string, data map[string]any) error {
	entry := model.JobLogEntry{JobID: jobID, Level: level, Message: msg}
	if len(data) > 0 {
		if raw, err := json.Marshal(data); err == nil {
			entry.Data = raw
		}
	}
	_, err := e.store.AppendJobLog(ctx, entry)
	switch {
	case errors.Is(err, model.ErrJobNotActive):
		e.opts.Logger.Warn("job log closed, entry dropped", "job_id", jobID, "message", msg)
		return err
	case err != nil:
		e.opts.Logger.Error("append job log", "job_id", jobID, "error", err)
	}
	e.opts.Logger.Log(ctx, slogLevel(level), msg, "job_id", jobID)
	return err
}

func slogLevel(l model.LogLevel) slog.Level {
	switch l {
	case model.LogDebug:
		return slog.LevelDebug
	case model.LogWarn:
		return slog.LevelWarn
	case model.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
