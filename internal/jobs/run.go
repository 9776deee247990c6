package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

// Run is the handle a handler uses to report on its job. It is safe for
// concurrent use.
type Run struct {
	job       model.Job
	engine    *Engine
	cancelled atomic.Bool

	mu       sync.Mutex
	progress float64
}

func (r *Run) ID() string   { return r.job.ID }
func (r *Run) Type() string { return r.job.Type }

// Params decodes the job input into v.
func (r *Run) Params(v any) error {
	if len(r.job.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.job.Params, v); err != nil {
		return fmt.Errorf("%w: job input: %v", model.ErrInvalidInput, err)
	}
	return nil
}

// Cancelled reports whether cancellation was requested. Handlers check it
// between units of work and return ErrCancelled.
func (r *Run) Cancelled() bool { return r.cancelled.Load() }

// Log appends to the job log. If the job was settled elsewhere, for
// example by another process recovering it, the line is dropped and the run
// reports Cancelled from then on.
func (r *Run) Log(level model.LogLevel, msg string, data map[string]any) {
	err := r.engine.appendLog(context.Background(), r.job.ID, level, msg, data)
	if errors.Is(err, model.ErrJobNotActive) {
		r.cancelled.Store(true)
	}
}

// Progress records percent complete (0-100) and the current step. Values
// lower than what was already reported are ignored.
func (r *Run) Progress(percent float64, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	percent = min(max(percent, 0), 100)
	if percent < r.progress {
		percent = r.progress
	}
	r.progress = percent
	err := r.engine.store.UpdateProgress(context.Background(), r.job.ID, percent, step)
	switch {
	case errors.Is(err, model.ErrJobNotActive):
		r.cancelled.Store(true)
	case err != nil:
		r.engine.opts.Logger.Error("update job progress", "job_id", r.job.ID, "error", err)
	}
}
