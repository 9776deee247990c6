// Package extract runs ExifTool over stored assets in the background and
// records the result as metadata entries.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/h8rt3rmin8r/faceforge/internal/blob"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

type Extractor interface {
	Extract(ctx context.Context, path string) (json.RawMessage, error)
}

type MetadataStore interface {
	AppendMetadata(ctx context.Context, e model.MetadataEntry) (model.MetadataEntry, error)
}

type ProviderResolver interface {
	Provider(name string) (blob.Provider, error)
}

// Recorder observes extraction outcomes. Outcomes are "ok", "failed",
// "skipped" and "dropped".
type Recorder interface {
	ExtractionOutcome(outcome string)
	ExtractionQueueDepth(n int)
}

// Task asks for one asset to be extracted. Filename is the name the bytes
// arrived under and drives the skip rules.
type Task struct {
	Asset    model.Asset
	Filename string
}

type Options struct {
	Extractor Extractor
	Store     MetadataStore
	Providers ProviderResolver
	Skipper   *Skipper
	Workers   int
	QueueSize int
	// StagingDir receives copies of remote assets for the duration of a run.
	StagingDir string
	Logger     *slog.Logger
	Recorder   Recorder
}

// Pipeline is a bounded queue of extraction tasks drained by a fixed set of
// workers. A nil Extractor disables it: every task is accepted and ignored.
type Pipeline struct {
	opts  Options
	queue chan Task

	mu      sync.RWMutex
	closed  bool
	started bool
	g       *errgroup.Group
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Skipper == nil {
		opts.Skipper = builtinSkipper
	}
	return &Pipeline{opts: opts, queue: make(chan Task, opts.QueueSize)}
}

func (p *Pipeline) Enabled() bool { return p != nil && p.opts.Extractor != nil }

// Start launches the workers. They run until Close, finishing queued work
// first; ctx bounds each extraction, not the workers' lifetime.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || !p.Enabled() {
		return
	}
	p.started = true
	p.g = &errgroup.Group{}
	for i := 0; i < p.opts.Workers; i++ {
		p.g.Go(func() error {
			for t := range p.queue {
				p.depth()
				_ = p.Run(ctx, t)
			}
			return nil
		})
	}
}

// Enqueue hands a task to the workers without blocking. It reports false
// when the task is skipped, the queue is full or the pipeline is closed.
func (p *Pipeline) Enqueue(t Task) bool {
	if !p.Enabled() {
		return false
	}
	if p.opts.Skipper.ShouldSkip(t.Filename) {
		p.outcome("skipped")
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- t:
		p.depth()
		return true
	default:
		p.outcome("dropped")
		p.opts.Logger.Warn("extraction queue full, dropping task", "asset_id", t.Asset.ID)
		return false
	}
}

// Submit hands a task to the workers, waiting for room in the queue.
func (p *Pipeline) Submit(ctx context.Context, t Task) error {
	if !p.Enabled() {
		return nil
	}
	if p.opts.Skipper.ShouldSkip(t.Filename) {
		p.outcome("skipped")
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("extraction pipeline closed")
	}
	select {
	case p.queue <- t:
		p.depth()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run extracts a task synchronously in the caller's goroutine. Failures are
// logged and returned; they never affect the asset itself.
func (p *Pipeline) Run(ctx context.Context, t Task) error {
	if !p.Enabled() {
		return nil
	}
	if p.opts.Skipper.ShouldSkip(t.Filename) {
		p.outcome("skipped")
		return nil
	}
	err := p.extract(ctx, t)
	if err != nil {
		p.outcome("failed")
		p.opts.Logger.Info("ExifTool metadata extraction failed", "asset_id", t.Asset.ID, "error", err)
		return err
	}
	p.outcome("ok")
	return nil
}

func (p *Pipeline) extract(ctx context.Context, t Task) error {
	path, cleanup, err := p.localCopy(ctx, t.Asset)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrExtractionFailed, err)
	}
	defer cleanup()

	data, err := p.opts.Extractor.Extract(ctx, path)
	if err != nil {
		return err
	}
	_, err = p.opts.Store.AppendMetadata(ctx, model.MetadataEntry{
		AssetID: t.Asset.ID,
		Source:  model.MetadataSourceExifTool,
		Type:    model.MetadataTypeJSON,
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	return nil
}

// localCopy returns a filesystem path for the asset, copying remote objects
// into the staging dir first.
func (p *Pipeline) localCopy(ctx context.Context, a model.Asset) (string, func(), error) {
	provider, err := p.opts.Providers.Provider(a.Location.Provider)
	if err != nil {
		return "", nil, err
	}
	if lp, ok := provider.(blob.LocalPather); ok {
		path, err := lp.LocalPath(a.Location.Key)
		return path, func() {}, err
	}

	rc, err := provider.GetRange(ctx, a.Location.Key, 0, -1)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()
	if p.opts.StagingDir != "" {
		if err := os.MkdirAll(p.opts.StagingDir, 0o755); err != nil {
			return "", nil, err
		}
	}
	f, err := os.CreateTemp(p.opts.StagingDir, "extract-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	_, err = io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pipeline) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	g := p.g
	p.mu.Unlock()
	if g != nil {
		return g.Wait()
	}
	return nil
}

func (p *Pipeline) outcome(o string) {
	if p.opts.Recorder != nil {
		p.opts.Recorder.ExtractionOutcome(o)
	}
}

func (p *Pipeline) depth() {
	if p.opts.Recorder != nil {
		p.opts.Recorder.ExtractionQueueDepth(len(p.queue))
	}
}
