// Package ingest turns incoming bytes into stored, deduplicated asset
// records. Uploads and bulk imports share the same path.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/h8rt3rmin8r/faceforge/internal/blob"
	"github.com/h8rt3rmin8r/faceforge/internal/contenthash"
	"github.com/h8rt3rmin8r/faceforge/internal/extract"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

// Link origins.
const (
	OriginUpload     = "upload"
	OriginBulkImport = "bulk_import"
)

// Store persists asset records, their links and metadata entries.
type Store interface {
	FindAssetByHash(ctx context.Context, hash string) (model.Asset, error)
	CreateAsset(ctx context.Context, a model.Asset) (model.Asset, bool, error)
	AddAssetLink(ctx context.Context, link model.AssetLink) error
	AppendMetadata(ctx context.Context, e model.MetadataEntry) (model.MetadataEntry, error)
}

// Placer writes staged bytes to a provider and resolves providers by name.
type Placer interface {
	Store(ctx context.Context, req blob.StoreRequest) (blob.Placement, error)
	Provider(name string) (blob.Provider, error)
}

// Extraction accepts newly stored assets for metadata extraction.
type Extraction interface {
	Enqueue(t extract.Task) bool
	Submit(ctx context.Context, t extract.Task) error
	Run(ctx context.Context, t extract.Task) error
}

// Recorder counts upload outcomes.
type Recorder interface {
	Upload(provider, outcome string)
	DedupHit()
}

// ExtractMode selects how a newly stored asset is handed to extraction.
type ExtractMode int

const (
	// ExtractAsync queues without blocking; a full queue drops the task.
	ExtractAsync ExtractMode = iota
	// ExtractQueued waits for room in the queue.
	ExtractQueued
	// ExtractInline runs extraction before Ingest returns.
	ExtractInline
)

type Options struct {
	Store      Store
	Router     Placer
	Extraction Extraction
	StagingDir string
	Logger     *slog.Logger
	Recorder   Recorder
}

type Service struct {
	opts Options
}

func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{opts: opts}
}

// Sidecar is a companion JSON document stored alongside the asset.
type Sidecar struct {
	Name string
	Data json.RawMessage
}

type Request struct {
	Body     io.Reader
	Filename string
	Kind     string
	MimeType string
	// ExpectedHash, when set, must match the digest of Body.
	ExpectedHash string
	Sidecar      *Sidecar
	Origin       string
	Extract      ExtractMode
}

type Result struct {
	Asset        model.Asset
	Deduplicated bool
	FellBack     bool
	LinkID       string
}

func (r Result) AssetID() string             { return r.Asset.ID }
func (r Result) ContentHash() string         { return r.Asset.ContentHash }
func (r Result) SizeBytes() int64            { return r.Asset.SizeBytes }
func (r Result) StorageProviderUsed() string { return r.Asset.Location.Provider }

// Ingest stages and hashes the body, then stores it once per distinct
// content. Nothing is recorded unless the stored copy is complete.
func (s *Service) Ingest(ctx context.Context, req Request) (Result, error) {
	if req.Sidecar != nil {
		if err := ValidateSidecar(req.Sidecar.Data); err != nil {
			return Result{}, err
		}
	}
	filename := cleanFilename(req.Filename)
	kind := blob.NormalizeKind(req.Kind)
	origin := req.Origin
	if origin == "" {
		origin = OriginUpload
	}

	staged, err := s.stage(ctx, req.Body)
	if err != nil {
		return Result{}, err
	}
	defer staged.cleanup()

	if staged.size == 0 {
		return Result{}, model.ErrEmptyUpload
	}
	if req.ExpectedHash != "" {
		want, err := contenthash.Parse(req.ExpectedHash)
		if err != nil {
			return Result{}, err
		}
		if want != staged.digest {
			return Result{}, fmt.Errorf("%w: expected sha256 %s, got %s", model.ErrCorruptWrite, want, staged.digest)
		}
	}

	existing, err := s.opts.Store.FindAssetByHash(ctx, staged.digest.String())
	switch {
	case err == nil:
		res := Result{Asset: existing, Deduplicated: true}
		if err := s.attach(ctx, &res, filename, kind, origin, req.Sidecar); err != nil {
			return Result{}, err
		}
		s.recordDedup(existing.Location.Provider)
		return res, nil
	case !errors.Is(err, model.ErrNotFound):
		return Result{}, fmt.Errorf("lookup asset: %w", err)
	}

	placement, err := s.opts.Router.Store(ctx, blob.StoreRequest{
		Kind:   kind,
		Size:   staged.size,
		Digest: staged.digest,
		Path:   staged.path,
	})
	if err != nil {
		s.record(model.ProviderFS, "failed")
		return Result{}, err
	}
	if placement.Size != staged.size {
		s.discard(ctx, placement.Location)
		s.record(placement.Location.Provider, "failed")
		return Result{}, fmt.Errorf("%w: stored %d bytes, received %d", model.ErrCorruptWrite, placement.Size, staged.size)
	}

	asset, created, err := s.opts.Store.CreateAsset(ctx, model.Asset{
		ID:          staged.digest.String(),
		ContentHash: staged.digest.String(),
		Kind:        kind,
		Filename:    filename,
		MimeType:    detectMime(req.MimeType, filename, staged.head),
		SizeBytes:   staged.size,
		Location:    placement.Location,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create asset: %w", err)
	}
	res := Result{Asset: asset, Deduplicated: !created, FellBack: placement.FellBack}
	if !created {
		// Another ingestion of the same bytes won the insert.
		if asset.Location != placement.Location {
			s.discard(ctx, placement.Location)
		}
		res.FellBack = false
	}

	if err := s.attach(ctx, &res, filename, kind, origin, req.Sidecar); err != nil {
		return Result{}, err
	}
	if !created {
		s.recordDedup(asset.Location.Provider)
		return res, nil
	}
	s.record(asset.Location.Provider, "stored")
	s.opts.Logger.Info("asset stored",
		"asset_id", asset.ID, "provider", asset.Location.Provider, "size_bytes", asset.SizeBytes,
		"fell_back", placement.FellBack)

	if err := s.scheduleExtraction(ctx, req.Extract, extract.Task{Asset: asset, Filename: filename}); err != nil {
		return res, err
	}
	return res, nil
}

// attach records the ingestion event and any sidecar against the asset.
func (s *Service) attach(ctx context.Context, res *Result, filename, kind, origin string, sc *Sidecar) error {
	link := model.AssetLink{
		ID:       uuid.NewString(),
		AssetID:  res.Asset.ID,
		Filename: filename,
		Kind:     kind,
		Origin:   origin,
	}
	if err := s.opts.Store.AddAssetLink(ctx, link); err != nil {
		return fmt.Errorf("add asset link: %w", err)
	}
	res.LinkID = link.ID

	if sc == nil {
		return nil
	}
	name := sc.Name
	if name == "" {
		name = "_meta.json"
	}
	_, err := s.opts.Store.AppendMetadata(ctx, model.MetadataEntry{
		AssetID: res.Asset.ID,
		Source:  model.MetadataSourceSidecar,
		Type:    model.MetadataTypeJSON,
		Name:    &name,
		Data:    sc.Data,
	})
	if err != nil {
		return fmt.Errorf("store sidecar: %w", err)
	}
	return nil
}

func (s *Service) scheduleExtraction(ctx context.Context, mode ExtractMode, t extract.Task) error {
	if s.opts.Extraction == nil {
		return nil
	}
	switch mode {
	case ExtractAsync:
		s.opts.Extraction.Enqueue(t)
	case ExtractQueued:
		if err := s.opts.Extraction.Submit(ctx, t); err != nil && ctx.Err() != nil {
			return err
		}
	case ExtractInline:
		// Failures are already logged and never fail the ingest.
		_ = s.opts.Extraction.Run(ctx, t)
	}
	return nil
}

func (s *Service) discard(ctx context.Context, loc model.Location) {
	p, err := s.opts.Router.Provider(loc.Provider)
	if err == nil {
		err = p.Delete(context.WithoutCancel(ctx), loc.Key)
	}
	if err != nil {
		s.opts.Logger.Warn("discard stored copy", "provider", loc.Provider, "key", loc.Key, "error", err)
	}
}

func (s *Service) record(provider, outcome string) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.Upload(provider, outcome)
	}
}

func (s *Service) recordDedup(provider string) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.DedupHit()
		s.opts.Recorder.Upload(provider, "deduplicated")
	}
}

type stagedFile struct {
	path   string
	digest contenthash.Digest
	size   int64
	head   []byte
}

// cleanup removes the staged file if the router has not consumed it.
func (f stagedFile) cleanup() { _ = os.Remove(f.path) }

func (s *Service) stage(ctx context.Context, body io.Reader) (stagedFile, error) {
	if body == nil {
		return stagedFile{}, model.ErrEmptyUpload
	}
	if s.opts.StagingDir != "" {
		if err := os.MkdirAll(s.opts.StagingDir, 0o755); err != nil {
			return stagedFile{}, fmt.Errorf("create staging dir: %w", err)
		}
	}
	f, err := os.CreateTemp(s.opts.StagingDir, "upload-*.part")
	if err != nil {
		return stagedFile{}, fmt.Errorf("create staging file: %w", err)
	}
	w := contenthash.NewWriter(f)
	_, err = io.Copy(w, &ctxReader{ctx: ctx, r: body})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return stagedFile{}, fmt.Errorf("stage upload: %w", err)
	}
	return stagedFile{path: f.Name(), digest: w.Sum(), size: w.Size(), head: w.Head()}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ValidateSidecar accepts any JSON document except null and "".
func ValidateSidecar(data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: sidecar must be valid JSON", model.ErrInvalidInput)
	}
	var v any
	_ = json.Unmarshal(data, &v)
	if v == nil || v == "" {
		return fmt.Errorf("%w: sidecar must be non-empty", model.ErrInvalidInput)
	}
	return nil
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	name = filepath.Base(filepath.FromSlash(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func detectMime(given, filename string, head []byte) string {
	if given != "" && given != "application/octet-stream" {
		return given
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if m := mime.TypeByExtension(ext); m != "" {
			return m
		}
	}
	if len(head) > 0 {
		return http.DetectContentType(head)
	}
	return "application/octet-stream"
}
