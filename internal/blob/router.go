package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/h8rt3rmin8r/faceforge/internal/config"
	"github.com/h8rt3rmin8r/faceforge/internal/contenthash"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

const defaultKind = "file"

// FallbackRecorder observes writes that were redirected to the local provider.
type FallbackRecorder interface {
	StorageFallback(reason string)
}

// StoreRequest describes a staged, fully hashed upload.
type StoreRequest struct {
	Kind   string
	Size   int64
	Digest contenthash.Digest
	// Path is the staged file. Store consumes it on success.
	Path string
}

// Placement is where Store put the bytes.
type Placement struct {
	Location  model.Location
	Size      int64
	Preferred string
	FellBack  bool
}

// Router picks a provider per upload and falls back to the local provider
// when the remote one cannot take the write.
type Router struct {
	local  Provider
	remote Provider
	rules  config.RoutingConfig

	probeTimeout time.Duration
	probeTTL     time.Duration
	log          *slog.Logger
	recorder     FallbackRecorder
	now          func() time.Time

	mu       sync.Mutex
	probedAt time.Time
	probeErr error
}

type RouterOption func(*Router)

func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.log = l } }

func WithProbeTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.probeTimeout = d }
}

func WithProbeTTL(d time.Duration) RouterOption { return func(r *Router) { r.probeTTL = d } }

func WithFallbackRecorder(fr FallbackRecorder) RouterOption {
	return func(r *Router) { r.recorder = fr }
}

// NewRouter builds a router over a required local provider and an optional
// remote one (nil when s3 is not configured).
func NewRouter(local, remote Provider, rules config.RoutingConfig, opts ...RouterOption) *Router {
	r := &Router{
		local:        local,
		remote:       remote,
		rules:        rules,
		probeTimeout: 2 * time.Second,
		probeTTL:     time.Second,
		log:          slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route applies the routing rules: kind map, then the s3 size threshold,
// then the default provider.
func (r *Router) Route(kind string, size int64) string {
	kind = NormalizeKind(kind)
	if p, ok := r.rules.KindMap[kind]; ok && p != "" {
		return p
	}
	if threshold := r.rules.S3MinSizeBytes; threshold != nil {
		if size >= *threshold {
			return model.ProviderS3
		}
		return model.ProviderFS
	}
	if r.rules.DefaultProvider == "" {
		return model.ProviderFS
	}
	return r.rules.DefaultProvider
}

func NormalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return defaultKind
	}
	return kind
}

// Store writes the staged file to the routed provider. A remote that is
// unreachable, or fails the write as unavailable, sends the bytes to the
// local provider instead. A local failure has nowhere left to go.
func (r *Router) Store(ctx context.Context, req StoreRequest) (Placement, error) {
	preferred := r.Route(req.Kind, req.Size)
	if preferred == model.ProviderS3 {
		reason := ""
		switch {
		case r.remote == nil:
			reason = "not_configured"
		case r.reachable(ctx) != nil:
			reason = "unreachable"
		default:
			loc, n, err := r.put(ctx, r.remote, req)
			if err == nil {
				return Placement{Location: loc, Size: n, Preferred: preferred}, nil
			}
			if !errors.Is(err, model.ErrBackendUnavailable) {
				return Placement{}, err
			}
			r.markUnreachable(err)
			reason = "write_failed"
			r.log.Warn("remote write failed, falling back to fs", "asset_id", req.Digest, "error", err)
		}
		if r.recorder != nil {
			r.recorder.StorageFallback(reason)
		}
		if reason != "not_configured" {
			r.log.Warn("storage fallback", "asset_id", req.Digest, "preferred", preferred, "reason", reason)
		}
		loc, n, err := r.put(ctx, r.local, req)
		if err != nil {
			return Placement{}, fmt.Errorf("store on fs: %w", err)
		}
		return Placement{Location: loc, Size: n, Preferred: preferred, FellBack: reason != "not_configured"}, nil
	}

	loc, n, err := r.put(ctx, r.local, req)
	if err != nil {
		return Placement{}, fmt.Errorf("store on fs: %w", err)
	}
	return Placement{Location: loc, Size: n, Preferred: preferred}, nil
}

func (r *Router) put(ctx context.Context, p Provider, req StoreRequest) (model.Location, int64, error) {
	key := p.KeyFor(req.Digest)
	loc := model.Location{Provider: p.Kind(), Bucket: p.Bucket(), Key: key}
	if fp, ok := p.(FilePutter); ok {
		n, err := fp.PutFile(ctx, key, req.Path)
		return loc, n, err
	}
	f, err := os.Open(req.Path)
	if err != nil {
		return loc, 0, err
	}
	n, err := p.Put(ctx, key, f)
	f.Close()
	if err != nil {
		return loc, 0, err
	}
	_ = os.Remove(req.Path)
	return loc, n, nil
}

func (r *Router) reachable(ctx context.Context) error {
	prober, ok := r.remote.(Prober)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.probedAt.IsZero() && r.now().Sub(r.probedAt) < r.probeTTL {
		return r.probeErr
	}
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	err := prober.Probe(pctx)
	r.probedAt = r.now()
	r.probeErr = err
	if err != nil {
		r.log.Warn("remote storage probe failed", "provider", r.remote.Kind(), "error", err)
	}
	return err
}

func (r *Router) markUnreachable(err error) {
	r.mu.Lock()
	r.probedAt = r.now()
	r.probeErr = err
	r.mu.Unlock()
}

// Provider returns the provider that serves reads for a recorded location.
func (r *Router) Provider(name string) (Provider, error) {
	switch name {
	case model.ProviderFS, "":
		return r.local, nil
	case model.ProviderS3:
		if r.remote == nil {
			return nil, fmt.Errorf("%w: s3 is not configured", model.ErrBackendUnavailable)
		}
		return r.remote, nil
	}
	return nil, fmt.Errorf("%w: unknown provider %q", model.ErrBackendUnavailable, name)
}

// Local is the always-available provider.
func (r *Router) Local() Provider { return r.local }
