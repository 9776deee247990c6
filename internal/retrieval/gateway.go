// Package retrieval streams stored assets back to clients, whole or by byte
// range, from whichever provider holds them.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/h8rt3rmin8r/faceforge/internal/blob"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

type AssetStore interface {
	GetAsset(ctx context.Context, id string) (model.Asset, error)
}

type ProviderResolver interface {
	Provider(name string) (blob.Provider, error)
}

type Recorder interface {
	BytesServed(n int64)
}

type Gateway struct {
	assets    AssetStore
	providers ProviderResolver
	log       *slog.Logger
	recorder  Recorder
}

func NewGateway(assets AssetStore, providers ProviderResolver, log *slog.Logger, recorder Recorder) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{assets: assets, providers: providers, log: log, recorder: recorder}
}

// Response describes what will be served. Body is nil for Resolve.
type Response struct {
	Asset         model.Asset
	Body          io.ReadCloser
	Size          int64
	Range         ByteRange
	Partial       bool
	ContentLength int64
}

// ETag is the strong validator for an asset.
func ETag(a model.Asset) string { return `"` + a.ID + `"` }

// Resolve looks up the asset and works out the span to serve without
// touching the provider.
func (g *Gateway) Resolve(ctx context.Context, assetID, rangeHeader, ifRange string) (*Response, error) {
	a, err := g.assets.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	resp := &Response{Asset: a, Size: a.SizeBytes, ContentLength: a.SizeBytes}
	if a.SizeBytes > 0 {
		resp.Range = ByteRange{Start: 0, End: a.SizeBytes - 1}
	}
	if ifRange != "" && ifRange != ETag(a) {
		rangeHeader = ""
	}
	br, ok, err := ParseRange(rangeHeader, a.SizeBytes)
	if err != nil {
		return resp, err
	}
	if ok {
		resp.Range = br
		resp.Partial = true
		resp.ContentLength = br.Length()
	}
	return resp, nil
}

// Open resolves the asset and opens its bytes. The body fails with
// io.ErrUnexpectedEOF if the provider delivers fewer bytes than promised.
// On ErrRangeNotSatisfiable the returned Response still carries the asset so
// callers can report its size.
func (g *Gateway) Open(ctx context.Context, assetID, rangeHeader, ifRange string) (*Response, error) {
	resp, err := g.Resolve(ctx, assetID, rangeHeader, ifRange)
	if err != nil {
		return resp, err
	}
	if resp.ContentLength == 0 {
		resp.Body = io.NopCloser(eofReader{})
		return resp, nil
	}
	p, err := g.providers.Provider(resp.Asset.Location.Provider)
	if err != nil {
		return nil, err
	}
	rc, err := p.GetRange(ctx, resp.Asset.Location.Key, resp.Range.Start, resp.ContentLength)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			g.log.Error("asset bytes missing from provider",
				"asset_id", resp.Asset.ID, "provider", resp.Asset.Location.Provider, "key", resp.Asset.Location.Key)
		}
		return nil, fmt.Errorf("open %s: %w", resp.Asset.ID, err)
	}
	resp.Body = &exactReader{rc: rc, remaining: resp.ContentLength, recorder: g.recorder}
	return resp, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// exactReader yields exactly remaining bytes, turning an early EOF into
// io.ErrUnexpectedEOF.
type exactReader struct {
	rc        io.ReadCloser
	remaining int64
	served    int64
	recorder  Recorder
	closed    bool
}

func (r *exactReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.rc.Read(p)
	r.remaining -= int64(n)
	r.served += int64(n)
	if err == io.EOF {
		if r.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, io.EOF
	}
	if err == nil && r.remaining == 0 {
		return n, io.EOF
	}
	return n, err
}

func (r *exactReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.recorder != nil {
		r.recorder.BytesServed(r.served)
	}
	return r.rc.Close()
}
