package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/h8rt3rmin8r/faceforge/internal/ingest"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
	"github.com/h8rt3rmin8r/faceforge/internal/retrieval"
)

type uploadResponse struct {
	AssetID             string `json:"asset_id"`
	ContentHash         string `json:"content_hash"`
	SizeBytes           int64  `json:"size_bytes"`
	StorageProviderUsed string `json:"storage_provider_used"`
	Deduplicated        bool   `json:"deduplicated"`
	FellBack            bool   `json:"fell_back"`
	LinkID              string `json:"link_id"`
}

// handleUpload streams a multipart upload into the ingest service without
// buffering the file in memory. The optional "kind" and "meta" fields are
// only honored when they precede the "file" part.
func (s Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mr, err := r.MultipartReader()
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}

	req := ingest.Request{
		Kind:         r.URL.Query().Get("kind"),
		ExpectedHash: strings.TrimSpace(r.Header.Get("X-Content-SHA256")),
		Origin:       ingest.OriginUpload,
		Extract:      ingest.ExtractAsync,
	}
	if v, _ := strconv.ParseBool(r.URL.Query().Get("wait_for_extraction")); v {
		req.Extract = ingest.ExtractInline
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'file' part"))
			return
		}
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("read multipart: %w", err))
			return
		}

		switch part.FormName() {
		case "kind":
			b, err := io.ReadAll(io.LimitReader(part, 256))
			if err != nil {
				writeErr(w, http.StatusBadRequest, fmt.Errorf("read kind: %w", err))
				return
			}
			req.Kind = strings.TrimSpace(string(b))
		case "meta":
			b, err := io.ReadAll(io.LimitReader(part, maxMetaPart+1))
			if err != nil {
				writeErr(w, http.StatusBadRequest, fmt.Errorf("read meta: %w", err))
				return
			}
			if len(b) > maxMetaPart {
				writeErr(w, http.StatusRequestEntityTooLarge, fmt.Errorf("meta exceeds %d bytes", maxMetaPart))
				return
			}
			name := part.FileName()
			if name == "" {
				name = "_meta.json"
			}
			req.Sidecar = &ingest.Sidecar{Name: name, Data: json.RawMessage(b)}
		case "file":
			req.Body = part
			req.Filename = part.FileName()
			req.MimeType = part.Header.Get("Content-Type")
			s.ingestPart(w, r, req)
			_ = part.Close()
			return
		default:
			_, _ = io.Copy(io.Discard, part)
		}
		_ = part.Close()
		if ctx.Err() != nil {
			return
		}
	}
}

func (s Server) ingestPart(w http.ResponseWriter, r *http.Request, req ingest.Request) {
	res, err := s.Ingest.Ingest(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.logger().Error("upload failed", "filename", req.Filename, "error", err)
		}
		writeErr(w, code, err)
		return
	}
	code := http.StatusCreated
	if res.Deduplicated {
		code = http.StatusOK
	}
	writeJSON(w, code, uploadResponse{
		AssetID:             res.AssetID(),
		ContentHash:         res.ContentHash(),
		SizeBytes:           res.SizeBytes(),
		StorageProviderUsed: res.StorageProviderUsed(),
		Deduplicated:        res.Deduplicated,
		FellBack:            res.FellBack,
		LinkID:              res.LinkID,
	})
}

func (s Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := queryInt(r, "limit", 50, 500)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	offset, err := queryInt(r, "offset", 0, 0)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	assets, err := s.Store.ListAssets(ctx, limit, offset)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	total, err := s.Store.CountAssets(ctx)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  assets,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	asset, err := s.Store.GetAsset(ctx, id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	meta, err := s.Store.ListMetadata(ctx, id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	links, err := s.Store.ListAssetLinks(ctx, id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if meta == nil {
		meta = []model.MetadataEntry{}
	}
	if links == nil {
		links = []model.AssetLink{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":    asset,
		"metadata": meta,
		"links":    links,
	})
}

// handleDownload serves asset bytes with single-range support. Errors after
// the first byte abort the connection so the client sees a short read.
func (s Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	rangeHeader := r.Header.Get("Range")
	ifRange := r.Header.Get("If-Range")

	var (
		resp *retrieval.Response
		err  error
	)
	if r.Method == http.MethodHead {
		resp, err = s.Gateway.Resolve(ctx, id, rangeHeader, ifRange)
	} else {
		resp, err = s.Gateway.Open(ctx, id, rangeHeader, ifRange)
	}
	if err != nil {
		if errors.Is(err, model.ErrRangeNotSatisfiable) && resp != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", resp.Size))
		}
		writeErr(w, statusFor(err), err)
		return
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	etag := retrieval.ETag(resp.Asset)
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	if inm := r.Header.Get("If-None-Match"); inm != "" && (inm == etag || inm == "*") {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	contentType := resp.Asset.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	h.Set("Content-Disposition", contentDisposition(resp.Asset.Filename))

	code := http.StatusOK
	if resp.Partial {
		h.Set("Content-Range", resp.Range.ContentRange(resp.Size))
		code = http.StatusPartialContent
	}
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		if ctx.Err() == nil {
			s.logger().Error("stream asset", "asset_id", resp.Asset.ID, "error", err)
		}
		panic(http.ErrAbortHandler)
	}
}

func (s Server) handleBulkImport(w http.ResponseWriter, r *http.Request) {
	var params ingest.BulkParams
	if err := decodeJSON(r, &params); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if strings.TrimSpace(params.Path) == "" {
		writeErr(w, http.StatusUnprocessableEntity, fmt.Errorf("%w: path is required", model.ErrInvalidInput))
		return
	}
	job, err := s.Jobs.Submit(r.Context(), ingest.BulkImportJobType, params)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "job": job})
}
