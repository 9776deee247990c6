package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/h8rt3rmin8r/faceforge/internal/jobs"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

// BulkImportJobType is the job type served by BulkImporter.
const BulkImportJobType = "assets.bulk_import"

type BulkParams struct {
	Path       string `json:"path"`
	Recursive  *bool  `json:"recursive,omitempty"`
	Kind       string `json:"kind,omitempty"`
	ThrottleMS int    `json:"throttle_ms,omitempty"`
}

type BulkResult struct {
	Path            string `json:"path"`
	Imported        int    `json:"imported"`
	SkippedExisting int    `json:"skipped_existing"`
	SkippedEmpty    int    `json:"skipped_empty"`
	Errors          int    `json:"errors"`
	Cancelled       bool   `json:"cancelled,omitempty"`
}

// BulkImporter ingests every file under a directory as one job.
type BulkImporter struct {
	svc *Service

	// afterFile runs after each file; tests use it to act mid-run.
	afterFile func(i int)
}

func NewBulkImporter(svc *Service) *BulkImporter {
	return &BulkImporter{svc: svc}
}

// Handle is the jobs.Handler for BulkImportJobType.
func (b *BulkImporter) Handle(ctx context.Context, run *jobs.Run) (any, error) {
	var p BulkParams
	if err := run.Params(&p); err != nil {
		return nil, err
	}
	root := strings.TrimSpace(p.Path)
	if root == "" {
		return nil, fmt.Errorf("%w: path is required", model.ErrInvalidInput)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: path must be an existing directory: %s", model.ErrInvalidInput, root)
	}
	recursive := p.Recursive == nil || *p.Recursive
	throttle := time.Duration(max(p.ThrottleMS, 0)) * time.Millisecond

	files, err := ListFiles(root, recursive)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	run.Log(model.LogInfo, "Bulk import discovered files", map[string]any{
		"path": root, "files": len(files), "recursive": recursive,
	})

	res := BulkResult{Path: root}
	total := len(files)
	if total == 0 {
		run.Progress(100, "no files")
		return res, nil
	}

	for i, path := range files {
		if run.Cancelled() {
			run.Log(model.LogInfo, "Bulk import cancelled", map[string]any{"processed": i})
			res.Cancelled = true
			return res, jobs.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := os.Stat(root); err != nil {
			return res, fmt.Errorf("%w: import root is no longer available: %v", model.ErrJobAborted, err)
		}

		name := filepath.Base(path)
		run.Progress(float64(i)/float64(total)*100, "importing "+name)

		b.importFile(ctx, run, path, p.Kind, &res)
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if b.afterFile != nil {
			b.afterFile(i)
		}
		if throttle > 0 && i < total-1 {
			select {
			case <-time.After(throttle):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
	}
	run.Progress(100, "done")
	return res, nil
}

func (b *BulkImporter) importFile(ctx context.Context, run *jobs.Run, path, kind string, res *BulkResult) {
	sidecar := b.readSidecar(run, path)

	f, err := os.Open(path)
	if err != nil {
		res.Errors++
		run.Log(model.LogError, "Import failed", map[string]any{"file": path, "error": err.Error()})
		return
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		res.SkippedEmpty++
		run.Log(model.LogWarn, "Skipped empty file", map[string]any{"file": path})
		return
	}

	out, err := b.svc.Ingest(ctx, Request{
		Body:     f,
		Filename: filepath.Base(path),
		Kind:     kind,
		Sidecar:  sidecar,
		Origin:   OriginBulkImport,
		Extract:  ExtractQueued,
	})
	switch {
	case errors.Is(err, model.ErrEmptyUpload):
		res.SkippedEmpty++
		run.Log(model.LogWarn, "Skipped empty file", map[string]any{"file": path})
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		res.Errors++
		run.Log(model.LogError, "Import failed", map[string]any{"file": path, "error": err.Error()})
	case out.Deduplicated:
		res.SkippedExisting++
		run.Log(model.LogInfo, "Skipped (already imported)", map[string]any{"file": path, "asset_id": out.AssetID()})
	default:
		res.Imported++
		run.Log(model.LogInfo, "Imported", map[string]any{
			"file": path, "asset_id": out.AssetID(), "storage_provider": out.StorageProviderUsed(),
		})
	}
}

// readSidecar returns the first sidecar candidate that exists. An unreadable
// or invalid one is logged and ignored.
func (b *BulkImporter) readSidecar(run *jobs.Run, path string) *Sidecar {
	for _, cand := range SidecarCandidates(path) {
		info, err := os.Stat(cand)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(cand)
		if err == nil {
			err = ValidateSidecar(data)
		}
		if err != nil {
			run.Log(model.LogWarn, "Sidecar JSON skipped", map[string]any{
				"file": path, "sidecar": cand, "error": err.Error(),
			})
			return nil
		}
		return &Sidecar{Name: filepath.Base(cand), Data: data}
	}
	return nil
}

// SidecarCandidates lists the companion metadata names checked for path,
// in priority order.
func SidecarCandidates(path string) []string {
	dir, name := filepath.Split(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return []string{
		filepath.Join(dir, name+"_meta.json"),
		filepath.Join(dir, name+"._meta.json"),
		filepath.Join(dir, stem+"_meta.json"),
		filepath.Join(dir, stem+"._meta.json"),
	}
}

// IsSidecar reports whether name is a companion metadata file.
func IsSidecar(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), "_meta.json")
}

// ListFiles returns the regular files under root, sidecars excluded, sorted
// case-insensitively by path.
func ListFiles(root string, recursive bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || IsSidecar(d.Name()) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		return strings.ToLower(files[i]) < strings.ToLower(files[j])
	})
	return files, nil
}
