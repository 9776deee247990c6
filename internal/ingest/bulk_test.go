package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h8rt3rmin8r/faceforge/internal/config"
	"github.com/h8rt3rmin8r/faceforge/internal/jobs"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func startBulk(t *testing.T, h *harness, b *BulkImporter) *jobs.Engine {
	t.Helper()
	e := jobs.NewEngine(h.st, jobs.Options{Workers: 1, PollInterval: 20 * time.Millisecond})
	e.Register(BulkImportJobType, b.Handle)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(5 * time.Second) })
	return e
}

func runBulk(t *testing.T, e *jobs.Engine, params BulkParams) (model.Job, BulkResult) {
	t.Helper()
	job, err := e.Submit(context.Background(), BulkImportJobType, params)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	job, err = e.Wait(ctx, job.ID, 10*time.Millisecond)
	require.NoError(t, err)
	var res BulkResult
	if len(job.Result) > 0 {
		require.NoError(t, json.Unmarshal(job.Result, &res))
	}
	return job, res
}

func logMessages(t *testing.T, e *jobs.Engine, id string) []string {
	t.Helper()
	entries, err := e.Log(context.Background(), id, 0, 1000)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		out = append(out, en.Message)
	}
	return out
}

func TestListFilesSortsAndSkipsSidecars(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.jpg"), "b")
	writeFile(t, filepath.Join(dir, "A.jpg"), "a")
	writeFile(t, filepath.Join(dir, "A.jpg_meta.json"), `{}`)
	writeFile(t, filepath.Join(dir, "sub", "c.png"), "c")

	all, err := ListFiles(dir, true)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "A.jpg"),
		filepath.Join(dir, "b.jpg"),
		filepath.Join(dir, "sub", "c.png"),
	}, all)

	top, err := ListFiles(dir, false)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestSidecarCandidates(t *testing.T) {
	got := SidecarCandidates(filepath.Join("d", "photo.jpg"))
	assert.Equal(t, []string{
		filepath.Join("d", "photo.jpg_meta.json"),
		filepath.Join("d", "photo.jpg._meta.json"),
		filepath.Join("d", "photo_meta.json"),
		filepath.Join("d", "photo._meta.json"),
	}, got)
	assert.True(t, IsSidecar("X._META.json"))
	assert.False(t, IsSidecar("meta.json"))
}

func TestBulkImportImportsAndSkipsExisting(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "one.txt"), "one")
	writeFile(t, filepath.Join(src, "one_meta.json"), `{"person":"x"}`)
	writeFile(t, filepath.Join(src, "two.txt"), "two")
	writeFile(t, filepath.Join(src, "nested", "dupe.txt"), "one")
	writeFile(t, filepath.Join(src, "empty.txt"), "")
	writeFile(t, filepath.Join(src, "bad.txt"), "bad")
	writeFile(t, filepath.Join(src, "bad.txt_meta.json"), `{broken`)

	e := startBulk(t, h, NewBulkImporter(h.svc))
	job, res := runBulk(t, e, BulkParams{Path: src, Kind: "photo"})

	require.Equal(t, model.JobSucceeded, job.Status, job.Error)
	assert.Equal(t, 100.0, job.Progress)
	assert.Equal(t, BulkResult{Path: src, Imported: 3, SkippedExisting: 1, SkippedEmpty: 1}, res)

	msgs := logMessages(t, e, job.ID)
	assert.Contains(t, msgs, "Bulk import discovered files")
	assert.Contains(t, msgs, "Imported")
	assert.Contains(t, msgs, "Skipped (already imported)")
	assert.Contains(t, msgs, "Skipped empty file")
	assert.Contains(t, msgs, "Sidecar JSON skipped")

	assets, err := h.st.ListAssets(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, assets, 3)
	for _, a := range assets {
		assert.Equal(t, "photo", a.Kind)
	}
	assert.Equal(t, 3, h.extract.count())

	links, err := h.st.ListAssetLinks(context.Background(), assets[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, links)
	assert.Equal(t, OriginBulkImport, links[0].Origin)

	// The sidecar of one.txt lands on its asset.
	var oneID string
	for _, a := range assets {
		if a.Filename == "one.txt" || a.Filename == "dupe.txt" {
			oneID = a.ID
		}
	}
	require.NotEmpty(t, oneID)
	entries, err := h.st.ListMetadata(context.Background(), oneID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"person":"x"}`, string(entries[0].Data))

	// A second run finds everything already imported.
	job, res = runBulk(t, e, BulkParams{Path: src})
	require.Equal(t, model.JobSucceeded, job.Status)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 4, res.SkippedExisting)
}

func TestBulkImportMissingDirectoryFails(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	e := startBulk(t, h, NewBulkImporter(h.svc))

	job, _ := runBulk(t, e, BulkParams{Path: filepath.Join(t.TempDir(), "nope")})
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "existing directory")

	job, _ = runBulk(t, e, BulkParams{})
	assert.Equal(t, model.JobFailed, job.Status)
}

func TestBulkImportEmptyDirectory(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	e := startBulk(t, h, NewBulkImporter(h.svc))

	job, res := runBulk(t, e, BulkParams{Path: t.TempDir()})
	assert.Equal(t, model.JobSucceeded, job.Status)
	assert.Equal(t, 0, res.Imported)
}

func TestBulkImportCancelKeepsImportedAssets(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	src := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		writeFile(t, filepath.Join(src, name+".txt"), "content "+name)
	}

	b := NewBulkImporter(h.svc)
	var e *jobs.Engine
	var jobID string
	ready := make(chan struct{})
	b.afterFile = func(i int) {
		if i == 1 {
			<-ready
			_, _, err := e.Cancel(context.Background(), jobID)
			assert.NoError(t, err)
		}
	}
	e = startBulk(t, h, b)
	job, err := e.Submit(context.Background(), BulkImportJobType, BulkParams{Path: src})
	require.NoError(t, err)
	jobID = job.ID
	close(ready)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	job, err = e.Wait(ctx, job.ID, 10*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, model.JobCancelled, job.Status)
	var res BulkResult
	require.NoError(t, json.Unmarshal(job.Result, &res))
	assert.True(t, res.Cancelled)
	assert.Equal(t, 2, res.Imported)

	n, err := h.st.CountAssets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Contains(t, logMessages(t, e, job.ID), "Bulk import cancelled")
}

func TestBulkImportAbortsWhenRootDisappears(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(src, "a.txt"), "a")
	writeFile(t, filepath.Join(src, "b.txt"), "b")

	b := NewBulkImporter(h.svc)
	b.afterFile = func(i int) {
		if i == 0 {
			assert.NoError(t, os.RemoveAll(src))
		}
	}
	e := startBulk(t, h, b)

	job, _ := runBulk(t, e, BulkParams{Path: src})
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, model.ErrJobAborted.Error())

	n, err := h.st.CountAssets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
