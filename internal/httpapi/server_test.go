package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h8rt3rmin8r/faceforge/internal/blob"
	"github.com/h8rt3rmin8r/faceforge/internal/blob/blobtest"
	"github.com/h8rt3rmin8r/faceforge/internal/config"
	"github.com/h8rt3rmin8r/faceforge/internal/contenthash"
	"github.com/h8rt3rmin8r/faceforge/internal/ingest"
	"github.com/h8rt3rmin8r/faceforge/internal/jobs"
	"github.com/h8rt3rmin8r/faceforge/internal/metrics"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
	"github.com/h8rt3rmin8r/faceforge/internal/retrieval"
	"github.com/h8rt3rmin8r/faceforge/internal/store"
)

type testEnv struct {
	handler http.Handler
	store   *store.SQLite
	remote  *blobtest.Memory
	engine  *jobs.Engine
}

func newTestEnv(t *testing.T, rules config.RoutingConfig) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "core.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	local, err := blob.NewLocalFS(filepath.Join(dir, "assets"))
	require.NoError(t, err)
	remote := blobtest.NewMemory(model.ProviderS3, "faceforge")
	m := metrics.New(prometheus.NewRegistry())
	router := blob.NewRouter(local, remote, rules, blob.WithProbeTTL(0), blob.WithFallbackRecorder(m))

	svc := ingest.NewService(ingest.Options{
		Store:      st,
		Router:     router,
		StagingDir: filepath.Join(dir, "staging"),
		Recorder:   m,
	})
	engine := jobs.NewEngine(st, jobs.Options{Workers: 1, PollInterval: 20 * time.Millisecond, Recorder: m})
	engine.Register(ingest.BulkImportJobType, ingest.NewBulkImporter(svc).Handle)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Shutdown(5 * time.Second) })

	srv := Server{
		Store:   st,
		Ingest:  svc,
		Gateway: retrieval.NewGateway(st, router, nil, m),
		Jobs:    engine,
		Metrics: m,
	}
	return &testEnv{handler: srv.Router(), store: st, remote: remote, engine: engine}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields [][2]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		require.NoError(t, mw.WriteField(f[0], f[1]))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, fields [][2]string, filename string, content []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, fields, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/v1/assets/upload", body)
	req.Header.Set("Content-Type", ct)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return e.do(t, req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, config.RoutingConfig{})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	env.upload(t, nil, "a.txt", []byte("a"), nil)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `faceforge_ingest_uploads_total{outcome="stored",provider="fs"} 1`)
	assert.Contains(t, rec.Body.String(), "faceforge_api_request_duration_seconds")
}

func TestUploadThenDownload(t *testing.T) {
	env := newTestEnv(t, config.RoutingConfig{})
	content := []byte("0123456789")

	rec := env.upload(t, [][2]string{{"kind", "photo"}, {"meta", `{"who":"me"}`}}, "digits.txt", content, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	up := decode[uploadResponse](t, rec)
	assert.Equal(t, contenthash.SumBytes(content).String(), up.AssetID)
	assert.Equal(t, up.AssetID, up.ContentHash)
	assert.Equal(t, int64(10), up.SizeBytes)
	assert.Equal(t, model.ProviderFS, up.StorageProviderUsed)
	assert.False(t, up.Deduplicated)

	rec = env.upload(t, nil, "again.txt", content, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[uploadResponse](t, rec).Deduplicated)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/assets/"+up.AssetID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[struct {
		Asset    model.Asset           `json:"asset"`
		Metadata []model.MetadataEntry `json:"metadata"`
		Links    []model.AssetLink     `json:"links"`
	}](t, rec)
	assert.Equal(t, "photo", detail.Asset.Kind)
	require.Len(t, detail.Metadata, 1)
	assert.JSONEq(t, `{"who":"me"}`, string(detail.Metadata[0].Data))
	assert.Len(t, detail.Links, 2)

	download := "/v1/assets/" + up.AssetID + "/download"
	rec = env.do(t, httptest.NewRequest(http.MethodGet, download, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, `"`+up.AssetID+`"`, rec.Header().Get("ETag"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "digits.txt")

	req := httptest.NewRequest(http.MethodGet, download, nil)
	req.Header.Set("Range", "bytes=2-5")
	rec = env.do(t, req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "2345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, download, nil)
	req.Header.Set("Range", "bytes=10-")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */10", rec.Header().Get("Content-Range"))

	req = httptest.NewRequest(http.MethodHead, download, nil)
	req.Header.Set("Range", "bytes=-4")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.Bytes())

	req = httptest.NewRequest(http.MethodGet, download, nil)
	req.Header.Set("If-None-Match", `"`+up.AssetID+`"`)
	rec = env.do(t, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/assets?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []model.Asset `json:"items"`
		Total int64         `json:"total"`
	}](t, rec)
	assert.Equal(t, int64(1), list.Total)
	assert.Len(t, list.Items, 1)
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t, config.RoutingConfig{})

	rec := env.upload(t, [][2]string{{"kind", "x"}}, "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.upload(t, nil, "empty.bin", []byte{}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.upload(t, nil, "x.bin", []byte("payload"), map[string]string{
		"X-Content-SHA256": contenthash.SumBytes([]byte("different")).String(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "corrupt write")

	rec = env.upload(t, [][2]string{{"meta", "not json"}}, "x.bin", []byte("payload"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/assets/upload", strings.NewReader("raw"))
	req.Header.Set("Content-Type", "text/plain")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	n, err := env.store.CountAssets(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/assets/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/assets/nope/download", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadFallsBackWhenRemoteDown(t *testing.T) {
	env := newTestEnv(t, config.RoutingConfig{DefaultProvider: model.ProviderS3})
	env.remote.SetUnavailable(true)

	rec := env.upload(t, nil, "f.bin", []byte("fallback bytes"), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	up := decode[uploadResponse](t, rec)
	assert.Equal(t, model.ProviderFS, up.StorageProviderUsed)
	assert.True(t, up.FellBack)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/assets/"+up.AssetID+"/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fallback bytes", rec.Body.String())
}

func TestDownloadFromRemoteUnavailable(t *testing.T) {
	env := newTestEnv(t, config.RoutingConfig{DefaultProvider: model.ProviderS3})
	rec := env.upload(t, nil, "r.bin", []byte("remote"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	up := decode[uploadResponse](t, rec)
	require.Equal(t, model.ProviderS3, up.StorageProviderUsed)

	env.remote.SetUnavailable(true)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/assets/"+up.AssetID+"/download", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTruncatedObjectAbortsStream(t *testing.T) {
	env := newTestEnv(t, config.RoutingConfig{DefaultProvider: model.ProviderS3})
	content := bytes.Repeat([]byte("x"), 64<<10)
	rec := env.upload(t, nil, "big.bin", content, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	up := decode[uploadResponse](t, rec)
	env.remote.Replace(env.remote.KeyFor(contenthash.Digest(up.AssetID)), content[:1000])

	ts := httptest.NewServer(env.handler)
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/v1/assets/" + up.AssetID + "/download")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.Less(t, len(b), len(content))
}

func TestJobsEndpoints(t *testing.T) {
	env := newTestEnv(t, config.RoutingConfig{})
	src := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(src, fmt.Sprintf("f%d.txt", i)), []byte(fmt.Sprint("file ", i)), 0o644))
	}

	body, _ := json.Marshal(map[string]any{"path": src, "recursive": false})
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/assets/bulk-import", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[struct {
		JobID string `json:"job_id"`
	}](t, rec)
	require.NotEmpty(t, created.JobID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := env.engine.Wait(ctx, created.JobID, 10*time.Millisecond)
	require.NoError(t, err)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+created.JobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[model.Job](t, rec)
	assert.Equal(t, model.JobSucceeded, job.Status)
	assert.Equal(t, ingest.BulkImportJobType, job.Type)
	assert.JSONEq(t, fmt.Sprintf(`{"path":%q,"imported":3,"skipped_existing":0,"skipped_empty":0,"errors":0}`, src), string(job.Result))

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+created.JobID+"/log?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Items        []model.JobLogEntry `json:"items"`
		NextAfterSeq int64               `json:"next_after_seq"`
	}](t, rec)
	require.Len(t, page.Items, 2)
	assert.Equal(t, page.Items[1].Seq, page.NextAfterSeq)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/jobs/%s/log?after_seq=%d", created.JobID, page.NextAfterSeq), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	rest := decode[struct {
		Items        []model.JobLogEntry `json:"items"`
		NextAfterSeq int64               `json:"next_after_seq"`
	}](t, rec)
	require.NotEmpty(t, rest.Items)
	assert.Greater(t, rest.Items[0].Seq, page.NextAfterSeq)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/jobs/%s/log?after_seq=%d", created.JobID, rest.NextAfterSeq), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf(`"next_after_seq":%d`, rest.NextAfterSeq))
	assert.Contains(t, rec.Body.String(), `"items":[]`)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs/"+created.JobID+"/cancel", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancel_requested":false`)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs?status=succeeded&job_type="+ingest.BulkImportJobType, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Job](t, rec), 1)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsErrors(t *testing.T) {
	env := newTestEnv(t, config.RoutingConfig{})

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"job_type":"nope"}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{bad`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/v1/assets/bulk-import", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	for _, path := range []string{"/v1/jobs/missing", "/v1/jobs/missing/log"} {
		rec = env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs/missing/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(
		fmt.Sprintf(`{"job_type":%q,"input":{"path":%q}}`, ingest.BulkImportJobType, t.TempDir()))))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, ingest.BulkImportJobType, decode[model.Job](t, rec).Type)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("x: %w", model.ErrNotFound)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(model.ErrBackendUnavailable))
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, statusFor(model.ErrRangeNotSatisfiable))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(model.ErrCorruptWrite))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
