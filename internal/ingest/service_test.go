package ingest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h8rt3rmin8r/faceforge/internal/blob"
	"github.com/h8rt3rmin8r/faceforge/internal/blob/blobtest"
	"github.com/h8rt3rmin8r/faceforge/internal/config"
	"github.com/h8rt3rmin8r/faceforge/internal/contenthash"
	"github.com/h8rt3rmin8r/faceforge/internal/extract"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
	"github.com/h8rt3rmin8r/faceforge/internal/store"
)

type fakeExtraction struct {
	mu    sync.Mutex
	tasks []extract.Task
}

func (f *fakeExtraction) add(t extract.Task) {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()
}

func (f *fakeExtraction) Enqueue(t extract.Task) bool                  { f.add(t); return true }
func (f *fakeExtraction) Submit(_ context.Context, t extract.Task) error { f.add(t); return nil }
func (f *fakeExtraction) Run(_ context.Context, t extract.Task) error    { f.add(t); return nil }

func (f *fakeExtraction) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type recorder struct {
	mu       sync.Mutex
	uploads  map[string]int
	dedupHit int
}

func (r *recorder) Upload(provider, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploads == nil {
		r.uploads = map[string]int{}
	}
	r.uploads[provider+"/"+outcome]++
}

func (r *recorder) DedupHit() {
	r.mu.Lock()
	r.dedupHit++
	r.mu.Unlock()
}

type harness struct {
	svc     *Service
	st      *store.SQLite
	local   *blob.LocalFS
	remote  *blobtest.Memory
	router  *blob.Router
	extract *fakeExtraction
	rec     *recorder
	staging string
}

func newHarness(t *testing.T, rules config.RoutingConfig) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db", "core.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	local, err := blob.NewLocalFS(filepath.Join(dir, "assets"))
	require.NoError(t, err)
	remote := blobtest.NewMemory(model.ProviderS3, "faceforge")
	router := blob.NewRouter(local, remote, rules, blob.WithProbeTTL(0))

	h := &harness{
		st:      st,
		local:   local,
		remote:  remote,
		router:  router,
		extract: &fakeExtraction{},
		rec:     &recorder{},
		staging: filepath.Join(dir, "run", "staging"),
	}
	h.svc = NewService(Options{
		Store:      st,
		Router:     router,
		Extraction: h.extract,
		StagingDir: h.staging,
		Recorder:   h.rec,
	})
	return h
}

func (h *harness) stagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.staging)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func readAll(t *testing.T, p blob.Provider, key string) []byte {
	t.Helper()
	rc, err := p.GetRange(context.Background(), key, 0, -1)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestIngestStoresThenDeduplicates(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{DefaultProvider: model.ProviderFS})
	ctx := context.Background()
	want := contenthash.SumBytes([]byte("hello"))

	first, err := h.svc.Ingest(ctx, Request{Body: strings.NewReader("hello"), Filename: "a/b/hello.txt"})
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)
	assert.Equal(t, want.String(), first.AssetID())
	assert.Equal(t, first.AssetID(), first.ContentHash())
	assert.Equal(t, int64(5), first.SizeBytes())
	assert.Equal(t, model.ProviderFS, first.StorageProviderUsed())
	assert.Equal(t, "hello.txt", first.Asset.Filename)
	assert.Equal(t, "file", first.Asset.Kind)
	assert.True(t, strings.HasPrefix(first.Asset.MimeType, "text/plain"))
	assert.NotEmpty(t, first.LinkID)

	second, err := h.svc.Ingest(ctx, Request{Body: strings.NewReader("hello"), Filename: "copy.txt"})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.AssetID(), second.AssetID())
	assert.NotEqual(t, first.LinkID, second.LinkID)

	assert.Equal(t, []byte("hello"), readAll(t, h.local, first.Asset.Location.Key))
	n, err := h.st.CountAssets(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	links, err := h.st.ListAssetLinks(ctx, first.AssetID())
	require.NoError(t, err)
	assert.Len(t, links, 2)

	assert.Equal(t, 1, h.extract.count(), "duplicates are not re-extracted")
	assert.Equal(t, 1, h.rec.dedupHit)
	assert.Equal(t, 1, h.rec.uploads["fs/stored"])
	h.stagingEmpty(t)
}

func TestIngestRejectsEmptyBody(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	_, err := h.svc.Ingest(context.Background(), Request{Body: strings.NewReader(""), Filename: "empty.bin"})
	assert.True(t, errors.Is(err, model.ErrEmptyUpload))
	h.stagingEmpty(t)
}

func TestIngestExpectedHashMismatch(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	ctx := context.Background()
	wrong := contenthash.SumBytes([]byte("other"))

	_, err := h.svc.Ingest(ctx, Request{Body: strings.NewReader("hello"), ExpectedHash: wrong.String()})
	assert.True(t, errors.Is(err, model.ErrCorruptWrite))

	_, err = h.svc.Ingest(ctx, Request{Body: strings.NewReader("hello"), ExpectedHash: "not-a-hash"})
	assert.True(t, errors.Is(err, model.ErrInvalidInput))

	n, err := h.st.CountAssets(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	h.stagingEmpty(t)

	ok, err := h.svc.Ingest(ctx, Request{
		Body:         strings.NewReader("hello"),
		ExpectedHash: strings.ToUpper(contenthash.SumBytes([]byte("hello")).String()),
	})
	require.NoError(t, err)
	assert.False(t, ok.Deduplicated)
}

func TestIngestFallsBackWhenRemoteUnavailable(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{DefaultProvider: model.ProviderS3})
	h.remote.SetUnavailable(true)

	res, err := h.svc.Ingest(context.Background(), Request{Body: strings.NewReader("fallback"), Filename: "f.bin"})
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, model.ProviderFS, res.StorageProviderUsed())
	assert.Equal(t, 0, h.remote.Len())
	assert.Equal(t, []byte("fallback"), readAll(t, h.local, res.Asset.Location.Key))
}

func TestIngestRoutesToRemote(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{DefaultProvider: model.ProviderS3})

	res, err := h.svc.Ingest(context.Background(), Request{Body: strings.NewReader("remote bytes"), Kind: "Image"})
	require.NoError(t, err)
	assert.False(t, res.FellBack)
	assert.Equal(t, model.ProviderS3, res.StorageProviderUsed())
	assert.Equal(t, "faceforge", res.Asset.Location.Bucket)
	assert.Equal(t, "image", res.Asset.Kind)
	data, ok := h.remote.Object(res.Asset.Location.Key)
	require.True(t, ok)
	assert.Equal(t, []byte("remote bytes"), data)
	h.stagingEmpty(t)
}

func TestIngestSizeMismatchIsCorrupt(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{DefaultProvider: model.ProviderS3})
	content := []byte("complete content")
	key := h.remote.KeyFor(contenthash.SumBytes(content))
	h.remote.Replace(key, content[:4])

	_, err := h.svc.Ingest(context.Background(), Request{Body: bytes.NewReader(content)})
	assert.True(t, errors.Is(err, model.ErrCorruptWrite))
	_, ok := h.remote.Object(key)
	assert.False(t, ok, "the short copy is removed")
	n, err := h.st.CountAssets(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestSidecarStoredEvenOnDedup(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	ctx := context.Background()

	_, err := h.svc.Ingest(ctx, Request{
		Body:    strings.NewReader("pic"),
		Sidecar: &Sidecar{Name: "pic_meta.json", Data: json.RawMessage(`null`)},
	})
	assert.True(t, errors.Is(err, model.ErrInvalidInput))

	first, err := h.svc.Ingest(ctx, Request{Body: strings.NewReader("pic")})
	require.NoError(t, err)
	second, err := h.svc.Ingest(ctx, Request{
		Body:    strings.NewReader("pic"),
		Sidecar: &Sidecar{Name: "pic_meta.json", Data: json.RawMessage(`{"tags":["a"]}`)},
	})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)

	entries, err := h.st.ListMetadata(ctx, first.AssetID())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.MetadataSourceSidecar, entries[0].Source)
	assert.Equal(t, model.MetadataTypeJSON, entries[0].Type)
	require.NotNil(t, entries[0].Name)
	assert.Equal(t, "pic_meta.json", *entries[0].Name)
	assert.JSONEq(t, `{"tags":["a"]}`, string(entries[0].Data))
}

func TestIngestLargeUploadRoundTrips(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	content := make([]byte, 10<<20)
	_, err := rand.Read(content)
	require.NoError(t, err)

	res, err := h.svc.Ingest(context.Background(), Request{Body: bytes.NewReader(content), Filename: "big.bin"})
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), res.SizeBytes())
	assert.Equal(t, contenthash.SumBytes(content).String(), res.AssetID())
	assert.True(t, bytes.Equal(content, readAll(t, h.local, res.Asset.Location.Key)))
}

func TestConcurrentIdenticalIngestsShareOneAsset(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Ingest(ctx, Request{Body: strings.NewReader("same bytes")})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].AssetID(), results[i].AssetID())
		if !results[i].Deduplicated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	count, err := h.st.CountAssets(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, []byte("same bytes"), readAll(t, h.local, results[0].Asset.Location.Key))
}

func TestIngestCancelledContextStoresNothing(t *testing.T) {
	h := newHarness(t, config.RoutingConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.Ingest(ctx, Request{Body: strings.NewReader("never")})
	assert.True(t, errors.Is(err, context.Canceled))
	h.stagingEmpty(t)
}

func TestDetectMime(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	tests := []struct {
		given, filename string
		head            []byte
		want            string
	}{
		{"image/webp", "x.png", png, "image/webp"},
		{"application/octet-stream", "x.png", nil, "image/png"},
		{"", "noext", png, "image/png"},
		{"", "", nil, "application/octet-stream"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectMime(tt.given, tt.filename, tt.head), "%s %s", tt.given, tt.filename)
	}
}

func TestCleanFilename(t *testing.T) {
	assert.Equal(t, "c.txt", cleanFilename(`a\b\c.txt`))
	assert.Equal(t, "c.txt", cleanFilename("../../c.txt"))
	assert.Equal(t, "", cleanFilename("  "))
}
