// Package blobtest provides an in-memory blob.Provider for tests.
package blobtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/h8rt3rmin8r/faceforge/internal/contenthash"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

// Memory keeps objects in a map. It can be switched into an unavailable
// state to exercise fallback and error paths.
type Memory struct {
	kind   string
	bucket string

	mu          sync.Mutex
	objects     map[string][]byte
	probeErr    error
	unavailable bool
	puts        int
}

func NewMemory(kind, bucket string) *Memory {
	return &Memory{kind: kind, bucket: bucket, objects: map[string][]byte{}}
}

func (m *Memory) Kind() string   { return m.kind }
func (m *Memory) Bucket() string { return m.bucket }

func (m *Memory) KeyFor(d contenthash.Digest) string {
	prefix := "files"
	if m.kind == model.ProviderS3 {
		prefix = "assets"
	}
	return path.Join(prefix, d.Shard(), d.String())
}

// SetUnavailable makes every operation fail with model.ErrBackendUnavailable.
func (m *Memory) SetUnavailable(v bool) {
	m.mu.Lock()
	m.unavailable = v
	m.mu.Unlock()
}

// SetProbeErr sets the error returned by Probe without affecting writes.
func (m *Memory) SetProbeErr(err error) {
	m.mu.Lock()
	m.probeErr = err
	m.mu.Unlock()
}

// Replace overwrites stored bytes, e.g. to simulate a truncated object.
func (m *Memory) Replace(key string, data []byte) {
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), data...)
	m.mu.Unlock()
}

func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Puts counts writes that stored new bytes.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *Memory) Probe(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return model.ErrBackendUnavailable
	}
	return m.probeErr
}

func (m *Memory) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return 0, fmt.Errorf("memory put: %w", model.ErrBackendUnavailable)
	}
	if existing, ok := m.objects[key]; ok {
		return int64(len(existing)), nil
	}
	m.objects[key] = data
	m.puts++
	return int64(len(data)), nil
}

func (m *Memory) PutFile(ctx context.Context, key, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	n, err := m.Put(ctx, key, f)
	f.Close()
	if err != nil {
		return 0, err
	}
	_ = os.Remove(src)
	return n, nil
}

func (m *Memory) GetRange(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, fmt.Errorf("memory get: %w", model.ErrBackendUnavailable)
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	if offset < 0 || (offset > 0 && offset >= int64(len(data))) {
		return nil, model.ErrRangeNotSatisfiable
	}
	end := int64(len(data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return false, model.ErrBackendUnavailable
	}
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return model.ErrBackendUnavailable
	}
	delete(m.objects, key)
	return nil
}
