// Package blob stores and retrieves asset bytes by content-derived key.
package blob

import (
	"context"
	"io"

	"github.com/h8rt3rmin8r/faceforge/internal/contenthash"
)

// Provider is a storage backend for immutable, content-addressed objects.
// Writing the same key twice is a no-op the second time.
type Provider interface {
	// Kind is the provider name recorded on assets ("fs" or "s3").
	Kind() string
	// Bucket is the provider root recorded on assets; empty for fs.
	Bucket() string
	KeyFor(d contenthash.Digest) string
	// Put writes r to key and returns the stored size.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// GetRange streams length bytes from offset; length < 0 reads to the end.
	// An offset at or past the end is model.ErrRangeNotSatisfiable.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// FilePutter is implemented by providers that can take ownership of a staged
// file directly. On success the staged file is gone; on failure it is left
// in place for the caller.
type FilePutter interface {
	PutFile(ctx context.Context, key, path string) (int64, error)
}

// LocalPather is implemented by providers whose objects are plain files.
type LocalPather interface {
	LocalPath(key string) (string, error)
}

// Prober reports whether a remote backend is reachable right now.
type Prober interface {
	Probe(ctx context.Context) error
}

type readCloser struct {
	io.Reader
	io.Closer
}
