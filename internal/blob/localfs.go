package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/h8rt3rmin8r/faceforge/internal/contenthash"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

// LocalFS stores objects under Root as files/<aa>/<sha256>. Writes land in
// Root/tmp first and are renamed into place, so a reader never observes a
// partial object.
type LocalFS struct {
	Root string
}

func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create fs root: %w", err)
	}
	return &LocalFS{Root: root}, nil
}

func (l *LocalFS) Kind() string   { return model.ProviderFS }
func (l *LocalFS) Bucket() string { return "" }

func (l *LocalFS) KeyFor(d contenthash.Digest) string {
	return path.Join("files", d.Shard(), d.String())
}

// LocalPath resolves key to an absolute path inside Root.
func (l *LocalFS) LocalPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key %q escapes storage root", model.ErrInvalidInput, key)
	}
	return filepath.Join(l.Root, clean), nil
}

func (l *LocalFS) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	abs, err := l.LocalPath(key)
	if err != nil {
		return 0, err
	}
	if fi, err := os.Stat(abs); err == nil {
		return fi.Size(), nil
	}
	if err := os.MkdirAll(filepath.Join(l.Root, "tmp"), 0o755); err != nil {
		return 0, err
	}
	f, err := os.CreateTemp(filepath.Join(l.Root, "tmp"), "*.part")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	n, err := io.Copy(f, ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := l.finalize(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// PutFile moves a staged file into place. If the object already exists the
// staged copy is discarded.
func (l *LocalFS) PutFile(ctx context.Context, key, src string) (int64, error) {
	abs, err := l.LocalPath(key)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if existing, err := os.Stat(abs); err == nil {
		_ = os.Remove(src)
		return existing.Size(), nil
	}
	if err := l.finalize(src, abs); err == nil {
		return fi.Size(), nil
	}

	// Rename fails across devices; copy instead.
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	n, err := l.Put(ctx, key, in)
	in.Close()
	if err != nil {
		return 0, err
	}
	_ = os.Remove(src)
	return n, nil
}

func (l *LocalFS) finalize(tmp, abs string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return os.Remove(tmp)
	}
	return os.Rename(tmp, abs)
}

func (l *LocalFS) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	abs, err := l.LocalPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, key)
		}
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if offset < 0 || (offset > 0 && offset >= fi.Size()) {
		f.Close()
		return nil, fmt.Errorf("%w: offset %d of %d", model.ErrRangeNotSatisfiable, offset, fi.Size())
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	if length < 0 {
		return f, nil
	}
	return readCloser{Reader: io.LimitReader(f, length), Closer: f}, nil
}

func (l *LocalFS) Exists(_ context.Context, key string) (bool, error) {
	abs, err := l.LocalPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *LocalFS) Delete(_ context.Context, key string) error {
	abs, err := l.LocalPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
