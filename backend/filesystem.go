package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Entry files are written to a temp file in the target directory and
// renamed into place. Names starting with these prefixes are never listed.
const (
	tmpPrefix    = ".tmp-"
	hiddenPrefix = "."
)

// Filesystem stores each key as one file below root.
type Filesystem struct {
	root     string
	readOnly bool
}

type FilesystemOption func(*Filesystem)

// WithReadOnly rejects writes, deletes and touches. The root must exist.
func WithReadOnly(readOnly bool) FilesystemOption {
	return func(fs *Filesystem) { fs.readOnly = readOnly }
}

// NewFilesystem opens root, creating it when writable.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	fsys := &Filesystem{root: abs}
	for _, opt := range opts {
		opt(fsys)
	}
	if fsys.readOnly {
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("opening read-only root: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("opening read-only root: %s is not a directory", abs)
		}
		return fsys, nil
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return fsys, nil
}

func (fsys *Filesystem) Root() string { return fsys.root }

func (fsys *Filesystem) ReadOnly() bool { return fsys.readOnly }

// file maps a storage path to a file below root.
func (fsys *Filesystem) file(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || clean[1:] != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}
	return filepath.Join(fsys.root, filepath.FromSlash(clean[1:])), nil
}

// commit writes key through fill and renames the result into place. A
// failed fill leaves any existing file untouched.
func (fsys *Filesystem) commit(key string, fill func(io.Writer) error) error {
	w, err := fsys.create(key)
	if err != nil {
		return err
	}
	if err := fill(w); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Close()
}

func (fsys *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	return fsys.commit(key, func(w io.Writer) error {
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("writing %s: %w", key, err)
		}
		return nil
	})
}

// WriteFramed stores header followed by body.
func (fsys *Filesystem) WriteFramed(ctx context.Context, key string, header *EntryHeader, body io.Reader) error {
	return fsys.commit(key, func(w io.Writer) error {
		return WriteFramed(w, header, body)
	})
}

func (fsys *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := fsys.file(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, notFound(err, "opening "+key)
	}
	return f, nil
}

// ReadFramed parses the entry header. The caller closes the body.
func (fsys *Filesystem) ReadFramed(ctx context.Context, key string) (*EntryHeader, io.ReadCloser, error) {
	rc, err := fsys.Read(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	header, body, err := ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("%s: %w", key, err)
	}
	return header, struct {
		io.Reader
		io.Closer
	}{body, rc}, nil
}

func (fsys *Filesystem) Delete(ctx context.Context, key string) error {
	if fsys.readOnly {
		return ErrReadOnly
	}
	name, err := fsys.file(key)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

func (fsys *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := fsys.Size(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

func (fsys *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	name, err := fsys.file(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(name)
	if err != nil {
		return 0, notFound(err, "stat "+key)
	}
	return info.Size(), nil
}

// Touch sets the file's modification time to at. It is a no-op on a
// read-only backend.
func (fsys *Filesystem) Touch(ctx context.Context, key string, at time.Time) error {
	if fsys.readOnly {
		return nil
	}
	name, err := fsys.file(key)
	if err != nil {
		return err
	}
	if err := os.Chtimes(name, at, at); err != nil {
		return notFound(err, "touching "+key)
	}
	return nil
}

// List walks prefix. Hidden files such as temp files and the access index
// are skipped.
func (fsys *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fsys.root
	if prefix != "" {
		var err error
		if dir, err = fsys.file(prefix); err != nil {
			return nil, err
		}
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), hiddenPrefix) {
			return nil
		}
		rel, err := filepath.Rel(fsys.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	return keys, nil
}

func (fsys *Filesystem) create(key string) (*atomicWriter, error) {
	if fsys.readOnly {
		return nil, ErrReadOnly
	}
	name, err := fsys.file(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &atomicWriter{File: tmp, dst: name}, nil
}

// notFound maps a missing file to ErrNotFound and wraps anything else.
func notFound(err error, what string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

// atomicWriter is a temp file renamed to dst on Close.
type atomicWriter struct {
	*os.File
	dst  string
	done bool
}

func (w *atomicWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	err := w.File.Sync()
	if cerr := w.File.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(w.File.Name(), w.dst)
	}
	if err != nil {
		_ = os.Remove(w.File.Name())
		return fmt.Errorf("committing %s: %w", filepath.Base(w.dst), err)
	}
	return nil
}

// Abort discards the temp file.
func (w *atomicWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.File.Close()
	return os.Remove(w.File.Name())
}

var _ EntryBackend = (*Filesystem)(nil)
