package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"lightpoll/internal/channels"
	"lightpoll/internal/filename"
)

// PlaceholderName is the empty file dropped into every publish directory so
// web servers do not list its contents.
const PlaceholderName = "index.html"

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// FileStore publishes each connection's client projection as a static JSON
// file at its derived path.
type FileStore struct {
	deriver *filename.Deriver
	logger  *slog.Logger
	observe func(PublishMode)
	rename  func(oldpath, newpath string) error
}

// NewFileStore returns a store publishing below the deriver's root.
func NewFileStore(deriver *filename.Deriver, opts ...Option) *FileStore {
	s := &FileStore{deriver: deriver, logger: slog.Default(), rename: os.Rename}
	for _, opt := range opts {
		opt.applyFile(s)
	}
	return s
}

// Path returns the published path of id.
func (s *FileStore) Path(id string) filename.Path {
	return s.deriver.Derive(id)
}

// ReadPublished returns the raw published document of id.
func (s *FileStore) ReadPublished(id string) ([]byte, filename.Path, error) {
	p := s.Path(id)
	data, err := os.ReadFile(p.File())
	return data, p, err
}

// Load parses the published document. The file's mtime stands in for the
// set's modification time.
func (s *FileStore) Load(_ context.Context, id string) *channels.Set {
	p := s.Path(id)
	f, err := os.Open(p.File())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("open connection file failed", "connection_id", id, "error", err)
		}
		return channels.New()
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.logger.Warn("stat connection file failed", "connection_id", id, "error", err)
		return channels.New()
	}
	data, err := io.ReadAll(f)
	if err != nil {
		s.logger.Warn("read connection file failed", "connection_id", id, "error", err)
		return channels.New()
	}
	set, err := channels.ParseProjection(data, info.ModTime())
	if err != nil {
		s.logger.Warn("discarding unreadable connection file", "connection_id", id, "error", err)
		return channels.New()
	}
	return set
}

// Write publishes the projection of set. The document is written to a
// temporary file and renamed into place; when that is impossible it falls
// back to copying, then to writing the final path directly.
func (s *FileStore) Write(ctx context.Context, id string, set *channels.Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := channels.Projection(set)
	if err != nil {
		return err
	}
	p := s.Path(id)
	mode, err := s.publish(p, data)
	if s.observe != nil {
		s.observe(mode)
	}
	return err
}

func (s *FileStore) publish(p filename.Path, data []byte) (PublishMode, error) {
	if err := ensureDir(p.Dir); err != nil {
		return PublishSkipped, err
	}
	if p.Shard != "" {
		if err := ensureDir(p.ShardDir()); err != nil {
			return PublishSkipped, err
		}
	}
	final := p.File()
	if !fileWritable(final) {
		return PublishSkipped, fmt.Errorf("%w: %s", ErrNotWritable, filepath.Base(final))
	}

	tmp, err := os.CreateTemp(p.ShardDir(), ".publish-*.tmp")
	if err != nil {
		s.logger.Warn("temp file unavailable, writing connection file directly", "file", filepath.Base(final), "error", err)
		if err := os.WriteFile(final, data, fileMode); err != nil {
			return PublishSkipped, fmt.Errorf("%w: %s: %v", ErrNotWritable, filepath.Base(final), err)
		}
		return PublishDirect, nil
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return PublishSkipped, fmt.Errorf("write temp connection file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return PublishSkipped, fmt.Errorf("flush temp connection file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		return PublishSkipped, fmt.Errorf("chmod temp connection file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return PublishSkipped, fmt.Errorf("close temp connection file: %w", err)
	}

	err = s.rename(tmpPath, final)
	if err == nil {
		success = true
		return PublishAtomic, nil
	}
	s.logger.Debug("rename failed, copying connection file", "file", filepath.Base(final), "error", err)
	if err := copyFile(tmpPath, final); err != nil {
		return PublishSkipped, fmt.Errorf("%w: %s: %v", ErrNotWritable, filepath.Base(final), err)
	}
	return PublishCopy, nil
}

// Delete removes the published file. A missing file is not an error.
func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := os.Remove(s.Path(id).File()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete connection file: %w", err)
	}
	return nil
}

// DeleteAll removes every published document below the root along with shard
// directories left holding only their placeholder.
func (s *FileStore) DeleteAll(ctx context.Context) error {
	root := s.deriver.Dir()
	var shards []string
	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root {
				shards = append(shards, path)
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), filename.Extension) || strings.HasPrefix(d.Name(), ".publish-") {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete connection files: %w", err)
	}
	// Deepest first so nested directories empty out before their parents.
	for i := len(shards) - 1; i >= 0; i-- {
		removeIfOnlyPlaceholder(shards[i])
	}
	s.logger.Info("connection files flushed", "removed", removed)
	return nil
}

func removeIfOnlyPlaceholder(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.Name() != PlaceholderName {
			return
		}
	}
	_ = os.Remove(filepath.Join(dir, PlaceholderName))
	_ = os.Remove(dir)
}

// ensureDir creates dir when missing and drops a placeholder into it. Races
// with other writers are harmless.
func ensureDir(dir string) error {
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrNotWritable, dir)
		}
		return nil
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrNotWritable, dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, PlaceholderName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("%w: placeholder in %s: %v", ErrNotWritable, dir, err)
	}
	return f.Close()
}

func fileWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	_ = f.Close()
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
