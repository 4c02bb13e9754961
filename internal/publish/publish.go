// Package publish moves finished output from a local staging area to its
// final location, either a local directory or a blob bucket.
package publish

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// Publisher copies or moves staged files into the output location. rel is a
// slash-separated path relative to the output root.
type Publisher interface {
	PublishDir(ctx context.Context, localDir, rel string) error
	PublishFile(ctx context.Context, localPath, rel string) error
	Remove(ctx context.Context, rel string) error
	Close() error
}

// Open returns a Publisher for url. An empty url publishes into localRoot by
// renaming, which is atomic per file or directory on one filesystem.
func Open(ctx context.Context, url, localRoot string) (Publisher, error) {
	if url == "" {
		return &Local{Root: localRoot}, nil
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %q: %w", url, err)
	}
	log.Printf("[Publish] Output bucket %s", url)
	return &Bucket{bucket: bucket}, nil
}

// Local publishes by renaming into Root.
type Local struct {
	Root string
}

func (l *Local) target(rel string) string {
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}

func (l *Local) PublishDir(_ context.Context, localDir, rel string) error {
	target := l.target(rel)
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Rename(localDir, target)
}

func (l *Local) PublishFile(_ context.Context, localPath, rel string) error {
	target := l.target(rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Rename(localPath, target)
}

func (l *Local) Remove(_ context.Context, rel string) error {
	err := os.Remove(l.target(rel))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *Local) Close() error { return nil }

// Bucket publishes by uploading into a gocloud blob bucket.
type Bucket struct {
	bucket *blob.Bucket
}

// NewBucket wraps an already opened bucket.
func NewBucket(b *blob.Bucket) *Bucket {
	return &Bucket{bucket: b}
}

// PublishDir uploads every file under localDir. Files are uploaded in walk
// order; readers should rely on group metadata, which is published last.
func (b *Bucket) PublishDir(ctx context.Context, localDir, rel string) error {
	return filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		sub, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		return b.PublishFile(ctx, p, path.Join(rel, filepath.ToSlash(sub)))
	})
}

func (b *Bucket) PublishFile(ctx context.Context, localPath, rel string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := b.bucket.NewWriter(ctx, rel, nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", rel, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", rel, err)
	}
	return nil
}

func (b *Bucket) Remove(ctx context.Context, rel string) error {
	err := b.bucket.Delete(ctx, rel)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}

func (b *Bucket) Close() error { return b.bucket.Close() }

// WithPrefix returns a Publisher that places every rel path under prefix.
// Closing it closes p.
func WithPrefix(p Publisher, prefix string) Publisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return p
	}
	return &prefixed{next: p, prefix: prefix}
}

type prefixed struct {
	next   Publisher
	prefix string
}

func (p *prefixed) PublishDir(ctx context.Context, localDir, rel string) error {
	return p.next.PublishDir(ctx, localDir, path.Join(p.prefix, rel))
}

func (p *prefixed) PublishFile(ctx context.Context, localPath, rel string) error {
	return p.next.PublishFile(ctx, localPath, path.Join(p.prefix, rel))
}

func (p *prefixed) Remove(ctx context.Context, rel string) error {
	return p.next.Remove(ctx, path.Join(p.prefix, rel))
}

func (p *prefixed) Close() error { return p.next.Close() }
