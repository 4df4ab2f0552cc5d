package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// BlobStore is the object store uploads go through. The filesystem
// implementation below is the default; an S3-compatible implementation
// satisfies the same interface.
type BlobStore interface {
	// Put uploads the reader's contents under key and returns the
	// public URL of the stored object.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)

	// Get opens the stored object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the stored object. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, key string) error

	// URL returns the public URL for key without touching the store.
	URL(key string) string
}

// blobKeyUnsafe matches bytes outside the canonical key alphabet.
var blobKeyUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// BlobKey canonicalizes an upload key as jobs/<jobID>/<subPath>/<filename>.
// Path separators in filename are rejected so callers cannot smuggle
// directory components through it, and every segment is reduced to the
// [A-Za-z0-9._-] alphabet with offending bytes replaced by underscores.
func BlobKey(jobID, subPath, filename string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("blob key requires a job id")
	}
	if filename == "" {
		return "", fmt.Errorf("blob key requires a filename")
	}
	if strings.ContainsAny(filename, "/\\") {
		return "", fmt.Errorf("blob filename must not contain path separators: %s", filename)
	}

	parts := []string{"jobs", canonicalSegment(jobID)}
	if subPath != "" {
		cleaned := path.Clean(strings.ReplaceAll(subPath, "\\", "/"))
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
			return "", fmt.Errorf("blob sub path escapes job prefix: %s", subPath)
		}
		if cleaned != "." {
			for _, seg := range strings.Split(cleaned, "/") {
				parts = append(parts, canonicalSegment(seg))
			}
		}
	}
	parts = append(parts, canonicalSegment(filename))
	return path.Join(parts...), nil
}

// canonicalSegment maps one key segment into the safe alphabet. "." and
// ".." survive path.Clean only at the subPath root, which the caller has
// already rejected, so a bare dot segment here is replaced outright.
func canonicalSegment(seg string) string {
	if seg == "." || seg == ".." {
		return "_"
	}
	return blobKeyUnsafe.ReplaceAllString(seg, "_")
}

// FilesystemBlobStore stores blobs in a local sandbox and serves URLs by
// joining a configured base URL with the key. It is the development and
// test backend.
type FilesystemBlobStore struct {
	sandbox *Sandbox
	baseURL string
}

// NewFilesystemBlobStore creates a blob store rooted at dir. baseURL is
// prepended to keys when building public URLs.
func NewFilesystemBlobStore(dir, baseURL string) (*FilesystemBlobStore, error) {
	sandbox, err := NewSandbox(dir)
	if err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &FilesystemBlobStore{
		sandbox: sandbox,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Put implements BlobStore.
func (s *FilesystemBlobStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := s.sandbox.AtomicWriteReader(key, r); err != nil {
		return "", fmt.Errorf("storing blob %s: %w", key, err)
	}
	return s.URL(key), nil
}

// Get implements BlobStore.
func (s *FilesystemBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.sandbox.Open(key)
}

// Delete implements BlobStore.
func (s *FilesystemBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exists, err := s.sandbox.Exists(key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return s.sandbox.Remove(key)
}

// URL implements BlobStore.
func (s *FilesystemBlobStore) URL(key string) string {
	if s.baseURL == "" {
		return key
	}
	escaped := make([]string, 0, 4)
	for _, seg := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(seg))
	}
	return s.baseURL + "/" + strings.Join(escaped, "/")
}
