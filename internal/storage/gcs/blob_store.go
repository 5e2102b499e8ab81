// Package gcs uploads visit records to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"maps"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config selects the bucket and how objects are written.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	// Metadata is attached to every uploaded object, e.g. the session ID.
	Metadata map[string]string
	// ChunkSize overrides the resumable upload chunk size. Zero keeps the
	// library default; visit records are small enough for one request.
	ChunkSize int
}

// BlobStore writes visit records to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	cfg    Config
}

// New creates a GCS-backed blob store. It takes ownership of client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	cfg.Metadata = maps.Clone(cfg.Metadata)
	return &BlobStore{client: client, bucket: client.Bucket(cfg.Bucket), cfg: cfg}, nil
}

// PutObject uploads r to objectPath and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, objectPath string, contentType string, r io.Reader) (string, error) {
	name := s.objectName(objectPath)
	if name == "" {
		return "", fmt.Errorf("path is required")
	}
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = s.cfg.ChunkSize
	if len(s.cfg.Metadata) > 0 {
		w.Metadata = maps.Clone(s.cfg.Metadata)
	}
	if _, err := io.Copy(w, r); err != nil {
		// Closing an errored writer aborts the upload; its error repeats ours.
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return "gs://" + s.cfg.Bucket + "/" + name, nil
}

func (s *BlobStore) objectName(objectPath string) string {
	objectPath = strings.Trim(strings.TrimSpace(objectPath), "/")
	if objectPath == "" {
		return ""
	}
	if s.cfg.Prefix == "" {
		return objectPath
	}
	return path.Join(s.cfg.Prefix, objectPath)
}

// Close releases the storage client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
