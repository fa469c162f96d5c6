// Package storage holds the durable object stores generation results are
// promoted into.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Get and Delete for unknown keys.
var ErrObjectNotFound = errors.New("storage: object not found")

// Store is a durable object store.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	// Get opens the object for reading. Callers close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	// SignedURL returns a time-limited read URL.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	// URL is the durable, unsigned address of key.
	URL(key string) string
}
