// Package objectstore stores uploaded CSV files and training datasets.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("objectstore: object not found")

// Store reads and writes objects of one bucket.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// PresignPut returns a URL the browser can PUT the object to.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	// URI returns the canonical location of key, e.g. s3://bucket/key.
	URI(key string) string
}
