// Package storage keeps export artifacts in a local directory or an S3
// compatible bucket.
package storage

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("object_not_found")

type Store interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete is idempotent: a missing object is not an error.
	Delete(ctx context.Context, key string) error
}
