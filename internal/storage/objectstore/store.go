// Package objectstore holds rendered HTML objects in S3-compatible storage
// or in process memory.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("object not found")

// PutOptions describe an object at write time. Metadata keys are stored as
// user metadata and returned by Stat and Get.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// Expires is advisory; readers compare it against their own clock.
	Expires time.Time
}

type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, opts PutOptions) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	Metadata     map[string]string
	Expires      time.Time
	LastModified time.Time
}

// Expired reports whether the object carries an expiry that has passed.
func (i ObjectInfo) Expired(now time.Time) bool {
	return !i.Expires.IsZero() && !now.Before(i.Expires)
}
