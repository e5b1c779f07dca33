package storage

import (
	"context"
	"io"
	"time"
)

// FileNameMetadataKey is the user metadata key under which the original
// filename of an uploaded object is recorded.
const FileNameMetadataKey = "file-name"

// DefaultContentType is used when an upload or a stored object carries no
// content type of its own.
const DefaultContentType = "application/octet-stream"

// ObjectSummary is a single entry returned by ObjectStore.List.
type ObjectSummary struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// Object is an open handle on a stored object. The caller must close Body.
type Object struct {
	Body         io.ReadCloser
	ContentType  string
	FileName     string
	Size         int64
	LastModified time.Time
}

// ObjectStore defines the interface for a remote object storage provider
// holding objects in a single, preconfigured bucket.
//
// Every error returned by an implementation is a *StoreError describing the
// failed provider call.
type ObjectStore interface {
	// PresignGet returns a URL granting GET access to key for expiry.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Put streams body to the store under key, attaching contentType and
	// recording fileName as user metadata in a single provider request. size
	// is the exact length of body.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, fileName string) error

	// Delete removes key. Deleting a key that does not exist is not an error
	// for providers that treat it as a no-op.
	Delete(ctx context.Context, key string) error

	// List returns at most limit objects in provider order.
	List(ctx context.Context, limit int) ([]ObjectSummary, error)

	// Get opens key for reading.
	Get(ctx context.Context, key string) (*Object, error)

	// EnsureBucket checks if the bucket exists, and creates it if it does not.
	EnsureBucket(ctx context.Context) error
}
