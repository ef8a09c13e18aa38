package blobstore

import (
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction for accessing immutable data blobs (segment
// files). Table files, once serialized, are written once and read many
// times; Create/Delete exist for that write-once lifecycle, not for
// in-place mutation.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(name string) (Blob, error)
	// Create opens a blob for writing. The blob is not visible to Open
	// until the returned WritableBlob is Closed.
	Create(name string) (WritableBlob, error)
	// Delete removes a blob. Deleting a name that does not exist is not an error.
	Delete(name string) error
	// List returns the names of every blob whose name has the given prefix.
	List(prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a handle used to write a new blob. Close must be called
// to make the blob durable and visible to Open.
type WritableBlob interface {
	io.Writer
	io.Closer
	// Sync forces already-written bytes to stable storage without closing
	// the blob, for callers that checkpoint mid-write.
	Sync() error
}

// Mappable is an optional interface for Blobs that support memory mapping.
type Mappable interface {
	// Bytes returns the underlying byte slice.
	// The slice is valid until the Blob is closed.
	// This is a zero-copy operation if supported.
	Bytes() ([]byte, error)
}
