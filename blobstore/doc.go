// Package blobstore provides storage abstraction for the engine's table
// files (raw segments, index segments, and metadata manifests).
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, mmap-backed for zero-copy search reads
//   - MemoryStore: in-memory, for tests
//
// # Custom Implementations
//
// Implement the BlobStore interface to support other storage backends:
//
//	type BlobStore interface {
//	    Open(name string) (Blob, error)
//	    Create(name string) (WritableBlob, error)
//	    Delete(name string) error
//	    List(prefix string) ([]string, error)
//	}
//
// A blob written via Create is not visible to Open until the returned
// WritableBlob is Closed, so a reader never observes a partially written
// file:
//
//	type WritableBlob interface {
//	    io.Writer
//	    io.Closer
//	    Sync() error
//	}
//
// Implementations that can expose their bytes without a copy (e.g. an
// mmap-backed Blob) should also implement Mappable so callers doing bulk
// scans (merge, index build) can avoid a ReadAt loop.
package blobstore
