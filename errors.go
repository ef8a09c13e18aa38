package vecdb

import "github.com/vecdbio/vecdb/dberr"

// Code identifies the class of failure behind a Status. Every public
// operation returns errors that can be classified via StatusCode(err) so
// RPC layers and CLIs can map them onto their own wire representations
// without parsing messages.
type Code = dberr.Code

const (
	CodeOK                = dberr.CodeOK
	CodeDBError           = dberr.CodeDBError
	CodeShutdown          = dberr.CodeShutdown
	CodeCacheFull         = dberr.CodeCacheFull
	CodeInvalidFileID     = dberr.CodeInvalidFileID
	CodeInvalidEngineType = dberr.CodeInvalidEngineType
	CodeIOError           = dberr.CodeIOError
	CodeMetaError         = dberr.CodeMetaError
	CodeTableNotExist     = dberr.CodeTableNotExist
	CodeTableExists       = dberr.CodeTableExists
)

// Status is the error type returned across the engine's public API. No
// exception type ever crosses that boundary; every failure is a *Status
// (or wraps one), so callers can always recover a Code via StatusCode.
type Status = dberr.Status

// NewStatus builds a *Status with the given code and formatted message.
func NewStatus(code Code, format string, args ...any) *Status { return dberr.New(code, format, args...) }

// WrapStatus builds a *Status that wraps an underlying cause, classified
// under code. errors.Unwrap(status) returns cause.
func WrapStatus(code Code, cause error, format string, args ...any) *Status {
	return dberr.Wrap(code, cause, format, args...)
}

// StatusCode extracts the Code carried by err, or CodeDBError if err does
// not wrap a *Status.
func StatusCode(err error) Code { return dberr.CodeOf(err) }

// IsShutdown reports whether err (or something it wraps) is a shutdown Status.
func IsShutdown(err error) bool { return StatusCode(err) == CodeShutdown }

// IsCacheFull reports whether err (or something it wraps) is a cache-full Status.
func IsCacheFull(err error) bool { return StatusCode(err) == CodeCacheFull }

// ErrShuttingDown is returned by public operations once Stop has been
// called or is in progress.
var ErrShuttingDown = NewStatus(CodeShutdown, "engine is shutting down")
