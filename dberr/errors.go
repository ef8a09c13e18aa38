// Package dberr defines the engine's error taxonomy. It exists as a
// separate, dependency-free package so both the root DBEngine façade and
// every subsystem package (meta, cache, execengine, membuf, scheduler) can
// classify and construct errors without an import cycle back through the
// root package.
package dberr

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure behind a Status.
type Code int

const (
	// CodeOK indicates success; never carried by a constructed error.
	CodeOK Code = iota
	// CodeDBError is a generic, otherwise-unclassified engine failure.
	CodeDBError
	// CodeShutdown is returned when an operation is rejected because the
	// engine has begun or completed shutdown.
	CodeShutdown
	// CodeCacheFull is returned when a preload or admission would exceed
	// the cache's remaining capacity.
	CodeCacheFull
	// CodeInvalidFileID is returned when a query names file ids that do
	// not resolve to any searchable file.
	CodeInvalidFileID
	// CodeInvalidEngineType is returned when an index descriptor names an
	// engine type the registry does not know about.
	CodeInvalidEngineType
	// CodeIOError is returned when a Serialize or Load call fails against
	// the blob store, typically out-of-space or permission-denied.
	CodeIOError
	// CodeMetaError wraps failures propagated from the MetaStore.
	CodeMetaError
	// CodeTableNotExist is returned when an operation names a table that
	// does not exist or has been soft-deleted.
	CodeTableNotExist
	// CodeTableExists is returned by CreateTable when the table already exists.
	CodeTableExists
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeDBError:
		return "db_error"
	case CodeShutdown:
		return "shutdown"
	case CodeCacheFull:
		return "cache_full"
	case CodeInvalidFileID:
		return "invalid_file_id"
	case CodeInvalidEngineType:
		return "invalid_engine_type"
	case CodeIOError:
		return "io_error"
	case CodeMetaError:
		return "meta_error"
	case CodeTableNotExist:
		return "table_not_exist"
	case CodeTableExists:
		return "table_exists"
	default:
		return "unknown"
	}
}

// Status is the error type returned across every package boundary in this
// engine. No exception type ever crosses those boundaries; every failure
// is a *Status (or wraps one).
type Status struct {
	Code    Code
	Message string
	cause   error
}

// New builds a *Status with the given code and formatted message.
func New(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Status that wraps an underlying cause, classified under code.
func Wrap(code Code, cause error, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WrapMeta is a convenience for Wrap(CodeMetaError, ...).
func WrapMeta(cause error, format string, args ...any) *Status {
	return Wrap(CodeMetaError, cause, format, args...)
}

func (s *Status) Error() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

func (s *Status) Unwrap() error { return s.cause }

// CodeOf extracts the Code carried by err, or CodeDBError if err does not
// wrap a *Status.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var st *Status
	if errors.As(err, &st) {
		return st.Code
	}
	return CodeDBError
}
