// Package golemerr defines the durability core's error taxonomy (§7) and the
// classification helpers the retry control plane and durability host consult
// to decide whether a failure is worth another attempt.
package golemerr

import (
	"errors"
	"fmt"
)

// Class buckets an error for retry-policy purposes.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransport
	ClassShardRouting
	ClassNotFound
	ClassAlreadyExists
	ClassInterrupt
	ClassUnexpectedEntry
	ClassPayloadDownload
	ClassRuntime
)

func (c Class) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassShardRouting:
		return "shard_routing"
	case ClassNotFound:
		return "not_found"
	case ClassAlreadyExists:
		return "already_exists"
	case ClassInterrupt:
		return "interrupt"
	case ClassUnexpectedEntry:
		return "unexpected_oplog_entry"
	case ClassPayloadDownload:
		return "payload_download_failure"
	case ClassRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// Error is the typed error every durability-core failure path returns.
type Error struct {
	Class   Class
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

func wrap(class Class, err error, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...), Cause: err}
}

func Transport(err error, format string, args ...any) *Error {
	return wrap(ClassTransport, err, format, args...)
}

func ShardRouting(format string, args ...any) *Error {
	return newf(ClassShardRouting, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(ClassNotFound, format, args...)
}

func AlreadyExists(format string, args ...any) *Error {
	return newf(ClassAlreadyExists, format, args...)
}

// UnexpectedOplogEntry is fatal: replay observed a record of the wrong kind
// at the cursor. The worker that raises this is parked in Failed (§7).
func UnexpectedOplogEntry(expected, got string, at uint64) *Error {
	return newf(ClassUnexpectedEntry, "expected %s at index %d, found %s", expected, at, got)
}

func PayloadDownloadFailure(err error, format string, args ...any) *Error {
	return wrap(ClassPayloadDownload, err, format, args...)
}

func Runtime(err error, format string, args ...any) *Error {
	return wrap(ClassRuntime, err, format, args...)
}

// IsRetriable reports whether err's class is one the retry control plane
// should ever consider scheduling another attempt for. UnexpectedOplogEntry
// and InterruptKind are deliberately excluded: the former parks the worker
// in Failed, the latter is not a failure at all.
func IsRetriable(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	switch ge.Class {
	case ClassTransport, ClassShardRouting, ClassRuntime:
		return true
	case ClassPayloadDownload:
		// Classified as Transport for retry purposes (§7).
		return true
	default:
		return false
	}
}

// Classify extracts the Class carried by err, or ClassUnknown if err is not
// a *Error.
func Classify(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassUnknown
}
