// Package syncerr classifies failures raised while synchronizing an instance.
//
// Every failure carries a Kind that decides how the engine reacts: manifest
// errors abort an instance before any I/O, filesystem errors are fatal for the
// affected file, network and integrity errors are retried by the downloader,
// and cancellation is never counted as a failure.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the broad category of a sync failure.
type Kind string

const (
	KindManifest   Kind = "manifest"
	KindFilesystem Kind = "filesystem"
	KindNetwork    Kind = "network"
	KindIntegrity  Kind = "integrity"
	KindCancelled  Kind = "cancelled"
	KindUnknown    Kind = "unknown"
)

// Error is a classified sync failure.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "rename", "GET"
	Path       string // instance-relative path, when known
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	switch {
	case e.Path != "":
		msg += " " + e.Path
	case e.URL != "":
		msg += " " + e.URL
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Manifest reports a malformed or unsafe manifest.
func Manifest(path, format string, args ...any) *Error {
	return &Error{Kind: KindManifest, Op: "validate", Path: path, Err: fmt.Errorf(format, args...)}
}

// Filesystem reports a local I/O failure for path.
func Filesystem(op, path string, err error) *Error {
	return &Error{Kind: KindFilesystem, Op: op, Path: path, Err: err}
}

// Network reports a transport failure. Network failures are always retryable.
func Network(url string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: "GET", URL: url, Retryable: true, Err: err}
}

// HTTPStatus reports a non-2xx response.
func HTTPStatus(url string, code int) *Error {
	return &Error{
		Kind:       KindNetwork,
		Op:         "GET",
		URL:        url,
		StatusCode: code,
		Retryable:  true,
		Err:        errors.New("unexpected status"),
	}
}

// Integrity reports a content digest or size mismatch after download.
func Integrity(path, want, got string) *Error {
	return &Error{
		Kind:      KindIntegrity,
		Op:        "verify",
		Path:      path,
		Retryable: true,
		Err:       fmt.Errorf("expected %s, got %s", want, got),
	}
}

// Cancelled wraps a context error for a task that was interrupted.
func Cancelled(path string, err error) *Error {
	return &Error{Kind: KindCancelled, Path: path, Err: err}
}

// KindOf returns the Kind of the first classified error in err's chain.
// Bare context errors are reported as KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// IsRetryable reports whether the downloader should try again after err.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsCancelled reports whether err stems from cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
