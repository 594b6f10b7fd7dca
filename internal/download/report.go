package download

import (
	"time"

	"github.com/potato-launcher/instancesync/internal/syncerr"
)

// Installed describes a file fetched, verified and moved into place
type Installed struct {
	Path     string
	Digest   string
	Size     int64
	Attempts int
}

// Failure describes a file that could not be installed or deleted
type Failure struct {
	Path     string
	Kind     syncerr.Kind
	Attempts int
	Err      error
}

// Report is the outcome of executing one plan
type Report struct {
	Installed        []Installed
	Failures         []Failure
	Cancelled        []string
	Deleted          []string
	DeleteFailures   []Failure
	BytesTransferred int64
	PeakConcurrency  int
	FinalConcurrency int
	Duration         time.Duration
	// Interrupted is set when cancellation stopped the run early
	Interrupted bool
}

// OK reports whether every planned operation succeeded
func (r *Report) OK() bool {
	return len(r.Failures) == 0 && len(r.DeleteFailures) == 0 && len(r.Cancelled) == 0 && !r.Interrupted
}

// ProgressKind classifies progress notifications
type ProgressKind string

const (
	ProgressStarted     ProgressKind = "started"
	ProgressInstalled   ProgressKind = "installed"
	ProgressRetrying    ProgressKind = "retrying"
	ProgressFailed      ProgressKind = "failed"
	ProgressCancelled   ProgressKind = "cancelled"
	ProgressDeleted     ProgressKind = "deleted"
	ProgressBytes       ProgressKind = "bytes"
	ProgressConcurrency ProgressKind = "concurrency"
	ProgressFinished    ProgressKind = "finished"
)

// Progress is a point-in-time snapshot emitted while executing a plan
type Progress struct {
	Kind             ProgressKind
	Path             string
	Attempt          int
	FilesCompleted   int
	FilesTotal       int
	BytesTransferred int64
	BytesTotal       int64
	Concurrency      int
	Err              error
}
