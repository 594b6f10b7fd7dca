package sync

import (
	"time"

	"github.com/potato-launcher/instancesync/internal/download"
	"github.com/potato-launcher/instancesync/internal/plan"
)

// InstanceReport is the outcome of syncing one instance
type InstanceReport struct {
	SessionID string
	Instance  string
	DryRun    bool
	// Plan is nil when the instance failed before planning
	Plan *plan.Plan
	// Download is nil for dry runs and fatal failures before execution
	Download *download.Report
	// Extracted lists archives unpacked after installation
	Extracted       []string
	ExtractFailures []download.Failure
	// Fatal aborted the instance: manifest, root or lockfile errors
	Fatal error
	// Interrupted is set when cancellation stopped the instance; it is not
	// a failure
	Interrupted bool
	Duration    time.Duration
}

// Installed counts files fetched and installed
func (r InstanceReport) Installed() int {
	if r.Download == nil {
		return 0
	}
	return len(r.Download.Installed)
}

// Skipped counts manifest entries left alone because they were already
// correct or preserved
func (r InstanceReport) Skipped() int {
	if r.Plan == nil {
		return 0
	}
	return r.Plan.Unchanged + len(r.Plan.Preserved)
}

// Deleted counts removed files
func (r InstanceReport) Deleted() int {
	if r.Download == nil {
		return 0
	}
	return len(r.Download.Deleted)
}

// Failed counts files that could not be installed, deleted or extracted
func (r InstanceReport) Failed() int {
	n := len(r.ExtractFailures)
	if r.Download != nil {
		n += len(r.Download.Failures) + len(r.Download.DeleteFailures)
	}
	return n
}

// OK reports whether the instance is fully in sync (or would be, for a dry run)
func (r InstanceReport) OK() bool {
	if r.Fatal != nil || r.Interrupted || len(r.ExtractFailures) > 0 {
		return false
	}
	return r.Download == nil || r.Download.OK()
}
