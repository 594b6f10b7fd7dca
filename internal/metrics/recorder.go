// Package metrics exposes sync observability hooks. Components receive a
// Recorder and default to NoopRecorder when metrics are not configured.
package metrics

import "time"

// ResultLabel enumerates per-file outcomes for counters
type ResultLabel string

const (
	ResultInstalled ResultLabel = "installed"
	ResultFailed    ResultLabel = "failed"
	ResultCancelled ResultLabel = "cancelled"
	ResultDeleted   ResultLabel = "deleted"
	ResultAdopted   ResultLabel = "adopted"
)

// Recorder defines the hooks the downloader and coordinator report to.
// Implementations must be safe for concurrent use.
type Recorder interface {
	IncFileResult(instance string, result ResultLabel)
	AddBytes(instance string, n int64)
	IncRetry(instance string, kind string)
	SetConcurrency(instance string, n int)
	ObserveSyncDuration(instance string, d time.Duration, success bool)
}

// NoopRecorder is a Recorder that does nothing
type NoopRecorder struct{}

func (NoopRecorder) IncFileResult(string, ResultLabel) {}
func (NoopRecorder) AddBytes(string, int64) {}
func (NoopRecorder) IncRetry(string, string) {}
func (NoopRecorder) SetConcurrency(string, int) {}
func (NoopRecorder) ObserveSyncDuration(string, time.Duration, bool) {}
