// Package metrics records download and cache metrics.
package metrics

import "time"

// Fetch results used as label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Recorder is the metrics port used by the download components.
type Recorder interface {
	// IncTilesFetched counts one tile fetch outcome.
	IncTilesFetched(result string)

	// AddBytesDownloaded adds to the downloaded byte counter.
	AddBytesDownloaded(n int64)

	// ObserveFetchDuration records how long one tile took, retries included.
	ObserveFetchDuration(d time.Duration)

	// IncBatchesFinished counts a finished batch by outcome.
	IncBatchesFinished(outcome string)

	// SetCacheUsagePercent publishes the latest cache usage.
	SetCacheUsagePercent(percent float64)

	// AddActiveWorkers moves the active worker gauge by delta.
	AddActiveWorkers(delta int)
}

// NoOp discards all metrics.
type NoOp struct{}

func (NoOp) IncTilesFetched(string)             {}
func (NoOp) AddBytesDownloaded(int64)           {}
func (NoOp) ObserveFetchDuration(time.Duration) {}
func (NoOp) IncBatchesFinished(string)          {}
func (NoOp) SetCacheUsagePercent(float64)       {}
func (NoOp) AddActiveWorkers(int)               {}
