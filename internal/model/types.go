// Package model defines the data model shared by the cache subsystem.
package model

import (
	"fmt"
	"time"
)

// Tile is a slippy-map tile coordinate.
type Tile struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Key returns the z/x/y form of the tile.
func (t Tile) Key() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

func (t Tile) String() string {
	return t.Key()
}

// BoundingBox is a geographic extent in degrees.
type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Area returns the extent in square degrees.
func (b BoundingBox) Area() float64 {
	w := b.East - b.West
	h := b.North - b.South
	if w < 0 {
		w = -w
	}
	if h < 0 {
		h = -h
	}
	return w * h
}

// DownloadStatus is the persisted status of a checkpoint.
type DownloadStatus string

const (
	StatusInProgress   DownloadStatus = "InProgress"
	StatusPaused       DownloadStatus = "Paused"
	StatusCancelled    DownloadStatus = "Cancelled"
	StatusLimitReached DownloadStatus = "LimitReached"
)

// Valid reports whether s is a known status.
func (s DownloadStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusPaused, StatusCancelled, StatusLimitReached:
		return true
	}
	return false
}

// DownloadState is the resumable checkpoint of one trip.
type DownloadState struct {
	TripID             int64          `json:"trip_id"`
	TripServerID       string         `json:"trip_server_id"`
	TripName           string         `json:"trip_name"`
	RemainingTiles     []Tile         `json:"remaining_tiles"`
	CompletedCount     int            `json:"completed_count"`
	TotalCount         int            `json:"total_count"`
	DownloadedBytes    int64          `json:"downloaded_bytes"`
	Status             DownloadStatus `json:"status"`
	InterruptionReason string         `json:"interruption_reason"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// StopReason is why a running batch halted. Exactly one non-running value
// wins per batch.
type StopReason int32

const (
	StopRunning StopReason = iota
	StopPausedUserRequest
	StopPausedUserCancel
	StopPausedNetworkLost
	StopPausedStorageLow
	StopLimitReached
	StopInterrupted
)

var stopReasonNames = map[StopReason]string{
	StopRunning:           "running",
	StopPausedUserRequest: "user_pause",
	StopPausedUserCancel:  "user_cancel",
	StopPausedNetworkLost: "network_lost",
	StopPausedStorageLow:  "storage_low",
	StopLimitReached:      "limit_reached",
	StopInterrupted:       "interrupted",
}

func (r StopReason) String() string {
	if name, ok := stopReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("stop_reason(%d)", int32(r))
}

// ParseStopReason is the inverse of StopReason.String.
func ParseStopReason(s string) (StopReason, bool) {
	for r, name := range stopReasonNames {
		if name == s {
			return r, true
		}
	}
	return StopRunning, false
}

// CanResume reports whether a batch stopped for r may be resumed later.
func (r StopReason) CanResume() bool {
	return r != StopRunning && r != StopPausedUserCancel
}

// CacheLimitCheckResult is a point-in-time snapshot of cache usage.
type CacheLimitCheckResult struct {
	CurrentSizeBytes int64     `json:"current_size_bytes"`
	CurrentSizeMB    float64   `json:"current_size_mb"`
	MaxSizeMB        int       `json:"max_size_mb"`
	UsagePercent     float64   `json:"usage_percent"`
	IsLimitReached   bool      `json:"is_limit_reached"`
	IsWarningLevel   bool      `json:"is_warning_level"`
	CheckedAt        time.Time `json:"checked_at"`
}

// QuotaResult answers whether an estimated download fits in the cache.
type QuotaResult struct {
	Allowed        bool  `json:"allowed"`
	CurrentBytes   int64 `json:"current_bytes"`
	MaxBytes       int64 `json:"max_bytes"`
	RemainingBytes int64 `json:"remaining_bytes"`
	EstimatedBytes int64 `json:"estimated_bytes"`
}

// FetchResult is the outcome of downloading one tile.
type FetchResult struct {
	Success        bool
	Bytes          int64
	IsNetworkError bool
	Err            error
}

// BatchRequest describes one batch download for a trip.
type BatchRequest struct {
	TripID           int64
	TripServerID     string
	TripName         string
	Tiles            []Tile
	InitialCompleted int
	TotalTiles       int
	InitialBytes     int64
}

// BatchResult is the aggregate outcome of a batch.
type BatchResult struct {
	TotalBytes      int64      `json:"total_bytes"`
	TilesDownloaded int        `json:"tiles_downloaded"`
	TilesFailed     int        `json:"tiles_failed"`
	WasPaused       bool       `json:"was_paused"`
	WasLimitReached bool       `json:"was_limit_reached"`
	StopReason      StopReason `json:"stop_reason"`
}
