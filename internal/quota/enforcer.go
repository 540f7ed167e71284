// Package quota measures the on-disk tile cache against its configured
// maximum and raises threshold notifications.
package quota

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/geoyee/tripcache/internal/events"
	"github.com/geoyee/tripcache/internal/metrics"
	"github.com/geoyee/tripcache/internal/model"
	"github.com/geoyee/tripcache/internal/util"
)

const (
	// DebounceWindow is how long a usage check is reused.
	DebounceWindow = 2 * time.Second

	WarningPercent  = 80.0
	CriticalPercent = 90.0

	// AverageTileBytes is used to estimate a download's footprint.
	AverageTileBytes = 15 * 1024

	bytesPerMB = 1024 * 1024
)

// Level is the threshold band of a check.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelLimitReached
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelLimitReached:
		return "limit_reached"
	}
	return "normal"
}

// LevelOf classifies r. The limit is judged on raw bytes, the bands on the
// computed percent; the limit wins.
func LevelOf(r model.CacheLimitCheckResult) Level {
	switch {
	case r.IsLimitReached:
		return LevelLimitReached
	case r.UsagePercent >= CriticalPercent:
		return LevelCritical
	case r.UsagePercent >= WarningPercent:
		return LevelWarning
	}
	return LevelNormal
}

// Settings supplies the configured maximum, read on every check.
type Settings interface {
	MaxCacheSizeMB() int
}

// UsageFunc returns the bytes currently used by the cache.
type UsageFunc func(ctx context.Context) (int64, error)

type cachedCheck struct {
	result model.CacheLimitCheckResult
	at     time.Time
}

// warningFlags are per running batch so that many workers evaluating the
// same threshold raise it once.
type warningFlags struct {
	warningRaised  atomic.Bool
	criticalRaised atomic.Bool
}

// Enforcer is the cache quota enforcer.
type Enforcer struct {
	cacheRoot string
	settings  Settings
	usage     UsageFunc
	publisher events.Publisher
	metrics   metrics.Recorder
	logger    zerolog.Logger
	now       func() time.Time

	cached  atomic.Pointer[cachedCheck]
	refresh chan struct{}
	flags   sync.Map
}

// NewEnforcer measures the tiles under cacheRoot against the limit in
// settings. A nil publisher or recorder discards events or metrics.
func NewEnforcer(cacheRoot string, settings Settings, publisher events.Publisher, recorder metrics.Recorder, logger zerolog.Logger) *Enforcer {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if recorder == nil {
		recorder = metrics.NoOp{}
	}
	e := &Enforcer{
		cacheRoot: cacheRoot,
		settings:  settings,
		publisher: publisher,
		metrics:   recorder,
		logger:    logger,
		now:       time.Now,
		refresh:   make(chan struct{}, 1),
	}
	e.usage = func(ctx context.Context) (int64, error) {
		return DirSize(ctx, util.TilesRoot(cacheRoot))
	}
	return e
}

// CheckLimit measures the cache now, bypassing the debounce cache.
func (e *Enforcer) CheckLimit(ctx context.Context) (model.CacheLimitCheckResult, error) {
	size, err := e.usage(ctx)
	if err != nil {
		return model.CacheLimitCheckResult{}, fmt.Errorf("measure cache usage: %w", err)
	}
	result := Evaluate(size, e.settings.MaxCacheSizeMB())
	result.CheckedAt = e.now()
	e.metrics.SetCacheUsagePercent(result.UsagePercent)
	return result, nil
}

// Evaluate builds a check result for size bytes against maxSizeMB.
// A non-positive maximum means unlimited.
func Evaluate(size int64, maxSizeMB int) model.CacheLimitCheckResult {
	result := model.CacheLimitCheckResult{
		CurrentSizeBytes: size,
		CurrentSizeMB:    float64(size) / bytesPerMB,
		MaxSizeMB:        maxSizeMB,
	}
	if maxSizeMB <= 0 {
		return result
	}
	maxBytes := int64(maxSizeMB) * bytesPerMB
	result.UsagePercent = float64(size) * 100 / float64(maxBytes)
	result.IsLimitReached = size >= maxBytes
	result.IsWarningLevel = result.UsagePercent >= WarningPercent
	return result
}

// GetCachedCheck returns a check no older than DebounceWindow. Concurrent
// callers collapse into at most one measurement per window: a fresh cache is
// read without locking, otherwise one caller refreshes while the others wait
// and then reuse its result.
func (e *Enforcer) GetCachedCheck(ctx context.Context) (model.CacheLimitCheckResult, error) {
	if c := e.cached.Load(); c != nil && e.now().Sub(c.at) < DebounceWindow {
		return c.result, nil
	}

	select {
	case e.refresh <- struct{}{}:
	case <-ctx.Done():
		return model.CacheLimitCheckResult{}, ctx.Err()
	}
	defer func() { <-e.refresh }()

	if c := e.cached.Load(); c != nil && e.now().Sub(c.at) < DebounceWindow {
		return c.result, nil
	}

	result, err := e.CheckLimit(ctx)
	if err != nil {
		return result, err
	}
	e.cached.Store(&cachedCheck{result: result, at: e.now()})
	return result, nil
}

// Invalidate drops the cached check.
func (e *Enforcer) Invalidate() {
	e.cached.Store(nil)
}

// CheckQuotaFor reports whether estimatedBytes more would fit.
func (e *Enforcer) CheckQuotaFor(ctx context.Context, estimatedBytes int64) (model.QuotaResult, error) {
	check, err := e.GetCachedCheck(ctx)
	if err != nil {
		return model.QuotaResult{}, err
	}
	result := model.QuotaResult{
		Allowed:        true,
		CurrentBytes:   check.CurrentSizeBytes,
		EstimatedBytes: estimatedBytes,
	}
	if check.MaxSizeMB <= 0 {
		result.RemainingBytes = -1
		return result, nil
	}
	result.MaxBytes = int64(check.MaxSizeMB) * bytesPerMB
	result.RemainingBytes = max(result.MaxBytes-check.CurrentSizeBytes, 0)
	result.Allowed = check.CurrentSizeBytes+estimatedBytes <= result.MaxBytes
	return result, nil
}

// EstimateBytes approximates the footprint of tileCount tiles.
func EstimateBytes(tileCount int) int64 {
	return int64(tileCount) * AverageTileBytes
}

// CheckAndNotify raises exactly one of LimitReached, Critical or Warning
// (in that priority) for the latest cached check.
func (e *Enforcer) CheckAndNotify(ctx context.Context, tripID int64, tripName string) (model.CacheLimitCheckResult, error) {
	result, err := e.GetCachedCheck(ctx)
	if err != nil {
		return result, err
	}
	e.publish(LevelOf(result), tripID, tripName, result)
	return result, nil
}

// BeginTrip creates the per-batch warning flags for tripID.
func (e *Enforcer) BeginTrip(tripID int64) {
	e.flags.Store(tripID, &warningFlags{})
}

// EndTrip discards the per-batch warning flags for tripID.
func (e *Enforcer) EndTrip(tripID int64) {
	e.flags.Delete(tripID)
}

// NotifyThresholds raises Warning or Critical at most once per batch of
// tripID. LimitReached is left to the caller, which owns the stop decision.
func (e *Enforcer) NotifyThresholds(tripID int64, tripName string, result model.CacheLimitCheckResult) Level {
	level := LevelOf(result)
	v, ok := e.flags.Load(tripID)
	if !ok {
		return level
	}
	flags := v.(*warningFlags)

	switch level {
	case LevelCritical:
		if flags.criticalRaised.CompareAndSwap(false, true) {
			flags.warningRaised.Store(true)
			e.publish(level, tripID, tripName, result)
		}
	case LevelWarning:
		if flags.warningRaised.CompareAndSwap(false, true) {
			e.publish(level, tripID, tripName, result)
		}
	}
	return level
}

// PublishLimitReached raises CacheLimitReached for tripID.
func (e *Enforcer) PublishLimitReached(tripID int64, tripName string, result model.CacheLimitCheckResult) {
	e.publish(LevelLimitReached, tripID, tripName, result)
}

func (e *Enforcer) publish(level Level, tripID int64, tripName string, result model.CacheLimitCheckResult) {
	usage := events.CacheUsage{
		TripID:         tripID,
		TripName:       tripName,
		CurrentUsageMB: result.CurrentSizeMB,
		MaxSizeMB:      result.MaxSizeMB,
		UsagePercent:   result.UsagePercent,
	}
	switch level {
	case LevelLimitReached:
		e.publisher.Publish(events.CacheLimitReached{CacheUsage: usage})
	case LevelCritical:
		e.publisher.Publish(events.CacheCritical{CacheUsage: usage})
	case LevelWarning:
		e.publisher.Publish(events.CacheWarning{CacheUsage: usage})
	default:
		return
	}
	e.logger.Info().
		Int64("trip_id", tripID).
		Str("level", level.String()).
		Float64("usage_percent", result.UsagePercent).
		Int("max_size_mb", result.MaxSizeMB).
		Msg("cache threshold reached")
}

// TripUsage returns the bytes stored for one trip.
func (e *Enforcer) TripUsage(ctx context.Context, tripID int64) (int64, error) {
	return DirSize(ctx, util.TripDir(e.cacheRoot, tripID))
}

// DeleteTripTiles removes a trip's tiles and invalidates the cached check.
func (e *Enforcer) DeleteTripTiles(tripID int64) error {
	defer e.Invalidate()
	if err := os.RemoveAll(util.TripDir(e.cacheRoot, tripID)); err != nil {
		return fmt.Errorf("remove trip %d tiles: %w", tripID, err)
	}
	return nil
}

// DirSize sums regular file sizes under root. A missing root is empty.
func DirSize(ctx context.Context, root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
