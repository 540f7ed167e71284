package download

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/geoyee/tripcache/internal/calculator"
	"github.com/geoyee/tripcache/internal/events"
	"github.com/geoyee/tripcache/internal/metrics"
	"github.com/geoyee/tripcache/internal/model"
	"github.com/geoyee/tripcache/internal/network"
	"github.com/geoyee/tripcache/internal/quota"
	"github.com/geoyee/tripcache/internal/stats"
	"github.com/geoyee/tripcache/internal/util"
)

// Batch outcomes used as metric labels besides the stop reasons.
const (
	OutcomeCompleted = "completed"
)

// TileFetcher downloads a single tile.
type TileFetcher interface {
	Fetch(ctx context.Context, url, path string) model.FetchResult
	FetchWithRetry(ctx context.Context, url, path string) model.FetchResult
}

// Quota is the part of the cache quota enforcer a batch uses.
type Quota interface {
	GetCachedCheck(ctx context.Context) (model.CacheLimitCheckResult, error)
	Invalidate()
	BeginTrip(tripID int64)
	EndTrip(tripID int64)
	NotifyThresholds(tripID int64, tripName string, result model.CacheLimitCheckResult) quota.Level
	PublishLimitReached(tripID int64, tripName string, result model.CacheLimitCheckResult)
}

// Checkpoints is the part of the checkpoint store a batch uses.
type Checkpoints interface {
	Save(ctx context.Context, state model.DownloadState) error
	Delete(ctx context.Context, tripID int64) error
	TryGetStopReason(tripID int64) (model.StopReason, bool)
	ClearStopRequest(tripID int64)
}

// Settings are read at the start of every batch.
type Settings interface {
	MaxConcurrentDownloads() int
	TileURLTemplate() string
}

// Intervals are the processed-tile counts between periodic checks. They are
// approximate: several workers may cross one threshold together.
type Intervals struct {
	Checkpoint int
	Quota      int
	Storage    int
}

// DefaultIntervals checks in every 25, 100 and 200 processed tiles.
func DefaultIntervals() Intervals {
	return Intervals{Checkpoint: 25, Quota: 100, Storage: 200}
}

// Deps are the collaborators of an Orchestrator. Nil optional fields get
// permissive defaults.
type Deps struct {
	CacheRoot   string
	Fetcher     TileFetcher
	Quota       Quota
	Checkpoints Checkpoints
	Settings    Settings
	Storage     quota.StorageChecker
	Network     network.Connectivity
	Publisher   events.Publisher
	Metrics     metrics.Recorder
	Calculator  *calculator.TileCalculator
	Logger      zerolog.Logger
}

// Orchestrator runs batch downloads for trips.
type Orchestrator struct {
	cacheRoot   string
	fetcher     TileFetcher
	quota       Quota
	checkpoints Checkpoints
	settings    Settings
	storage     quota.StorageChecker
	network     network.Connectivity
	publisher   events.Publisher
	metrics     metrics.Recorder
	calc        *calculator.TileCalculator
	logger      zerolog.Logger
	intervals   Intervals
}

// NewOrchestrator wires deps. Nil Storage, Network, Publisher, Metrics
// and Calculator fall back to permissive or no-op defaults.
func NewOrchestrator(deps Deps) *Orchestrator {
	o := &Orchestrator{
		cacheRoot:   deps.CacheRoot,
		fetcher:     deps.Fetcher,
		quota:       deps.Quota,
		checkpoints: deps.Checkpoints,
		settings:    deps.Settings,
		storage:     deps.Storage,
		network:     deps.Network,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		calc:        deps.Calculator,
		logger:      deps.Logger,
		intervals:   DefaultIntervals(),
	}
	if o.storage == nil {
		o.storage = quota.UnlimitedStorage{}
	}
	if o.network == nil {
		o.network = network.AlwaysOnline{}
	}
	if o.publisher == nil {
		o.publisher = events.Discard{}
	}
	if o.metrics == nil {
		o.metrics = metrics.NoOp{}
	}
	if o.calc == nil {
		o.calc = calculator.NewTileCalculator()
	}
	return o
}

// TilesForBoundingBox computes the tile set of bbox and the zoom it reaches.
func (o *Orchestrator) TilesForBoundingBox(bbox model.BoundingBox) ([]model.Tile, int, error) {
	return o.calc.CalculateTilesForBoundingBox(bbox)
}

// batch is the shared state of one DownloadTiles call. Workers coordinate
// only through its atomics and the two small locks.
type batch struct {
	req      model.BatchRequest
	total    int
	width    int
	template string
	logger   zerolog.Logger
	monitor  *stats.Monitor
	cancel   context.CancelFunc

	stop      atomic.Int32
	succeeded []atomic.Bool
	bytes     atomic.Int64
	processed atomic.Int64
	aborted   atomic.Int64
	lastSave  atomic.Int64

	failMu   sync.Mutex
	failures []int

	progressMu   sync.Mutex
	lastProgress int64
}

// setStop records reason if no cause has been recorded yet and cancels
// in-flight work. It reports whether this call won.
func (b *batch) setStop(reason model.StopReason) bool {
	if reason == model.StopRunning {
		return false
	}
	if b.stop.CompareAndSwap(int32(model.StopRunning), int32(reason)) {
		b.logger.Info().Stringer("reason", reason).Msg("batch stopping")
		b.cancel()
		return true
	}
	return false
}

func (b *batch) stopReason() model.StopReason {
	return model.StopReason(b.stop.Load())
}

func (b *batch) stopped() bool {
	return b.stopReason() != model.StopRunning
}

func (b *batch) addFailure(i int) {
	b.failMu.Lock()
	b.failures = append(b.failures, i)
	b.failMu.Unlock()
}

// snapshot returns the tiles not yet succeeded and the succeeded count, read
// from one pass over the set.
func (b *batch) snapshot() (remaining []model.Tile, succeeded int) {
	remaining = make([]model.Tile, 0, len(b.req.Tiles))
	for i, tile := range b.req.Tiles {
		if b.succeeded[i].Load() {
			succeeded++
			continue
		}
		remaining = append(remaining, tile)
	}
	return remaining, succeeded
}

func (b *batch) state(status model.DownloadStatus, reason string) model.DownloadState {
	remaining, succeeded := b.snapshot()
	return model.DownloadState{
		TripID:             b.req.TripID,
		TripServerID:       b.req.TripServerID,
		TripName:           b.req.TripName,
		RemainingTiles:     remaining,
		CompletedCount:     b.req.InitialCompleted + succeeded,
		TotalCount:         b.total,
		DownloadedBytes:    b.req.InitialBytes + b.bytes.Load(),
		Status:             status,
		InterruptionReason: reason,
	}
}

// DownloadTiles downloads req.Tiles for one trip. Early stops are reported
// through the result, not the error; the error is reserved for failures to
// measure the cache or persist a checkpoint.
func (o *Orchestrator) DownloadTiles(ctx context.Context, req model.BatchRequest) (model.BatchResult, error) {
	runID := uuid.NewString()
	logger := o.logger.With().
		Int64("trip_id", req.TripID).
		Str("run_id", runID).
		Logger()

	total := req.TotalTiles
	if minTotal := req.InitialCompleted + len(req.Tiles); total < minTotal {
		total = minTotal
	}

	o.checkpoints.ClearStopRequest(req.TripID)
	o.quota.BeginTrip(req.TripID)
	defer o.quota.EndTrip(req.TripID)

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := &batch{
		req:       req,
		total:     total,
		width:     max(o.settings.MaxConcurrentDownloads(), 1),
		template:  o.settings.TileURLTemplate(),
		logger:    logger,
		monitor:   stats.NewMonitor(len(req.Tiles), logger),
		cancel:    cancel,
		succeeded: make([]atomic.Bool, len(req.Tiles)),
	}

	o.quota.Invalidate()
	check, err := o.quota.GetCachedCheck(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Stopped before any tile was dispatched.
			o.classifyCancellation(ctx, b, err)
			return o.finishStopped(ctx, b)
		}
		return model.BatchResult{TotalBytes: req.InitialBytes}, fmt.Errorf("pre-check cache quota: %w", err)
	}
	if check.IsLimitReached {
		return o.rejectAtLimit(ctx, req, total, check, logger)
	}

	logger.Info().
		Str("trip_name", req.TripName).
		Int("tiles", len(req.Tiles)).
		Int("initial_completed", req.InitialCompleted).
		Int("total", total).
		Int("workers", b.width).
		Msg("batch started")

	b.monitor.Start()
	defer b.monitor.Stop()

	pool := NewWorkerPool(b.width).OnPanic(func(i int, v any) {
		logger.Error().Interface("panic", v).Stringer("tile", req.Tiles[i]).Msg("tile worker panicked")
		b.monitor.RecordFailure(fmt.Errorf("panic: %v", v))
		b.addFailure(i)
		processed := b.processed.Add(1)
		o.reportProgress(b, processed)
		o.maybeSaveCheckpoint(batchCtx, b, processed)
	})
	poolErr := pool.Run(batchCtx, len(req.Tiles), func(ctx context.Context, i int) {
		o.processTile(ctx, b, i)
	})
	o.classifyCancellation(ctx, b, poolErr)

	if !b.stopped() {
		o.retryFailures(batchCtx, b)
		o.classifyCancellation(ctx, b, nil)
	}

	o.quota.Invalidate()
	if b.stopped() {
		return o.finishStopped(ctx, b)
	}
	return o.finishCompleted(ctx, b)
}

// rejectAtLimit persists the whole input as a LimitReached checkpoint
// without downloading anything.
func (o *Orchestrator) rejectAtLimit(ctx context.Context, req model.BatchRequest, total int, check model.CacheLimitCheckResult, logger zerolog.Logger) (model.BatchResult, error) {
	logger.Warn().
		Float64("usage_percent", check.UsagePercent).
		Int("max_size_mb", check.MaxSizeMB).
		Msg("cache limit already reached, batch not started")

	result := model.BatchResult{
		TotalBytes:      req.InitialBytes,
		WasPaused:       true,
		WasLimitReached: true,
		StopReason:      model.StopLimitReached,
	}
	state := model.DownloadState{
		TripID:             req.TripID,
		TripServerID:       req.TripServerID,
		TripName:           req.TripName,
		RemainingTiles:     req.Tiles,
		CompletedCount:     req.InitialCompleted,
		TotalCount:         total,
		DownloadedBytes:    req.InitialBytes,
		Status:             model.StatusLimitReached,
		InterruptionReason: model.StopLimitReached.String(),
	}
	o.quota.PublishLimitReached(req.TripID, req.TripName, check)
	o.publishPaused(req, model.StopLimitReached, req.InitialCompleted, total)
	o.metrics.IncBatchesFinished(model.StopLimitReached.String())

	if err := o.checkpoints.Save(context.WithoutCancel(ctx), state); err != nil {
		return result, fmt.Errorf("save checkpoint: %w", err)
	}
	return result, nil
}

func (o *Orchestrator) processTile(ctx context.Context, b *batch, i int) {
	if b.stopped() {
		return
	}
	if reason, ok := o.checkpoints.TryGetStopReason(b.req.TripID); ok && b.setStop(reason) {
		return
	}
	if i%b.width == 0 && !o.network.IsConnected() {
		b.setStop(model.StopPausedNetworkLost)
		return
	}

	result := o.fetchTile(ctx, b, i, o.fetcher.FetchWithRetry)
	if !result.Success && ctx.Err() != nil {
		// Cut short by a stop; the tile stays in the remaining set.
		b.aborted.Add(1)
		return
	}
	if result.Success {
		b.monitor.RecordSuccess(result.Bytes)
	} else {
		b.monitor.RecordFailure(result.Err)
		b.addFailure(i)
	}

	processed := b.processed.Add(1)
	o.reportProgress(b, processed)
	if processed%int64(o.intervals.Quota) == 0 {
		o.checkQuota(ctx, b)
	}
	if processed%int64(o.intervals.Storage) == 0 {
		o.checkStorage(ctx, b)
	}
	o.maybeSaveCheckpoint(ctx, b, processed)
}

type fetchFunc func(ctx context.Context, url, path string) model.FetchResult

func (o *Orchestrator) fetchTile(ctx context.Context, b *batch, i int, fetch fetchFunc) model.FetchResult {
	tile := b.req.Tiles[i]
	url := util.GetTileURL(b.template, tile)
	path := util.GetSavePath(o.cacheRoot, b.req.TripID, tile)

	o.metrics.AddActiveWorkers(1)
	defer o.metrics.AddActiveWorkers(-1)

	start := time.Now()
	result := fetch(ctx, url, path)
	o.metrics.ObserveFetchDuration(time.Since(start))

	if !result.Success {
		if ctx.Err() == nil {
			o.metrics.IncTilesFetched(metrics.ResultFailure)
			b.logger.Debug().Err(result.Err).Stringer("tile", tile).Bool("network", result.IsNetworkError).Msg("tile failed")
		}
		return result
	}
	b.succeeded[i].Store(true)
	b.bytes.Add(result.Bytes)
	o.metrics.IncTilesFetched(metrics.ResultSuccess)
	o.metrics.AddBytesDownloaded(result.Bytes)
	return result
}

// reportProgress publishes at most once per pool width of processed tiles,
// and always for the last tile. The lock covers only the throttle.
func (o *Orchestrator) reportProgress(b *batch, processed int64) {
	n := int64(len(b.req.Tiles))
	b.progressMu.Lock()
	if processed-b.lastProgress < int64(b.width) && processed != n {
		b.progressMu.Unlock()
		return
	}
	b.lastProgress = processed
	b.progressMu.Unlock()

	completed := b.req.InitialCompleted + int(processed)
	o.publisher.Publish(events.ProgressChanged{
		TripID:         b.req.TripID,
		CompletedTiles: completed,
		TotalTiles:     b.total,
		Percent:        progressPercent(completed, b.total),
		Message:        fmt.Sprintf("Downloading tiles %d/%d", completed, b.total),
	})
}

func progressPercent(completed, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(completed) / float64(total) * 100
}

func (o *Orchestrator) checkQuota(ctx context.Context, b *batch) {
	check, err := o.quota.GetCachedCheck(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn().Err(err).Msg("cache quota check failed")
		}
		return
	}
	if check.IsLimitReached {
		if b.setStop(model.StopLimitReached) {
			o.quota.PublishLimitReached(b.req.TripID, b.req.TripName, check)
		}
		return
	}
	o.quota.NotifyThresholds(b.req.TripID, b.req.TripName, check)
}

func (o *Orchestrator) checkStorage(ctx context.Context, b *batch) {
	ok, err := o.storage.HasSufficientStorage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn().Err(err).Msg("free storage check failed")
		}
		return
	}
	if !ok {
		b.setStop(model.StopPausedStorageLow)
	}
}

// maybeSaveCheckpoint persists an interim checkpoint once per Checkpoint
// interval. The watermark CAS elects a single saver per crossing.
func (o *Orchestrator) maybeSaveCheckpoint(ctx context.Context, b *batch, processed int64) {
	last := b.lastSave.Load()
	if processed-last < int64(o.intervals.Checkpoint) {
		return
	}
	if !b.lastSave.CompareAndSwap(last, processed) {
		return
	}
	if b.stopped() {
		return
	}
	if err := o.checkpoints.Save(context.WithoutCancel(ctx), b.state(model.StatusInProgress, "")); err != nil {
		b.logger.Warn().Err(err).Msg("interim checkpoint save failed")
	}
}

// classifyCancellation attributes a caller cancellation that cut the batch
// short: a pending stop request wins, otherwise it is an interruption.
func (o *Orchestrator) classifyCancellation(ctx context.Context, b *batch, poolErr error) {
	if b.stopped() || ctx.Err() == nil {
		return
	}
	if poolErr == nil && b.aborted.Load() == 0 {
		return
	}
	if reason, ok := o.checkpoints.TryGetStopReason(b.req.TripID); ok && b.setStop(reason) {
		return
	}
	b.setStop(model.StopInterrupted)
}

// retryFailures gives every failed tile one more strictly serial attempt,
// after all workers have finished.
func (o *Orchestrator) retryFailures(ctx context.Context, b *batch) {
	b.failMu.Lock()
	failures := slices.Clone(b.failures)
	b.failMu.Unlock()
	if len(failures) == 0 {
		return
	}
	slices.Sort(failures)
	b.logger.Info().Int("failed", len(failures)).Msg("retrying failed tiles serially")

	var still []int
	for k, i := range failures {
		if ctx.Err() != nil {
			b.aborted.Add(int64(len(failures) - k))
			still = append(still, failures[k:]...)
			break
		}
		if reason, ok := o.checkpoints.TryGetStopReason(b.req.TripID); ok && b.setStop(reason) {
			still = append(still, failures[k:]...)
			break
		}
		result := o.fetchTile(ctx, b, i, o.fetcher.Fetch)
		if result.Success {
			b.monitor.RecordRecovered(result.Bytes)
			continue
		}
		if ctx.Err() != nil {
			b.aborted.Add(1)
		}
		still = append(still, i)
	}

	b.failMu.Lock()
	b.failures = still
	b.failMu.Unlock()
}

func (o *Orchestrator) result(b *batch) model.BatchResult {
	_, succeeded := b.snapshot()
	b.failMu.Lock()
	failed := len(b.failures)
	b.failMu.Unlock()
	reason := b.stopReason()
	return model.BatchResult{
		TotalBytes:      b.req.InitialBytes + b.bytes.Load(),
		TilesDownloaded: succeeded,
		TilesFailed:     failed,
		WasPaused:       reason != model.StopRunning,
		WasLimitReached: reason == model.StopLimitReached,
		StopReason:      reason,
	}
}

func (o *Orchestrator) finishStopped(ctx context.Context, b *batch) (model.BatchResult, error) {
	reason := b.stopReason()
	result := o.result(b)

	status := model.StatusPaused
	if reason == model.StopLimitReached {
		status = model.StatusLimitReached
	}
	state := b.state(status, reason.String())

	o.publishPaused(b.req, reason, state.CompletedCount, b.total)
	o.metrics.IncBatchesFinished(reason.String())
	b.monitor.Stop()
	b.monitor.LogSummary(reason.String())

	// A hard cancel leaves checkpoint cleanup to the caller.
	if reason == model.StopPausedUserCancel {
		return result, nil
	}
	if err := o.checkpoints.Save(context.WithoutCancel(ctx), state); err != nil {
		return result, fmt.Errorf("save checkpoint: %w", err)
	}
	b.logger.Info().
		Stringer("reason", reason).
		Int("remaining", len(state.RemainingTiles)).
		Msg("checkpoint saved for resume")
	return result, nil
}

func (o *Orchestrator) finishCompleted(ctx context.Context, b *batch) (model.BatchResult, error) {
	result := o.result(b)
	completed := b.req.InitialCompleted + result.TilesDownloaded

	o.publisher.Publish(events.ProgressChanged{
		TripID:         b.req.TripID,
		CompletedTiles: completed,
		TotalTiles:     b.total,
		Percent:        progressPercent(completed, b.total),
		Message:        "Download complete",
	})
	o.metrics.IncBatchesFinished(OutcomeCompleted)
	b.monitor.Stop()
	b.monitor.LogSummary(OutcomeCompleted)

	if err := o.checkpoints.Delete(context.WithoutCancel(ctx), b.req.TripID); err != nil {
		return result, fmt.Errorf("delete checkpoint: %w", err)
	}
	return result, nil
}

func (o *Orchestrator) publishPaused(req model.BatchRequest, reason model.StopReason, completed, total int) {
	o.publisher.Publish(events.DownloadPaused{
		TripID:         req.TripID,
		TripServerID:   req.TripServerID,
		TripName:       req.TripName,
		Reason:         reason,
		TilesCompleted: completed,
		TotalTiles:     total,
		CanResume:      reason.CanResume(),
	})
}
