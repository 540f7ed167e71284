// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/geoyee/tripcache/internal/checkpoint"
	"github.com/geoyee/tripcache/internal/client"
	"github.com/geoyee/tripcache/internal/config"
	"github.com/geoyee/tripcache/internal/download"
	"github.com/geoyee/tripcache/internal/events"
	"github.com/geoyee/tripcache/internal/fetch"
	"github.com/geoyee/tripcache/internal/metrics"
	"github.com/geoyee/tripcache/internal/model"
	"github.com/geoyee/tripcache/internal/network"
	"github.com/geoyee/tripcache/internal/quota"
	"github.com/geoyee/tripcache/internal/util"
)

var (
	ErrAlreadyRunning = errors.New("trip download already running")
	ErrNotRunning     = errors.New("trip download not running")
)

// Trip identifies the trip a download belongs to.
type Trip struct {
	ID       int64  `json:"id"`
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
}

// App holds all application components.
type App struct {
	Settings     *config.Settings
	Logger       zerolog.Logger
	Bus          *events.Bus
	HTTPClient   *client.HTTPClient
	Network      *network.Monitor
	Fetcher      *fetch.Fetcher
	Quota        *quota.Enforcer
	Storage      *quota.DiskStorage
	Checkpoints  *checkpoint.Store
	Orchestrator *download.Orchestrator
	Metrics      *metrics.Collector

	baseCtx    context.Context
	baseCancel context.CancelFunc
	progress   *events.Subscription
	closeOnce  sync.Once
	closeErr   error

	mu       sync.Mutex
	runs     map[int64]*run
	finished map[int64]*run
}

// New creates and wires a new application.
func New(ctx context.Context, settings *config.Settings, logger zerolog.Logger) (*App, error) {
	cfg := settings.Config()
	app := &App{
		Settings: settings,
		Logger:   logger,
		Bus:      events.NewBus(),
		runs:     make(map[int64]*run),
		finished: make(map[int64]*run),
	}

	var recorder metrics.Recorder = metrics.NoOp{}
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("tripcache")
		recorder = app.Metrics
	}

	if err := util.EnsureDirExists(util.TilesRoot(cfg.Cache.Root)); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	dbPath := cfg.Cache.CheckpointPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	store, err := checkpoint.Open(ctx, dbPath, logger.With().Str("component", "checkpoint").Logger())
	if err != nil {
		return nil, fmt.Errorf("initializing checkpoint store: %w", err)
	}
	app.Checkpoints = store

	app.HTTPClient = client.NewHTTPClient(&client.Config{
		Timeout:   cfg.Download.Timeout,
		ProxyURL:  cfg.Download.ProxyURL,
		UseHTTP2:  cfg.Download.UseHTTP2,
		KeepAlive: cfg.Download.KeepAlive,
		UserAgent: cfg.Download.UserAgent,
	}, logger.With().Str("component", "http").Logger())

	app.Network = network.NewMonitor(cfg.Download.TileURLTemplate, logger.With().Str("component", "network").Logger())

	opts := fetch.DefaultOptions()
	opts.MinRequestDelay = cfg.Download.MinRequestDelay()
	opts.RequestTimeout = cfg.Download.Timeout
	app.Fetcher = fetch.NewFetcher(app.HTTPClient, app.Network, opts, logger.With().Str("component", "fetch").Logger())

	app.Quota = quota.NewEnforcer(cfg.Cache.Root, settings, app.Bus, recorder, logger.With().Str("component", "quota").Logger())
	app.Storage = quota.NewDiskStorage(cfg.Cache.Root, cfg.Storage.MinFreeMB)

	app.Orchestrator = download.NewOrchestrator(download.Deps{
		CacheRoot:   cfg.Cache.Root,
		Fetcher:     app.Fetcher,
		Quota:       app.Quota,
		Checkpoints: app.Checkpoints,
		Settings:    settings,
		Storage:     app.Storage,
		Network:     app.Network,
		Publisher:   app.Bus,
		Metrics:     recorder,
		Logger:      logger.With().Str("component", "download").Logger(),
	})

	settings.OnChange(app.applySettings)
	app.progress = app.Bus.Subscribe(app.trackProgress)
	app.baseCtx, app.baseCancel = context.WithCancel(context.Background())

	return app, nil
}

func (a *App) applySettings(old, cur *config.Config) {
	if old.Download.MinRequestDelayMS != cur.Download.MinRequestDelayMS {
		a.Fetcher.SetMinRequestDelay(cur.Download.MinRequestDelay())
	}
	if old.Cache.MaxSizeMB != cur.Cache.MaxSizeMB {
		a.Quota.Invalidate()
	}
	a.Logger.Info().
		Int("max_concurrent", cur.Download.MaxConcurrent).
		Int("max_size_mb", cur.Cache.MaxSizeMB).
		Int("min_request_delay_ms", cur.Download.MinRequestDelayMS).
		Msg("download settings updated")
}

// Close interrupts running downloads, waits for their checkpoints and
// releases resources. Only the first call does any work.
func (a *App) Close() error {
	a.closeOnce.Do(func() { a.closeErr = a.close() })
	return a.closeErr
}

func (a *App) close() error {
	a.baseCancel()

	a.mu.Lock()
	var cancels []*run
	for _, r := range a.runs {
		cancels = append(cancels, r)
	}
	a.mu.Unlock()
	for _, r := range cancels {
		r.cancel()
		<-r.done
	}

	a.progress.Close()
	a.HTTPClient.CloseIdleConnections()
	return a.Checkpoints.Close()
}

// PlanBoundingBox computes the tile set of bbox for trip and warns when the
// estimate does not fit in the remaining quota.
func (a *App) PlanBoundingBox(ctx context.Context, trip Trip, bbox model.BoundingBox) (model.BatchRequest, error) {
	tiles, maxZoom, err := a.Orchestrator.TilesForBoundingBox(bbox)
	if err != nil {
		return model.BatchRequest{}, fmt.Errorf("computing tiles for trip %d: %w", trip.ID, err)
	}

	estimate := quota.EstimateBytes(len(tiles))
	q, err := a.Quota.CheckQuotaFor(ctx, estimate)
	if err != nil {
		return model.BatchRequest{}, fmt.Errorf("checking quota: %w", err)
	}
	if !q.Allowed {
		a.Logger.Warn().
			Int64("trip_id", trip.ID).
			Int64("estimated_bytes", estimate).
			Int64("remaining_bytes", q.RemainingBytes).
			Msg("estimated download exceeds remaining cache quota")
	}
	a.Logger.Info().
		Int64("trip_id", trip.ID).
		Int("tiles", len(tiles)).
		Int("max_zoom", maxZoom).
		Float64("area_sq_deg", bbox.Area()).
		Msg("tile set computed")

	return model.BatchRequest{
		TripID:       trip.ID,
		TripServerID: trip.ServerID,
		TripName:     trip.Name,
		Tiles:        tiles,
		TotalTiles:   len(tiles),
	}, nil
}

// ResumeRequest builds the batch that continues tripID's checkpoint.
func (a *App) ResumeRequest(ctx context.Context, tripID int64) (model.BatchRequest, error) {
	state, err := a.Checkpoints.Get(ctx, tripID)
	if err != nil {
		return model.BatchRequest{}, err
	}
	return model.BatchRequest{
		TripID:           state.TripID,
		TripServerID:     state.TripServerID,
		TripName:         state.TripName,
		Tiles:            state.RemainingTiles,
		InitialCompleted: state.CompletedCount,
		TotalTiles:       state.TotalCount,
		InitialBytes:     state.DownloadedBytes,
	}, nil
}

// Download caches bbox for trip and blocks until the batch ends.
func (a *App) Download(ctx context.Context, trip Trip, bbox model.BoundingBox) (model.BatchResult, error) {
	req, err := a.PlanBoundingBox(ctx, trip, bbox)
	if err != nil {
		return model.BatchResult{}, err
	}
	return a.RunBatch(ctx, req)
}

// Resume continues tripID from its checkpoint and blocks until the batch
// ends.
func (a *App) Resume(ctx context.Context, tripID int64) (model.BatchResult, error) {
	req, err := a.ResumeRequest(ctx, tripID)
	if err != nil {
		return model.BatchResult{}, err
	}
	return a.RunBatch(ctx, req)
}

// RunBatch runs req in the caller's goroutine.
func (a *App) RunBatch(ctx context.Context, req model.BatchRequest) (model.BatchResult, error) {
	r, runCtx, err := a.register(ctx, req.TripID)
	if err != nil {
		return model.BatchResult{}, err
	}
	a.execute(runCtx, r, req)
	return r.result, r.err
}

// RunBatchPausable is RunBatch that pauses the batch when pause fires. The
// run is registered before pause is watched, so an early signal still
// pauses it.
func (a *App) RunBatchPausable(ctx context.Context, req model.BatchRequest, pause <-chan struct{}) (model.BatchResult, error) {
	r, runCtx, err := a.register(ctx, req.TripID)
	if err != nil {
		return model.BatchResult{}, err
	}
	go func() {
		select {
		case <-pause:
			if err := a.Pause(req.TripID); err != nil && !errors.Is(err, ErrNotRunning) {
				a.Logger.Error().Err(err).Int64("trip_id", req.TripID).Msg("pausing download")
			}
		case <-r.done:
		}
	}()
	a.execute(runCtx, r, req)
	return r.result, r.err
}

// StartBatch runs req in the background under the application lifetime.
func (a *App) StartBatch(req model.BatchRequest) error {
	r, runCtx, err := a.register(a.baseCtx, req.TripID)
	if err != nil {
		return err
	}
	go a.execute(runCtx, r, req)
	return nil
}

// Pause asks the running batch of tripID to stop and keep a resumable
// checkpoint.
func (a *App) Pause(tripID int64) error {
	a.mu.Lock()
	r, ok := a.runs[tripID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("trip %d: %w", tripID, ErrNotRunning)
	}
	a.Checkpoints.RequestStop(tripID, model.StopPausedUserRequest)
	r.cancel()
	return nil
}

// Cancel stops tripID if running and discards its checkpoint and tiles.
func (a *App) Cancel(ctx context.Context, tripID int64) error {
	a.Checkpoints.RequestStop(tripID, model.StopPausedUserCancel)

	a.mu.Lock()
	r, running := a.runs[tripID]
	a.mu.Unlock()
	if running {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := a.Checkpoints.Delete(ctx, tripID); err != nil {
		return err
	}
	if err := a.Quota.DeleteTripTiles(tripID); err != nil {
		return err
	}
	a.Logger.Info().Int64("trip_id", tripID).Bool("was_running", running).Msg("trip download cancelled")
	return nil
}

// IsRunning reports whether tripID has a batch in flight.
func (a *App) IsRunning(tripID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.runs[tripID]
	return ok
}

// CacheUsage measures the whole cache now.
func (a *App) CacheUsage(ctx context.Context) (model.CacheLimitCheckResult, error) {
	return a.Quota.CheckLimit(ctx)
}

// ListPaused returns resumable checkpoints, newest first.
func (a *App) ListPaused(ctx context.Context) ([]model.DownloadState, error) {
	return a.Checkpoints.ListPaused(ctx)
}

// WaitIdle blocks until no batch is running or ctx ends.
func (a *App) WaitIdle(ctx context.Context) error {
	for {
		a.mu.Lock()
		var r *run
		for _, cur := range a.runs {
			r = cur
			break
		}
		a.mu.Unlock()
		if r == nil {
			return nil
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
