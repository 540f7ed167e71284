package app

import (
	"context"
	"errors"
	"time"

	"github.com/geoyee/tripcache/internal/checkpoint"
	"github.com/geoyee/tripcache/internal/events"
	"github.com/geoyee/tripcache/internal/model"
)

// run is one batch in flight or recently finished.
type run struct {
	tripID    int64
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// Written by execute before done closes.
	result     model.BatchResult
	err        error
	finishedAt time.Time

	// Guarded by App.mu.
	progress events.ProgressChanged
}

func (a *App) register(ctx context.Context, tripID int64) (*run, context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.runs[tripID]; ok {
		return nil, nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		tripID:    tripID,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	a.runs[tripID] = r
	return r, runCtx, nil
}

func (a *App) execute(ctx context.Context, r *run, req model.BatchRequest) {
	defer close(r.done)
	defer r.cancel()

	r.result, r.err = a.Orchestrator.DownloadTiles(ctx, req)
	r.finishedAt = time.Now()
	if r.err != nil {
		a.Logger.Error().Err(r.err).Int64("trip_id", req.TripID).Msg("trip download failed")
	}

	a.mu.Lock()
	delete(a.runs, r.tripID)
	a.finished[r.tripID] = r
	a.mu.Unlock()
}

func (a *App) trackProgress(e events.Event) {
	p, ok := e.(events.ProgressChanged)
	if !ok {
		return
	}
	a.mu.Lock()
	if r, ok := a.runs[p.TripID]; ok {
		r.progress = p
	}
	a.mu.Unlock()
}

// TripStatus summarises what is known about one trip's download.
type TripStatus struct {
	TripID         int64                `json:"trip_id"`
	Running        bool                 `json:"running"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	FinishedAt     *time.Time           `json:"finished_at,omitempty"`
	CompletedTiles int                  `json:"completed_tiles"`
	TotalTiles     int                  `json:"total_tiles"`
	Percent        float64              `json:"percent"`
	LastResult     *model.BatchResult   `json:"last_result,omitempty"`
	LastError      string               `json:"last_error,omitempty"`
	Paused         bool                 `json:"paused"`
	Checkpoint     *model.DownloadState `json:"checkpoint,omitempty"`
	UsageBytes     int64                `json:"usage_bytes"`
}

// Status reports the running batch, the last result, the checkpoint and the
// on-disk usage of tripID.
func (a *App) Status(ctx context.Context, tripID int64) (TripStatus, error) {
	status := TripStatus{TripID: tripID}

	a.mu.Lock()
	if r, ok := a.runs[tripID]; ok {
		status.Running = true
		started := r.startedAt
		status.StartedAt = &started
		status.CompletedTiles = r.progress.CompletedTiles
		status.TotalTiles = r.progress.TotalTiles
		status.Percent = r.progress.Percent
	} else if r, ok := a.finished[tripID]; ok {
		started, finished, result := r.startedAt, r.finishedAt, r.result
		status.StartedAt = &started
		status.FinishedAt = &finished
		status.LastResult = &result
		if r.err != nil {
			status.LastError = r.err.Error()
		}
	}
	a.mu.Unlock()

	state, err := a.Checkpoints.Get(ctx, tripID)
	switch {
	case err == nil:
		status.Checkpoint = &state
		if !status.Running {
			status.CompletedTiles = state.CompletedCount
			status.TotalTiles = state.TotalCount
			if state.TotalCount > 0 {
				status.Percent = float64(state.CompletedCount) / float64(state.TotalCount) * 100
			}
		}
	case !errors.Is(err, checkpoint.ErrNotFound):
		return status, err
	}

	paused, err := a.Checkpoints.IsPaused(ctx, tripID)
	if err != nil {
		return status, err
	}
	status.Paused = paused && !status.Running

	usage, err := a.Quota.TripUsage(ctx, tripID)
	if err != nil {
		return status, err
	}
	status.UsageBytes = usage
	return status, nil
}
