package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/geoyee/tripcache/internal/events"
	"github.com/geoyee/tripcache/internal/model"
	"github.com/geoyee/tripcache/internal/quota"
	"github.com/geoyee/tripcache/internal/util"
)

const testTemplate = "https://tiles.test/{z}/{x}/{y}.png"

var errBadTile = errors.New("invalid PNG signature")

type fetchCall struct {
	url        string
	retryPass  bool
	concurrent int32
}

// fakeFetcher answers with handle and records every call by URL.
type fakeFetcher struct {
	handle func(ctx context.Context, url string, retryPass bool) model.FetchResult

	mu       sync.Mutex
	calls    map[string]int
	log      []fetchCall
	inflight atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, _ string) model.FetchResult {
	return f.do(ctx, url, true)
}

func (f *fakeFetcher) FetchWithRetry(ctx context.Context, url, _ string) model.FetchResult {
	return f.do(ctx, url, false)
}

func (f *fakeFetcher) do(ctx context.Context, url string, retryPass bool) model.FetchResult {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)

	f.mu.Lock()
	f.calls[url]++
	f.log = append(f.log, fetchCall{url: url, retryPass: retryPass, concurrent: cur})
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return model.FetchResult{IsNetworkError: true, Err: err}
	}
	if f.handle != nil {
		return f.handle(ctx, url, retryPass)
	}
	return model.FetchResult{Success: true, Bytes: 100}
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) calledURLs() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.calls))
	for k, v := range f.calls {
		out[k] = v
	}
	return out
}

func (f *fakeFetcher) callLog() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.log...)
}

// fakeQuota returns the result of check, defaulting to an empty cache.
type fakeQuota struct {
	check   func(call int32) model.CacheLimitCheckResult
	onCheck func()

	calls       atomic.Int32
	invalidated atomic.Int32
	limitRaised atomic.Int32
	notified    atomic.Int32
	began       atomic.Int32
	ended       atomic.Int32
}

func (q *fakeQuota) GetCachedCheck(ctx context.Context) (model.CacheLimitCheckResult, error) {
	n := q.calls.Add(1)
	if q.onCheck != nil {
		q.onCheck()
	}
	if err := ctx.Err(); err != nil {
		return model.CacheLimitCheckResult{}, err
	}
	if q.check != nil {
		return q.check(n), nil
	}
	return quota.Evaluate(0, 100), nil
}

func (q *fakeQuota) Invalidate()     { q.invalidated.Add(1) }
func (q *fakeQuota) BeginTrip(int64) { q.began.Add(1) }
func (q *fakeQuota) EndTrip(int64)   { q.ended.Add(1) }

func (q *fakeQuota) NotifyThresholds(_ int64, _ string, r model.CacheLimitCheckResult) quota.Level {
	q.notified.Add(1)
	return quota.LevelOf(r)
}

func (q *fakeQuota) PublishLimitReached(int64, string, model.CacheLimitCheckResult) {
	q.limitRaised.Add(1)
}

type fakeCheckpoints struct {
	mu      sync.Mutex
	states  map[int64]model.DownloadState
	saves   []model.DownloadState
	deletes int
	stops   sync.Map
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{states: map[int64]model.DownloadState{}}
}

func (c *fakeCheckpoints) Save(_ context.Context, s model.DownloadState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[s.TripID] = s
	c.saves = append(c.saves, s)
	return nil
}

func (c *fakeCheckpoints) Delete(_ context.Context, tripID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, tripID)
	c.deletes++
	return nil
}

func (c *fakeCheckpoints) get(tripID int64) (model.DownloadState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[tripID]
	return s, ok
}

func (c *fakeCheckpoints) allSaves() []model.DownloadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.DownloadState(nil), c.saves...)
}

func (c *fakeCheckpoints) RequestStop(tripID int64, r model.StopReason) { c.stops.Store(tripID, r) }

func (c *fakeCheckpoints) TryGetStopReason(tripID int64) (model.StopReason, bool) {
	v, ok := c.stops.Load(tripID)
	if !ok {
		return model.StopRunning, false
	}
	return v.(model.StopReason), true
}

func (c *fakeCheckpoints) ClearStopRequest(tripID int64) { c.stops.Delete(tripID) }

type fakeSettings struct{ width int }

func (s fakeSettings) MaxConcurrentDownloads() int { return s.width }
func (s fakeSettings) TileURLTemplate() string     { return testTemplate }

type fakeNetwork struct{ offline atomic.Bool }

func (n *fakeNetwork) IsConnected() bool { return !n.offline.Load() }
func (n *fakeNetwork) WaitForConnection(context.Context, time.Duration) bool {
	return !n.offline.Load()
}

type fakeStorage struct{ low atomic.Bool }

func (s *fakeStorage) HasSufficientStorage(context.Context) (bool, error) {
	return !s.low.Load(), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) paused() []events.DownloadPaused {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.DownloadPaused
	for _, e := range p.events {
		if dp, ok := e.(events.DownloadPaused); ok {
			out = append(out, dp)
		}
	}
	return out
}

func (p *recordingPublisher) progress() []events.ProgressChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.ProgressChanged
	for _, e := range p.events {
		if pc, ok := e.(events.ProgressChanged); ok {
			out = append(out, pc)
		}
	}
	return out
}

type harness struct {
	orch        *Orchestrator
	fetcher     *fakeFetcher
	quota       *fakeQuota
	checkpoints *fakeCheckpoints
	network     *fakeNetwork
	storage     *fakeStorage
	publisher   *recordingPublisher
}

func newHarness(t *testing.T, width int) *harness {
	t.Helper()
	h := &harness{
		fetcher:     newFakeFetcher(),
		quota:       &fakeQuota{},
		checkpoints: newFakeCheckpoints(),
		network:     &fakeNetwork{},
		storage:     &fakeStorage{},
		publisher:   &recordingPublisher{},
	}
	h.orch = NewOrchestrator(Deps{
		CacheRoot:   t.TempDir(),
		Fetcher:     h.fetcher,
		Quota:       h.quota,
		Checkpoints: h.checkpoints,
		Settings:    fakeSettings{width: width},
		Storage:     h.storage,
		Network:     h.network,
		Publisher:   h.publisher,
		Logger:      zerolog.Nop(),
	})
	return h
}

func makeTiles(n int) []model.Tile {
	tiles := make([]model.Tile, n)
	for i := range tiles {
		tiles[i] = model.Tile{Z: 14, X: 8000 + i%100, Y: 5000 + i/100}
	}
	return tiles
}

func tileURL(tile model.Tile) string {
	return util.GetTileURL(testTemplate, tile)
}

func request(tripID int64, tiles []model.Tile) model.BatchRequest {
	return model.BatchRequest{
		TripID:       tripID,
		TripServerID: fmt.Sprintf("srv-%d", tripID),
		TripName:     "Trip",
		Tiles:        tiles,
		TotalTiles:   len(tiles),
	}
}
