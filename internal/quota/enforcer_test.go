package quota

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/geoyee/tripcache/internal/events"
	"github.com/geoyee/tripcache/internal/model"
	"github.com/geoyee/tripcache/internal/util"
)

type fixedSettings int

func (s fixedSettings) MaxCacheSizeMB() int { return int(s) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func newTestEnforcer(t *testing.T, maxMB int, size *atomic.Int64, queries *atomic.Int32) (*Enforcer, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	e := NewEnforcer(t.TempDir(), fixedSettings(maxMB), pub, nil, zerolog.Nop())
	e.usage = func(ctx context.Context) (int64, error) {
		if queries != nil {
			queries.Add(1)
		}
		return size.Load(), nil
	}
	return e, pub
}

func TestEvaluateBoundaries(t *testing.T) {
	const mb = 1024 * 1024
	tests := []struct {
		name        string
		size        int64
		maxMB       int
		wantLimit   bool
		wantWarning bool
		wantPercent float64
		wantLevel   Level
	}{
		{"exactly at limit", 100 * mb, 100, true, true, 100, LevelLimitReached},
		{"95 percent", 95 * mb, 100, false, true, 95, LevelCritical},
		{"85 percent", 85 * mb, 100, false, true, 85, LevelWarning},
		{"80 percent", 80 * mb, 100, false, true, 80, LevelWarning},
		{"just under warning", 80*mb - 1, 100, false, false, float64(80*mb-1) * 100 / float64(100*mb), LevelNormal},
		{"empty", 0, 100, false, false, 0, LevelNormal},
		{"over limit", 120 * mb, 100, true, true, 120, LevelLimitReached},
		{"unlimited", 500 * mb, 0, false, false, 0, LevelNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Evaluate(tt.size, tt.maxMB)
			if r.IsLimitReached != tt.wantLimit {
				t.Errorf("IsLimitReached = %v, want %v", r.IsLimitReached, tt.wantLimit)
			}
			if r.IsWarningLevel != tt.wantWarning {
				t.Errorf("IsWarningLevel = %v, want %v", r.IsWarningLevel, tt.wantWarning)
			}
			if math.Abs(r.UsagePercent-tt.wantPercent) > 1e-9 {
				t.Errorf("UsagePercent = %v, want %v", r.UsagePercent, tt.wantPercent)
			}
			if got := LevelOf(r); got != tt.wantLevel {
				t.Errorf("LevelOf = %v, want %v", got, tt.wantLevel)
			}
		})
	}
}

func TestCheckLimitMeasuresTilesRoot(t *testing.T) {
	root := t.TempDir()
	tileDir := filepath.Join(util.TripDir(root, 3), "12", "1")
	if err := os.MkdirAll(tileDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tileDir, "2.png"), make([]byte, 1500), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tileDir, "3.png"), make([]byte, 500), 0o644); err != nil {
		t.Fatal(err)
	}
	// Outside the tiles root, not counted.
	if err := os.WriteFile(filepath.Join(root, "other.bin"), make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewEnforcer(root, fixedSettings(1), nil, nil, zerolog.Nop())
	r, err := e.CheckLimit(context.Background())
	if err != nil {
		t.Fatalf("CheckLimit: %v", err)
	}
	if r.CurrentSizeBytes != 2000 {
		t.Errorf("CurrentSizeBytes = %d, want 2000", r.CurrentSizeBytes)
	}
	if r.MaxSizeMB != 1 {
		t.Errorf("MaxSizeMB = %d", r.MaxSizeMB)
	}

	usage, err := e.TripUsage(context.Background(), 3)
	if err != nil || usage != 2000 {
		t.Errorf("TripUsage = %d, %v", usage, err)
	}
	usage, err = e.TripUsage(context.Background(), 4)
	if err != nil || usage != 0 {
		t.Errorf("TripUsage(missing) = %d, %v", usage, err)
	}
}

func TestGetCachedCheckDebounces(t *testing.T) {
	var size atomic.Int64
	var queries atomic.Int32
	e, _ := newTestEnforcer(t, 100, &size, &queries)

	now := time.Unix(1000, 0)
	var clock sync.Mutex
	e.now = func() time.Time {
		clock.Lock()
		defer clock.Unlock()
		return now
	}

	var wg sync.WaitGroup
	for k := 0; k < 32; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.GetCachedCheck(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := queries.Load(); got != 1 {
		t.Fatalf("storage queried %d times within one window, want 1", got)
	}

	size.Store(50 * 1024 * 1024)
	clock.Lock()
	now = now.Add(DebounceWindow - time.Millisecond)
	clock.Unlock()
	r, _ := e.GetCachedCheck(context.Background())
	if r.CurrentSizeBytes != 0 || queries.Load() != 1 {
		t.Errorf("cache not reused inside window: size=%d queries=%d", r.CurrentSizeBytes, queries.Load())
	}

	clock.Lock()
	now = now.Add(time.Millisecond)
	clock.Unlock()
	r, _ = e.GetCachedCheck(context.Background())
	if r.CurrentSizeBytes != 50*1024*1024 || queries.Load() != 2 {
		t.Errorf("stale cache not refreshed: size=%d queries=%d", r.CurrentSizeBytes, queries.Load())
	}

	size.Store(60 * 1024 * 1024)
	e.Invalidate()
	r, _ = e.GetCachedCheck(context.Background())
	if r.CurrentSizeBytes != 60*1024*1024 || queries.Load() != 3 {
		t.Errorf("Invalidate did not force refresh: size=%d queries=%d", r.CurrentSizeBytes, queries.Load())
	}
}

func TestGetCachedCheckHonoursContextWhileWaiting(t *testing.T) {
	var size atomic.Int64
	e, _ := newTestEnforcer(t, 100, &size, nil)
	e.refresh <- struct{}{}
	defer func() { <-e.refresh }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.GetCachedCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCheckQuotaFor(t *testing.T) {
	const mb = 1024 * 1024
	var size atomic.Int64
	size.Store(90 * mb)
	e, _ := newTestEnforcer(t, 100, &size, nil)

	q, err := e.CheckQuotaFor(context.Background(), 5*mb)
	if err != nil {
		t.Fatal(err)
	}
	if !q.Allowed || q.RemainingBytes != 10*mb || q.MaxBytes != 100*mb {
		t.Errorf("quota = %+v", q)
	}

	q, _ = e.CheckQuotaFor(context.Background(), 11*mb)
	if q.Allowed {
		t.Errorf("11MB into 10MB remaining allowed: %+v", q)
	}

	if got := EstimateBytes(10); got != 10*AverageTileBytes {
		t.Errorf("EstimateBytes(10) = %d", got)
	}
}

func TestCheckAndNotifyRaisesOneEvent(t *testing.T) {
	const mb = 1024 * 1024
	tests := []struct {
		size int64
		want string
	}{
		{100 * mb, "limit"},
		{92 * mb, "critical"},
		{81 * mb, "warning"},
		{10 * mb, ""},
	}
	for _, tt := range tests {
		var size atomic.Int64
		size.Store(tt.size)
		e, pub := newTestEnforcer(t, 100, &size, nil)
		if _, err := e.CheckAndNotify(context.Background(), 1, "Alps"); err != nil {
			t.Fatal(err)
		}
		got := pub.all()
		if tt.want == "" {
			if len(got) != 0 {
				t.Errorf("size %d: unexpected events %v", tt.size, got)
			}
			continue
		}
		if len(got) != 1 {
			t.Fatalf("size %d: got %d events, want 1", tt.size, len(got))
		}
		var kind string
		switch ev := got[0].(type) {
		case events.CacheLimitReached:
			kind = "limit"
		case events.CacheCritical:
			kind = "critical"
		case events.CacheWarning:
			kind = "warning"
			if ev.TripName != "Alps" || ev.MaxSizeMB != 100 {
				t.Errorf("payload = %+v", ev.CacheUsage)
			}
		}
		if kind != tt.want {
			t.Errorf("size %d: event %T, want %s", tt.size, got[0], tt.want)
		}
	}
}

func TestNotifyThresholdsOncePerBatch(t *testing.T) {
	const mb = 1024 * 1024
	var size atomic.Int64
	e, pub := newTestEnforcer(t, 100, &size, nil)
	warning := Evaluate(85*mb, 100)
	critical := Evaluate(95*mb, 100)

	// No batch registered: nothing is raised.
	e.NotifyThresholds(1, "t", warning)
	if len(pub.all()) != 0 {
		t.Fatal("raised without BeginTrip")
	}

	e.BeginTrip(1)
	var wg sync.WaitGroup
	for k := 0; k < 16; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.NotifyThresholds(1, "t", warning)
		}()
	}
	wg.Wait()
	for k := 0; k < 4; k++ {
		e.NotifyThresholds(1, "t", critical)
	}
	e.NotifyThresholds(1, "t", warning)

	got := pub.all()
	if len(got) != 2 {
		t.Fatalf("got %d events, want warning then critical", len(got))
	}
	if _, ok := got[0].(events.CacheWarning); !ok {
		t.Errorf("first = %T", got[0])
	}
	if _, ok := got[1].(events.CacheCritical); !ok {
		t.Errorf("second = %T", got[1])
	}

	e.EndTrip(1)
	e.BeginTrip(1)
	e.NotifyThresholds(1, "t", warning)
	if len(pub.all()) != 3 {
		t.Error("new batch did not reset flags")
	}
}

func TestDeleteTripTiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(util.TripDir(root, 9), "8", "1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "1.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewEnforcer(root, fixedSettings(10), nil, nil, zerolog.Nop())
	e.cached.Store(&cachedCheck{result: model.CacheLimitCheckResult{CurrentSizeBytes: 1}, at: time.Now()})

	if err := e.DeleteTripTiles(9); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(util.TripDir(root, 9)); !os.IsNotExist(err) {
		t.Errorf("trip dir still present: %v", err)
	}
	if e.cached.Load() != nil {
		t.Error("cache not invalidated")
	}
}

func TestDiskStorage(t *testing.T) {
	d := NewDiskStorage(t.TempDir(), 100)
	d.freeBytes = func(string) (uint64, error) { return 100 * 1024 * 1024, nil }
	if ok, err := d.HasSufficientStorage(context.Background()); err != nil || !ok {
		t.Errorf("exactly MinFreeMB: ok=%v err=%v", ok, err)
	}
	d.freeBytes = func(string) (uint64, error) { return 100*1024*1024 - 1, nil }
	if ok, _ := d.HasSufficientStorage(context.Background()); ok {
		t.Error("below MinFreeMB reported sufficient")
	}
	d.freeBytes = func(string) (uint64, error) { return 0, errors.New("boom") }
	if _, err := d.HasSufficientStorage(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestFreeBytesMissingPath(t *testing.T) {
	free, err := FreeBytes(filepath.Join(t.TempDir(), "not", "yet"))
	if err != nil {
		t.Fatalf("FreeBytes: %v", err)
	}
	if free == 0 {
		t.Error("FreeBytes = 0 for a temp dir")
	}
}
