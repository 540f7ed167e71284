// Package stats tracks the throughput of one running batch.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/geoyee/tripcache/internal/util"
)

const (
	DefaultInterval = 10 * time.Second
	maxSpeedHistory = 100
)

// SpeedRecord is one interval sample.
type SpeedRecord struct {
	Time           time.Time
	KBPerSecond    float64
	TilesPerSecond float64
}

// Snapshot is a copy of the counters.
type Snapshot struct {
	Total     int64
	Succeeded int64
	Failed    int64
	Bytes     int64
	Elapsed   time.Duration
	Errors    map[string]int
}

// Monitor counts batch outcomes and logs throughput periodically.
type Monitor struct {
	total     int64
	succeeded atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
	errors    *util.ErrorStats

	logger   zerolog.Logger
	interval time.Duration
	start    time.Time

	mu      sync.Mutex
	history []SpeedRecord

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor tracks a batch of total tiles. Call Start to begin periodic logging.
func NewMonitor(total int, logger zerolog.Logger) *Monitor {
	return &Monitor{
		total:    int64(total),
		errors:   util.NewErrorStats(),
		logger:   logger,
		interval: DefaultInterval,
		start:    time.Now(),
		history:  make([]SpeedRecord, 0, maxSpeedHistory),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RecordSuccess counts a downloaded tile of bytes.
func (m *Monitor) RecordSuccess(bytes int64) {
	m.succeeded.Add(1)
	m.bytes.Add(bytes)
}

// RecordFailure counts a failed tile attempt.
func (m *Monitor) RecordFailure(err error) {
	m.failed.Add(1)
	m.errors.RecordError(err)
}

// RecordRecovered moves one earlier failure to the succeeded column.
func (m *Monitor) RecordRecovered(bytes int64) {
	m.failed.Add(-1)
	m.RecordSuccess(bytes)
}

// Start logs progress every interval until Stop.
func (m *Monitor) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.run()
	}
}

// Stop ends periodic logging. It is idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var lastSucceeded, lastBytes int64
	lastTime := m.start

	for {
		select {
		case now := <-ticker.C:
			succeeded := m.succeeded.Load()
			bytes := m.bytes.Load()
			rec := sample(now, now.Sub(lastTime), succeeded-lastSucceeded, bytes-lastBytes)
			m.appendHistory(rec)

			m.logger.Info().
				Int64("processed", succeeded+m.failed.Load()).
				Int64("total", m.total).
				Float64("percent", percent(succeeded+m.failed.Load(), m.total)).
				Float64("kb_per_sec", rec.KBPerSecond).
				Float64("tiles_per_sec", rec.TilesPerSecond).
				Int64("succeeded", succeeded).
				Int64("failed", m.failed.Load()).
				Msg("batch progress")

			lastSucceeded, lastBytes, lastTime = succeeded, bytes, now
		case <-m.stop:
			return
		}
	}
}

func sample(now time.Time, elapsed time.Duration, tiles, bytes int64) SpeedRecord {
	rec := SpeedRecord{Time: now}
	if s := elapsed.Seconds(); s > 0 {
		rec.KBPerSecond = float64(bytes) / 1024 / s
		rec.TilesPerSecond = float64(tiles) / s
	}
	return rec
}

func (m *Monitor) appendHistory(rec SpeedRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	if len(m.history) > maxSpeedHistory {
		m.history = m.history[1:]
	}
}

// History returns the recorded speed samples, oldest first.
func (m *Monitor) History() []SpeedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SpeedRecord(nil), m.history...)
}

func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		Total:     m.total,
		Succeeded: m.succeeded.Load(),
		Failed:    m.failed.Load(),
		Bytes:     m.bytes.Load(),
		Elapsed:   time.Since(m.start),
		Errors:    m.errors.GetErrorStats(),
	}
}

// LogSummary writes the final statistics of the batch.
func (m *Monitor) LogSummary(outcome string) {
	s := m.Snapshot()
	ev := m.logger.Info().
		Str("outcome", outcome).
		Dur("elapsed", s.Elapsed.Round(time.Millisecond)).
		Int64("total", s.Total).
		Int64("succeeded", s.Succeeded).
		Int64("failed", s.Failed).
		Float64("downloaded_mb", float64(s.Bytes)/1024/1024).
		Float64("completion_percent", percent(s.Succeeded, s.Total))
	if secs := s.Elapsed.Seconds(); secs > 0 {
		ev = ev.Float64("avg_kb_per_sec", float64(s.Bytes)/1024/secs).
			Float64("avg_tiles_per_sec", float64(s.Succeeded)/secs)
	}
	if len(s.Errors) > 0 {
		dict := zerolog.Dict()
		for cause, n := range s.Errors {
			dict = dict.Int(cause, n)
		}
		ev = ev.Dict("errors", dict)
	}
	ev.Msg("batch finished")
}

func percent(n, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(n) / float64(total) * 100
}
