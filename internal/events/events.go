// Package events carries download notifications to whoever composes the
// cache components. Subscriptions are explicit and end with Close.
package events

import (
	"sync"

	"github.com/geoyee/tripcache/internal/model"
)

// Event is implemented by every notification type below.
type Event interface {
	Trip() int64
}

// ProgressChanged reports throttled batch progress.
type ProgressChanged struct {
	TripID         int64
	CompletedTiles int
	TotalTiles     int
	Percent        float64
	Message        string
}

// DownloadPaused reports a batch that stopped early.
type DownloadPaused struct {
	TripID         int64
	TripServerID   string
	TripName       string
	Reason         model.StopReason
	TilesCompleted int
	TotalTiles     int
	CanResume      bool
}

// CacheUsage is the payload shared by the cache threshold events.
type CacheUsage struct {
	TripID         int64
	TripName       string
	CurrentUsageMB float64
	MaxSizeMB      int
	UsagePercent   float64
}

type CacheWarning struct{ CacheUsage }

type CacheCritical struct{ CacheUsage }

type CacheLimitReached struct{ CacheUsage }

func (e ProgressChanged) Trip() int64 { return e.TripID }
func (e DownloadPaused) Trip() int64  { return e.TripID }
func (e CacheUsage) Trip() int64      { return e.TripID }

// Publisher is what producers depend on.
type Publisher interface {
	Publish(Event)
}

// Handler receives events. It runs on the publishing goroutine and must not
// block for long.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]Handler
}

// NewBus returns a Bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]Handler)}
}

// Subscribe registers h until the returned Subscription is closed.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = h
	return &Subscription{bus: b, id: id}
}

// SubscribeTrip is Subscribe filtered to one trip.
func (b *Bus) SubscribeTrip(tripID int64, h Handler) *Subscription {
	return b.Subscribe(func(e Event) {
		if e.Trip() == tripID {
			h(e)
		}
	})
}

// Publish delivers e to a snapshot of the current subscribers, outside the
// lock, so handlers may subscribe or unsubscribe.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is a live registration on a Bus.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Close removes the subscription. It is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s.id) })
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
