package events

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	var got []Event
	sub := bus.Subscribe(func(e Event) { got = append(got, e) })
	defer sub.Close()

	bus.Publish(ProgressChanged{TripID: 1, CompletedTiles: 5, TotalTiles: 10, Percent: 50})
	bus.Publish(CacheWarning{CacheUsage{TripID: 2, UsagePercent: 85}})

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if p, ok := got[0].(ProgressChanged); !ok || p.Percent != 50 {
		t.Errorf("first event = %#v", got[0])
	}
	if w, ok := got[1].(CacheWarning); !ok || w.Trip() != 2 {
		t.Errorf("second event = %#v", got[1])
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32
	sub := bus.Subscribe(func(Event) { count.Add(1) })

	bus.Publish(ProgressChanged{TripID: 1})
	sub.Close()
	sub.Close()
	bus.Publish(ProgressChanged{TripID: 1})

	if count.Load() != 1 {
		t.Errorf("handler called %d times, want 1", count.Load())
	}
	if bus.Len() != 0 {
		t.Errorf("Len = %d after close", bus.Len())
	}
}

func TestSubscribeTripFilters(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32
	sub := bus.SubscribeTrip(7, func(Event) { count.Add(1) })
	defer sub.Close()

	bus.Publish(DownloadPaused{TripID: 7})
	bus.Publish(DownloadPaused{TripID: 8})
	bus.Publish(CacheLimitReached{CacheUsage{TripID: 7}})

	if count.Load() != 2 {
		t.Errorf("handler called %d times, want 2", count.Load())
	}
}

func TestHandlerMayUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus()
	var sub *Subscription
	sub = bus.Subscribe(func(Event) { sub.Close() })

	bus.Publish(ProgressChanged{TripID: 1})
	if bus.Len() != 0 {
		t.Errorf("Len = %d, want 0", bus.Len())
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus()
	var delivered atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(func(Event) { delivered.Add(1) })
			for j := 0; j < 100; j++ {
				bus.Publish(ProgressChanged{TripID: int64(j)})
			}
			sub.Close()
		}()
	}
	wg.Wait()

	if delivered.Load() == 0 {
		t.Error("no events delivered")
	}
	if bus.Len() != 0 {
		t.Errorf("Len = %d, want 0", bus.Len())
	}
}
