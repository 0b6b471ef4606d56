package bus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type testObserver struct {
	mu             sync.Mutex
	publishCount   int
	deliveredCount int
	lastErr        error
}

func (o *testObserver) OnPublish(_, _ string, _ Event) {
	o.mu.Lock()
	o.publishCount++
	o.mu.Unlock()
}

func (o *testObserver) OnDelivered(_, _ string, handlers int, err error, _ time.Duration) {
	o.mu.Lock()
	o.deliveredCount += handlers
	o.lastErr = err
	o.mu.Unlock()
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	var got Event
	_, err := b.Subscribe("test.event", func(e Event) error {
		got = e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err = b.Publish(NewEvent("test.event", "tester", 123, 0, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got == nil || got.Data() != 123 || got.Source() != "tester" {
		t.Fatalf("handler not called with the event: %#v", got)
	}
}

func TestHandlerErrorsAreJoined(t *testing.T) {
	b := New()
	first, second := errors.New("first"), errors.New("second")
	_, _ = b.Subscribe("x", func(Event) error { return first })
	_, _ = b.Subscribe("x", func(Event) error { return second })

	err := b.Publish(NewEvent("x", "src", nil, 0, nil))
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("expected both errors, got %v", err)
	}
	if m := b.GetMetrics(); m.Errors != 1 || m.DeliveredHandlers != 2 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestTopicsIsolation(t *testing.T) {
	b := New()
	count1, count2 := 0, 0
	_, _ = b.SubscribeTopic("t1", "ev", func(e Event) error { count1++; return nil })
	_, _ = b.SubscribeTopic("t2", "ev", func(e Event) error { count2++; return nil })
	_ = b.PublishToTopic("t1", NewEvent("ev", "src", nil, 0, nil))
	if count1 != 1 || count2 != 0 {
		t.Fatalf("topic isolation failed: %d %d", count1, count2)
	}
	_ = b.Publish(NewEvent("ev", "src", nil, 0, nil))
	if count1 != 1 || count2 != 0 {
		t.Fatalf("default topic leaked into named topics: %d %d", count1, count2)
	}
}

func TestWildcardFollowsTypedHandlers(t *testing.T) {
	b := New()
	var order []string
	_, _ = b.SubscribeTopic("scene", AnyEvent, func(e Event) error {
		order = append(order, "any:"+e.Type())
		return nil
	})
	_, _ = b.SubscribeTopic("scene", "change", func(e Event) error {
		order = append(order, "change")
		return nil
	})

	_ = b.PublishToTopic("scene", NewEvent("change", "scene", nil, 0, nil))
	_ = b.PublishToTopic("scene", NewEvent("addDependencies", "scene", nil, 0, nil))

	want := []string{"change", "any:change", "any:addDependencies"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub, _ := b.Subscribe("e", func(Event) error { calls++; return nil })
	_ = b.Publish(NewEvent("e", "s", nil, 0, nil))
	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	_ = b.Publish(NewEvent("e", "s", nil, 0, nil))
	if calls != 1 || sub.IsActive() {
		t.Fatalf("calls=%d active=%v", calls, sub.IsActive())
	}
	if err := b.Unsubscribe(nil); err != nil {
		t.Fatalf("nil unsubscribe: %v", err)
	}
}

func TestHandlerMayUnsubscribeDuringDelivery(t *testing.T) {
	b := New()
	var sub Subscription
	calls := 0
	sub, _ = b.Subscribe("e", func(Event) error {
		calls++
		return sub.Cancel()
	})
	_ = b.Publish(NewEvent("e", "s", nil, 0, nil))
	_ = b.Publish(NewEvent("e", "s", nil, 0, nil))
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRemoveTopic(t *testing.T) {
	b := New()
	calls := 0
	sub, _ := b.SubscribeTopic("scene", "change", func(Event) error { calls++; return nil })

	if err := b.RemoveTopic("scene"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if sub.IsActive() {
		t.Fatal("subscription still active after topic removal")
	}
	_ = b.PublishToTopic("scene", NewEvent("change", "scene", nil, 0, nil))
	if calls != 0 {
		t.Fatalf("removed topic still delivers: %d", calls)
	}
	if err := b.RemoveTopic("scene"); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
	if err := b.RemoveTopic(""); err == nil {
		t.Fatal("default topic removed")
	}
}

func TestGetTopics(t *testing.T) {
	b := New()
	_ = b.CreateTopic("tb")
	_ = b.CreateTopic("ta")
	_ = b.CreateTopic("ta")
	_, _ = b.SubscribeTopic("ta", "x", func(Event) error { return nil })
	_, _ = b.SubscribeTopic("ta", "y", func(Event) error { return nil })

	topics := b.GetTopics()
	if len(topics) != 3 || topics[0].Name != "" || topics[1].Name != "ta" || topics[2].Name != "tb" {
		t.Fatalf("unexpected topics: %+v", topics)
	}
	if topics[1].EventTypes != 2 || topics[1].Subs != 2 {
		t.Fatalf("unexpected topic info: %+v", topics[1])
	}
	if m := b.GetMetrics(); m.Topics != 3 || m.SubscribersActive != 2 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestObserver(t *testing.T) {
	b := New()
	handlerErr := errors.New("fail")
	_, _ = b.Subscribe("e", func(Event) error { return handlerErr })

	obs := &testObserver{}
	b.AddObserver(obs)
	_ = b.Publish(NewEvent("e", "s", nil, 0, nil))
	if obs.publishCount != 1 || obs.deliveredCount != 1 || !errors.Is(obs.lastErr, handlerErr) {
		t.Fatalf("observer not called: %+v", obs)
	}

	b.RemoveObserver(obs)
	_ = b.Publish(NewEvent("e", "s", nil, 0, nil))
	if obs.publishCount != 1 {
		t.Fatalf("removed observer still notified: %+v", obs)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	var mu sync.Mutex
	total := 0
	_, _ = b.SubscribeTopic("scene", AnyEvent, func(Event) error {
		mu.Lock()
		total++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.PublishToTopic("scene", NewEvent("change", "scene", j, 0, nil))
			}
		}()
	}
	wg.Wait()
	if total != 800 {
		t.Fatalf("expected 800 deliveries, got %d", total)
	}
}
