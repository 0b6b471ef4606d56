package bus

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownTopic = errors.New("unknown topic")

type simpleEvent struct {
	typeStr string
	source  string
	ts      time.Time
	data    any
	prio    int
	meta    map[string]any
}

func (e simpleEvent) Type() string             { return e.typeStr }
func (e simpleEvent) Source() string           { return e.source }
func (e simpleEvent) Timestamp() time.Time     { return e.ts }
func (e simpleEvent) Data() any                { return e.data }
func (e simpleEvent) Priority() int            { return e.prio }
func (e simpleEvent) Metadata() map[string]any { return e.meta }

// NewEvent creates a simple Event implementation.
func NewEvent(typ, src string, data any, priority int, metadata map[string]any) Event {
	return simpleEvent{typeStr: typ, source: src, ts: time.Now(), data: data, prio: priority, meta: metadata}
}

type subscription struct {
	id        string
	topic     string
	eventType string
	handler   EventHandler
	active    atomic.Bool
	cancel    func()
}

func (s *subscription) ID() string        { return s.id }
func (s *subscription) Topic() string     { return s.topic }
func (s *subscription) EventType() string { return s.eventType }
func (s *subscription) IsActive() bool    { return s.active.Load() }
func (s *subscription) Cancel() error {
	if s.active.CompareAndSwap(true, false) && s.cancel != nil {
		s.cancel()
	}
	return nil
}

// topic holds the subscriptions of one topic keyed by event type, each list in
// subscription order.
type topic map[string][]*subscription

type inMemoryBus struct {
	mu        sync.RWMutex
	topics    map[string]topic
	observers []EventBusObserver

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a new EventBus instance.
func New() EventBus {
	return &inMemoryBus{
		topics: map[string]topic{"": {}},
	}
}

func (b *inMemoryBus) Publish(event Event) error {
	return b.deliver("", event)
}

func (b *inMemoryBus) PublishToTopic(topic string, event Event) error {
	return b.deliver(topic, event)
}

func (b *inMemoryBus) Subscribe(eventType string, handler EventHandler) (Subscription, error) {
	return b.SubscribeTopic("", eventType, handler)
}

func (b *inMemoryBus) SubscribeTopic(topicName, eventType string, handler EventHandler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s/%s: nil handler", topicName, eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.ensureTopicLocked(topicName)

	s := &subscription{id: uuid.NewString(), topic: topicName, eventType: eventType, handler: handler}
	s.active.Store(true)
	s.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if t, ok := b.topics[topicName]; ok {
			t[eventType] = slices.DeleteFunc(t[eventType], func(other *subscription) bool { return other == s })
			if len(t[eventType]) == 0 {
				delete(t, eventType)
			}
		}
	}
	t[eventType] = append(t[eventType], s)
	return s, nil
}

func (b *inMemoryBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (b *inMemoryBus) CreateTopic(name string) error {
	b.mu.Lock()
	b.ensureTopicLocked(name)
	b.mu.Unlock()
	return nil
}

func (b *inMemoryBus) RemoveTopic(name string) error {
	if name == "" {
		return errors.New("the default topic cannot be removed")
	}
	b.mu.Lock()
	t, ok := b.topics[name]
	delete(b.topics, name)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	for _, subs := range t {
		for _, s := range subs {
			s.active.Store(false)
		}
	}
	return nil
}

func (b *inMemoryBus) AddObserver(obs EventBusObserver) {
	b.mu.Lock()
	b.observers = append(b.observers, obs)
	b.mu.Unlock()
}

func (b *inMemoryBus) RemoveObserver(obs EventBusObserver) {
	b.mu.Lock()
	b.observers = slices.DeleteFunc(b.observers, func(other EventBusObserver) bool { return other == obs })
	b.mu.Unlock()
}

func (b *inMemoryBus) GetMetrics() EventBusMetrics {
	b.mu.RLock()
	var subs uint64
	for _, t := range b.topics {
		for _, list := range t {
			subs += uint64(len(list))
		}
	}
	topics := uint64(len(b.topics))
	b.mu.RUnlock()

	return EventBusMetrics{
		Published:         b.published.Load(),
		DeliveredHandlers: b.delivered.Load(),
		Errors:            b.failed.Load(),
		SubscribersActive: subs,
		Topics:            topics,
	}
}

func (b *inMemoryBus) GetTopics() []TopicInfo {
	b.mu.RLock()
	out := make([]TopicInfo, 0, len(b.topics))
	for name, t := range b.topics {
		info := TopicInfo{Name: name, EventTypes: len(t)}
		for _, list := range t {
			info.Subs += len(list)
		}
		out = append(out, info)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *inMemoryBus) ensureTopicLocked(name string) topic {
	t, ok := b.topics[name]
	if !ok {
		t = topic{}
		b.topics[name] = t
	}
	return t
}

// deliver snapshots the matching subscriptions, typed ones first, then calls
// them without holding the lock so handlers may publish or subscribe.
func (b *inMemoryBus) deliver(topicName string, event Event) error {
	start := time.Now()
	etype := event.Type()

	b.mu.RLock()
	var subs []*subscription
	if t := b.topics[topicName]; t != nil {
		subs = make([]*subscription, 0, len(t[etype])+len(t[AnyEvent]))
		subs = append(subs, t[etype]...)
		if etype != AnyEvent {
			subs = append(subs, t[AnyEvent]...)
		}
	}
	observers := slices.Clone(b.observers)
	b.mu.RUnlock()

	for _, obs := range observers {
		obs.OnPublish(topicName, etype, event)
	}

	var all error
	handlers := 0
	for _, s := range subs {
		if !s.IsActive() {
			continue
		}
		handlers++
		if err := s.handler(event); err != nil {
			all = errors.Join(all, err)
		}
	}

	b.published.Add(1)
	b.delivered.Add(uint64(handlers))
	if all != nil {
		b.failed.Add(1)
	}

	if len(observers) > 0 {
		dur := time.Since(start)
		for _, obs := range observers {
			obs.OnDelivered(topicName, etype, handlers, all, dur)
		}
	}
	return all
}
