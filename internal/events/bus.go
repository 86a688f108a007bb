package events

import (
	"sync"
)

const (
	defaultSubscriberCapacity = 100
	defaultHistoryLimit       = 50
	defaultDedupeWindow       = 1024
)

// Option customizes Bus construction.
type Option func(*Bus)

// Bus fans events out to subscribers with buffering, deduplication, and
// bounded channel semantics. A slow subscriber loses events rather than
// stalling the publisher.
type Bus struct {
	mu           sync.RWMutex
	subscribers  map[*subscriber]struct{}
	history      []Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	historyLimit int
	dedupeWindow int
	logger       Logger
}

// Subscription represents an active subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes its channel.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewBus constructs a bus with sane defaults.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscribers:  map[*subscriber]struct{}{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		historyLimit: defaultHistoryLimit,
		dedupeWindow: defaultDedupeWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithLogger injects a logger for drop/diagnostic messages.
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(cap int) Option {
	return func(b *Bus) {
		if cap > 0 {
			b.channelSize = cap
		}
	}
}

// WithHistoryLimit overrides how many recent events Recent can return.
func WithHistoryLimit(limit int) Option {
	return func(b *Bus) {
		if limit > 0 {
			b.historyLimit = limit
		}
	}
}

// WithDedupeWindow controls how many recent event IDs are retained.
func WithDedupeWindow(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.dedupeWindow = size
		}
	}
}

// Subscribe registers for the given event types; no types means all events.
func (b *Bus) Subscribe(types ...Type) Subscription {
	sub := newSubscriber(b.channelSize, b.logger, types)
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			b.removeSubscriber(sub)
		},
	}
}

// Publish delivers the event to every interested subscriber. It is safe on a
// nil bus.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.ID != "" && b.isDuplicate(event.ID) {
		return
	}
	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		if sub.wants(event.Type) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Recent returns up to limit of the most recently published events, oldest first.
func (b *Bus) Recent(limit int) []Event {
	if b == nil || limit <= 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := 0
	if len(b.history) > limit {
		start = len(b.history) - limit
	}
	out := make([]Event, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}

func (b *Bus) removeSubscriber(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
	sub.close()
}

func (b *Bus) isDuplicate(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.recentIDs[eventID]; ok {
		return true
	}
	b.recentIDs[eventID] = struct{}{}
	b.recentOrder = append(b.recentOrder, eventID)
	if len(b.recentOrder) > b.dedupeWindow {
		oldest := b.recentOrder[0]
		b.recentOrder = b.recentOrder[1:]
		delete(b.recentIDs, oldest)
	}
	return false
}

type subscriber struct {
	ch     chan Event
	topics map[Type]struct{}
	logger Logger
	closed bool
	mu     sync.Mutex
}

func newSubscriber(capacity int, logger Logger, types []Type) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	var topics map[Type]struct{}
	if len(types) > 0 {
		topics = make(map[Type]struct{}, len(types))
		for _, kind := range types {
			topics[normalizeTopic(kind)] = struct{}{}
		}
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		topics: topics,
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

func (s *subscriber) wants(kind Type) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[normalizeTopic(kind)]
	return ok
}

func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		// the consumer drained the queue in the meantime
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- event
	} else {
		s.ch <- oldest
		s.logDrop(event, "queue overflow:incoming")
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("events: dropped %s (%s)", event.Type, reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming Event) bool {
	oldestCritical := isCriticalEvent(oldest.Type)
	incomingCritical := isCriticalEvent(incoming.Type)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}
