// Package events provides the in-process pub/sub bus used by the push
// adapters and internal observers. Delivery is best-effort: each subscriber
// has a bounded mailbox and slow subscribers lose events rather than
// blocking producers.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Topic names follow a dotted hierarchy. Subscriptions may use a trailing
// "*" wildcard segment, e.g. "browser.*" matches "browser.crashed".
const (
	TopicSessionCreated = "session.created"
	TopicSessionDeleted = "session.deleted"
	TopicSessionExpired = "session.expired"

	TopicContextCreated      = "context.created"
	TopicContextAssigned     = "context.assigned"
	TopicContextStateChanged = "context.state_changed"
	TopicContextClosed       = "context.closed"

	TopicPageNavigation = "page.navigation"
	TopicPageAction     = "page.action_executed"

	TopicBrowserLaunched   = "browser.launched"
	TopicBrowserUnhealthy  = "browser.unhealthy"
	TopicBrowserCrashed    = "browser.crashed"
	TopicBrowserReplaced   = "browser.replaced"
	TopicBrowserTerminated = "browser.terminated"

	TopicProxyAssigned  = "proxy.assigned"
	TopicProxyRotated   = "proxy.rotated"
	TopicProxyUnhealthy = "proxy.unhealthy"
)

// Event is a single bus message.
type Event struct {
	Topic     string         `json:"topic"`
	Origin    string         `json:"origin,omitempty"` // Originating protocol: http, ws, rpc, toolcall, internal
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DefaultMailboxSize bounds each subscriber's queue.
const DefaultMailboxSize = 256

// Subscription is a handle to a subscriber's mailbox. Close it to stop
// receiving; the channel is closed by the bus.
type Subscription struct {
	C        <-chan Event
	id       uint64
	patterns []string
	ch       chan Event
	bus      *Bus
	dropped  atomic.Int64
	once     sync.Once
}

// Dropped returns the number of events lost because the mailbox was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close removes the subscription from the bus and closes the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
		close(s.ch)
	})
}

// Bus is the in-process event fan-out. Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber for the given topic patterns with the
// default mailbox size.
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	return b.SubscribeBuffered(DefaultMailboxSize, patterns...)
}

// SubscribeBuffered registers a subscriber with an explicit mailbox size.
func (b *Bus) SubscribeBuffered(size int, patterns ...string) *Subscription {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	ch := make(chan Event, size)
	sub := &Subscription{
		C:        ch,
		ch:       ch,
		id:       b.nextID.Add(1),
		patterns: patterns,
		bus:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers an event to every matching subscriber. Full mailboxes
// drop the event with a warning; producers are never blocked.
func (b *Bus) Publish(topic, origin string, payload map[string]any) {
	ev := Event{
		Topic:     topic,
		Origin:    origin,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Add(1)
	for _, sub := range b.subs {
		if !matchesAny(topic, sub.patterns) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			log.Warn().
				Str("topic", topic).
				Int64("subscriber_dropped", sub.dropped.Load()).
				Msg("Slow event subscriber, dropping event")
		}
	}
}

// Stats returns cumulative publish/drop counters.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
	log.Debug().Msg("Event bus closed")
}

// matchesAny reports whether topic matches any of the subscription
// patterns. A pattern either matches exactly, or ends in ".*" and matches
// any topic sharing its prefix. The bare "*" matches everything.
func matchesAny(topic string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || p == topic {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(topic, prefix+".") {
			return true
		}
	}
	return false
}
