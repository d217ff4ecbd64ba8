// Package observe implements the in-process observable registry: a fixed set
// of named last-value topics feeding the realtime bus. Publishers never block;
// each subscriber owns a bounded queue and is dropped when it falls behind.
package observe

import (
	"sync"

	"steward/internal/logging"
	"steward/internal/sterrors"
)

// Topic names fanned out by the registry.
const (
	TopicSessionStatus    = "session.status"
	TopicContextStatus    = "context.status"
	TopicRealityChecks    = "reality.checks"
	TopicProjectStatus    = "project.status"
	TopicProjectVelocity  = "project.velocity"
	TopicDocStatus        = "documentation.status"
	TopicAgentSuggestions = "agent:suggestions"
	TopicToolExecution    = "tool:execution"
)

// Topics lists every valid topic name.
func Topics() []string {
	return []string{
		TopicSessionStatus,
		TopicContextStatus,
		TopicRealityChecks,
		TopicProjectStatus,
		TopicProjectVelocity,
		TopicDocStatus,
		TopicAgentSuggestions,
		TopicToolExecution,
	}
}

// Event is one published value on a topic.
type Event struct {
	Topic   string `json:"topic"`
	Version uint64 `json:"version"`
	Data    any    `json:"data"`
}

// subscriberQueueSize bounds each subscriber's unread backlog. A subscriber
// whose queue is full when a publish arrives is dropped.
const subscriberQueueSize = 64

// Subscription is one subscriber's handle on a topic.
type Subscription struct {
	topic  string
	events chan Event
	once   sync.Once
	onDrop func()
}

// Events returns the subscriber's event stream. The channel is closed when the
// subscription is cancelled or dropped.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Topic returns the subscribed topic name.
func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.events)
		if s.onDrop != nil {
			s.onDrop()
		}
	})
}

type topicState struct {
	mu       sync.Mutex
	name     string
	version  uint64
	last     any
	hasValue bool
	subs     map[*Subscription]struct{}
}

// Registry is the set of named last-value topics.
type Registry struct {
	mu      sync.RWMutex
	topics  map[string]*topicState
	logger  logging.Logger
	metrics registryMetrics
}

type registryMetrics struct {
	mu        sync.Mutex
	published int64
	delivered int64
	dropped   int64
}

// NewRegistry creates a registry pre-populated with the known topics.
func NewRegistry(logger logging.Logger) *Registry {
	r := &Registry{
		topics: make(map[string]*topicState),
		logger: logging.OrNop(logger),
	}
	for _, name := range Topics() {
		r.topics[name] = &topicState{name: name, subs: make(map[*Subscription]struct{})}
	}
	return r
}

// Publish replaces the topic's last value and fans it out to subscribers.
// Never blocks: a subscriber with a full queue is dropped and its channel
// closed. Unknown topics are rejected.
func (r *Registry) Publish(topic string, data any) error {
	r.mu.RLock()
	state, ok := r.topics[topic]
	r.mu.RUnlock()
	if !ok {
		return sterrors.UnknownTopic(topic)
	}

	state.mu.Lock()
	state.version++
	state.last = data
	state.hasValue = true
	event := Event{Topic: topic, Version: state.version, Data: data}

	var droppedSubs []*Subscription
	for sub := range state.subs {
		select {
		case sub.events <- event:
			r.metrics.incDelivered()
		default:
			// Slow subscriber: never block the publisher.
			delete(state.subs, sub)
			droppedSubs = append(droppedSubs, sub)
			r.metrics.incDropped()
		}
	}
	state.mu.Unlock()

	for _, sub := range droppedSubs {
		r.logger.Warn("dropping slow subscriber on topic %s", topic)
		sub.close()
	}
	r.metrics.incPublished()
	return nil
}

// Subscribe attaches a subscriber to a topic. The current last value (if any)
// is queued before the subscription is returned, so it is received before any
// subsequent publish. onDrop, if non-nil, runs once when the subscriber is
// dropped or cancelled.
func (r *Registry) Subscribe(topic string, onDrop func()) (*Subscription, error) {
	r.mu.RLock()
	state, ok := r.topics[topic]
	r.mu.RUnlock()
	if !ok {
		return nil, sterrors.UnknownTopic(topic)
	}

	sub := &Subscription{
		topic:  topic,
		events: make(chan Event, subscriberQueueSize),
		onDrop: onDrop,
	}

	state.mu.Lock()
	if state.hasValue {
		sub.events <- Event{Topic: topic, Version: state.version, Data: state.last}
	}
	state.subs[sub] = struct{}{}
	state.mu.Unlock()
	return sub, nil
}

// Unsubscribe detaches a subscription and closes its channel.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.RLock()
	state, ok := r.topics[sub.topic]
	r.mu.RUnlock()
	if ok {
		state.mu.Lock()
		delete(state.subs, sub)
		state.mu.Unlock()
	}
	sub.close()
}

// Last returns the current value of a topic and whether one has been published.
func (r *Registry) Last(topic string) (any, bool, error) {
	r.mu.RLock()
	state, ok := r.topics[topic]
	r.mu.RUnlock()
	if !ok {
		return nil, false, sterrors.UnknownTopic(topic)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.last, state.hasValue, nil
}

// SubscriberCount reports the number of live subscriptions across all topics.
func (r *Registry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, state := range r.topics {
		state.mu.Lock()
		total += len(state.subs)
		state.mu.Unlock()
	}
	return total
}

// Stats reports publish/delivery/drop counters for the health endpoint.
func (r *Registry) Stats() (published, delivered, dropped int64) {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	return r.metrics.published, r.metrics.delivered, r.metrics.dropped
}

func (m *registryMetrics) incPublished() {
	m.mu.Lock()
	m.published++
	m.mu.Unlock()
}

func (m *registryMetrics) incDelivered() {
	m.mu.Lock()
	m.delivered++
	m.mu.Unlock()
}

func (m *registryMetrics) incDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}
