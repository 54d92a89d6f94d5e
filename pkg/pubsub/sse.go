package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"github.com/ritzau/provgraph/pkg/logging"
)

// retention is how many recent events of each topic a new subscriber gets
// replayed: the current symbol table state, the last few collections and
// the latest merged sketch.
var retention = map[string]int{
	TopicSymbols: 1,
	TopicGC:      10,
	TopicSketch:  1,
}

// subscriberBuffer bounds how far a subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

// Broker is the in-process Publisher for lifecycle events.
type Broker struct {
	mu      sync.Mutex
	version int
	recent  map[string][]Event
	subs    map[*subscription]struct{}
	closed  bool
}

// NewBroker creates a broker for the lifecycle topics.
func NewBroker() *Broker {
	return &Broker{
		recent: make(map[string][]Event),
		subs:   make(map[*subscription]struct{}),
	}
}

func checkTopics(topics []string) ([]string, error) {
	if len(topics) == 0 {
		return Topics, nil
	}
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := retention[t]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, t)
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Subscribe replays the retained events of topics in publish order, then
// delivers new ones.
func (b *Broker) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	topics, err := checkTopics(topics)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	var replay []Event
	for _, t := range topics {
		replay = append(replay, b.recent[t]...)
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].Version < replay[j].Version })

	sub := &subscription{
		broker: b,
		topics: topics,
		events: make(chan Event, subscriberBuffer+len(replay)),
	}
	for _, e := range replay {
		sub.events <- e
	}
	b.subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, func() { sub.Close() })
	return sub, nil
}

// Publish encodes data and delivers it to every subscriber of topic. A
// subscriber whose buffer is full misses the event.
func (b *Broker) Publish(topic string, eventType string, data any) error {
	keep, ok := retention[topic]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", topic, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	b.version++
	event := Event{Topic: topic, Type: eventType, Data: payload, Version: b.version}

	recent := append(b.recent[topic], event)
	if len(recent) > keep {
		recent = recent[len(recent)-keep:]
	}
	b.recent[topic] = recent

	for sub := range b.subs {
		if !slices.Contains(sub.topics, topic) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			logging.Warn("subscriber is behind, dropping event", "topic", topic, "type", eventType)
		}
	}
	return nil
}

// Close ends every subscription. Later publishes fail with ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.stop()
		close(sub.events)
	}
	clear(b.subs)
	return nil
}

type subscription struct {
	broker *Broker
	topics []string
	events chan Event
	stop   func() bool
}

func (s *subscription) Topics() []string { return s.topics }

func (s *subscription) Events() <-chan Event { return s.events }

// Close detaches the subscription and closes its channel. It is safe to
// call more than once.
func (s *subscription) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		s.stop()
		delete(b.subs, s)
		close(s.events)
	}
	return nil
}

// WriteSSE writes event as one server-sent event: its version as the id,
// its topic as the event name and the whole event as JSON data.
func WriteSSE(w io.Writer, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Version, event.Topic, data)
	return err
}
