package pubsub

import (
	"context"
	"encoding/json"
	"errors"
)

// Lifecycle topics
const (
	TopicSymbols = "symbols" // bindings created or removed
	TopicGC      = "gc"      // garbage collection runs
	TopicSketch  = "sketch"  // peer sketches merged
)

// Topics lists every lifecycle topic in a stable order.
var Topics = []string{TopicSymbols, TopicGC, TopicSketch}

var (
	// ErrUnknownTopic is returned when subscribing or publishing to a topic
	// that is not a lifecycle topic.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrClosed is returned once the publisher has been closed.
	ErrClosed = errors.New("publisher closed")
)

// Event is one lifecycle notification. Version is a sequence number shared
// by all topics, so a subscriber to several topics sees them in order.
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"` // e.g. "bound", "unbound", "collected", "merged"
	Data    json.RawMessage `json:"data"`
	Version int             `json:"version"`
}

// Subscription delivers the events of one or more topics.
type Subscription interface {
	Topics() []string
	// Events closes when the subscription or the publisher is closed.
	Events() <-chan Event
	Close() error
}

// Publisher fans lifecycle events out to subscribers.
type Publisher interface {
	// Subscribe to topics, or to every topic when none are given. The
	// subscription closes when ctx is done.
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Publish(topic string, eventType string, data any) error
	Close() error
}

// SymbolEvent reports a change to the symbol table.
type SymbolEvent struct {
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Value  string `json:"value,omitempty"`
}

// GCEvent reports the tables one garbage collection dropped.
type GCEvent struct {
	Dropped []string `json:"dropped"`
}

// SketchEvent reports a merged peer sketch.
type SketchEvent struct {
	Host        string `json:"host"`
	Connections int    `json:"connections"`
}
