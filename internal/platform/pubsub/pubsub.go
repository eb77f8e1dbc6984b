// Package pubsub carries application events between producers and the alert
// and realtime consumers.
package pubsub

import "context"

// Message is one topic event. Body is JSON.
type Message struct {
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attribute returns the named attribute or "".
func (m Message) Attribute(name string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[name]
}

// Publisher sends messages to the topic.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler consumes one message.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers topic messages to a handler until ctx is cancelled.
// Subscribe returns once the subscription is established.
type Subscriber interface {
	Subscribe(ctx context.Context, name string, h Handler) error
}
