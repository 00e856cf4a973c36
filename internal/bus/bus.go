// Package bus provides the topic-based publish/subscribe primitive the
// pipeline workers communicate through. Two interchangeable backends are
// supported: an in-process queue bus and a NATS-backed durable bus.
package bus

import "time"

// Topic names used by the pipeline.
const (
	TopicRawEvents      = "rawevents"
	TopicAlerts         = "alerts"
	TopicInvestigations = "investigations"
	TopicResponses      = "responses"
)

// Bus is a topic-based publish/subscribe channel. Publish must never block
// on a slow subscriber.
type Bus interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string) (Subscription, error)
	Close() error
}

// Subscription is one subscriber's handle on a topic. Receive blocks for at
// most timeout and reports ok=false when nothing arrived, letting the
// owning worker check its stop signal between polls.
type Subscription interface {
	Receive(timeout time.Duration) (data []byte, ok bool)
	Unsubscribe() error
}
