package iqueue

import "context"

// Message is one received-but-not-yet-deleted queue message. Receipt is the
// broker-specific handle required to delete or release the message.
type Message struct {
	ID            string
	Body          []byte
	DeliveryCount int
	Receipt       uint64
}

// IConsumer is the interface for pulling messages from a named queue.
//
// A received message stays invisible to other consumers until it is either
// deleted, released, or the broker decides the consumer is gone. Release is
// the explicit equivalent of letting a visibility timeout expire.
type IConsumer interface {
	// Receive fetches up to maxMessages currently visible messages. An empty
	// slice means the queue had nothing to deliver.
	Receive(ctx context.Context, maxMessages int) ([]Message, error)

	// Delete acknowledges the message, removing it from the queue.
	Delete(ctx context.Context, msg Message) error

	// Release returns the message to the queue for redelivery.
	Release(ctx context.Context, msg Message) error
}

// IPublisher is the interface for sending messages to a named queue.
type IPublisher interface {
	Send(ctx context.Context, queueName string, body []byte) error
}
