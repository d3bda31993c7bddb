package workflow

import (
	"context"
)

// Handler processes one trigger request id delivered by the queue.
type Handler func(ctx context.Context, requestID string) error

// Producer publishes trigger request ids.
type Producer interface {
	Publish(ctx context.Context, requestID string) error
	Close() error
}

// Consumer pulls trigger request ids off the queue.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends of the trigger pipeline.
type Queue interface {
	Producer
	Consumer
}
