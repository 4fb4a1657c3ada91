package bundler

import (
	"context"
	"time"
)

// Queue names of the pipeline stages plus ingestion-side queues.
const (
	QueuePlanBundle      = "plan-bundle"
	QueuePrepareBundle   = "prepare-bundle"
	QueuePostBundle      = "post-bundle"
	QueueSeedBundle      = "seed-bundle"
	QueueOpticalPost     = "optical-post"
	QueueBatchInsert     = "batch-insert-new-data-items"
	QueueFinalizeUpload  = "finalize-multipart"
)

// Message is one queued unit of work. Body is opaque to the substrate.
type Message struct {
	// ID is the substrate's receipt handle; needed to ack or nack.
	ID string
	// Body is the message payload.
	Body []byte
	// Receives counts deliveries of this message, 1 on first delivery.
	Receives int
}

// Queue is the at-least-once queue substrate contract. Messages received but
// neither acked nor nacked become visible again after the queue's visibility
// timeout. Past the queue's max receive count they land in the DLQ.
type Queue interface {
	Send(ctx context.Context, body []byte) error
	SendBatch(ctx context.Context, bodies [][]byte) error
	// Receive returns up to max messages, possibly none.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Ack removes the message for good.
	Ack(ctx context.Context, msg Message) error
	// Nack makes the message visible again immediately.
	Nack(ctx context.Context, msg Message) error
}

// QueueConfig tunes one named queue. Defaults come from Config.Queues.
type QueueConfig struct {
	Name        string        `json:"name"`
	BatchSize   int           `json:"batch_size"`
	Visibility  time.Duration `json:"visibility"`
	MaxReceives int           `json:"max_receives"`
	// Workers is the dispatcher pool size for this queue.
	Workers int `json:"workers"`
}
