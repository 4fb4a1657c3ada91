package queue

import (
	"context"
	"sync"
	"time"

	"github.com/permadata/bundler"
)

type memMessage struct {
	id       string
	body     []byte
	receives int
	// zero deadline means pending; otherwise invisible until then.
	deadline time.Time
}

// memQueue is the in-memory substrate with the same at-least-once semantics
// as the Redis queue. It backs tests and single-process deployments.
type memQueue struct {
	mu   sync.Mutex
	cfg  bundler.QueueConfig
	msgs []*memMessage
	dlq  []*memMessage
}

// NewMemQueue returns an in-memory queue.
func NewMemQueue(cfg bundler.QueueConfig) bundler.Queue {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = 3
	}
	return &memQueue{cfg: cfg}
}

func (q *memQueue) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, &memMessage{id: bundler.NewUUID().String(), body: body})
	return nil
}

func (q *memQueue) SendBatch(ctx context.Context, bodies [][]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, body := range bodies {
		q.msgs = append(q.msgs, &memMessage{id: bundler.NewUUID().String(), body: body})
	}
	return nil
}

func (q *memQueue) Receive(ctx context.Context, max int) ([]bundler.Message, error) {
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := Now()
	var out []bundler.Message
	keep := q.msgs[:0]
	for _, m := range q.msgs {
		deliverable := m.deadline.IsZero() || !m.deadline.After(now)
		if !deliverable || len(out) >= max {
			keep = append(keep, m)
			continue
		}
		m.receives++
		if m.receives > q.cfg.MaxReceives {
			q.dlq = append(q.dlq, m)
			continue
		}
		m.deadline = now.Add(q.cfg.Visibility)
		keep = append(keep, m)
		out = append(out, bundler.Message{ID: m.id, Body: m.body, Receives: m.receives})
	}
	q.msgs = keep
	return out, nil
}

func (q *memQueue) Ack(ctx context.Context, msg bundler.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	keep := q.msgs[:0]
	for _, m := range q.msgs {
		if m.id != msg.ID {
			keep = append(keep, m)
		}
	}
	q.msgs = keep
	return nil
}

func (q *memQueue) Nack(ctx context.Context, msg bundler.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs {
		if m.id != msg.ID {
			continue
		}
		if m.receives >= q.cfg.MaxReceives {
			q.dlq = append(q.dlq, m)
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return nil
		}
		m.deadline = time.Time{}
		return nil
	}
	return nil
}

// DLQLen reports the DLQ depth; test helper.
func (q *memQueue) DLQLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dlq)
}
