package queue

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/metrics"
)

// Handler processes one message. A nil return acks the message; any error
// nacks it so the substrate's redelivery-with-backoff and DLQ take over.
type Handler func(ctx context.Context, msg bundler.Message) error

// Dispatcher owns the worker pool of one stage: it pulls message batches,
// fans them out to at most cfg.Workers concurrent handlers and acks/nacks.
type Dispatcher struct {
	queue   bundler.Queue
	cfg     bundler.QueueConfig
	handler Handler
	// idleWait is the sleep between empty polls.
	idleWait time.Duration
}

func NewDispatcher(q bundler.Queue, cfg bundler.QueueConfig, handler Handler) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Dispatcher{
		queue:    q,
		cfg:      cfg,
		handler:  handler,
		idleWait: time.Second,
	}
}

// Run consumes until ctx is cancelled. In-flight handlers drain before Run
// returns; unacked messages simply reappear after their visibility timeout.
func (d *Dispatcher) Run(ctx context.Context) {
	slots := make(chan bool, d.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			// Drain: wait for every occupied slot.
			for i := 0; i < d.cfg.Workers; i++ {
				slots <- true
			}
			return
		default:
		}

		msgs, err := d.queue.Receive(ctx, d.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn(fmt.Sprintf("queue %s receive failed, details: %v", d.cfg.Name, err))
			d.sleep(ctx)
			continue
		}
		if len(msgs) == 0 {
			d.sleep(ctx)
			continue
		}
		for _, msg := range msgs {
			slots <- true
			go func(m bundler.Message) {
				defer func() { <-slots }()
				d.dispatch(ctx, m)
			}(msg)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg bundler.Message) {
	err := d.handler(ctx, msg)
	if err == nil || bundler.IsAlreadyAdvanced(err) {
		if ackErr := d.queue.Ack(ctx, msg); ackErr != nil {
			log.Warn(fmt.Sprintf("queue %s ack failed for %s, details: %v", d.cfg.Name, msg.ID, ackErr))
		}
		return
	}
	metrics.QueueNacks.WithLabelValues(d.cfg.Name).Inc()
	log.Warn(fmt.Sprintf("queue %s handler failed for %s (receive %d), details: %v",
		d.cfg.Name, msg.ID, msg.Receives, err))
	if nackErr := d.queue.Nack(ctx, msg); nackErr != nil {
		log.Warn(fmt.Sprintf("queue %s nack failed for %s, details: %v", d.cfg.Name, msg.ID, nackErr))
	}
}

func (d *Dispatcher) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.idleWait):
	}
}
