// Package queue implements the at-least-once queue substrate and the
// per-stage dispatcher pools. The production substrate rides on Redis:
// a pending list, an in-flight sorted set scored by visibility deadline,
// a per-message hash carrying body and receive count, and a DLQ list.
package queue

import (
	"context"
	"fmt"
	log "log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/redis"
)

type redisQueue struct {
	client *goredis.Client
	cfg    bundler.QueueConfig
}

// Now returns the current time and can be "synthesized" if needed.
var Now = time.Now

// NewRedisQueue returns the substrate for one named queue over the shared
// Redis connection.
func NewRedisQueue(conn *redis.Connection, cfg bundler.QueueConfig) (bundler.Queue, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn parameter can't be nil")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("queue name can't be empty")
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = 3
	}
	return &redisQueue{client: conn.Client, cfg: cfg}, nil
}

// receiveScript pops one pending id and marks it in flight in the same atomic
// step; a consumer dying mid-receive leaves the message reclaimable from the
// in-flight set instead of lost.
var receiveScript = goredis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then return false end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id`)

func (q *redisQueue) pendingKey() string  { return "queue:" + q.cfg.Name + ":pending" }
func (q *redisQueue) inflightKey() string { return "queue:" + q.cfg.Name + ":inflight" }
func (q *redisQueue) dlqKey() string      { return "queue:" + q.cfg.Name + ":dlq" }
func (q *redisQueue) msgKey(id string) string {
	return "queue:" + q.cfg.Name + ":msg:" + id
}

func (q *redisQueue) Send(ctx context.Context, body []byte) error {
	id := bundler.NewUUID().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.msgKey(id), "body", body, "receives", 0)
	pipe.LPush(ctx, q.pendingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("sending to %s, details: %v", q.cfg.Name, err)}
	}
	return nil
}

func (q *redisQueue) SendBatch(ctx context.Context, bodies [][]byte) error {
	pipe := q.client.TxPipeline()
	for _, body := range bodies {
		id := bundler.NewUUID().String()
		pipe.HSet(ctx, q.msgKey(id), "body", body, "receives", 0)
		pipe.LPush(ctx, q.pendingKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("batch sending to %s, details: %v", q.cfg.Name, err)}
	}
	return nil
}

func (q *redisQueue) Receive(ctx context.Context, max int) ([]bundler.Message, error) {
	if max <= 0 {
		max = 1
	}
	if err := q.reclaimExpired(ctx); err != nil {
		return nil, err
	}
	now := Now()
	deadline := float64(now.Add(q.cfg.Visibility).Unix())
	var out []bundler.Message
	for len(out) < max {
		id, err := receiveScript.Run(ctx, q.client,
			[]string{q.pendingKey(), q.inflightKey()}, deadline).Text()
		if err == goredis.Nil {
			break
		}
		if err != nil {
			return out, bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("receiving from %s, details: %v", q.cfg.Name, err)}
		}
		receives, err := q.client.HIncrBy(ctx, q.msgKey(id), "receives", 1).Result()
		if err != nil {
			// The id stays in flight; the reclaim path picks it back up.
			return out, bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("counting receives on %s, details: %v", q.cfg.Name, err)}
		}
		if int(receives) > q.cfg.MaxReceives {
			q.client.ZRem(ctx, q.inflightKey(), id)
			q.toDLQ(ctx, id)
			continue
		}
		body, err := q.client.HGet(ctx, q.msgKey(id), "body").Bytes()
		if err != nil {
			// Message hash gone; nothing deliverable under this id.
			log.Warn(fmt.Sprintf("queue %s message %s lost its payload, dropping", q.cfg.Name, id))
			q.client.ZRem(ctx, q.inflightKey(), id)
			continue
		}
		out = append(out, bundler.Message{ID: id, Body: body, Receives: int(receives)})
	}
	return out, nil
}

// reclaimExpired moves in-flight messages past their visibility deadline back
// to pending, or to the DLQ once their receives are exhausted.
func (q *redisQueue) reclaimExpired(ctx context.Context) error {
	now := strconv.FormatInt(Now().Unix(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &goredis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("reclaiming %s, details: %v", q.cfg.Name, err)}
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.inflightKey(), id).Result()
		if err != nil || removed == 0 {
			// Another consumer got there first.
			continue
		}
		receives, _ := q.client.HGet(ctx, q.msgKey(id), "receives").Int()
		if receives >= q.cfg.MaxReceives {
			q.toDLQ(ctx, id)
			continue
		}
		if err := q.client.LPush(ctx, q.pendingKey(), id).Err(); err != nil {
			return bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("requeueing on %s, details: %v", q.cfg.Name, err)}
		}
	}
	return nil
}

func (q *redisQueue) toDLQ(ctx context.Context, id string) {
	if err := q.client.LPush(ctx, q.dlqKey(), id).Err(); err != nil {
		log.Warn(fmt.Sprintf("queue %s could not DLQ message %s, details: %v", q.cfg.Name, id, err))
		return
	}
	log.Warn(fmt.Sprintf("queue %s message %s exhausted receives, moved to DLQ", q.cfg.Name, id))
}

func (q *redisQueue) Ack(ctx context.Context, msg bundler.Message) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), msg.ID)
	pipe.Del(ctx, q.msgKey(msg.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("acking on %s, details: %v", q.cfg.Name, err)}
	}
	return nil
}

func (q *redisQueue) Nack(ctx context.Context, msg bundler.Message) error {
	removed, err := q.client.ZRem(ctx, q.inflightKey(), msg.ID).Result()
	if err != nil {
		return bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("nacking on %s, details: %v", q.cfg.Name, err)}
	}
	if removed == 0 {
		// Visibility lapsed already; the reclaim path owns it now.
		return nil
	}
	if msg.Receives >= q.cfg.MaxReceives {
		q.toDLQ(ctx, msg.ID)
		return nil
	}
	if err := q.client.LPush(ctx, q.pendingKey(), msg.ID).Err(); err != nil {
		return bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("nack requeue on %s, details: %v", q.cfg.Name, err)}
	}
	return nil
}

// RedriveDLQ moves up to max messages from the queue's DLQ back to pending.
// The admin API calls this.
func (q *redisQueue) RedriveDLQ(ctx context.Context, max int) (int, error) {
	moved := 0
	for moved < max {
		id, err := q.client.RPop(ctx, q.dlqKey()).Result()
		if err == goredis.Nil {
			break
		}
		if err != nil {
			return moved, bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("redriving %s DLQ, details: %v", q.cfg.Name, err)}
		}
		// Reset the receive count; the redriven message starts fresh.
		q.client.HSet(ctx, q.msgKey(id), "receives", 0)
		if err := q.client.LPush(ctx, q.pendingKey(), id).Err(); err != nil {
			return moved, bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("redriving %s DLQ, details: %v", q.cfg.Name, err)}
		}
		moved++
	}
	return moved, nil
}
