package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message represents work to be processed.
type Message struct {
	Type string
	Body []byte
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// ReconcileTrigger identifies one (unit, period) whose enrollment projection
// needs a refresh.
type ReconcileTrigger struct {
	UnitID   string
	Year     int
	Semester int
}

// Encode packs a trigger into a message body.
func (t ReconcileTrigger) Encode() []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", t.UnitID, t.Year, t.Semester))
}

// DecodeTrigger parses a message body back into a trigger.
func DecodeTrigger(body []byte) (ReconcileTrigger, error) {
	s := string(body)
	unit, rest := split(s)
	year, sem := split(rest)
	if unit == "" || year == "" || sem == "" {
		return ReconcileTrigger{}, fmt.Errorf("malformed reconcile trigger %q", s)
	}
	t := ReconcileTrigger{UnitID: unit}
	var err error
	if t.Year, err = strconv.Atoi(year); err != nil {
		return ReconcileTrigger{}, fmt.Errorf("malformed year in trigger %q", s)
	}
	if t.Semester, err = strconv.Atoi(sem); err != nil {
		return ReconcileTrigger{}, fmt.Errorf("malformed semester in trigger %q", s)
	}
	return t, nil
}

func split(s string) (head, tail string) {
	for i, r := range s {
		if r == '|' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				out <- msg
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a simple Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "attendance:reconcile"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.client.LPush(ctx, q.key, serialize(msg)).Err()
}

// Consume streams messages using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				if msg, err := deserialize(res[1]); err == nil {
					out <- msg
				}
			}
		}
	}()
	return out, nil
}

// serialize is a tiny helper to store messages as Type|Body.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) (Message, error) {
	head, tail := split(s)
	if tail == "" {
		return Message{Body: []byte(s)}, nil
	}
	return Message{Type: head, Body: []byte(tail)}, nil
}
