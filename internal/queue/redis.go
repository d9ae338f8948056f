package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seantiz/simflow/internal/model"
)

// dequeueScript moves expired in-flight ids back to the ready list, then pops
// up to ARGV[3] ids and marks them in flight until ARGV[2].
//
// KEYS: ready, inflight, bodies, receives, receipts
// ARGV: now_ms, deadline_ms, max, receipt_prefix
var dequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local out = {}
for i = 1, tonumber(ARGV[3]) do
  local id = redis.call('LPOP', KEYS[1])
  if not id then break end
  local body = redis.call('HGET', KEYS[3], id)
  if body then
    local n = redis.call('HINCRBY', KEYS[4], id, 1)
    local receipt = ARGV[4] .. ':' .. i
    redis.call('HSET', KEYS[5], id, receipt)
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    table.insert(out, id)
    table.insert(out, body)
    table.insert(out, n)
    table.insert(out, receipt)
  end
end
return out
`)

// ackScript deletes a message only if the receipt still matches.
//
// KEYS: inflight, bodies, receives, receipts
// ARGV: id, receipt
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// extendScript moves an in-flight deadline if the receipt still matches.
//
// KEYS: inflight, receipts
// ARGV: id, receipt, deadline_ms
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

var _ Queue = (*RedisQueue)(nil)

// RedisQueue implements Queue on Redis lists, hashes and a sorted set of
// visibility deadlines.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue connects to the Redis server at url and verifies it responds.
func NewRedisQueue(ctx context.Context, url, prefix string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if prefix == "" {
		prefix = "simflow"
	}
	return &RedisQueue{client: client, prefix: prefix}, nil
}

type redisKeys struct {
	ready, inflight, bodies, receives, receipts string
}

func (q *RedisQueue) keys(step model.Step) redisKeys {
	base := fmt.Sprintf("%s:queue:%s", q.prefix, step)
	return redisKeys{
		ready:    base + ":ready",
		inflight: base + ":inflight",
		bodies:   base + ":bodies",
		receives: base + ":receives",
		receipts: base + ":receipts",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg model.StageMessage) error {
	body, err := marshalEnvelope(msg)
	if err != nil {
		return err
	}
	k := q.keys(msg.Step)
	id := model.NewID()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.bodies, id, body)
		pipe.RPush(ctx, k.ready, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.Step, err)
	}
	return nil
}

func (q *RedisQueue) DequeueBatch(ctx context.Context, step model.Step, max int, visibility time.Duration) ([]Delivery, error) {
	k := q.keys(step)
	now := time.Now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{k.ready, k.inflight, k.bodies, k.receives, k.receipts},
		now.UnixMilli(), now.Add(visibility).UnixMilli(), max, uuid.NewString(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", step, err)
	}

	var out []Delivery
	for i := 0; i+3 < len(res); i += 4 {
		id, _ := res[i].(string)
		body, _ := res[i+1].(string)
		n, _ := res[i+2].(int64)
		receipt, _ := res[i+3].(string)

		msg, err := unmarshalEnvelope([]byte(body))
		if err != nil {
			// Drop bodies that can never be decoded.
			ackScript.Run(ctx, q.client, []string{k.inflight, k.bodies, k.receives, k.receipts}, id, receipt)
			continue
		}
		out = append(out, Delivery{
			ID:           id,
			Receipt:      receipt,
			Step:         step,
			Message:      msg,
			ReceiveCount: int(n),
		})
	}
	return out, nil
}

func (q *RedisQueue) Extend(ctx context.Context, d Delivery, visibility time.Duration) error {
	k := q.keys(d.Step)
	deadline := time.Now().Add(visibility).UnixMilli()
	n, err := extendScript.Run(ctx, q.client,
		[]string{k.inflight, k.receipts}, d.ID, d.Receipt, deadline).Int()
	if err != nil {
		return fmt.Errorf("extend %s/%s: %w", d.Step, d.ID, err)
	}
	if n == 0 {
		return ErrDeliveryLost
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	k := q.keys(d.Step)
	err := ackScript.Run(ctx, q.client,
		[]string{k.inflight, k.bodies, k.receives, k.receipts}, d.ID, d.Receipt).Err()
	if err != nil {
		return fmt.Errorf("ack %s/%s: %w", d.Step, d.ID, err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context, step model.Step) (int, error) {
	n, err := q.client.LLen(ctx, q.keys(step).ready).Result()
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", step, err)
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
