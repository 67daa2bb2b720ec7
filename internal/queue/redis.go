package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker stores queues in Redis. Ready jobs live in a list
// (LPUSH/BRPOP gives FIFO), delayed jobs in a sorted set scored by
// ready time, and outcome records in capped lists.
type RedisBroker struct {
	rdb redis.UniversalClient
}

// NewRedisBroker wraps an existing client; the caller owns its
// lifecycle.
func NewRedisBroker(rdb redis.UniversalClient) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func queueKey(queue, suffix string) string {
	return fmt.Sprintf("relay:queue:%s:%s", queue, suffix)
}

func (b *RedisBroker) Push(ctx context.Context, queue string, raw []byte) error {
	return b.rdb.LPush(ctx, queueKey(queue, "pending"), raw).Err()
}

func (b *RedisBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	vals, err := b.rdb.BRPop(ctx, timeout, queueKey(queue, "pending")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return nil, fmt.Errorf("queue: unexpected BRPOP reply of %d items", len(vals))
	}
	return []byte(vals[1]), nil
}

func (b *RedisBroker) Schedule(ctx context.Context, queue string, raw []byte, readyAt time.Time) error {
	return b.rdb.ZAdd(ctx, queueKey(queue, "delayed"), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: raw,
	}).Err()
}

func (b *RedisBroker) Due(ctx context.Context, queue string, now time.Time, limit int) ([][]byte, error) {
	key := queueKey(queue, "delayed")
	members, err := b.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	claimed := make([][]byte, 0, len(members))
	for _, m := range members {
		// ZREM returning 1 means this promoter won the member;
		// concurrent promoters see 0 and skip it.
		n, err := b.rdb.ZRem(ctx, key, m).Result()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			claimed = append(claimed, []byte(m))
		}
	}
	return claimed, nil
}

func (b *RedisBroker) Record(ctx context.Context, queue, outcome string, raw []byte, keep int) error {
	key := queueKey(queue, outcome)
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, int64(keep-1))
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Depth(ctx context.Context, queue string) (int64, int64, error) {
	ready, err := b.rdb.LLen(ctx, queueKey(queue, "pending")).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err := b.rdb.ZCard(ctx, queueKey(queue, "delayed")).Result()
	if err != nil {
		return ready, 0, err
	}
	return ready, delayed, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
