package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/protocol"
)

const redisPrefix = "drover:"

// RedisBackend stores each message body under its own key with a native
// expiry and indexes it in a sorted set per recipient scored by expiry.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBackend(ctx context.Context, cfg config.RedisConfig) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The adapter queues locally until redis comes back.
		slog.Warn("redis unreachable at startup", "addr", cfg.Addr, "error", err)
	}
	return &RedisBackend{rdb: rdb, prefix: redisPrefix}, nil
}

func (b *RedisBackend) bodyKey(id string) string {
	return b.prefix + "msg:" + id
}

func (b *RedisBackend) inboxKey(recipient string) string {
	return b.prefix + "inbox:" + recipient
}

func (b *RedisBackend) Store(ctx context.Context, msg protocol.AgentMessage) error {
	ttl := time.Until(msg.ExpiresAt())
	if ttl <= 0 {
		return nil
	}
	body, err := msg.Marshal()
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.SetNX(ctx, b.bodyKey(msg.ID), body, ttl)
	pipe.ZAdd(ctx, b.inboxKey(msg.RecipientID), redis.Z{
		Score:  float64(msg.ExpiresAt().UnixMilli()),
		Member: msg.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store message: %w", err)
	}
	return nil
}

func (b *RedisBackend) FetchFor(ctx context.Context, recipient string) ([]protocol.AgentMessage, error) {
	var msgs []protocol.AgentMessage
	for _, inbox := range []string{recipient, protocol.Broadcast} {
		key := b.inboxKey(inbox)
		ids, err := b.rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list inbox: %w", err)
		}
		if len(ids) == 0 {
			continue
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = b.bodyKey(id)
		}
		bodies, err := b.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis load messages: %w", err)
		}

		var gone []any
		for i, raw := range bodies {
			s, ok := raw.(string)
			if !ok {
				// Body already expired.
				gone = append(gone, ids[i])
				continue
			}
			m, err := protocol.Unmarshal([]byte(s))
			if err != nil {
				slog.Error("discarding unreadable bus message", "id", ids[i], "error", err)
				gone = append(gone, ids[i])
				continue
			}
			msgs = append(msgs, m)
		}
		if len(gone) > 0 {
			b.rdb.ZRem(ctx, key, gone...)
		}
	}
	return msgs, nil
}

func (b *RedisBackend) Delete(ctx context.Context, msgs ...protocol.AgentMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	pipe := b.rdb.TxPipeline()
	for _, m := range msgs {
		pipe.ZRem(ctx, b.inboxKey(m.RecipientID), m.ID)
		pipe.Del(ctx, b.bodyKey(m.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete messages: %w", err)
	}
	return nil
}

// DeleteExpired trims index entries whose expiry has passed. Bodies
// expire on their own.
func (b *RedisBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := "(" + strconv.FormatInt(now.UnixMilli(), 10)
	total := 0
	iter := b.rdb.Scan(ctx, 0, b.prefix+"inbox:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := b.rdb.ZRemRangeByScore(ctx, iter.Val(), "-inf", cutoff).Result()
		if err != nil {
			return total, fmt.Errorf("redis trim inbox: %w", err)
		}
		total += int(n)
	}
	if err := iter.Err(); err != nil && !errors.Is(err, redis.Nil) {
		return total, fmt.Errorf("redis scan inboxes: %w", err)
	}
	return total, nil
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
