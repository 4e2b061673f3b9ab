package dedup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis stores each block as a Redis string addressed with SETBIT/GETBIT,
// shared by every scheduler process that points at the same server.
type Redis struct {
	client  redis.UniversalClient
	crawler string
	h       hasher
}

// NewRedis opens the filter for crawler.
func NewRedis(client redis.UniversalClient, crawler string, opts Options) *Redis {
	return &Redis{client: client, crawler: crawler, h: newHasher(opts)}
}

// Contains reports whether every bit for id is set.
func (r *Redis) Contains(ctx context.Context, id string) (bool, error) {
	key := blockKey(r.crawler, r.h.block(id))
	offsets := r.h.offsets(id)
	cmds := make([]*redis.IntCmd, len(offsets))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, off := range offsets {
			cmds[i] = p.GetBit(ctx, key, int64(off))
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("dedup contains %s: %w", r.crawler, err)
	}
	for _, c := range cmds {
		if c.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Add sets every bit for id.
func (r *Redis) Add(ctx context.Context, id string) error {
	key := blockKey(r.crawler, r.h.block(id))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, off := range r.h.offsets(id) {
			p.SetBit(ctx, key, int64(off), 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dedup add %s: %w", r.crawler, err)
	}
	return nil
}

// Clear deletes every block key.
func (r *Redis) Clear(ctx context.Context) error {
	keys := make([]string, r.h.opts.Blocks)
	for i := range keys {
		keys[i] = blockKey(r.crawler, i)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("dedup clear %s: %w", r.crawler, err)
	}
	return nil
}

// RedisOpener opens Redis filters on one client.
type RedisOpener struct {
	Client redis.UniversalClient
}

// Open returns the crawler's Redis filter.
func (o RedisOpener) Open(crawler string, opts Options) Filter {
	return NewRedis(o.Client, crawler, opts)
}
