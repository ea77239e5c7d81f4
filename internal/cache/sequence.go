package cache

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
)

// SequenceAllocator hands out the per-resource monotonically increasing
// sequence numbers that order change events. Redis INCR makes the counter
// shared across collabd instances.
type SequenceAllocator interface {
	Next(ctx context.Context, resourceKey string) (uint64, error)
	Current(ctx context.Context, resourceKey string) (uint64, error)
}

type redisSequence struct {
	rdb redis.UniversalClient
}

func NewRedisSequence(rdb redis.UniversalClient) SequenceAllocator {
	return &redisSequence{rdb: rdb}
}

func (s *redisSequence) Next(ctx context.Context, resourceKey string) (uint64, error) {
	n, err := s.rdb.Incr(ctx, seqKey(resourceKey)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *redisSequence) Current(ctx context.Context, resourceKey string) (uint64, error) {
	n, err := s.rdb.Get(ctx, seqKey(resourceKey)).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}
