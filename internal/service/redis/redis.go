package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Nil is returned by reads of missing keys.
const Nil = redis.Nil

type (
	RedisService struct {
		rdb redis.UniversalClient
	}
)

func NewRedis(rdb redis.UniversalClient) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) error {
	return r.rdb.RPush(ctx, key, value...).Err()
}

// LDrain returns the whole list and deletes it in one transaction.
func (r *RedisService) LDrain(ctx context.Context, key string) ([]string, error) {
	var vals *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		vals = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vals.Val(), nil
}

func (r *RedisService) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return r.rdb.Get(ctx, key).Bytes()
}

func (r *RedisService) GetDel(ctx context.Context, key string) (string, error) {
	return r.rdb.GetDel(ctx, key).Result()
}

// ScanKeys lists keys matching pattern without blocking the server.
func (r *RedisService) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *RedisService) HGet(ctx context.Context, key, field string) (string, error) {
	return r.rdb.HGet(ctx, key, field).Result()
}

// AddBounded stores value under field in the hash and records it in the
// index sorted set with the given score; only the limit highest scores are
// kept, the rest are evicted from both.
func (r *RedisService) AddBounded(ctx context.Context, hashKey, indexKey, field, value string, score float64, limit int64) error {
	var card *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, hashKey, field, value)
		p.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: field})
		card = p.ZCard(ctx, indexKey)
		return nil
	})
	if err != nil {
		return err
	}

	n := card.Val()
	if n <= limit {
		return nil
	}
	evicted, err := r.rdb.ZRange(ctx, indexKey, 0, n-limit-1).Result()
	if err != nil || len(evicted) == 0 {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, hashKey, evicted...)
		members := make([]any, len(evicted))
		for i, m := range evicted {
			members[i] = m
		}
		p.ZRem(ctx, indexKey, members...)
		return nil
	})
	return err
}
