package sentcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"e2e_messaging/internal/model"
	"e2e_messaging/internal/service/redis"
)

// RedisStore keeps cache entries of one local user in Redis. Pending
// entries expire with the key TTL; confirmed entries live in a hash with a
// sorted-set index that bounds their number.
type RedisStore struct {
	rdb    *redis.RedisService
	prefix string
}

func NewRedisStore(rdb *redis.RedisService, userID string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: fmt.Sprintf("sentcache:%s:", userID)}
}

func (s *RedisStore) pendingKey(id string) string {
	return s.prefix + "pending:" + id
}

func (s *RedisStore) PutPending(ctx context.Context, p *model.PendingSentMessage, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.pendingKey(p.CorrelationID), data, ttl)
}

func (s *RedisStore) TakePending(ctx context.Context, correlationID string) (*model.PendingSentMessage, error) {
	data, err := s.rdb.GetDel(ctx, s.pendingKey(correlationID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p model.PendingSentMessage
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) PutConfirmed(ctx context.Context, c *model.ConfirmedPlaintext, limit int) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.AddBounded(ctx,
		s.prefix+"confirmed", s.prefix+"confirmed:index",
		c.MessageID, string(data),
		float64(c.StoredAt.UnixNano()), int64(limit))
}

func (s *RedisStore) GetConfirmed(ctx context.Context, messageID string) (*model.ConfirmedPlaintext, error) {
	data, err := s.rdb.HGet(ctx, s.prefix+"confirmed", messageID)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c model.ConfirmedPlaintext
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, err
	}
	return &c, nil
}
