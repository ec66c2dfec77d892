package server

import (
	"context"
	"encoding/json"
	"fmt"

	"e2e_messaging/internal/model"
	"e2e_messaging/internal/service/redis"
)

// RedisQueue keeps undelivered messages in one Redis list per recipient.
type RedisQueue struct {
	rdb *redis.RedisService
}

func NewRedisQueue(rdb *redis.RedisService) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func queueKey(to string) string {
	return fmt.Sprintf("to: %s", to)
}

func (q *RedisQueue) Drain(ctx context.Context, to string) ([]*model.Message, error) {
	vals, err := q.rdb.LDrain(ctx, queueKey(to))
	if err != nil {
		return nil, err
	}

	res := make([]*model.Message, 0, len(vals))
	for _, v := range vals {
		var m model.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, err
		}
		res = append(res, &m)
	}
	return res, nil
}

func (q *RedisQueue) Push(ctx context.Context, to string, m *model.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, queueKey(to), data)
}
