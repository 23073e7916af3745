package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pollBatch bounds how many due candidates one poll inspects when picking the
// highest-priority task.
const pollBatch = 32

// RedisTaskStore is the durable TaskStore. Task bodies live in a hash;
// pending IDs live in a sorted set scored by visible_at so due tasks are one
// range query away. Priority and scheduled_at are compared client-side over
// the due batch.
type RedisTaskStore struct {
	client     *redis.Client
	tasksKey   string
	pendingKey string
}

func NewRedisTaskStore(client *redis.Client, namespace, taskQueue string) *RedisTaskStore {
	base := fmt.Sprintf("matching:{%s/%s}", namespace, taskQueue)
	return &RedisTaskStore{
		client:     client,
		tasksKey:   base + ":tasks",
		pendingKey: base + ":pending",
	}
}

func (s *RedisTaskStore) Add(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	added, err := s.client.HSetNX(ctx, s.tasksKey, task.ID, data).Result()
	if err != nil {
		return err
	}
	if !added {
		return ErrTaskExists
	}

	return s.client.ZAdd(ctx, s.pendingKey, redis.Z{
		Score:  float64(task.VisibleAt.UnixMilli()),
		Member: task.ID,
	}).Err()
}

func (s *RedisTaskStore) PollReady(ctx context.Context, now time.Time) (*Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: pollBatch,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := s.client.HMGet(ctx, s.tasksKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	var best *Task
	for _, body := range bodies {
		str, ok := body.(string)
		if !ok {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(str), &task); err != nil {
			continue
		}
		if best == nil ||
			task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.ScheduledAt.Before(best.ScheduledAt)) {
			t := task
			best = &t
		}
	}
	if best == nil {
		return nil, nil
	}

	// ZREM arbitrates concurrent pollers: only the remover owns the task.
	removed, err := s.client.ZRem(ctx, s.pendingKey, best.ID).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, nil
	}

	if err := s.client.HDel(ctx, s.tasksKey, best.ID).Err(); err != nil {
		return nil, err
	}
	return best, nil
}

func (s *RedisTaskStore) Requeue(ctx context.Context, task *Task, visibleAt time.Time) error {
	task.VisibleAt = visibleAt
	err := s.Add(ctx, task)
	if errors.Is(err, ErrTaskExists) {
		return nil
	}
	return err
}

func (s *RedisTaskStore) Remove(ctx context.Context, taskID string) (bool, error) {
	removed, err := s.client.ZRem(ctx, s.pendingKey, taskID).Result()
	if err != nil {
		return false, err
	}
	if err := s.client.HDel(ctx, s.tasksKey, taskID).Err(); err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *RedisTaskStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.pendingKey).Result()
	return int(n), err
}
