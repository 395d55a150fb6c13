package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/oriys/orbit/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	redisJobKeyPrefix   = "orbit:job:"
	redisQueueKeyPrefix = "orbit:queue:"
)

// RedisJobStore keeps job records as JSON strings with a per-queue index set.
type RedisJobStore struct {
	client *redis.Client
}

// NewRedisJobStore connects to Redis and verifies the connection.
func NewRedisJobStore(ctx context.Context, addr, password string, db int) (*RedisJobStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisJobStore{client: client}, nil
}

// NewRedisJobStoreFromClient wraps an existing client.
func NewRedisJobStoreFromClient(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client}
}

// Client returns the underlying Redis client for sharing with notifiers.
func (s *RedisJobStore) Client() *redis.Client {
	return s.client
}

func queueIndexKey(queue string) string {
	return redisQueueKeyPrefix + queue + ":jobs"
}

func (s *RedisJobStore) SaveJob(ctx context.Context, job *domain.JobStatus) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisJobKeyPrefix+job.ID, data, 0)
	pipe.SAdd(ctx, queueIndexKey(job.Queue), job.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisJobStore) LoadJob(ctx context.Context, id string) (*domain.JobStatus, error) {
	data, err := s.client.Get(ctx, redisJobKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job domain.JobStatus
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisJobStore) DeleteJob(ctx context.Context, queue, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisJobKeyPrefix+id)
	pipe.SRem(ctx, queueIndexKey(queue), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisJobStore) ListJobs(ctx context.Context, queue string) ([]*domain.JobStatus, error) {
	ids, err := s.client.SMembers(ctx, queueIndexKey(queue)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisJobKeyPrefix + id
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*domain.JobStatus, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// index entry without a record; drop it
			s.client.SRem(ctx, queueIndexKey(queue), ids[i])
			continue
		}
		var job domain.JobStatus
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job %s: %w", ids[i], err)
		}
		out = append(out, &job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}
