package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "comfy:job:"
	groupKeyPrefix = "comfy:group:"
)

// RedisStore keeps one JSON value per job and a sorted set per group,
// scored by batch index.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func jobKey(id string) string   { return jobKeyPrefix + id }
func groupKey(id string) string { return groupKeyPrefix + id }

func (s *RedisStore) Save(ctx context.Context, rec JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(rec.JobID), data, s.ttl)
		if rec.GroupID != "" {
			pipe.ZAdd(ctx, groupKey(rec.GroupID), redis.Z{Score: float64(rec.BatchIndex), Member: rec.JobID})
			if s.ttl > 0 {
				pipe.Expire(ctx, groupKey(rec.GroupID), s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &rec, nil
}

func (s *RedisStore) ListGroup(ctx context.Context, groupID string) ([]JobRecord, error) {
	ids, err := s.client.ZRange(ctx, groupKey(groupID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list group %s: %w", groupID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list group %s: %w", groupID, err)
	}

	records := make([]JobRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // expired
		}
		var rec JobRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode group %s: %w", groupID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
