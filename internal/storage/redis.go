package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is a Durable backend over a single Redis instance, selected by
// setting storage.driver to "redis" (§4.K). Each shard's key/value pairs
// live in one Redis hash (HSET flowd:kv:<shardID> <key> <json value>) and
// its alarm deadline in a plain string key, mirroring the two-table shape
// SQLStore uses for the same data.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-connected client. Callers are expected to
// have verified connectivity (e.g. via OpenRedis) before constructing one.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// OpenRedis parses dsn as a redis:// URL and pings the resulting client.
func OpenRedis(ctx context.Context, dsn string) (*redis.Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis DSN: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func kvKey(shardID string) string    { return "flowd:kv:" + shardID }
func alarmKey(shardID string) string { return "flowd:alarm:" + shardID }

func (r *RedisStore) Get(ctx context.Context, shardID, key string) (any, bool, error) {
	raw, err := r.client.HGet(ctx, kvKey(shardID), key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisStore) GetMany(ctx context.Context, shardID, prefix string) ([]KV, error) {
	all, err := r.client.HGetAll(ctx, kvKey(shardID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]KV, 0, len(all))
	for key, raw := range all {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		out = append(out, KV{Key: key, Value: v})
	}
	return out, nil
}

func (r *RedisStore) Put(ctx context.Context, shardID, key string, value any) error {
	return r.PutMany(ctx, shardID, map[string]any{key: value})
}

func (r *RedisStore) PutMany(ctx context.Context, shardID string, items map[string]any) error {
	if len(items) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(items))
	for key, value := range items {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal value for key %q: %w", key, err)
		}
		fields[key] = raw
	}
	return r.client.HSet(ctx, kvKey(shardID), fields).Err()
}

func (r *RedisStore) Delete(ctx context.Context, shardID, key string) error {
	return r.DeleteMany(ctx, shardID, []string{key})
}

func (r *RedisStore) DeleteMany(ctx context.Context, shardID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.HDel(ctx, kvKey(shardID), keys...).Err()
}

func (r *RedisStore) List(ctx context.Context, shardID, prefix string) ([]string, error) {
	kvs, err := r.GetMany(ctx, shardID, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Key)
	}
	return out, nil
}

func (r *RedisStore) SetAlarm(ctx context.Context, shardID string, at time.Time) error {
	return r.client.Set(ctx, alarmKey(shardID), strconv.FormatInt(at.UTC().UnixNano(), 10), 0).Err()
}

func (r *RedisStore) GetAlarm(ctx context.Context, shardID string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, alarmKey(shardID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse alarm value: %w", err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

func (r *RedisStore) DeleteAll(ctx context.Context, shardID string) error {
	return r.client.Del(ctx, kvKey(shardID), alarmKey(shardID)).Err()
}
