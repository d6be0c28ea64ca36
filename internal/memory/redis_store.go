package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each entry as a hash and indexes entries by
// timestamp in a sorted set. Keys are namespaced by layout version.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to redisURL and checks the connection.
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	// Parse Redis URL
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return NewRedisBackendFromClient(redis.NewClient(opt))
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client) (*RedisBackend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r := &RedisBackend{
		client: client,
		prefix: fmt.Sprintf("simstore:v%d:", LayoutVersion),
	}
	if err := client.Set(ctx, r.prefix+"version", LayoutVersion, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to write layout version: %w", err)
	}
	return r, nil
}

func (r *RedisBackend) entryKey(id string) string {
	return r.prefix + "entry:" + id
}

func (r *RedisBackend) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisBackend) Put(ctx context.Context, entry Entry) error {
	vector, err := json.Marshal(entry.Vector)
	if err != nil {
		return fmt.Errorf("failed to marshal vector: %w", err)
	}
	state, err := json.Marshal(entry.Metadata.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.entryKey(entry.ID), map[string]any{
			"query":     entry.Metadata.Query,
			"response":  entry.Metadata.Response,
			"state":     string(state),
			"vector":    string(vector),
			"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(entry.Timestamp.UnixMicro()),
			Member: entry.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save entry to Redis: %w", err)
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, id string) (Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.entryKey(id)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load entry from Redis: %w", err)
	}
	if len(fields) == 0 {
		return Entry{}, ErrNotFound
	}
	return decodeRedisEntry(id, fields)
}

func (r *RedisBackend) List(ctx context.Context) ([]Entry, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.entryKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load entries from Redis: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// index and hash drifted; the hash is authoritative
			continue
		}
		entry, err := decodeRedisEntry(ids[i], fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sortOldestFirst(entries)
	return entries, nil
}

func (r *RedisBackend) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		keys := make([]string, len(ids))
		members := make([]any, len(ids))
		for i, id := range ids {
			keys[i] = r.entryKey(id)
			members[i] = id
		}
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, r.indexKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	return nil
}

func (r *RedisBackend) Count(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return int(n), nil
}

// Close closes the Redis connection
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// Ping verifies the Redis connection is alive
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func decodeRedisEntry(id string, fields map[string]string) (Entry, error) {
	entry := Entry{ID: id}
	entry.Metadata.Query = fields["query"]
	entry.Metadata.Response = fields["response"]

	ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"])
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s: bad timestamp %s: %w", id, strconv.Quote(fields["timestamp"]), err)
	}
	entry.Timestamp = ts
	entry.Metadata.Timestamp = ts

	if err := json.Unmarshal([]byte(fields["vector"]), &entry.Vector); err != nil {
		return Entry{}, fmt.Errorf("entry %s: failed to parse vector: %w", id, err)
	}
	if s := fields["state"]; s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &entry.Metadata.State); err != nil {
			return Entry{}, fmt.Errorf("entry %s: failed to parse state: %w", id, err)
		}
	}
	return entry, nil
}
