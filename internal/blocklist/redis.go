package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ghostwall/internal/config"
)

// RedisStore keeps the list in a Redis hash keyed by address, so several
// redirector instances can share one list.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = "ghostwall:blocklist"
	}
	return &RedisStore{client: client, key: key}, nil
}

// Load reads every hash field. A field that does not decode makes the whole
// load fail, matching the file store.
func (s *RedisStore) Load(ctx context.Context) ([]Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read block-list hash: %w", err)
	}
	return decodeFields(fields)
}

func decodeFields(fields map[string]string) ([]Entry, error) {
	out := make([]Entry, 0, len(fields))
	for ip, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrCorrupt, ip, err)
		}
		e.SrcIP = ip
		out = append(out, e)
	}
	return out, nil
}

func encodeFields(entries []Entry) (map[string]any, error) {
	fields := make(map[string]any, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		fields[e.SrcIP] = string(raw)
	}
	return fields, nil
}

// Save replaces the hash in one MULTI/EXEC transaction.
func (s *RedisStore) Save(ctx context.Context, entries []Entry) error {
	fields, err := encodeFields(entries)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, s.key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write block-list hash: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NewStore builds the store selected by cfg.
func NewStore(cfg config.BlockListConfig) (Store, error) {
	switch cfg.Store {
	case "redis":
		return NewRedisStore(cfg.Redis)
	default:
		return NewFileStore(cfg.Path)
	}
}
