package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisSink stores each record under its own key with a TTL and keeps an
// index list of ids, newest first.
type RedisSink struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisSink connects and pings Redis.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "livetest:results:"
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}

	return &RedisSink{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}, nil
}

func (r *RedisSink) key(id string) string {
	return r.keyPrefix + "record:" + id
}

func (r *RedisSink) indexKey() string {
	return r.keyPrefix + "index"
}

func (r *RedisSink) Submit(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(rec.ID), data, r.ttl)
	pipe.LPush(ctx, r.indexKey(), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func (r *RedisSink) Load(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// List returns the records still present; expired ids are pruned from the index.
func (r *RedisSink) List(ctx context.Context) ([]*Record, error) {
	ids, err := r.client.LRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Load(ctx, id)
		if errors.Is(err, ErrResultNotFound) {
			r.client.LRem(ctx, r.indexKey(), 0, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close closes the Redis client.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
