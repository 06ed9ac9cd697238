package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/fishkeeper/internal/storage"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps every key of one namespace as a field of a single hash,
// so List and Usage never scan the whole keyspace.
type RedisStore struct {
	client *goredis.Client
	hash   string
}

// NewRedisStore connects to url (redis://...) and verifies the connection.
func NewRedisStore(ctx context.Context, url, namespace string) (*RedisStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreFromClient(client, namespace), nil
}

func NewRedisStoreFromClient(client *goredis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "default"
	}
	return &RedisStore{client: client, hash: "fishkeeper:kv:" + namespace}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.HGet(ctx, r.hash, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kv[%s]: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.HSet(ctx, r.hash, key, value).Err(); err != nil {
		return fmt.Errorf("failed to set kv[%s]: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.hash, key).Err(); err != nil {
		return fmt.Errorf("failed to delete kv[%s]: %w", key, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	iter := r.client.HScan(ctx, r.hash, 0, escapeGlob(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		if strings.HasPrefix(key, prefix) {
			result[key] = []byte(iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list kv[%s*]: %w", prefix, err)
	}
	return result, nil
}

func (r *RedisStore) Usage(ctx context.Context) (storage.Usage, error) {
	all, err := r.client.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return storage.Usage{}, fmt.Errorf("failed to compute kv usage: %w", err)
	}
	var used int64
	for k, v := range all {
		used += int64(len(k) + len(v))
	}
	return storage.Usage{UsedBytes: used}, nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
