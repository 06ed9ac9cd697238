// Package storage is the local persistence abstraction: a key/value store
// of JSON documents with quota accounting.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is a local key/value store. Get returns (nil, nil) for an absent key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// List returns every key with the given prefix and its value.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Usage(ctx context.Context) (Usage, error)
}

// Usage is an approximate accounting of stored bytes. QuotaBytes is zero
// when the backend does not enforce a quota.
type Usage struct {
	UsedBytes  int64
	QuotaBytes int64
}

// Remaining returns the bytes left under the quota, or -1 when unbounded.
func (u Usage) Remaining() int64 {
	if u.QuotaBytes <= 0 {
		return -1
	}
	if r := u.QuotaBytes - u.UsedBytes; r > 0 {
		return r
	}
	return 0
}

// GetJSON loads key into v. found is false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (found bool, err error) {
	b, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v under key as JSON.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, b)
}
