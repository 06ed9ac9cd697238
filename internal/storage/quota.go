package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
)

// QuotaError reports a rejected write.
type QuotaError struct {
	Key            string
	Needed         int64
	RemainingBytes int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("local storage quota exceeded writing %q: need %d bytes, %d remaining", e.Key, e.Needed, e.RemainingBytes)
}

func (e *QuotaError) Is(target error) bool { return target == common.ErrQuotaExceeded }

// WriteResult is the non-error outcome of TrySet.
type WriteResult struct {
	Success        bool
	Message        string
	RemainingBytes int64
}

// TrySet writes value and reports a quota rejection as an unsuccessful
// WriteResult instead of an error. Other failures are returned as errors.
func TrySet(ctx context.Context, s Store, key string, value []byte) (WriteResult, error) {
	err := s.Set(ctx, key, value)
	if err == nil {
		res := WriteResult{Success: true, RemainingBytes: -1}
		if u, uerr := s.Usage(ctx); uerr == nil {
			res.RemainingBytes = u.Remaining()
		}
		return res, nil
	}

	var qe *QuotaError
	if errors.As(err, &qe) {
		return WriteResult{Success: false, Message: qe.Error(), RemainingBytes: qe.RemainingBytes}, nil
	}
	return WriteResult{}, err
}

// QuotaStore enforces a byte quota on top of another Store. The size of a
// write is estimated as len(key)+len(value); overwrites are credited with
// the size of the value they replace.
type QuotaStore struct {
	Store
	quota int64

	mu sync.Mutex
}

// WithQuota wraps s. A non-positive quota disables enforcement.
func WithQuota(s Store, quotaBytes int64) *QuotaStore {
	return &QuotaStore{Store: s, quota: quotaBytes}
}

func (q *QuotaStore) Set(ctx context.Context, key string, value []byte) error {
	if q.quota <= 0 {
		return q.Store.Set(ctx, key, value)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	u, err := q.Store.Usage(ctx)
	if err != nil {
		return err
	}
	old, err := q.Store.Get(ctx, key)
	if err != nil {
		return err
	}

	needed := int64(len(key) + len(value))
	var credit int64
	if old != nil {
		credit = int64(len(key) + len(old))
	}
	remaining := q.quota - u.UsedBytes + credit
	if remaining < 0 {
		remaining = 0
	}
	if needed > remaining {
		return &QuotaError{Key: key, Needed: needed, RemainingBytes: remaining}
	}
	return q.Store.Set(ctx, key, value)
}

func (q *QuotaStore) Usage(ctx context.Context) (Usage, error) {
	u, err := q.Store.Usage(ctx)
	if err != nil {
		return Usage{}, err
	}
	if q.quota > 0 {
		u.QuotaBytes = q.quota
	}
	return u, nil
}
