// Package guest manages anonymous guest sessions: their ids, their local
// record buckets, expiry, and the ledger of merges into user accounts.
package guest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/storage"
	"github.com/google/uuid"
)

const (
	ledgerKey  = "guest:ledger"
	dataPrefix = "guest:data:"
)

type Options struct {
	MaxSessions int
	Retention   time.Duration
	Now         func() time.Time
	NewID       func() string
	Logger      logging.Logger
}

type Store struct {
	kv        storage.Store
	max       int
	retention time.Duration
	now       func() time.Time
	newID     func() string
	log       logging.Logger

	mu sync.Mutex
}

func NewStore(kv storage.Store, opts Options) *Store {
	s := &Store{
		kv:        kv,
		max:       opts.MaxSessions,
		retention: opts.Retention,
		now:       opts.Now,
		newID:     opts.NewID,
		log:       logging.OrDiscard(opts.Logger).With("component", "guest"),
	}
	if s.max <= 0 {
		s.max = common.DefaultMaxGuestSessions
	}
	if s.retention <= 0 {
		s.retention = common.DefaultGuestRetention
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return "guest-" + uuid.NewString() }
	}
	return s
}

func dataKey(id string) string { return dataPrefix + id }

func (s *Store) loadLedger(ctx context.Context) (*ledger, error) {
	var l ledger
	if _, err := storage.GetJSON(ctx, s.kv, ledgerKey, &l); err != nil {
		return nil, fmt.Errorf("load guest ledger: %w", err)
	}
	l.init()
	return &l, nil
}

func (s *Store) saveLedger(ctx context.Context, l *ledger) error {
	if err := storage.SetJSON(ctx, s.kv, ledgerKey, l); err != nil {
		return fmt.Errorf("save guest ledger: %w", err)
	}
	return nil
}

func (s *Store) expired(sess Session, now time.Time) bool {
	if !sess.ExpiresAt.IsZero() && now.After(sess.ExpiresAt) {
		return true
	}
	return now.Sub(sess.LastModified) > s.retention
}

// GetOrCreateSessionID returns the active session id, rotating to a new
// session when none exists or the active one expired.
func (s *Store) GetOrCreateSessionID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.loadLedger(ctx)
	if err != nil {
		return "", err
	}
	now := s.now()
	if sess, ok := l.Sessions[l.Active]; ok && !s.expired(sess, now) {
		l.touch(sess.ID)
		if err := s.saveLedger(ctx, l); err != nil {
			return "", err
		}
		return sess.ID, nil
	}
	if l.Active != "" {
		s.log.Info(ctx, "guest session expired, rotating", "session_id", l.Active)
	}
	return s.createLocked(ctx, l, now)
}

// CreateSession always starts a new session and makes it active.
func (s *Store) CreateSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.loadLedger(ctx)
	if err != nil {
		return "", err
	}
	return s.createLocked(ctx, l, s.now())
}

func (s *Store) createLocked(ctx context.Context, l *ledger, now time.Time) (string, error) {
	id := s.newID()
	l.Sessions[id] = Session{
		ID:           id,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.retention),
		LastModified: now,
	}
	l.Active = id
	l.touch(id)

	evicted := s.enforceCap(l)
	if err := s.saveLedger(ctx, l); err != nil {
		return "", err
	}
	s.removeData(ctx, evicted)
	return id, nil
}

// enforceCap drops least recently used sessions beyond the cap and returns
// their ids.
func (s *Store) enforceCap(l *ledger) []string {
	var evicted []string
	for len(l.Order) > s.max {
		victim := l.Order[len(l.Order)-1]
		l.drop(victim)
		evicted = append(evicted, victim)
	}
	return evicted
}

func (s *Store) removeData(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := s.kv.Remove(ctx, dataKey(id)); err != nil {
			s.log.Warn(ctx, "failed to remove guest data", "session_id", id, "error", err)
		}
	}
}

// SaveData persists the bucket of session id. When the write is rejected for
// quota, expired sessions are purged and the write is retried once; a
// second rejection is returned to the caller.
func (s *Store) SaveData(ctx context.Context, id string, data *Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	data.LastModified = now

	err := storage.SetJSON(ctx, s.kv, dataKey(id), data)
	if errors.Is(err, common.ErrQuotaExceeded) {
		s.log.Warn(ctx, "guest data write rejected for quota, purging expired sessions", "session_id", id)
		if _, perr := s.purgeLocked(ctx, id); perr != nil {
			return errors.Join(err, perr)
		}
		err = storage.SetJSON(ctx, s.kv, dataKey(id), data)
	}
	if err != nil {
		return fmt.Errorf("save guest data: %w", err)
	}

	l, err := s.loadLedger(ctx)
	if err != nil {
		return err
	}
	sess, ok := l.Sessions[id]
	if !ok {
		// the session was rotated out while this write was in flight
		sess = Session{ID: id, CreatedAt: now}
	}
	sess.LastModified = now
	sess.ExpiresAt = now.Add(s.retention)
	l.Sessions[id] = sess
	l.touch(id)
	evicted := s.enforceCap(l)
	if err := s.saveLedger(ctx, l); err != nil {
		return err
	}
	s.removeData(ctx, evicted)
	return nil
}

// GetData returns the bucket of session id, or nil when it does not exist
// or is older than the retention window. Stale buckets are evicted.
func (s *Store) GetData(ctx context.Context, id string) (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Data
	found, err := storage.GetJSON(ctx, s.kv, dataKey(id), &d)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if s.now().Sub(d.LastModified) > s.retention {
		s.log.Info(ctx, "guest data expired", "session_id", id, "last_modified", d.LastModified)
		if err := s.evictLocked(ctx, id); err != nil {
			s.log.Warn(ctx, "failed to evict expired guest session", "session_id", id, "error", err)
		}
		return nil, nil
	}
	return &d, nil
}

func (s *Store) evictLocked(ctx context.Context, id string) error {
	l, err := s.loadLedger(ctx)
	if err != nil {
		return err
	}
	l.drop(id)
	if err := s.saveLedger(ctx, l); err != nil {
		return err
	}
	return s.kv.Remove(ctx, dataKey(id))
}

// AllSessions returns the retained sessions and their MRU order.
func (s *Store) AllSessions(ctx context.Context) (Sessions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.loadLedger(ctx)
	if err != nil {
		return Sessions{}, err
	}
	out := Sessions{
		Sessions:     make(map[string]Session, len(l.Sessions)),
		SessionOrder: slices.Clone(l.Order),
	}
	for k, v := range l.Sessions {
		out.Sessions[k] = v
	}
	return out, nil
}

// MarkMergedForUser records that session id was merged into userID.
func (s *Store) MarkMergedForUser(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.loadLedger(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(l.Merged[id], userID) {
		return nil
	}
	l.Merged[id] = append(l.Merged[id], userID)
	return s.saveLedger(ctx, l)
}

// HasMergedForUser reports whether session id was already merged into userID.
func (s *Store) HasMergedForUser(ctx context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.loadLedger(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(l.Merged[id], userID), nil
}

// ClearSession drops a session and its data.
func (s *Store) ClearSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(ctx, id)
}

// PurgeExpired removes expired sessions and data buckets without a ledger
// entry. It returns the number of sessions removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(ctx, "")
}

func (s *Store) purgeLocked(ctx context.Context, keep string) (int, error) {
	l, err := s.loadLedger(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()

	removed := make(map[string]struct{})
	for id, sess := range l.Sessions {
		if id != keep && s.expired(sess, now) {
			removed[id] = struct{}{}
		}
	}
	for id := range removed {
		l.drop(id)
	}
	if len(removed) > 0 {
		if err := s.saveLedger(ctx, l); err != nil {
			return 0, err
		}
	}

	buckets, err := s.kv.List(ctx, dataPrefix)
	if err != nil {
		return 0, err
	}
	for key := range buckets {
		id := strings.TrimPrefix(key, dataPrefix)
		if _, ok := l.Sessions[id]; !ok && id != keep {
			removed[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(removed))
	for id := range removed {
		ids = append(ids, id)
	}
	s.removeData(ctx, ids)

	if len(ids) > 0 {
		s.log.Info(ctx, "purged guest sessions", "count", len(ids))
	}
	return len(removed), nil
}
