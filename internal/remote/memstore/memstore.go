// Package memstore is an in-process remote.DocumentStore. It backs tests
// and the offline demo mode, and can inject failures per operation.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
)

// Op names an operation for failure injection.
type Op string

const (
	OpGet    Op = "get"
	OpUpsert Op = "upsert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpQuery  Op = "query"
	OpBulk   Op = "bulk"
	OpPing   Op = "ping"
	OpSalt   Op = "salt"
)

// Hook is consulted before every operation; a non-nil error fails it.
type Hook func(op Op, collection models.Collection, id string) error

type listener struct {
	collection models.Collection
	owner      string
	ch         chan remote.Change
}

type Store struct {
	mu        sync.Mutex
	docs      map[models.Collection]map[string]models.Record
	salts     map[string][]byte
	listeners map[*listener]struct{}
	hook      Hook
	counts    map[Op]int
	now       func() time.Time
}

var _ remote.DocumentStore = (*Store)(nil)

func New() *Store {
	return &Store{
		docs:      make(map[models.Collection]map[string]models.Record),
		salts:     make(map[string][]byte),
		listeners: make(map[*listener]struct{}),
		counts:    make(map[Op]int),
		now:       time.Now,
	}
}

// SetHook installs h; nil removes it.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Count returns how many times op succeeded.
func (s *Store) Count(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// Seed stores doc verbatim, bypassing hooks and timestamps.
func (s *Store) Seed(c models.Collection, doc models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coll(c)[doc.RecordID()] = doc.Clone()
}

// Snapshot returns a copy of every document of c keyed by id.
func (s *Store) Snapshot(c models.Collection) map[string]models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Record, len(s.docs[c]))
	for id, d := range s.docs[c] {
		out[id] = d.Clone()
	}
	return out
}

func (s *Store) coll(c models.Collection) map[string]models.Record {
	m, ok := s.docs[c]
	if !ok {
		m = make(map[string]models.Record)
		s.docs[c] = m
	}
	return m
}

// begin runs the hook. Callers hold s.mu.
func (s *Store) begin(ctx context.Context, op Op, c models.Collection, id string) error {
	if err := ctx.Err(); err != nil {
		return remote.Unavailable(string(op), err)
	}
	if s.hook != nil {
		if err := s.hook(op, c, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, c models.Collection, id string) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpGet, c, id); err != nil {
		return nil, err
	}
	d, ok := s.docs[c][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", c, id, common.ErrNotFound)
	}
	s.counts[OpGet]++
	return d.Clone(), nil
}

func (s *Store) Upsert(ctx context.Context, c models.Collection, id string, doc models.Record) error {
	s.mu.Lock()
	if err := s.begin(ctx, OpUpsert, c, id); err != nil {
		s.mu.Unlock()
		return err
	}
	cur := s.coll(c)[id]
	if cur == nil {
		cur = models.Record{common.FieldID: id}
	}
	for k, v := range doc {
		cur[k] = v
	}
	cur[common.FieldUpdatedAt] = s.now().UTC()
	s.coll(c)[id] = cur
	s.counts[OpUpsert]++
	ls := s.matching(c, cur)
	out := cur.Clone()
	s.mu.Unlock()

	notify(ls, remote.Change{Type: remote.ChangeUpserted, ID: id, Doc: out})
	return nil
}

func (s *Store) Update(ctx context.Context, c models.Collection, id string, fields models.Record) error {
	s.mu.Lock()
	if err := s.begin(ctx, OpUpdate, c, id); err != nil {
		s.mu.Unlock()
		return err
	}
	cur, ok := s.docs[c][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", c, id, common.ErrNotFound)
	}
	for k, v := range fields {
		cur[k] = v
	}
	cur[common.FieldUpdatedAt] = s.now().UTC()
	s.counts[OpUpdate]++
	ls := s.matching(c, cur)
	out := cur.Clone()
	s.mu.Unlock()

	notify(ls, remote.Change{Type: remote.ChangeUpserted, ID: id, Doc: out})
	return nil
}

func (s *Store) Delete(ctx context.Context, c models.Collection, id string) error {
	s.mu.Lock()
	if err := s.begin(ctx, OpDelete, c, id); err != nil {
		s.mu.Unlock()
		return err
	}
	cur, ok := s.docs[c][id]
	delete(s.docs[c], id)
	s.counts[OpDelete]++
	var ls []*listener
	if ok {
		ls = s.matching(c, cur)
	}
	s.mu.Unlock()

	notify(ls, remote.Change{Type: remote.ChangeRemoved, ID: id})
	return nil
}

func (s *Store) Query(ctx context.Context, q remote.Query) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpQuery, q.Collection, q.After); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.docs[q.Collection]))
	for id, d := range s.docs[q.Collection] {
		if id > q.After && (q.OwnerID == "" || d.OwnerID() == q.OwnerID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}

	out := make([]models.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.docs[q.Collection][id].Clone())
	}
	s.counts[OpQuery]++
	return out, nil
}

// BulkUpdate applies every update atomically. Documents deleted since they
// were read are skipped.
func (s *Store) BulkUpdate(ctx context.Context, c models.Collection, updates []remote.FieldUpdate) error {
	s.mu.Lock()
	if err := s.begin(ctx, OpBulk, c, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	var changes []remote.Change
	var ls [][]*listener
	now := s.now().UTC()
	for _, u := range updates {
		cur, ok := s.docs[c][u.ID]
		if !ok {
			continue
		}
		for k, v := range u.Fields {
			cur[k] = v
		}
		cur[common.FieldUpdatedAt] = now
		s.counts[OpBulk]++
		changes = append(changes, remote.Change{Type: remote.ChangeUpserted, ID: u.ID, Doc: cur.Clone()})
		ls = append(ls, s.matching(c, cur))
	}
	s.mu.Unlock()

	for i, ch := range changes {
		notify(ls[i], ch)
	}
	return nil
}

func (s *Store) Listen(ctx context.Context, c models.Collection, ownerID string, fn func(remote.Change)) error {
	l := &listener{collection: c, owner: ownerID, ch: make(chan remote.Change, 64)}
	s.mu.Lock()
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch := <-l.ch:
			fn(ch)
		}
	}
}

// matching returns listeners interested in doc. Callers hold s.mu.
func (s *Store) matching(c models.Collection, doc models.Record) []*listener {
	var out []*listener
	for l := range s.listeners {
		if l.collection == c && (l.owner == "" || l.owner == doc.OwnerID()) {
			out = append(out, l)
		}
	}
	return out
}

func notify(ls []*listener, ch remote.Change) {
	for _, l := range ls {
		select {
		case l.ch <- ch:
		default:
			// slow listener; changes are best effort
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpPing, "", ""); err != nil {
		return err
	}
	s.counts[OpPing]++
	return nil
}

func (s *Store) UserSalt(ctx context.Context, userID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpSalt, "", userID); err != nil {
		return nil, err
	}
	salt, ok := s.salts[userID]
	if !ok {
		salt = common.GenerateRandByteArray(16)
		s.salts[userID] = salt
	}
	s.counts[OpSalt]++
	return append([]byte(nil), salt...), nil
}

func (s *Store) Close(context.Context) error { return nil }
