// Package services contains the application services of the fishkeeper core.
// This file defines the session service: it reacts to auth state changes by
// deriving or clearing the session key, pointing the sync queue at the
// signed-in user, folding guest data into the account and starting the
// legacy-plaintext migration.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/fishkeeper/internal/auth"
	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/guest"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

// KeyManager owns the session key.
type KeyManager interface {
	SetDeterministicKey(ctx context.Context, userID, email string) error
	ClearKey()
}

// QueueControl switches the sync queue between owners.
type QueueControl interface {
	SetOwner(ownerID string)
	Stop()
}

// Migrator runs the background encryption of legacy documents.
type Migrator interface {
	Start(ctx context.Context, ownerID string) error
	Stop()
	// Invalidate makes the next Start rescan every collection.
	Invalidate(ctx context.Context, ownerID string) error
}

// GuestSessions is the part of guest.Store the session service needs.
type GuestSessions interface {
	GetOrCreateSessionID(ctx context.Context) (string, error)
	AllSessions(ctx context.Context) (guest.Sessions, error)
}

// GuestMerger folds one guest session into a user account.
type GuestMerger interface {
	Merge(ctx context.Context, sessionID, userID string) (int, error)
}

// CachePurger drops decrypted data held in memory.
type CachePurger interface {
	PurgeCache()
}

// SessionOptions bundles the collaborators of SessionService. Merger and
// Cache are optional.
type SessionOptions struct {
	Keys      KeyManager
	Queue     QueueControl
	Migration Migrator
	Guests    GuestSessions
	Merger    GuestMerger
	Cache     CachePurger
	Logger    logging.Logger
}

// SessionService tracks the current identity and keeps the key, the queue
// and the migration consistent with it.
//
// Contract:
//   - SignedIn: awaits key derivation, then switches the queue owner, merges
//     the active guest session once per user and starts the migration.
//   - SignedOut: stops migration and drains, clears the key and the
//     decrypted read cache. Guest data stays local.
//   - Identity: the authenticated user, or the active guest session.
type SessionService struct {
	opts SessionOptions
	log  logging.Logger

	// serializes auth transitions
	transition sync.Mutex

	mu   sync.RWMutex
	user *models.Authenticated
}

func NewSessionService(opts SessionOptions) (*SessionService, error) {
	if opts.Keys == nil || opts.Queue == nil || opts.Migration == nil || opts.Guests == nil {
		return nil, errors.New("session service: keys, queue, migration and guests are required")
	}
	return &SessionService{
		opts: opts,
		log:  logging.OrDiscard(opts.Logger).With("component", "session"),
	}, nil
}

// Bind subscribes the service to an auth provider. Transitions run with
// ctx; the returned func unsubscribes.
func (s *SessionService) Bind(ctx context.Context, p auth.Provider) func() {
	return p.Subscribe(func(user *models.Authenticated) {
		if err := s.OnAuthChange(ctx, user); err != nil {
			s.log.Error(ctx, "auth transition failed", "error", err)
		}
	})
}

// OnAuthChange applies a sign-in (user != nil) or a sign-out (user == nil).
// Repeating the current state does nothing.
func (s *SessionService) OnAuthChange(ctx context.Context, user *models.Authenticated) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	prev := s.current()
	switch {
	case user == nil && prev == nil:
		return nil
	case user != nil && prev != nil && *user == *prev:
		return nil
	case user == nil:
		s.signOut(ctx, prev)
		return nil
	}

	if prev != nil {
		// account switch without an explicit sign-out
		s.signOut(ctx, prev)
	}
	return s.signIn(ctx, *user)
}

func (s *SessionService) signIn(ctx context.Context, user models.Authenticated) error {
	log := s.log.With("user_id", user.UserID)

	var errs []error
	if err := s.opts.Keys.SetDeterministicKey(ctx, user.UserID, user.Email); err != nil {
		// records keep flowing as plaintext until the key can be derived
		log.Warn(ctx, "session key derivation failed, encryption disabled", "error", err)
		errs = append(errs, fmt.Errorf("failed to derive session key: %w", err))

		// plaintext written in this session must be found by a later run
		if err := s.opts.Migration.Invalidate(ctx, user.UserID); err != nil {
			log.Warn(ctx, "failed to reset migration progress", "error", err)
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	u := user
	s.user = &u
	s.mu.Unlock()

	s.opts.Queue.SetOwner(user.UserID)

	if err := s.mergeGuest(ctx, user.UserID); err != nil {
		log.Warn(ctx, "guest merge failed", "error", err)
		errs = append(errs, err)
	}

	if err := s.opts.Migration.Start(ctx, user.UserID); err != nil {
		if errors.Is(err, common.ErrKeyNotReady) {
			log.Info(ctx, "migration deferred until the key is ready")
		} else {
			log.Warn(ctx, "migration start failed", "error", err)
			errs = append(errs, fmt.Errorf("failed to start migration: %w", err))
		}
	}

	log.Info(ctx, "signed in")
	return errors.Join(errs...)
}

func (s *SessionService) mergeGuest(ctx context.Context, userID string) error {
	if s.opts.Merger == nil {
		return nil
	}
	sessions, err := s.opts.Guests.AllSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list guest sessions: %w", err)
	}
	if len(sessions.SessionOrder) == 0 {
		return nil
	}
	active := sessions.SessionOrder[0]
	n, err := s.opts.Merger.Merge(ctx, active, userID)
	if err != nil {
		return fmt.Errorf("failed to merge guest session %s: %w", active, err)
	}
	if n > 0 {
		s.log.Info(ctx, "guest records queued for the account", "session_id", active, "records", n)
	}
	return nil
}

func (s *SessionService) signOut(ctx context.Context, prev *models.Authenticated) {
	s.opts.Migration.Stop()
	s.opts.Queue.Stop()
	s.opts.Keys.ClearKey()
	if s.opts.Cache != nil {
		s.opts.Cache.PurgeCache()
	}

	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()

	s.log.Info(ctx, "signed out", "user_id", prev.UserID)
}

func (s *SessionService) current() *models.Authenticated {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// User returns the signed-in user or nil.
func (s *SessionService) User() *models.Authenticated { return s.current() }

// Identity returns the owner of new records: the signed-in user, otherwise
// the active guest session (created on first use).
func (s *SessionService) Identity(ctx context.Context) (models.Identity, error) {
	if u := s.current(); u != nil {
		return *u, nil
	}
	id, err := s.opts.Guests.GetOrCreateSessionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve guest session: %w", err)
	}
	return models.Guest{SessionID: id}, nil
}
