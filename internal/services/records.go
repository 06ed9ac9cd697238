package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/guest"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
	"github.com/dmitrijs2005/fishkeeper/internal/storage"
	"github.com/google/uuid"
)

// IdentitySource resolves the owner of new records.
type IdentitySource interface {
	Identity(ctx context.Context) (models.Identity, error)
}

// GuestData is the part of guest.Store that holds guest records.
type GuestData interface {
	GetData(ctx context.Context, id string) (*guest.Data, error)
	SaveData(ctx context.Context, id string, data *guest.Data) error
}

// Outbox accepts mutations for remote delivery.
type Outbox interface {
	Enqueue(ctx context.Context, op models.Op, c models.Collection, ownerID string, rec models.Record) error
	HasQueued(ctx context.Context, ownerID string, c models.Collection, recordID string) (bool, error)
}

// RemoteLister pages through the owner's decrypted remote documents.
type RemoteLister interface {
	List(ctx context.Context, q remote.Query) ([]models.Record, error)
}

// RecordOptions bundles the collaborators of RecordService.
type RecordOptions struct {
	Identity IdentitySource
	Guests   GuestData
	Queue    Outbox
	Remote   RemoteLister
	// Local caches signed-in users' records.
	Local    storage.Store
	PageSize int
	Logger   logging.Logger
}

// RecordService is the write and read path of records.
//
// Guests write into their guest bucket only. Signed-in users write the
// record into the local cache first and then enqueue the mutation, so a
// read right after a write sees it whether or not the remote is reachable.
type RecordService struct {
	ids      IdentitySource
	guests   GuestData
	queue    Outbox
	remote   RemoteLister
	local    storage.Store
	pageSize int
	log      logging.Logger
}

func NewRecordService(opts RecordOptions) (*RecordService, error) {
	if opts.Identity == nil || opts.Guests == nil || opts.Queue == nil || opts.Local == nil {
		return nil, errors.New("record service: identity, guests, queue and local store are required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &RecordService{
		ids:      opts.Identity,
		guests:   opts.Guests,
		queue:    opts.Queue,
		remote:   opts.Remote,
		local:    opts.Local,
		pageSize: opts.PageSize,
		log:      logging.OrDiscard(opts.Logger).With("component", "records"),
	}, nil
}

func recordPrefix(owner string, c models.Collection) string {
	return "records/" + owner + "/" + string(c) + "/"
}

func recordKey(owner string, c models.Collection, id string) string {
	return recordPrefix(owner, c) + id
}

// Save creates or replaces rec and returns the stored copy. A record without
// an id gets a new one and is queued as a create. A record that comes with
// an id may already exist remotely, so it is queued as an update, which
// creates the document when it is missing.
func (s *RecordService) Save(ctx context.Context, c models.Collection, rec models.Record) (models.Record, error) {
	ident, err := s.ids.Identity(ctx)
	if err != nil {
		return nil, err
	}

	out := rec.Clone()
	if out == nil {
		out = models.Record{}
	}
	minted := out.RecordID() == ""
	if minted {
		out[common.FieldID] = uuid.NewString()
	}
	id := out.RecordID()

	switch ident := ident.(type) {
	case models.Guest:
		data, err := s.guests.GetData(ctx, ident.SessionID)
		if err != nil {
			return nil, err
		}
		if data == nil {
			data = &guest.Data{}
		}
		data.Put(c, out)
		if err := s.guests.SaveData(ctx, ident.SessionID, data); err != nil {
			return nil, err
		}
		return out, nil

	case models.Authenticated:
		owner := ident.UserID
		out[common.FieldOwnerID] = owner

		// only a create may later collapse with a delete, so it is never
		// guessed from the local cache
		op := models.OpUpdate
		if minted {
			op = models.OpCreate
		}

		if err := storage.SetJSON(ctx, s.local, recordKey(owner, c, id), out); err != nil {
			if !errors.Is(err, common.ErrQuotaExceeded) {
				return nil, fmt.Errorf("failed to cache record: %w", err)
			}
			// the queue still carries the write
			s.log.Warn(ctx, "local cache full, record kept only in the queue", "collection", c, "record_id", id)
		}
		if err := s.queue.Enqueue(ctx, op, c, owner, out); err != nil {
			return nil, fmt.Errorf("failed to enqueue %s: %w", op, err)
		}
		return out, nil
	}
	return nil, common.ErrNoIdentity
}

// Delete removes a record locally and, for signed-in users, remotely.
func (s *RecordService) Delete(ctx context.Context, c models.Collection, id string) error {
	ident, err := s.ids.Identity(ctx)
	if err != nil {
		return err
	}
	switch ident := ident.(type) {
	case models.Guest:
		data, err := s.guests.GetData(ctx, ident.SessionID)
		if err != nil {
			return err
		}
		if data == nil {
			return nil
		}
		data.Delete(c, id)
		return s.guests.SaveData(ctx, ident.SessionID, data)

	case models.Authenticated:
		if err := s.local.Remove(ctx, recordKey(ident.UserID, c, id)); err != nil {
			return fmt.Errorf("failed to remove cached record: %w", err)
		}
		return s.queue.Enqueue(ctx, models.OpDelete, c, ident.UserID, models.Record{common.FieldID: id})
	}
	return common.ErrNoIdentity
}

// Get returns one record of the current identity or common.ErrNotFound.
func (s *RecordService) Get(ctx context.Context, c models.Collection, id string) (models.Record, error) {
	ident, err := s.ids.Identity(ctx)
	if err != nil {
		return nil, err
	}
	switch ident := ident.(type) {
	case models.Guest:
		data, err := s.guests.GetData(ctx, ident.SessionID)
		if err != nil {
			return nil, err
		}
		if data != nil {
			if rec, ok := data.Records[c][id]; ok {
				return rec.Clone(), nil
			}
		}
		return nil, common.ErrNotFound

	case models.Authenticated:
		var rec models.Record
		found, err := storage.GetJSON(ctx, s.local, recordKey(ident.UserID, c, id), &rec)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, common.ErrNotFound
		}
		return rec, nil
	}
	return nil, common.ErrNoIdentity
}

// List returns the records of a collection ordered by id.
func (s *RecordService) List(ctx context.Context, c models.Collection) ([]models.Record, error) {
	ident, err := s.ids.Identity(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Record
	switch ident := ident.(type) {
	case models.Guest:
		data, err := s.guests.GetData(ctx, ident.SessionID)
		if err != nil {
			return nil, err
		}
		if data != nil {
			for _, rec := range data.Records[c] {
				out = append(out, rec.Clone())
			}
		}

	case models.Authenticated:
		raw, err := s.local.List(ctx, recordPrefix(ident.UserID, c))
		if err != nil {
			return nil, err
		}
		for key, b := range raw {
			rec, err := models.DecodeRecord(b)
			if err != nil {
				s.log.Warn(ctx, "skipping unreadable cached record", "key", key, "error", err)
				continue
			}
			out = append(out, rec)
		}

	default:
		return nil, common.ErrNoIdentity
	}

	slices.SortFunc(out, func(a, b models.Record) int {
		return strings.Compare(a.RecordID(), b.RecordID())
	})
	return out, nil
}

// Pull refreshes the local cache of collection c from the remote. Records
// with queued local mutations are left alone, as are their cache entries;
// cached records the remote no longer has are dropped. It returns the
// number of records written to the cache.
func (s *RecordService) Pull(ctx context.Context, c models.Collection) (int, error) {
	if s.remote == nil {
		return 0, errors.New("record service: no remote configured")
	}
	ident, err := s.ids.Identity(ctx)
	if err != nil {
		return 0, err
	}
	user, ok := ident.(models.Authenticated)
	if !ok {
		return 0, common.ErrNoIdentity
	}
	owner := user.UserID

	seen := make(map[string]struct{})
	written := 0
	after := ""
	for {
		page, err := s.remote.List(ctx, remote.Query{Collection: c, OwnerID: owner, After: after, Limit: s.pageSize})
		if err != nil {
			return written, fmt.Errorf("failed to list %s: %w", c, err)
		}
		for _, rec := range page {
			id := rec.RecordID()
			seen[id] = struct{}{}
			after = id

			queued, err := s.queue.HasQueued(ctx, owner, c, id)
			if err != nil {
				return written, err
			}
			if queued {
				continue
			}
			if err := storage.SetJSON(ctx, s.local, recordKey(owner, c, id), rec); err != nil {
				return written, fmt.Errorf("failed to cache %s/%s: %w", c, id, err)
			}
			written++
		}
		if len(page) < s.pageSize {
			break
		}
	}

	cached, err := s.local.List(ctx, recordPrefix(owner, c))
	if err != nil {
		return written, err
	}
	for key := range cached {
		id := strings.TrimPrefix(key, recordPrefix(owner, c))
		if _, ok := seen[id]; ok {
			continue
		}
		queued, err := s.queue.HasQueued(ctx, owner, c, id)
		if err != nil {
			return written, err
		}
		if queued {
			continue
		}
		if err := s.local.Remove(ctx, key); err != nil {
			return written, err
		}
	}

	s.log.Debug(ctx, "pulled collection", "collection", c, "records", written)
	return written, nil
}
