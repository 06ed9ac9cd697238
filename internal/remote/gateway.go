package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

// Cipher is the part of the encryption engine the gateway needs.
type Cipher interface {
	EncryptFields(collection models.Collection, record models.Record) models.Record
	DecryptObject(collection models.Collection, record models.Record) models.Record
	// IsLegacyCandidate reports plaintext in a sensitive field.
	IsLegacyCandidate(collection models.Collection, record models.Record) bool
}

type GatewayOptions struct {
	// CacheMaxCost bounds the decrypted-read cache, in approximate bytes.
	// Zero disables caching.
	CacheMaxCost int64
	Logger       logging.Logger
}

// Gateway converts between local plaintext records and the remote wire
// form. Writes are encrypted, reads decrypted; decrypted reads are cached
// until the next write of the same document or PurgeCache.
type Gateway struct {
	store  DocumentStore
	cipher Cipher
	cache  *ristretto.Cache[string, models.Record]
	log    logging.Logger
}

func NewGateway(store DocumentStore, cipher Cipher, opts GatewayOptions) (*Gateway, error) {
	g := &Gateway{
		store:  store,
		cipher: cipher,
		log:    logging.OrDiscard(opts.Logger).With("component", "gateway"),
	}
	if opts.CacheMaxCost > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, models.Record]{
			NumCounters: max(10*(opts.CacheMaxCost/256), 1000),
			MaxCost:     opts.CacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("read cache: %w", err)
		}
		g.cache = cache
	}
	return g, nil
}

func cacheKey(c models.Collection, id string) string { return string(c) + "/" + id }

func recordCost(r models.Record) int64 {
	// rough: keys plus a flat allowance per value
	var n int64
	for k, v := range r {
		n += int64(len(k)) + 16
		if s, ok := v.(string); ok {
			n += int64(len(s))
		}
	}
	return n
}

func (g *Gateway) forget(c models.Collection, id string) {
	if g.cache != nil {
		g.cache.Del(cacheKey(c, id))
	}
}

// Save encrypts rec and merge-upserts it under its client-assigned id. A
// record that could not be fully encrypted is written with _encrypted set
// to false, so a marker left by an earlier write does not hide plaintext
// from the migration.
func (g *Gateway) Save(ctx context.Context, c models.Collection, rec models.Record) error {
	id := rec.RecordID()
	if id == "" {
		return &RejectedError{Collection: c, Reason: "record has no id"}
	}
	doc := g.cipher.EncryptFields(c, rec.Clone())
	if !doc.IsEncrypted() {
		doc = doc.Clone()
		doc[common.FieldEncrypted] = false
	}
	doc[common.FieldID] = id
	g.forget(c, id)
	return g.store.Upsert(ctx, c, id, doc)
}

// Patch merges fields into the document, creating it when missing. A patch
// never sets the encryption marker, so a legacy document with other
// plaintext fields stays a migration candidate. A patch that leaves
// plaintext in a sensitive field clears the marker.
func (g *Gateway) Patch(ctx context.Context, c models.Collection, id string, fields models.Record) error {
	doc := g.cipher.EncryptFields(c, fields)
	if len(doc) > 0 {
		doc = doc.Clone()
		delete(doc, common.FieldEncrypted)
		if g.cipher.IsLegacyCandidate(c, doc) {
			doc[common.FieldEncrypted] = false
		}
	}
	g.forget(c, id)
	return g.store.Upsert(ctx, c, id, doc)
}

func (g *Gateway) Delete(ctx context.Context, c models.Collection, id string) error {
	g.forget(c, id)
	return g.store.Delete(ctx, c, id)
}

// Get returns the decrypted document.
func (g *Gateway) Get(ctx context.Context, c models.Collection, id string) (models.Record, error) {
	key := cacheKey(c, id)
	if g.cache != nil {
		if rec, ok := g.cache.Get(key); ok {
			return rec.Clone(), nil
		}
	}
	doc, err := g.store.Get(ctx, c, id)
	if err != nil {
		return nil, err
	}
	rec := g.cipher.DecryptObject(c, doc)
	// a document still carrying the marker has sealed fields left
	if g.cache != nil && !rec.IsEncrypted() {
		g.cache.Set(key, rec.Clone(), recordCost(rec))
	}
	return rec, nil
}

// List returns one decrypted page of the owner's documents.
func (g *Gateway) List(ctx context.Context, q Query) ([]models.Record, error) {
	docs, err := g.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]models.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, g.cipher.DecryptObject(q.Collection, d))
	}
	return out, nil
}

// Listen streams decrypted changes until ctx is done.
func (g *Gateway) Listen(ctx context.Context, c models.Collection, ownerID string, fn func(Change)) error {
	return g.store.Listen(ctx, c, ownerID, func(ch Change) {
		g.forget(c, ch.ID)
		if ch.Doc != nil {
			ch.Doc = g.cipher.DecryptObject(c, ch.Doc)
		}
		fn(ch)
	})
}

// Apply delivers one queue entry. Creates are full upserts keyed by the
// client id, updates are merges, deletes tolerate a missing document;
// applying the same entry twice leaves the same remote state.
func (g *Gateway) Apply(ctx context.Context, e *models.QueueEntry) error {
	start := time.Now()
	var err error
	switch e.Op {
	case models.OpCreate:
		rec := e.Payload.Clone()
		if rec == nil {
			rec = models.Record{}
		}
		rec[common.FieldID] = e.RecordID
		if rec.OwnerID() == "" {
			rec[common.FieldOwnerID] = e.OwnerID
		}
		err = g.Save(ctx, e.Collection, rec)
	case models.OpUpdate:
		err = g.Patch(ctx, e.Collection, e.RecordID, e.Payload)
	case models.OpDelete:
		err = g.Delete(ctx, e.Collection, e.RecordID)
	default:
		err = &RejectedError{Collection: e.Collection, ID: e.RecordID, Reason: fmt.Sprintf("unknown op %q", e.Op)}
	}
	g.log.Debug(ctx, "queue entry applied", "seq", e.Seq, "op", e.Op, "collection", e.Collection,
		"record_id", e.RecordID, "elapsed", time.Since(start), "error", err)
	return err
}

// ScanPage returns raw (still encrypted) documents for the migration.
func (g *Gateway) ScanPage(ctx context.Context, q Query) ([]models.Record, error) {
	return g.store.Query(ctx, q)
}

// WriteFields applies partial updates in one batch.
func (g *Gateway) WriteFields(ctx context.Context, c models.Collection, updates []FieldUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	for _, u := range updates {
		g.forget(c, u.ID)
	}
	return g.store.BulkUpdate(ctx, c, updates)
}

func (g *Gateway) Ping(ctx context.Context) error { return g.store.Ping(ctx) }

// UserSalt lets the gateway serve as the encryption engine's salt source.
func (g *Gateway) UserSalt(ctx context.Context, userID string) ([]byte, error) {
	return g.store.UserSalt(ctx, userID)
}

// PurgeCache drops every cached plaintext document. Called on sign-out.
func (g *Gateway) PurgeCache() {
	if g.cache != nil {
		g.cache.Clear()
	}
}

// Close releases the cache and the store.
func (g *Gateway) Close(ctx context.Context) error {
	if g.cache != nil {
		g.cache.Close()
	}
	return g.store.Close(ctx)
}
