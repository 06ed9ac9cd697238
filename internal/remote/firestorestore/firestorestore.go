// Package firestorestore is a remote.DocumentStore on Cloud Firestore. Each
// collection maps to a top-level Firestore collection and the record id is
// the document id.
package firestorestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"cloud.google.com/go/firestore"
	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	usersCollection = "users"
	saltField       = "encryptionSalt"
	saltSize        = 16
)

// indexHelpURL is used when the server message carries no console link.
const indexHelpURL = "https://firebase.google.com/docs/firestore/query-data/indexing"

var consoleLinkRe = regexp.MustCompile(`https://console\.firebase\.google\.com/\S+`)

type Store struct {
	client *firestore.Client
}

var _ remote.DocumentStore = (*Store)(nil)

// Open creates a client for projectID. The emulator is used when
// FIRESTORE_EMULATOR_HOST is set.
func Open(ctx context.Context, projectID string) (*Store, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) coll(c models.Collection) *firestore.CollectionRef {
	return s.client.Collection(string(c))
}

func (s *Store) Get(ctx context.Context, c models.Collection, id string) (models.Record, error) {
	snap, err := s.coll(c).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%s/%s: %w", c, id, common.ErrNotFound)
	}
	if err != nil {
		return nil, classify(c, id, "get", err)
	}
	return fromData(snap.Ref.ID, snap.Data()), nil
}

// Upsert replaces the top-level fields present in doc and leaves the rest
// of the stored document alone.
func (s *Store) Upsert(ctx context.Context, c models.Collection, id string, doc models.Record) error {
	data, paths := toData(doc)
	if _, err := s.coll(c).Doc(id).Set(ctx, data, firestore.Merge(paths...)); err != nil {
		return classify(c, id, "upsert", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, c models.Collection, id string, fields models.Record) error {
	_, err := s.coll(c).Doc(id).Update(ctx, toUpdates(fields))
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s/%s: %w", c, id, common.ErrNotFound)
	}
	if err != nil {
		return classify(c, id, "update", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, c models.Collection, id string) error {
	if _, err := s.coll(c).Doc(id).Delete(ctx); err != nil {
		return classify(c, id, "delete", err)
	}
	return nil
}

func (s *Store) query(c models.Collection, ownerID string) firestore.Query {
	q := s.coll(c).Query
	if ownerID != "" {
		q = q.Where(common.FieldOwnerID, "==", ownerID)
	}
	return q
}

func (s *Store) Query(ctx context.Context, q remote.Query) ([]models.Record, error) {
	fq := s.query(q.Collection, q.OwnerID).OrderBy(firestore.DocumentID, firestore.Asc)
	if q.After != "" {
		fq = fq.StartAfter(q.After)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	snaps, err := fq.Documents(ctx).GetAll()
	if err != nil {
		return nil, classify(q.Collection, "", "query", err)
	}
	out := make([]models.Record, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, fromData(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

// BulkUpdate sends all updates through one BulkWriter. Documents deleted
// in the meantime are skipped.
func (s *Store) BulkUpdate(ctx context.Context, c models.Collection, updates []remote.FieldUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(updates))
	for _, u := range updates {
		job, err := bw.Update(s.coll(c).Doc(u.ID), toUpdates(u.Fields))
		if err != nil {
			bw.End()
			return classify(c, u.ID, "bulk update", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return classify(c, updates[i].ID, "bulk update", err)
		}
	}
	return nil
}

// Listen streams query snapshots. The first snapshot describes the
// current state rather than changes and is not delivered.
func (s *Store) Listen(ctx context.Context, c models.Collection, ownerID string, fn func(remote.Change)) error {
	it := s.query(c, ownerID).Snapshots(ctx)
	defer it.Stop()

	first := true
	for {
		snap, err := it.Next()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			return classify(c, "", "listen", err)
		}
		if first {
			first = false
			continue
		}
		for _, ch := range snap.Changes {
			fn(toChange(ch.Kind, ch.Doc.Ref.ID, ch.Doc.Data()))
		}
	}
}

func toChange(kind firestore.DocumentChangeKind, id string, data map[string]any) remote.Change {
	if kind == firestore.DocumentRemoved {
		return remote.Change{Type: remote.ChangeRemoved, ID: id}
	}
	return remote.Change{Type: remote.ChangeUpserted, ID: id, Doc: fromData(id, data)}
}

func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.Collection(usersCollection).Limit(1).Documents(ctx).GetAll(); err != nil {
		return classify(usersCollection, "", "ping", err)
	}
	return nil
}

// UserSalt reads users/{id}.encryptionSalt, writing a random one inside a
// transaction when the profile has none.
func (s *Store) UserSalt(ctx context.Context, userID string) ([]byte, error) {
	ref := s.client.Collection(usersCollection).Doc(userID)
	var salt []byte
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			if v, ok := snap.Data()[saltField].([]byte); ok && len(v) > 0 {
				salt = v
				return nil
			}
		}
		salt = common.GenerateRandByteArray(saltSize)
		return tx.Set(ref, map[string]any{saltField: salt}, firestore.MergeAll)
	})
	if err != nil {
		return nil, classify(usersCollection, userID, "user salt", err)
	}
	return salt, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Close()
}

// classify maps gRPC status codes onto the remote error taxonomy.
func classify(c models.Collection, id, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return remote.Unavailable("firestorestore: "+op, err)
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Internal:
		return remote.Unavailable("firestorestore: "+op, err)
	case codes.FailedPrecondition:
		url := consoleLinkRe.FindString(st.Message())
		if url == "" {
			url = indexHelpURL
		}
		return &remote.IndexError{Collection: c, Message: st.Message(), RemediationURL: url}
	default:
		return &remote.RejectedError{Collection: c, ID: id, Reason: op + ": " + st.Message()}
	}
}
