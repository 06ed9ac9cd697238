// Package pgstore is a remote.DocumentStore on PostgreSQL. Documents live in
// one JSONB table keyed by (collection, id); merges use the jsonb || operator
// and a trigger publishes every change on a LISTEN/NOTIFY channel.
package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/dbx"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
	"github.com/dmitrijs2005/fishkeeper/internal/remote/pgstore/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const notifyChannel = "fishkeeper_documents"

const saltSize = 16

type Store struct {
	db  *sql.DB
	dsn string
}

var _ remote.DocumentStore = (*Store)(nil)

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// pgxConnect opens the dedicated connection Listen waits on.
var pgxConnect = pgx.Connect

// RunMigrations applies the embedded schema.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, remote.Unavailable("pgstore: ping", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate postgres: %w", err)
	}
	return New(db, dsn), nil
}

// New wraps an open database. dsn is only needed by Listen.
func New(db *sql.DB, dsn string) *Store {
	return &Store{db: db, dsn: dsn}
}

// encodeDoc drops the fields the table keeps in columns.
func encodeDoc(r models.Record) ([]byte, error) {
	body := make(map[string]any, len(r))
	for k, v := range r {
		if k == common.FieldID || k == common.FieldUpdatedAt {
			continue
		}
		body[k] = v
	}
	return json.Marshal(body)
}

func decodeDoc(id string, raw []byte, updated time.Time) (models.Record, error) {
	doc, err := models.DecodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = models.Record{}
	}
	doc[common.FieldID] = id
	doc[common.FieldUpdatedAt] = updated.UTC()
	return doc, nil
}

func (s *Store) Get(ctx context.Context, c models.Collection, id string) (models.Record, error) {
	var (
		raw     []byte
		updated time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		string(c), id).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", c, id, common.ErrNotFound)
	}
	if err != nil {
		return nil, classify(c, id, "get", err)
	}
	return decodeDoc(id, raw, updated)
}

func (s *Store) Upsert(ctx context.Context, c models.Collection, id string, doc models.Record) error {
	body, err := encodeDoc(doc)
	if err != nil {
		return &remote.RejectedError{Collection: c, ID: id, Reason: err.Error()}
	}
	query := `
		INSERT INTO documents (collection, id, owner_id, doc, updated_at)
		VALUES ($1, $2, COALESCE($3::jsonb ->> 'userId', ''), $3::jsonb, now())
		ON CONFLICT (collection, id)
		DO UPDATE SET
			doc = documents.doc || EXCLUDED.doc,
			owner_id = COALESCE(EXCLUDED.doc ->> 'userId', documents.owner_id),
			updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, query, string(c), id, string(body)); err != nil {
		return classify(c, id, "upsert", err)
	}
	return nil
}

const updateQuery = `
	UPDATE documents SET
		doc = doc || $3::jsonb,
		owner_id = COALESCE($3::jsonb ->> 'userId', owner_id),
		updated_at = now()
	WHERE collection = $1 AND id = $2
`

func (s *Store) Update(ctx context.Context, c models.Collection, id string, fields models.Record) error {
	body, err := encodeDoc(fields)
	if err != nil {
		return &remote.RejectedError{Collection: c, ID: id, Reason: err.Error()}
	}
	res, err := s.db.ExecContext(ctx, updateQuery, string(c), id, string(body))
	if err != nil {
		return classify(c, id, "update", err)
	}
	if dbx.RowsAffected(res) == 0 {
		return fmt.Errorf("%s/%s: %w", c, id, common.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, c models.Collection, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, string(c), id); err != nil {
		return classify(c, id, "delete", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q remote.Query) ([]models.Record, error) {
	query := `SELECT id, doc, updated_at FROM documents WHERE collection = $1 AND id > $2`
	args := []any{string(q.Collection), q.After}
	if q.OwnerID != "" {
		args = append(args, q.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(q.Collection, "", "query", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var (
			id      string
			raw     []byte
			updated time.Time
		)
		if err := rows.Scan(&id, &raw, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeDoc(id, raw, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(q.Collection, "", "query", err)
	}
	return out, nil
}

// BulkUpdate applies all updates in one transaction. Missing documents are
// skipped.
func (s *Store) BulkUpdate(ctx context.Context, c models.Collection, updates []remote.FieldUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, u := range updates {
			body, err := encodeDoc(u.Fields)
			if err != nil {
				return &remote.RejectedError{Collection: c, ID: u.ID, Reason: err.Error()}
			}
			if _, err := tx.ExecContext(ctx, updateQuery, string(c), u.ID, string(body)); err != nil {
				return err
			}
		}
		return nil
	})
	var rej *remote.RejectedError
	if errors.As(err, &rej) {
		return err
	}
	return classify(c, "", "bulk update", err)
}

type notification struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Owner      string `json:"owner"`
}

// Listen holds a dedicated connection on the notify channel until ctx is
// done. Upserted documents are re-read so listeners get the merged state.
func (s *Store) Listen(ctx context.Context, c models.Collection, ownerID string, fn func(remote.Change)) error {
	conn, err := pgxConnect(ctx, s.dsn)
	if err != nil {
		return classify(c, "", "listen", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return classify(c, "", "listen", err)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classify(c, "", "listen", err)
		}
		var ev notification
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			continue
		}
		if ev.Collection != string(c) || (ownerID != "" && ev.Owner != ownerID) {
			continue
		}
		if ch, ok := s.toChange(ctx, c, ev); ok {
			fn(ch)
		}
	}
}

func (s *Store) toChange(ctx context.Context, c models.Collection, ev notification) (remote.Change, bool) {
	if ev.Op == "DELETE" {
		return remote.Change{Type: remote.ChangeRemoved, ID: ev.ID}, true
	}
	doc, err := s.Get(ctx, c, ev.ID)
	if err != nil {
		// deleted again before the read, or the read failed
		return remote.Change{}, false
	}
	return remote.Change{Type: remote.ChangeUpserted, ID: ev.ID, Doc: doc}, true
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return remote.Unavailable("pgstore: ping", err)
	}
	return nil
}

func (s *Store) UserSalt(ctx context.Context, userID string) ([]byte, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_salts (user_id, salt) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, common.GenerateRandByteArray(saltSize)); err != nil {
		return nil, classify("users", userID, "create salt", err)
	}
	var salt []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT salt FROM user_salts WHERE user_id = $1`, userID).Scan(&salt); err != nil {
		return nil, classify("users", userID, "read salt", err)
	}
	return salt, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// classify maps driver errors onto the remote error taxonomy.
func classify(c models.Collection, id, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) {
		return remote.Unavailable("pgstore: "+op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCode(pgErr.Code) {
			return remote.Unavailable("pgstore: "+op, err)
		}
		return &remote.RejectedError{Collection: c, ID: id, Reason: op + ": " + pgErr.Message}
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) {
		return remote.Unavailable("pgstore: "+op, err)
	}
	return &remote.RejectedError{Collection: c, ID: id, Reason: op + ": " + err.Error()}
}

// transientCode reports SQLSTATEs worth retrying: connection exceptions,
// serialization failures, deadlocks and server shutdown.
func transientCode(code string) bool {
	switch code {
	case "40001", "40P01", "53300", "57P01", "57P02", "57P03":
		return true
	}
	return strings.HasPrefix(code, "08")
}
