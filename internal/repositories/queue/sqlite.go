package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/dbx"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

const entryColumns = `seq, id, op, collection, record_id, owner_id, payload, enqueued_at, state, attempts, next_attempt_at, last_error, sent`

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append stores e and returns its sequence number.
func (r *SQLiteRepository) Append(ctx context.Context, e *models.QueueEntry) (int64, error) {
	return insert(ctx, r.db, e)
}

// AppendDelete enqueues a delete. When mayCollapse is set and the record's
// queued create has never been sent to the remote, the record's queued
// entries are removed instead and nothing is appended. Any entry of the
// record that was already sent prevents the collapse, since the remote may
// hold the document.
func (r *SQLiteRepository) AppendDelete(ctx context.Context, e *models.QueueEntry, mayCollapse bool) (collapsed bool, err error) {
	err = dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if mayCollapse {
			var creates, sent int
			err := tx.QueryRowContext(ctx, `
				SELECT
					COALESCE(SUM(CASE WHEN op = ? THEN 1 ELSE 0 END), 0),
					COALESCE(SUM(sent), 0)
				FROM sync_queue
				WHERE owner_id = ? AND collection = ? AND record_id = ?`,
				models.OpCreate, e.OwnerID, e.Collection, e.RecordID,
			).Scan(&creates, &sent)
			if err != nil {
				return fmt.Errorf("failed to inspect queued entries: %w", err)
			}

			if creates > 0 && sent == 0 {
				_, err := tx.ExecContext(ctx,
					`DELETE FROM sync_queue WHERE owner_id = ? AND collection = ? AND record_id = ?`,
					e.OwnerID, e.Collection, e.RecordID)
				if err != nil {
					return fmt.Errorf("failed to collapse queued entries: %w", err)
				}
				collapsed = true
				return nil
			}
		}

		_, err := insert(ctx, tx, e)
		return err
	})
	return collapsed, err
}

func insert(ctx context.Context, db dbx.DBTX, e *models.QueueEntry) (int64, error) {
	var payload []byte
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = b
	}
	if e.State == "" {
		e.State = models.StatePending
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, op, collection, record_id, owner_id, payload, enqueued_at, state, attempts, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Op, e.Collection, e.RecordID, e.OwnerID, payload,
		e.EnqueuedAt.UnixNano(), e.State, e.Attempts, unixNano(e.NextAttemptAt), e.LastError,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append queue entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue seq: %w", err)
	}
	e.Seq = seq
	return seq, nil
}

// Pending returns up to limit entries of owner in sequence order. Applied
// entries are deleted, so every returned entry still needs delivery.
func (r *SQLiteRepository) Pending(ctx context.Context, ownerID string, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM sync_queue WHERE owner_id = ? ORDER BY seq LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue rows: %w", err)
	}
	return out, nil
}

// Get returns the entry with seq or common.ErrNotFound.
func (r *SQLiteRepository) Get(ctx context.Context, seq int64) (*models.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE seq = ?`, seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*models.QueueEntry, error) {
	var (
		e                  models.QueueEntry
		payload            []byte
		enqueued, nextTime int64
		sent               int
	)
	err := s.Scan(&e.Seq, &e.ID, &e.Op, &e.Collection, &e.RecordID, &e.OwnerID, &payload,
		&enqueued, &e.State, &e.Attempts, &nextTime, &e.LastError, &sent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan queue row: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of entry %d: %w", e.Seq, err)
		}
	}
	e.Sent = sent != 0
	e.EnqueuedAt = time.Unix(0, enqueued)
	if nextTime > 0 {
		e.NextAttemptAt = time.Unix(0, nextTime)
	}
	return &e, nil
}

// SetState records a delivery attempt outcome for the entry.
func (r *SQLiteRepository) SetState(ctx context.Context, seq int64, state models.EntryState, attempts int, next time.Time, lastErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue SET state = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE seq = ?`, state, attempts, unixNano(next), lastErr, seq)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %d: %w", seq, err)
	}
	return nil
}

// MarkInFlight moves the entry to in-flight and marks it sent. The mark
// survives a return to pending.
func (r *SQLiteRepository) MarkInFlight(ctx context.Context, seq int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET state = ?, sent = 1 WHERE seq = ?`, models.StateInFlight, seq)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d in flight: %w", seq, err)
	}
	return nil
}

// Delete removes an applied entry.
func (r *SQLiteRepository) Delete(ctx context.Context, seq int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry %d: %w", seq, err)
	}
	return nil
}

// Count returns the number of queued entries for owner.
func (r *SQLiteRepository) Count(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// CountState returns the number of owner's entries in state.
func (r *SQLiteRepository) CountState(ctx context.Context, ownerID string, state models.EntryState) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE owner_id = ? AND state = ?`, ownerID, state).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// HasQueued reports whether any entry for the record is still queued.
func (r *SQLiteRepository) HasQueued(ctx context.Context, ownerID string, collection models.Collection, recordID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE owner_id = ? AND collection = ? AND record_id = ?`,
		ownerID, collection, recordID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up queued record: %w", err)
	}
	return n > 0, nil
}

// ResetInFlight returns every in-flight entry to pending.
func (r *SQLiteRepository) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ? WHERE state = ?`, models.StatePending, models.StateInFlight)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	return dbx.RowsAffected(res), nil
}

// DeleteOwner drops every entry of owner.
func (r *SQLiteRepository) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard entries of %s: %w", ownerID, err)
	}
	return dbx.RowsAffected(res), nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
