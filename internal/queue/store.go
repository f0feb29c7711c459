package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	original_index INTEGER PRIMARY KEY,
	status         TEXT    NOT NULL DEFAULT 'pending',
	leased_by      TEXT,
	leased_at      INTEGER,
	completed_by   TEXT,
	completed_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status);
`

// Store persists queue items in SQLite. All mutations run inside a
// transaction so concurrent handlers observe each lease transition
// atomically.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the queue database at path and
// applies the schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// The driver is in-process; a single connection avoids SQLITE_BUSY
	// on concurrent writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply queue schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Populate inserts a queue row for every index in [0, total) that does not
// already have one. Fresh rows start completed when completedSeed says the
// record is already reviewed, pending otherwise. Existing rows, including
// live leases, are untouched. Rows beyond the snapshot length are pruned.
// Returns the number of rows inserted.
func (s *Store) Populate(ctx context.Context, total int, completedSeed map[int]bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	existing := make(map[int]bool, total)
	rows, err := tx.QueryContext(ctx, `SELECT original_index FROM queue_items`)
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return 0, err
		}
		existing[idx] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	inserted := 0
	for i := 0; i < total; i++ {
		if existing[i] {
			continue
		}
		status := StatusPending
		var completedAt sql.NullInt64
		if completedSeed[i] {
			status = StatusCompleted
			completedAt = sql.NullInt64{Int64: time.Now().UnixNano(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_items (original_index, status, completed_at) VALUES (?, ?, ?)`,
			i, status, completedAt); err != nil {
			return 0, err
		}
		inserted++
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE original_index >= ?`, total); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ReleaseExpired returns every lease taken out strictly before cutoff to
// the pending state. A lease taken exactly at the cutoff survives.
func (s *Store) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		    SET status = ?, leased_by = NULL, leased_at = NULL
		  WHERE status = ? AND leased_at < ?`,
		StatusPending, StatusLeased, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AcquireNext leases the lowest-indexed pending item to reviewer. If the
// reviewer already holds a lease, that item is returned unchanged instead
// of granting a second one. Returns ErrExhausted when nothing is pending.
func (s *Store) AcquireNext(ctx context.Context, reviewer string, now time.Time) (Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, err
	}
	defer tx.Rollback()

	if item, ok, err := s.leaseHeldBy(ctx, tx, reviewer); err != nil {
		return Item{}, err
	} else if ok {
		return item, tx.Commit()
	}

	var idx int
	err = tx.QueryRowContext(ctx,
		`SELECT original_index FROM queue_items WHERE status = ? ORDER BY original_index LIMIT 1`,
		StatusPending).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		var st Stats
		if st, err = statsTx(ctx, tx); err != nil {
			return Item{}, err
		}
		return Item{}, &ErrExhausted{Completed: st.Completed, Total: st.Total}
	}
	if err != nil {
		return Item{}, err
	}

	item, err := s.leaseTx(ctx, tx, idx, reviewer, now)
	if err != nil {
		return Item{}, err
	}
	return item, tx.Commit()
}

// AcquireSpecific leases the item at index to reviewer, releasing any other
// lease the reviewer holds so one reviewer never holds two items. Items
// leased by someone else are returned as a read-only assignment; pending,
// completed and self-leased items are (re)leased with a fresh lease
// timestamp.
func (s *Store) AcquireSpecific(ctx context.Context, index int, reviewer string, now time.Time) (Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Assignment{}, err
	}
	defer tx.Rollback()

	item, err := getTx(ctx, tx, index)
	if err != nil {
		return Assignment{}, err
	}

	if item.Status == StatusLeased && item.LeasedBy != reviewer {
		return Assignment{Item: item, ReadOnly: true}, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_items
		    SET status = ?, leased_by = NULL, leased_at = NULL
		  WHERE status = ? AND leased_by = ? AND original_index != ?`,
		StatusPending, StatusLeased, reviewer, index); err != nil {
		return Assignment{}, err
	}

	leased, err := s.leaseTx(ctx, tx, index, reviewer, now)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{Item: leased}, tx.Commit()
}

func (s *Store) leaseTx(ctx context.Context, tx *sql.Tx, index int, reviewer string, now time.Time) (Item, error) {
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, leased_by = ?, leased_at = ? WHERE original_index = ?`,
		StatusLeased, reviewer, now.UnixNano(), index); err != nil {
		return Item{}, err
	}
	return getTx(ctx, tx, index)
}

func (s *Store) leaseHeldBy(ctx context.Context, tx *sql.Tx, reviewer string) (Item, bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT original_index, status, leased_by, leased_at, completed_by, completed_at
		   FROM queue_items WHERE status = ? AND leased_by = ? ORDER BY original_index LIMIT 1`,
		StatusLeased, reviewer)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return item, true, nil
}

// Complete marks the item completed by reviewer. The reviewer must hold a
// live lease on the item; anything else yields ErrLeaseConflict.
func (s *Store) Complete(ctx context.Context, index int, reviewer string, now time.Time) (Item, error) {
	return s.complete(ctx, index, reviewer, now, false)
}

// ForceComplete marks the item completed regardless of who holds the lease,
// but refuses items that are already completed. Used after an expired lease
// is overwritten by its original holder.
func (s *Store) ForceComplete(ctx context.Context, index int, reviewer string, now time.Time) (Item, error) {
	return s.complete(ctx, index, reviewer, now, true)
}

func (s *Store) complete(ctx context.Context, index int, reviewer string, now time.Time, force bool) (Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, err
	}
	defer tx.Rollback()

	item, err := getTx(ctx, tx, index)
	if err != nil {
		return Item{}, err
	}
	if !force && (item.Status != StatusLeased || item.LeasedBy != reviewer) {
		return Item{}, fmt.Errorf("completing item %d: %w", index, ErrLeaseConflict)
	}
	if force && item.Status == StatusCompleted {
		// Takeover never overrides a finished review.
		return Item{}, fmt.Errorf("completing item %d: %w", index, ErrLeaseConflict)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_items
		    SET status = ?, leased_by = NULL, leased_at = NULL, completed_by = ?, completed_at = ?
		  WHERE original_index = ?`,
		StatusCompleted, reviewer, now.UnixNano(), index); err != nil {
		return Item{}, err
	}

	item, err = getTx(ctx, tx, index)
	if err != nil {
		return Item{}, err
	}
	return item, tx.Commit()
}

// Reopen returns a completed item to the pending state, clearing its
// completion record. Used when a reviewer unchecks a previously confirmed
// record.
func (s *Store) Reopen(ctx context.Context, index int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		    SET status = ?, completed_by = NULL, completed_at = NULL
		  WHERE original_index = ? AND status = ?`,
		StatusPending, index, StatusCompleted)
	return err
}

// Release returns the reviewer's lease on index to pending. Releasing an
// item the reviewer does not hold is a no-op.
func (s *Store) Release(ctx context.Context, index int, reviewer string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		    SET status = ?, leased_by = NULL, leased_at = NULL
		  WHERE original_index = ? AND status = ? AND leased_by = ?`,
		StatusPending, index, StatusLeased, reviewer)
	return err
}

// Get returns the queue row at index.
func (s *Store) Get(ctx context.Context, index int) (Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT original_index, status, leased_by, leased_at, completed_by, completed_at
		   FROM queue_items WHERE original_index = ?`, index)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("queue item %d: %w", index, ErrNotFound)
	}
	return item, err
}

// ActiveLease returns the item currently leased by reviewer, if any.
func (s *Store) ActiveLease(ctx context.Context, reviewer string) (Item, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT original_index, status, leased_by, leased_at, completed_by, completed_at
		   FROM queue_items WHERE status = ? AND leased_by = ? ORDER BY original_index LIMIT 1`,
		StatusLeased, reviewer)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return item, true, nil
}

// Stats returns current per-status counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, err
	}
	defer tx.Rollback()
	st, err := statsTx(ctx, tx)
	if err != nil {
		return Stats{}, err
	}
	return st, tx.Commit()
}

func statsTx(ctx context.Context, tx *sql.Tx) (Stats, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.Total += n
		switch status {
		case StatusPending:
			st.Pending = n
		case StatusLeased:
			st.Leased = n
		case StatusCompleted:
			st.Completed = n
		}
	}
	return st, rows.Err()
}

// History returns completed items, most recent first, up to limit.
func (s *Store) History(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT original_index, status, leased_by, leased_at, completed_by, completed_at
		   FROM queue_items WHERE status = ? ORDER BY completed_at DESC LIMIT ?`,
		StatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func getTx(ctx context.Context, tx *sql.Tx, index int) (Item, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT original_index, status, leased_by, leased_at, completed_by, completed_at
		   FROM queue_items WHERE original_index = ?`, index)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("queue item %d: %w", index, ErrNotFound)
	}
	return item, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item        Item
		leasedBy    sql.NullString
		leasedAt    sql.NullInt64
		completedBy sql.NullString
		completedAt sql.NullInt64
	)
	if err := row.Scan(&item.OriginalIndex, &item.Status, &leasedBy, &leasedAt, &completedBy, &completedAt); err != nil {
		return Item{}, err
	}
	if leasedBy.Valid {
		item.LeasedBy = leasedBy.String
	}
	if leasedAt.Valid {
		t := time.Unix(0, leasedAt.Int64)
		item.LeasedAt = &t
	}
	if completedBy.Valid {
		item.CompletedBy = completedBy.String
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		item.CompletedAt = &t
	}
	return item, nil
}
