package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	// takes the row over only when the previous holder's lease ran out
	sqlAcquireLease = `INSERT INTO leases(key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.expires_at < ?`
	sqlReleaseLease = `DELETE FROM leases WHERE key = ? AND owner = ?`
)

// Lease is a time-bounded claim on a named resource shared by every process
// using the same database.
type Lease struct {
	db      *DB
	Key     string
	Owner   string
	Expires time.Time
}

// AcquireLease claims key for ttl. Not getting the lease is a normal
// outcome and is reported as (nil, false, nil).
func (db *DB) AcquireLease(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	now := time.Now()
	lease := &Lease{db: db, Key: key, Owner: uuid.New().String(), Expires: now.Add(ttl)}

	var acquired bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAcquireLease, key, lease.Owner, lease.Expires.UnixNano(), now.UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		acquired = n == 1
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return lease, true, nil
}

// Release gives the lease up unless it already expired and was taken over.
func (l *Lease) Release(ctx context.Context) error {
	return l.db.exec(ctx, sqlReleaseLease, l.Key, l.Owner)
}
