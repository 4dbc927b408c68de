package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/mammut/domain"
)

const accountColumns = `id, username, domain, uri, url, display_name, note, protocol, inbox_uri, outbox_uri,
	shared_inbox_uri, followers_uri, public_key, private_key, suspended, silenced, locked,
	last_webfingered_at, created_at, updated_at`

const (
	sqlInsertAccount = `INSERT INTO accounts(username, domain, uri, url, display_name, note, protocol, inbox_uri,
		outbox_uri, shared_inbox_uri, followers_uri, public_key, private_key, suspended, silenced, locked,
		last_webfingered_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateAccount = `UPDATE accounts SET uri = ?, url = ?, display_name = ?, note = ?, protocol = ?, inbox_uri = ?,
		outbox_uri = ?, shared_inbox_uri = ?, followers_uri = ?, public_key = ?, suspended = ?, silenced = ?,
		locked = ?, last_webfingered_at = ?, updated_at = ? WHERE id = ?`
	sqlSelectAccountById       = `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	sqlSelectAccountByHandle   = `SELECT ` + accountColumns + ` FROM accounts WHERE username = ? AND domain = ?`
	sqlSelectAccountByURI      = `SELECT ` + accountColumns + ` FROM accounts WHERE uri = ? LIMIT 1`
	sqlSelectAccountsByDomain  = `SELECT ` + accountColumns + ` FROM accounts WHERE domain = ?`
	sqlResetWebfingerByDomain  = `UPDATE accounts SET last_webfingered_at = NULL WHERE domain = ?`
	sqlSuspendAccount          = `UPDATE accounts SET suspended = 1, updated_at = ? WHERE id = ?`
	sqlSelectAccountsByIdsTmpl = `SELECT ` + accountColumns + ` FROM accounts WHERE id IN (%s)`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var protocol string
	var webfingered sql.NullTime
	err := row.Scan(&acc.Id, &acc.Username, &acc.Domain, &acc.URI, &acc.URL, &acc.DisplayName, &acc.Note,
		&protocol, &acc.InboxURI, &acc.OutboxURI, &acc.SharedInboxURI, &acc.FollowersURI, &acc.PublicKey,
		&acc.PrivateKey, &acc.Suspended, &acc.Silenced, &acc.Locked, &webfingered, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Protocol = domain.Protocol(protocol)
	if webfingered.Valid {
		acc.LastWebfingeredAt = webfingered.Time
	}
	return &acc, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// CreateAccount inserts acc and sets its Id. A concurrent insert of the same
// (username, domain) surfaces as a unique violation, see IsUniqueViolation.
func (db *DB) CreateAccount(ctx context.Context, acc *domain.Account) error {
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	if acc.Protocol == "" {
		acc.Protocol = domain.ProtocolActivityPub
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertAccount, acc.Username, acc.Domain, acc.URI, acc.URL, acc.DisplayName,
			acc.Note, string(acc.Protocol), acc.InboxURI, acc.OutboxURI, acc.SharedInboxURI, acc.FollowersURI,
			acc.PublicKey, acc.PrivateKey, boolToInt(acc.Suspended), boolToInt(acc.Silenced), boolToInt(acc.Locked),
			nullTime(acc.LastWebfingeredAt), acc.CreatedAt, acc.UpdatedAt)
		if err != nil {
			return err
		}
		acc.Id, err = res.LastInsertId()
		return err
	})
}

// UpdateAccount writes every mutable column of acc. Username, domain and the
// private key never change.
func (db *DB) UpdateAccount(ctx context.Context, acc *domain.Account) error {
	acc.UpdatedAt = time.Now().UTC()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateAccount, acc.URI, acc.URL, acc.DisplayName, acc.Note,
			string(acc.Protocol), acc.InboxURI, acc.OutboxURI, acc.SharedInboxURI, acc.FollowersURI, acc.PublicKey,
			boolToInt(acc.Suspended), boolToInt(acc.Silenced), boolToInt(acc.Locked),
			nullTime(acc.LastWebfingeredAt), acc.UpdatedAt, acc.Id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) ReadAccountById(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountById, id))
}

// ReadAccountByHandle looks an account up by username and domain; the local
// domain is the empty string.
func (db *DB) ReadAccountByHandle(ctx context.Context, username, domainName string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByHandle, username, domainName))
}

func (db *DB) ReadLocalAccount(ctx context.Context, username string) (*domain.Account, error) {
	return db.ReadAccountByHandle(ctx, username, "")
}

func (db *DB) ReadAccountByURI(ctx context.Context, uri string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByURI, uri))
}

func (db *DB) ReadAccountsByIds(ctx context.Context, ids []int64) (map[int64]*domain.Account, error) {
	accounts := make(map[int64]*domain.Account, len(ids))
	if len(ids) == 0 {
		return accounts, nil
	}
	placeholders, args := inClause(ids)
	rows, err := db.db.QueryContext(ctx, fmt.Sprintf(sqlSelectAccountsByIdsTmpl, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts[acc.Id] = acc
	}
	return accounts, rows.Err()
}

func (db *DB) ReadAccountsByDomain(ctx context.Context, domainName string) ([]*domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAccountsByDomain, domainName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// ResetWebfingerByDomain marks every account of a domain as stale so the
// next lookup re-runs discovery.
func (db *DB) ResetWebfingerByDomain(ctx context.Context, domainName string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlResetWebfingerByDomain, domainName)
		return err
	})
}

func (db *DB) SuspendAccount(ctx context.Context, id int64) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlSuspendAccount, time.Now().UTC(), id)
		return err
	})
}
