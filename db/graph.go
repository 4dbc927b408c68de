package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/mammut/domain"
)

// Follow queries
const (
	sqlUpsertFollow = `INSERT INTO follows(account_id, target_account_id, uri, accepted) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, target_account_id) DO UPDATE SET uri = excluded.uri, accepted = excluded.accepted`
	sqlAcceptFollowByURI      = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlAcceptFollow           = `UPDATE follows SET accepted = 1 WHERE account_id = ? AND target_account_id = ?`
	sqlDeleteFollow           = `DELETE FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlSelectFollowByURI      = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlSelectFollows          = `SELECT 1 FROM follows WHERE account_id = ? AND target_account_id = ? AND accepted = 1`
	sqlSelectFollowerAccts    = `SELECT ` + accountColumns + ` FROM accounts WHERE id IN (SELECT account_id FROM follows WHERE target_account_id = ? AND accepted = 1)`
	sqlSelectLocalFollowerIds = `SELECT f.account_id FROM follows f INNER JOIN accounts a ON a.id = f.account_id
		WHERE f.target_account_id = ? AND f.accepted = 1 AND a.domain = ''`
)

// Mute, block and domain block queries
const (
	sqlInsertMute               = `INSERT OR IGNORE INTO mutes(account_id, target_account_id) VALUES (?, ?)`
	sqlDeleteMute               = `DELETE FROM mutes WHERE account_id = ? AND target_account_id = ?`
	sqlSelectMutesAny           = `SELECT 1 FROM mutes WHERE account_id = ? AND target_account_id IN (%s) LIMIT 1`
	sqlInsertBlock              = `INSERT OR REPLACE INTO blocks(account_id, target_account_id, uri) VALUES (?, ?, ?)`
	sqlDeleteBlock              = `DELETE FROM blocks WHERE account_id = ? AND target_account_id = ?`
	sqlSelectBlocksAny          = `SELECT 1 FROM blocks WHERE account_id = ? AND target_account_id IN (%s) LIMIT 1`
	sqlInsertAccountDomainBlock = `INSERT OR IGNORE INTO account_domain_blocks(account_id, domain) VALUES (?, ?)`
	sqlSelectAccountDomainBlock = `SELECT 1 FROM account_domain_blocks WHERE account_id = ? AND domain = ?`
	sqlUpsertDomainBlock        = `INSERT INTO domain_blocks(domain, severity) VALUES (?, ?)
		ON CONFLICT(domain) DO UPDATE SET severity = excluded.severity`
	sqlSelectDomainBlock = `SELECT domain, severity FROM domain_blocks WHERE domain = ?`
)

// List queries
const (
	sqlInsertList            = `INSERT INTO lists(account_id, title) VALUES (?, ?)`
	sqlInsertListAccount     = `INSERT OR IGNORE INTO list_accounts(list_id, account_id) VALUES (?, ?)`
	sqlSelectListsContaining = `SELECT l.id, l.account_id, l.title FROM lists l
		INNER JOIN list_accounts la ON la.list_id = l.id WHERE la.account_id = ?`
)

// CreateFollow records follow, replacing an existing edge between the same
// pair. Follow.Id is set on insert.
func (db *DB) CreateFollow(ctx context.Context, follow *domain.Follow) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpsertFollow, follow.AccountId, follow.TargetAccountId, follow.URI, boolToInt(follow.Accepted))
		if err != nil {
			return err
		}
		follow.Id, _ = res.LastInsertId()
		return nil
	})
}

func (db *DB) AcceptFollowByURI(ctx context.Context, uri string) error {
	return db.execAffecting(ctx, sqlAcceptFollowByURI, uri)
}

func (db *DB) AcceptFollow(ctx context.Context, accountId, targetAccountId int64) error {
	return db.execAffecting(ctx, sqlAcceptFollow, accountId, targetAccountId)
}

func (db *DB) DeleteFollow(ctx context.Context, accountId, targetAccountId int64) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFollow, accountId, targetAccountId)
		return err
	})
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	var follow domain.Follow
	err := db.db.QueryRowContext(ctx, sqlSelectFollowByURI, uri).Scan(&follow.Id, &follow.AccountId,
		&follow.TargetAccountId, &follow.URI, &follow.Accepted, &follow.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &follow, nil
}

// Follows reports whether accountId has an accepted follow on targetId.
func (db *DB) Follows(ctx context.Context, accountId, targetId int64) (bool, error) {
	return db.exists(ctx, sqlSelectFollows, accountId, targetId)
}

// ReadFollowers returns every account with an accepted follow on targetId.
func (db *DB) ReadFollowers(ctx context.Context, targetId int64) ([]*domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerAccts, targetId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		followers = append(followers, acc)
	}
	return followers, rows.Err()
}

func (db *DB) ReadLocalFollowerIds(ctx context.Context, targetId int64) ([]int64, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalFollowerIds, targetId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) CreateMute(ctx context.Context, accountId, targetId int64) error {
	return db.exec(ctx, sqlInsertMute, accountId, targetId)
}

func (db *DB) DeleteMute(ctx context.Context, accountId, targetId int64) error {
	return db.exec(ctx, sqlDeleteMute, accountId, targetId)
}

// MutesAny reports whether accountId mutes at least one of targetIds.
func (db *DB) MutesAny(ctx context.Context, accountId int64, targetIds []int64) (bool, error) {
	if len(targetIds) == 0 {
		return false, nil
	}
	placeholders, args := inClause(targetIds)
	return db.exists(ctx, fmt.Sprintf(sqlSelectMutesAny, placeholders), append([]any{accountId}, args...)...)
}

func (db *DB) CreateBlock(ctx context.Context, block *domain.Block) error {
	return db.exec(ctx, sqlInsertBlock, block.AccountId, block.TargetAccountId, block.URI)
}

func (db *DB) DeleteBlock(ctx context.Context, accountId, targetId int64) error {
	return db.exec(ctx, sqlDeleteBlock, accountId, targetId)
}

// BlocksAny reports whether accountId blocks at least one of targetIds.
func (db *DB) BlocksAny(ctx context.Context, accountId int64, targetIds []int64) (bool, error) {
	if len(targetIds) == 0 {
		return false, nil
	}
	placeholders, args := inClause(targetIds)
	return db.exists(ctx, fmt.Sprintf(sqlSelectBlocksAny, placeholders), append([]any{accountId}, args...)...)
}

func (db *DB) CreateAccountDomainBlock(ctx context.Context, accountId int64, domainName string) error {
	return db.exec(ctx, sqlInsertAccountDomainBlock, accountId, strings.ToLower(domainName))
}

// DomainBlocked reports whether accountId hid domainName for itself.
func (db *DB) DomainBlocked(ctx context.Context, accountId int64, domainName string) (bool, error) {
	if domainName == "" {
		return false, nil
	}
	return db.exists(ctx, sqlSelectAccountDomainBlock, accountId, domainName)
}

func (db *DB) UpsertDomainBlock(ctx context.Context, block *domain.DomainBlock) error {
	return db.exec(ctx, sqlUpsertDomainBlock, strings.ToLower(block.Domain), string(block.Severity))
}

func (db *DB) ReadDomainBlock(ctx context.Context, domainName string) (*domain.DomainBlock, error) {
	var block domain.DomainBlock
	var severity string
	err := db.db.QueryRowContext(ctx, sqlSelectDomainBlock, domainName).Scan(&block.Domain, &severity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	block.Severity = domain.DomainBlockSeverity(severity)
	return &block, nil
}

func (db *DB) CreateList(ctx context.Context, list *domain.List) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertList, list.AccountId, list.Title)
		if err != nil {
			return err
		}
		list.Id, err = res.LastInsertId()
		return err
	})
}

func (db *DB) AddListAccount(ctx context.Context, listId, accountId int64) error {
	return db.exec(ctx, sqlInsertListAccount, listId, accountId)
}

// ReadListsContaining returns every list that includes accountId.
func (db *DB) ReadListsContaining(ctx context.Context, accountId int64) ([]domain.List, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectListsContaining, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []domain.List
	for rows.Next() {
		var list domain.List
		if err := rows.Scan(&list.Id, &list.AccountId, &list.Title); err != nil {
			return nil, err
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

func (db *DB) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := db.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *DB) exec(ctx context.Context, query string, args ...any) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

// execAffecting is exec that returns ErrNotFound when no row changed.
func (db *DB) execAffecting(ctx context.Context, query string, args ...any) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
