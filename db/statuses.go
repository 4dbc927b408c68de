package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/mammut/domain"
)

const statusColumns = `id, uri, url, account_id, text, spoiler_text, sensitive, visibility, reblog_of_id, reply,
	in_reply_to_id, in_reply_to_account_id, conversation_id, local, created_at`

const (
	sqlInsertStatus = `INSERT INTO statuses(id, uri, url, account_id, text, spoiler_text, sensitive, visibility,
		reblog_of_id, reply, in_reply_to_id, in_reply_to_account_id, conversation_id, local, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlInsertMention          = `INSERT OR IGNORE INTO mentions(status_id, account_id) VALUES (?, ?)`
	sqlInsertTag              = `INSERT OR IGNORE INTO status_tags(status_id, name) VALUES (?, ?)`
	sqlSelectStatusById       = `SELECT ` + statusColumns + ` FROM statuses WHERE id = ?`
	sqlSelectStatusByURI      = `SELECT ` + statusColumns + ` FROM statuses WHERE uri = ?`
	sqlSelectStatusesByIds    = `SELECT ` + statusColumns + ` FROM statuses WHERE id IN (%s) ORDER BY id DESC`
	sqlSelectStatusesByAcct   = `SELECT ` + statusColumns + ` FROM statuses WHERE account_id = ? ORDER BY id DESC LIMIT ?`
	sqlSelectPublicByAcct     = `SELECT ` + statusColumns + ` FROM statuses WHERE account_id = ? AND visibility = 'public' AND reblog_of_id = 0 ORDER BY id DESC LIMIT ?`
	sqlSelectReblogsOf        = `SELECT ` + statusColumns + ` FROM statuses WHERE reblog_of_id IN (%s) ORDER BY id DESC`
	sqlSelectReblogByAccount  = `SELECT ` + statusColumns + ` FROM statuses WHERE account_id = ? AND reblog_of_id = ?`
	sqlSelectStatusExists     = `SELECT 1 FROM statuses WHERE id = ?`
	sqlSelectMentionsByStatus = `SELECT status_id, account_id FROM mentions WHERE status_id IN (%s)`
	sqlSelectTagsByStatus     = `SELECT status_id, name FROM status_tags WHERE status_id IN (%s) ORDER BY name`
	sqlDeleteStatuses         = `DELETE FROM statuses WHERE id IN (%s)`
	sqlDeleteMentions         = `DELETE FROM mentions WHERE status_id IN (%s)`
	sqlDeleteTags             = `DELETE FROM status_tags WHERE status_id IN (%s)`

	// own statuses and those of accepted followees, newest first
	sqlSelectHomeCandidates = `SELECT ` + statusColumns + ` FROM statuses
		WHERE visibility != 'direct'
		AND (account_id = ? OR account_id IN (SELECT target_account_id FROM follows WHERE account_id = ? AND accepted = 1))
		ORDER BY id DESC LIMIT ?`
)

func scanStatus(row rowScanner) (*domain.Status, error) {
	var s domain.Status
	var visibility string
	err := row.Scan(&s.Id, &s.URI, &s.URL, &s.AccountId, &s.Text, &s.SpoilerText, &s.Sensitive, &visibility,
		&s.ReblogOfId, &s.Reply, &s.InReplyToId, &s.InReplyToAccountId, &s.ConversationId, &s.Local, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Visibility = domain.Visibility(visibility)
	return &s, nil
}

// CreateStatus stores s with its mentions and tags. A zero Id is replaced by
// a fresh time-ordered one.
func (db *DB) CreateStatus(ctx context.Context, s *domain.Status) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Id == 0 {
		s.Id = domain.NewStatusId(s.CreatedAt)
	}
	if s.Visibility == "" {
		s.Visibility = domain.VisibilityPublic
	}
	if s.InReplyToId != 0 {
		s.Reply = true
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertStatus, s.Id, s.URI, s.URL, s.AccountId, s.Text, s.SpoilerText,
			boolToInt(s.Sensitive), string(s.Visibility), s.ReblogOfId, boolToInt(s.Reply), s.InReplyToId,
			s.InReplyToAccountId, s.ConversationId, boolToInt(s.Local), s.CreatedAt)
		if err != nil {
			return err
		}
		for _, accountId := range s.Mentions {
			if _, err := tx.ExecContext(ctx, sqlInsertMention, s.Id, accountId); err != nil {
				return err
			}
		}
		for _, tag := range s.Tags {
			if _, err := tx.ExecContext(ctx, sqlInsertTag, s.Id, strings.ToLower(tag)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadStatusById returns the status with its author, mentions, tags and (for
// reblogs) the original attached.
func (db *DB) ReadStatusById(ctx context.Context, id int64) (*domain.Status, error) {
	s, err := scanStatus(db.db.QueryRowContext(ctx, sqlSelectStatusById, id))
	if err != nil {
		return nil, err
	}
	if err := db.hydrate(ctx, []*domain.Status{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (db *DB) ReadStatusByURI(ctx context.Context, uri string) (*domain.Status, error) {
	s, err := scanStatus(db.db.QueryRowContext(ctx, sqlSelectStatusByURI, uri))
	if err != nil {
		return nil, err
	}
	if err := db.hydrate(ctx, []*domain.Status{s}); err != nil {
		return nil, err
	}
	return s, nil
}

// ReadStatusesByIds returns the existing statuses among ids, newest first.
func (db *DB) ReadStatusesByIds(ctx context.Context, ids []int64) ([]*domain.Status, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(ids)
	return db.queryStatuses(ctx, fmt.Sprintf(sqlSelectStatusesByIds, placeholders), args...)
}

func (db *DB) ReadStatusesByAccount(ctx context.Context, accountId int64, limit int) ([]*domain.Status, error) {
	return db.queryStatuses(ctx, sqlSelectStatusesByAcct, accountId, limit)
}

// ReadPublicStatusesByAccount skips reblogs and anything not public.
func (db *DB) ReadPublicStatusesByAccount(ctx context.Context, accountId int64, limit int) ([]*domain.Status, error) {
	return db.queryStatuses(ctx, sqlSelectPublicByAcct, accountId, limit)
}

// ReadReblogsOf returns every reblog of any of the given originals.
func (db *DB) ReadReblogsOf(ctx context.Context, ids []int64) ([]*domain.Status, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(ids)
	return db.queryStatuses(ctx, fmt.Sprintf(sqlSelectReblogsOf, placeholders), args...)
}

func (db *DB) ReadReblogByAccount(ctx context.Context, accountId, originalId int64) (*domain.Status, error) {
	statuses, err := db.queryStatuses(ctx, sqlSelectReblogByAccount, accountId, originalId)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, ErrNotFound
	}
	return statuses[0], nil
}

// HomeTimelineCandidates returns the newest non-direct statuses written by
// the account or anyone it follows.
func (db *DB) HomeTimelineCandidates(ctx context.Context, accountId int64, limit int) ([]*domain.Status, error) {
	return db.queryStatuses(ctx, sqlSelectHomeCandidates, accountId, accountId, limit)
}

func (db *DB) StatusExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := db.db.QueryRowContext(ctx, sqlSelectStatusExists, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// DeleteStatuses removes the statuses with their mentions and tags.
func (db *DB) DeleteStatuses(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inClause(ids)
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, tmpl := range []string{sqlDeleteMentions, sqlDeleteTags, sqlDeleteStatuses} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(tmpl, placeholders), args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) queryStatuses(ctx context.Context, query string, args ...any) ([]*domain.Status, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var statuses []*domain.Status
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		statuses = append(statuses, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.hydrate(ctx, statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// hydrate attaches authors, mentions, tags and reblogged originals.
func (db *DB) hydrate(ctx context.Context, statuses []*domain.Status) error {
	if len(statuses) == 0 {
		return nil
	}

	var reblogIds []int64
	for _, s := range statuses {
		if s.ReblogOfId != 0 {
			reblogIds = append(reblogIds, s.ReblogOfId)
		}
	}

	originals := make(map[int64]*domain.Status)
	if len(reblogIds) > 0 {
		placeholders, args := inClause(reblogIds)
		rows, err := db.db.QueryContext(ctx, fmt.Sprintf(sqlSelectStatusesByIds, placeholders), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			s, err := scanStatus(rows)
			if err != nil {
				rows.Close()
				return err
			}
			originals[s.Id] = s
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}

	all := append([]*domain.Status{}, statuses...)
	attached := make(map[int64]bool, len(originals))
	for _, s := range statuses {
		if original, ok := originals[s.ReblogOfId]; ok {
			s.Reblog = original
			if !attached[original.Id] {
				attached[original.Id] = true
				all = append(all, original)
			}
		}
	}

	accountIds := make([]int64, 0, len(all))
	statusIds := make([]int64, 0, len(all))
	byId := make(map[int64][]*domain.Status, len(all))
	for _, s := range all {
		accountIds = append(accountIds, s.AccountId)
		if _, seen := byId[s.Id]; !seen {
			statusIds = append(statusIds, s.Id)
		}
		byId[s.Id] = append(byId[s.Id], s)
	}

	accounts, err := db.ReadAccountsByIds(ctx, accountIds)
	if err != nil {
		return err
	}
	for _, s := range all {
		s.Account = accounts[s.AccountId]
	}

	placeholders, args := inClause(statusIds)
	rows, err := db.db.QueryContext(ctx, fmt.Sprintf(sqlSelectMentionsByStatus, placeholders), args...)
	if err != nil {
		return err
	}
	for rows.Next() {
		var statusId, accountId int64
		if err := rows.Scan(&statusId, &accountId); err != nil {
			rows.Close()
			return err
		}
		for _, s := range byId[statusId] {
			s.Mentions = append(s.Mentions, accountId)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = db.db.QueryContext(ctx, fmt.Sprintf(sqlSelectTagsByStatus, placeholders), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var statusId int64
		var name string
		if err := rows.Scan(&statusId, &name); err != nil {
			return err
		}
		for _, s := range byId[statusId] {
			s.Tags = append(s.Tags, name)
		}
	}
	return rows.Err()
}
