package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL COLLATE NOCASE,
		domain TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
		uri TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		protocol TEXT NOT NULL DEFAULT 'activitypub',
		inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		private_key TEXT NOT NULL DEFAULT '',
		suspended INTEGER NOT NULL DEFAULT 0,
		silenced INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		last_webfingered_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_accounts_uri ON accounts(uri);
		CREATE INDEX IF NOT EXISTS idx_accounts_domain ON accounts(domain);
	`

	sqlCreateStatusesTable = `CREATE TABLE IF NOT EXISTS statuses (
		id INTEGER PRIMARY KEY,
		uri TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		account_id INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		spoiler_text TEXT NOT NULL DEFAULT '',
		sensitive INTEGER NOT NULL DEFAULT 0,
		visibility TEXT NOT NULL DEFAULT 'public',
		reblog_of_id INTEGER NOT NULL DEFAULT 0,
		reply INTEGER NOT NULL DEFAULT 0,
		in_reply_to_id INTEGER NOT NULL DEFAULT 0,
		in_reply_to_account_id INTEGER NOT NULL DEFAULT 0,
		conversation_id INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateStatusesIndices = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_statuses_uri ON statuses(uri) WHERE uri != '';
		CREATE INDEX IF NOT EXISTS idx_statuses_account_id ON statuses(account_id, id DESC);
		CREATE INDEX IF NOT EXISTS idx_statuses_reblog_of_id ON statuses(reblog_of_id) WHERE reblog_of_id != 0;
	`

	sqlCreateMentionsTable = `CREATE TABLE IF NOT EXISTS mentions (
		status_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		PRIMARY KEY(status_id, account_id)
	)`

	sqlCreateTagsTable = `CREATE TABLE IF NOT EXISTS status_tags (
		status_id INTEGER NOT NULL,
		name TEXT NOT NULL COLLATE NOCASE,
		PRIMARY KEY(status_id, name)
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		target_account_id INTEGER NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		accepted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateMutesTable = `CREATE TABLE IF NOT EXISTS mutes (
		account_id INTEGER NOT NULL,
		target_account_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(account_id, target_account_id)
	)`

	sqlCreateBlocksTable = `CREATE TABLE IF NOT EXISTS blocks (
		account_id INTEGER NOT NULL,
		target_account_id INTEGER NOT NULL,
		uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(account_id, target_account_id)
	)`

	sqlCreateAccountDomainBlocksTable = `CREATE TABLE IF NOT EXISTS account_domain_blocks (
		account_id INTEGER NOT NULL,
		domain TEXT NOT NULL COLLATE NOCASE,
		PRIMARY KEY(account_id, domain)
	)`

	sqlCreateDomainBlocksTable = `CREATE TABLE IF NOT EXISTS domain_blocks (
		domain TEXT NOT NULL PRIMARY KEY COLLATE NOCASE,
		severity TEXT NOT NULL DEFAULT 'silence'
	)`

	sqlCreateListsTable = `CREATE TABLE IF NOT EXISTS lists (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT ''
	)`

	sqlCreateListAccountsTable = `CREATE TABLE IF NOT EXISTS list_accounts (
		list_id INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		PRIMARY KEY(list_id, account_id)
	)`

	sqlCreateListAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_list_accounts_account_id ON list_accounts(account_id);
	`

	sqlCreateLeasesTable = `CREATE TABLE IF NOT EXISTS leases (
		key TEXT NOT NULL PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`

	// Activities log table (for deduplication & debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	// Delivery queue table
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		account_id INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	tables := []struct {
		name string
		sql  string
	}{
		{"accounts", sqlCreateAccountsTable},
		{"statuses", sqlCreateStatusesTable},
		{"mentions", sqlCreateMentionsTable},
		{"status_tags", sqlCreateTagsTable},
		{"follows", sqlCreateFollowsTable},
		{"mutes", sqlCreateMutesTable},
		{"blocks", sqlCreateBlocksTable},
		{"account_domain_blocks", sqlCreateAccountDomainBlocksTable},
		{"domain_blocks", sqlCreateDomainBlocksTable},
		{"lists", sqlCreateListsTable},
		{"list_accounts", sqlCreateListAccountsTable},
		{"leases", sqlCreateLeasesTable},
		{"activities", sqlCreateActivitiesTable},
		{"delivery_queue", sqlCreateDeliveryQueueTable},
	}
	indices := []struct {
		name string
		sql  string
	}{
		{"accounts", sqlCreateAccountsIndices},
		{"statuses", sqlCreateStatusesIndices},
		{"follows", sqlCreateFollowsIndices},
		{"list_accounts", sqlCreateListAccountsIndices},
		{"activities", sqlCreateActivitiesIndices},
		{"delivery_queue", sqlCreateDeliveryQueueIndices},
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.sql, t.name); err != nil {
				return err
			}
		}
		for _, i := range indices {
			if _, err := tx.Exec(i.sql); err != nil {
				db.logger.Warn("DB: failed to create indices", zap.String("table", i.name), zap.Error(err))
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		db.logger.Error("DB: error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.logger.Debug("DB: table created or already exists", zap.String("table", tableName))
	return nil
}
