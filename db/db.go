package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

var ErrNotFound = errors.New("not found")

const maxBusyRetries = 5

// DB is the database struct.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the SQLite file at path and runs migrations.
func Open(path string, logger *zap.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	db := &DB{db: sqlDB, logger: logger}
	if err := db.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database initialized", zap.String("path", path))
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs f inside a transaction, starting over when SQLite
// reports the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := db.runTransaction(ctx, f)
		if err == nil {
			return nil
		}
		if isBusy(err) && attempt < maxBusyRetries {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		db.logger.Warn("DB: error starting transaction", zap.Error(err))
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		if !IsUniqueViolation(err) && !errors.Is(err, ErrNotFound) {
			db.logger.Debug("DB: error in transaction", zap.Error(err))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		db.logger.Warn("DB: error committing transaction", zap.Error(err))
		return err
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == sqlitelib.SQLITE_BUSY
	}
	return false
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func IsUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	if code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	return code&0xff == sqlitelib.SQLITE_CONSTRAINT && strings.Contains(serr.Error(), "UNIQUE")
}

// inClause returns "?,?,?" for n placeholders and the ids as arguments.
func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
