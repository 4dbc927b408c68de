package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("timeline store is closed")

const maxConflictRetries = 32

type StoreConfig struct {
	Path   string // empty keeps everything in memory
	Logger *zap.Logger
}

// Store holds every feed as a pair of ordered sets inside one BadgerDB.
type Store struct {
	badgerDB *badger.DB
	logger   *zap.Logger
	closed   atomic.Bool

	readCounter  atomic.Uint64
	writeCounter atomic.Uint64
}

func NewStore(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(config.Path)
	if config.Path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{config.Logger.Sugar()}
	opts.ValueLogFileSize = 1024 * 1024 * 64
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline store: %w", err)
	}

	return &Store{badgerDB: db, logger: config.Logger}, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.badgerDB.Close()
}

// Update runs fn in a read-write transaction. Conflicting concurrent writers
// cause fn to run again on a fresh snapshot, so fn must not have side
// effects outside the transaction.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.badgerDB.Update(func(txn *badger.Txn) error {
			return fn(&Tx{txn: txn})
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			s.logger.Debug("Timeline: transaction conflict, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		if err == nil {
			s.writeCounter.Add(1)
		}
		return err
	}
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.readCounter.Add(1)
	return s.badgerDB.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// Counters returns the number of committed read and write transactions.
func (s *Store) Counters() (reads, writes uint64) {
	return s.readCounter.Load(), s.writeCounter.Load()
}

// Tx is a transaction spanning any number of sets.
type Tx struct {
	txn *badger.Txn
}

// Set returns the ordered set stored under key.
func (tx *Tx) Set(key string) *Set {
	return &Set{txn: tx.txn, key: key}
}

type badgerLogger struct {
	*zap.SugaredLogger
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// badger is chatty at info level
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.Debugf(format, args...)
}
