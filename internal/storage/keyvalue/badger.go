package keyvalue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"gitlab.com/gitlab-org/walrelay/internal/log"
)

// NewBadgerStore opens a badger database in the given directory.
func NewBadgerStore(logger log.Logger, databaseDirectory string) (Store, error) {
	return newBadgerStore(logger, badger.DefaultOptions(databaseDirectory))
}

// NewInMemoryStore returns a badger database that keeps everything in memory.
func NewInMemoryStore(logger log.Logger) (Store, error) {
	return newBadgerStore(logger, badger.DefaultOptions("").WithInMemory(true))
}

func newBadgerStore(logger log.Logger, opts badger.Options) (Store, error) {
	db, err := badger.Open(opts.
		WithLogger(badgerLogger{logger: logger.WithField("component", "database")}).
		// Compression is left to the filesystem and the rows are small.
		WithCompression(options.None).
		WithNumVersionsToKeep(1))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	return badgerStore{db: db}, nil
}

type badgerStore struct {
	db *badger.DB
}

func (s badgerStore) NewTransaction(update bool) Transaction {
	return badgerTransaction{txn: s.db.NewTransaction(update)}
}

func (s badgerStore) NewWriteBatch() WriteBatch {
	return s.db.NewWriteBatch()
}

func (s badgerStore) View(fn func(ReadWriter) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(badgerTransaction{txn: txn})
	})
}

func (s badgerStore) Update(fn func(ReadWriter) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(badgerTransaction{txn: txn})
	})
}

func (s badgerStore) RunValueLogGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

func (s badgerStore) Close() error {
	return s.db.Close()
}

type badgerTransaction struct {
	txn *badger.Txn
}

func (txn badgerTransaction) Get(key []byte) (Item, error) {
	item, err := txn.txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (txn badgerTransaction) NewIterator(opts IteratorOptions) Iterator {
	iteratorOpts := badger.DefaultIteratorOptions
	iteratorOpts.Prefix = opts.Prefix
	return badgerIterator{it: txn.txn.NewIterator(iteratorOpts)}
}

func (txn badgerTransaction) Set(key, value []byte) error { return txn.txn.Set(key, value) }

func (txn badgerTransaction) Delete(key []byte) error { return txn.txn.Delete(key) }

func (txn badgerTransaction) Commit() error { return txn.txn.Commit() }

func (txn badgerTransaction) Discard() { txn.txn.Discard() }

type badgerIterator struct {
	it *badger.Iterator
}

func (it badgerIterator) Rewind()         { it.it.Rewind() }
func (it badgerIterator) Seek(key []byte) { it.it.Seek(key) }
func (it badgerIterator) Valid() bool     { return it.it.Valid() }
func (it badgerIterator) Next()           { it.it.Next() }
func (it badgerIterator) Item() Item      { return it.it.Item() }
func (it badgerIterator) Close()          { it.it.Close() }

// badgerLogger routes badger's logs into our logger. Badger's informational output is
// verbose so it is logged at debug level.
type badgerLogger struct {
	logger log.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(formatBadgerMessage(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(formatBadgerMessage(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(formatBadgerMessage(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(formatBadgerMessage(format, args...))
}

func formatBadgerMessage(format string, args ...any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
