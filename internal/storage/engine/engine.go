// Package engine implements the key-value data set replicated by the relay. Every change is
// written to the write-ahead log before it is applied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
	"gitlab.com/gitlab-org/walrelay/internal/storage/keyvalue"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
)

// ErrNotFound is returned when reading a key that doesn't exist.
var ErrNotFound = errors.New("key not found")

// Engine stores the data set.
type Engine struct {
	// mutex serializes writes so that the data set always matches the log's vclock while it
	// is held.
	mutex      sync.Mutex
	logger     log.Logger
	db         keyvalue.Transactioner
	log        *wal.Log
	instanceID uint32
}

// New returns an engine storing its data in db. Changes are logged as rows of the given
// instance.
func New(logger log.Logger, db keyvalue.Transactioner, log *wal.Log, instanceID uint32) *Engine {
	return &Engine{
		logger:     logger.WithField("component", "engine"),
		db:         db,
		log:        log,
		instanceID: instanceID,
	}
}

// Replace sets the value of a key.
func (e *Engine) Replace(ctx context.Context, key, value []byte) (wal.Row, error) {
	return e.write(ctx, wal.Row{Type: wire.TypeReplace, Key: key, Value: value})
}

// Delete removes a key.
func (e *Engine) Delete(ctx context.Context, key []byte) (wal.Row, error) {
	return e.write(ctx, wal.Row{Type: wire.TypeDelete, Key: key})
}

func (e *Engine) write(ctx context.Context, row wal.Row) (wal.Row, error) {
	if len(row.Key) == 0 {
		return wal.Row{}, errors.New("write: empty key")
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	row.ReplicaID = e.instanceID
	logged, err := e.log.Append(ctx, row)
	if err != nil {
		return wal.Row{}, fmt.Errorf("log row: %w", err)
	}

	if err := e.db.Update(func(txn keyvalue.ReadWriter) error {
		if logged.Type == wire.TypeDelete {
			return txn.Delete(logged.Key)
		}
		return txn.Set(logged.Key, logged.Value)
	}); err != nil {
		return wal.Row{}, fmt.Errorf("apply row: %w", err)
	}

	return logged, nil
}

// Get returns the value of a key.
func (e *Engine) Get(key []byte) ([]byte, error) {
	var value []byte
	if err := e.db.View(func(txn keyvalue.ReadWriter) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return value, nil
}

// Join sends the whole data set as insert rows. It returns the vclock the data set corresponds
// to. Writes are not blocked while the rows are sent.
func (e *Engine) Join(ctx context.Context, send func(wal.Row) error) (vclock.VClock, error) {
	e.mutex.Lock()
	snapshot := e.db.NewTransaction(false)
	vc := e.log.VClock()
	e.mutex.Unlock()
	defer snapshot.Discard()

	it := snapshot.NewIterator(keyvalue.IteratorOptions{})
	defer it.Close()

	var rows int
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row := wal.Row{
			Type:      wire.TypeInsert,
			ReplicaID: e.instanceID,
			Key:       append([]byte(nil), it.Item().Key()...),
		}
		if err := it.Item().Value(func(value []byte) error {
			row.Value = append([]byte(nil), value...)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("read value: %w", err)
		}

		if err := send(row); err != nil {
			return nil, err
		}
		rows++
	}

	e.logger.WithFields(log.Fields{
		"rows":   rows,
		"vclock": vc.String(),
	}).Info("sent data set snapshot")

	return vc, nil
}
