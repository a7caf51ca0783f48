// Package keyvalue provides the key-value store the write-ahead log, the garbage collection
// registry and the storage engine persist their state in.
package keyvalue

// Item is a single key-value pair read from the store.
type Item interface {
	// Key returns the key of the item. The slice is only valid until the iterator advances.
	Key() []byte
	// Value calls the function with the item's value. The slice is only valid for the
	// duration of the call.
	Value(func(value []byte) error) error
}

// IteratorOptions configure an iterator.
type IteratorOptions struct {
	// Prefix limits the iteration to keys with the prefix.
	Prefix []byte
}

// Iterator iterates over keys in the store.
type Iterator interface {
	Rewind()
	Seek(key []byte)
	Valid() bool
	Next()
	Item() Item
	Close()
}

// Reader reads keys.
type Reader interface {
	// Get returns the item of a key. badger.ErrKeyNotFound is returned if the key doesn't exist.
	Get(key []byte) (Item, error)
	NewIterator(IteratorOptions) Iterator
}

// Writer writes keys.
type Writer interface {
	Set(key, value []byte) error
	Delete(key []byte) error
}

// ReadWriter reads and writes keys within a transaction.
type ReadWriter interface {
	Reader
	Writer
}

// Transaction is a manually managed transaction.
type Transaction interface {
	ReadWriter
	Commit() error
	Discard()
}

// WriteBatch batches writes without reading. It is not atomic with respect to readers.
type WriteBatch interface {
	Writer
	Flush() error
	Cancel()
}

// Transactioner begins transactions.
type Transactioner interface {
	NewTransaction(update bool) Transaction
	NewWriteBatch() WriteBatch
	// View runs a read-only transaction.
	View(func(ReadWriter) error) error
	// Update runs a read-write transaction and commits it if the function returns no error.
	Update(func(ReadWriter) error) error
}

// Store is a key-value store.
type Store interface {
	Transactioner
	// RunValueLogGC reclaims space from the value log.
	RunValueLogGC(discardRatio float64) error
	Close() error
}
