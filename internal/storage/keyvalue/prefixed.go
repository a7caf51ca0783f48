package keyvalue

import "bytes"

// NewPrefixedTransactioner scopes every key accessed through the returned Transactioner under
// the prefix. Keys returned by reads have the prefix stripped.
func NewPrefixedTransactioner(tx Transactioner, prefix []byte) Transactioner {
	return prefixedTransactioner{tx: tx, prefix: prefix}
}

type prefixedTransactioner struct {
	tx     Transactioner
	prefix []byte
}

func (p prefixedTransactioner) NewTransaction(update bool) Transaction {
	return prefixedTransaction{
		Transaction: p.tx.NewTransaction(update),
		rw:          prefixedReadWriter{prefix: p.prefix},
	}.bind()
}

func (p prefixedTransactioner) NewWriteBatch() WriteBatch {
	return prefixedWriteBatch{WriteBatch: p.tx.NewWriteBatch(), prefix: p.prefix}
}

func (p prefixedTransactioner) View(fn func(ReadWriter) error) error {
	return p.tx.View(func(rw ReadWriter) error {
		return fn(prefixedReadWriter{rw: rw, prefix: p.prefix})
	})
}

func (p prefixedTransactioner) Update(fn func(ReadWriter) error) error {
	return p.tx.Update(func(rw ReadWriter) error {
		return fn(prefixedReadWriter{rw: rw, prefix: p.prefix})
	})
}

type prefixedTransaction struct {
	Transaction
	rw prefixedReadWriter
}

func (txn prefixedTransaction) bind() prefixedTransaction {
	txn.rw.rw = txn.Transaction
	return txn
}

func (txn prefixedTransaction) Get(key []byte) (Item, error) {
	return txn.rw.Get(key)
}

func (txn prefixedTransaction) NewIterator(opts IteratorOptions) Iterator {
	return txn.rw.NewIterator(opts)
}

func (txn prefixedTransaction) Set(key, value []byte) error {
	return txn.rw.Set(key, value)
}

func (txn prefixedTransaction) Delete(key []byte) error {
	return txn.rw.Delete(key)
}

type prefixedWriteBatch struct {
	WriteBatch
	prefix []byte
}

func (wb prefixedWriteBatch) Set(key, value []byte) error {
	return wb.WriteBatch.Set(prefixKey(wb.prefix, key), value)
}

func (wb prefixedWriteBatch) Delete(key []byte) error {
	return wb.WriteBatch.Delete(prefixKey(wb.prefix, key))
}

type prefixedReadWriter struct {
	rw     ReadWriter
	prefix []byte
}

func (p prefixedReadWriter) Get(key []byte) (Item, error) {
	item, err := p.rw.Get(prefixKey(p.prefix, key))
	if err != nil {
		return nil, err
	}
	return prefixedItem{Item: item, prefix: p.prefix}, nil
}

func (p prefixedReadWriter) NewIterator(opts IteratorOptions) Iterator {
	opts.Prefix = prefixKey(p.prefix, opts.Prefix)
	return prefixedIterator{Iterator: p.rw.NewIterator(opts), prefix: p.prefix}
}

func (p prefixedReadWriter) Set(key, value []byte) error {
	return p.rw.Set(prefixKey(p.prefix, key), value)
}

func (p prefixedReadWriter) Delete(key []byte) error {
	return p.rw.Delete(prefixKey(p.prefix, key))
}

type prefixedIterator struct {
	Iterator
	prefix []byte
}

func (it prefixedIterator) Seek(key []byte) {
	it.Iterator.Seek(prefixKey(it.prefix, key))
}

func (it prefixedIterator) Item() Item {
	return prefixedItem{Item: it.Iterator.Item(), prefix: it.prefix}
}

type prefixedItem struct {
	Item
	prefix []byte
}

func (item prefixedItem) Key() []byte {
	return bytes.TrimPrefix(item.Item.Key(), item.prefix)
}

func prefixKey(prefix, key []byte) []byte {
	prefixed := make([]byte, 0, len(prefix)+len(key))
	prefixed = append(prefixed, prefix...)
	return append(prefixed, key...)
}
