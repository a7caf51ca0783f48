// Package gc tracks the consumers of the write-ahead log. Every consumer holds a position in the
// log expressed as a vclock signature. Segments are only collected once every consumer has moved
// past them.
package gc

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/storage/keyvalue"
)

// ErrUnknownConsumer is returned when operating on a consumer that isn't registered.
var ErrUnknownConsumer = errors.New("unknown gc consumer")

var consumerPrefix = []byte("consumer/")

func consumerKey(name string) []byte {
	return append(append([]byte(nil), consumerPrefix...), name...)
}

// SegmentCollector deletes log segments up to a signature.
type SegmentCollector interface {
	Collect(signature int64) (int, error)
}

// Consumer is a registered position in the log.
type Consumer struct {
	name      string
	signature atomic.Int64
}

// Name returns the name of the consumer.
func (c *Consumer) Name() string {
	return c.name
}

// Signature returns the consumer's position.
func (c *Consumer) Signature() int64 {
	return c.signature.Load()
}

type consumerState struct {
	Signature int64 `msgpack:"signature"`
}

// Registry manages the GC consumers.
type Registry struct {
	// mutex serializes changes to the consumers so that the collected signature is always
	// computed from a consistent set of positions.
	mutex     sync.Mutex
	logger    log.Logger
	db        keyvalue.Transactioner
	collector SegmentCollector
	consumers map[string]*Consumer

	// consumerSignature exports the position of every consumer.
	consumerSignature *prometheus.GaugeVec
	// collectedSegments counts the segments deleted on behalf of the consumers.
	collectedSegments prometheus.Counter
}

// Open loads the persisted consumers from the database.
func Open(logger log.Logger, db keyvalue.Transactioner, collector SegmentCollector) (*Registry, error) {
	r := &Registry{
		logger:    logger.WithField("component", "gc"),
		db:        db,
		collector: collector,
		consumers: map[string]*Consumer{},
		consumerSignature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "walrelay_gc_consumer_signature",
			Help: "Vclock signature of the log position held by a GC consumer.",
		}, []string{"consumer"}),
		collectedSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walrelay_gc_collected_segments_total",
			Help: "Number of write-ahead log segments collected.",
		}),
	}

	if err := db.View(func(txn keyvalue.ReadWriter) error {
		it := txn.NewIterator(keyvalue.IteratorOptions{Prefix: consumerPrefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			name := string(it.Item().Key()[len(consumerPrefix):])

			var state consumerState
			if err := it.Item().Value(func(value []byte) error { return msgpack.Unmarshal(value, &state) }); err != nil {
				return fmt.Errorf("unmarshal consumer %q: %w", name, err)
			}

			r.addConsumer(name, state.Signature)
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("load consumers: %w", err)
	}

	return r, nil
}

func (r *Registry) addConsumer(name string, signature int64) *Consumer {
	c := &Consumer{name: name}
	c.signature.Store(signature)
	r.consumers[name] = c
	r.consumerSignature.WithLabelValues(name).Set(float64(signature))
	return c
}

func (r *Registry) storeConsumer(name string, signature int64) error {
	value, err := msgpack.Marshal(consumerState{Signature: signature})
	if err != nil {
		return fmt.Errorf("marshal consumer: %w", err)
	}

	return r.db.Update(func(txn keyvalue.ReadWriter) error {
		return txn.Set(consumerKey(name), value)
	})
}

// Register registers a consumer at the given signature. Registering an existing consumer returns
// the existing one, keeping its position.
func (r *Registry) Register(name string, signature int64) (*Consumer, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if c, ok := r.consumers[name]; ok {
		return c, nil
	}

	if err := r.storeConsumer(name, signature); err != nil {
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	r.logger.WithFields(log.Fields{
		"consumer":  name,
		"signature": signature,
	}).Info("registered gc consumer")

	return r.addConsumer(name, signature), nil
}

// Lookup returns the consumer with the given name.
func (r *Registry) Lookup(name string) (*Consumer, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c, ok := r.consumers[name]
	return c, ok
}

// Consumers returns all consumers ordered by name.
func (r *Registry) Consumers() []*Consumer {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	consumers := make([]*Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		consumers = append(consumers, c)
	}
	sort.Slice(consumers, func(i, j int) bool { return consumers[i].name < consumers[j].name })
	return consumers
}

// Advance moves the consumer to the signature and collects the segments no consumer needs
// anymore. Consumers never move backwards, advancing to an older signature is a no-op.
func (r *Registry) Advance(c *Consumer, signature int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.consumers[c.name] != c {
		return fmt.Errorf("advance %q: %w", c.name, ErrUnknownConsumer)
	}
	if signature <= c.Signature() {
		return nil
	}

	if err := r.storeConsumer(c.name, signature); err != nil {
		return fmt.Errorf("advance consumer: %w", err)
	}

	c.signature.Store(signature)
	r.consumerSignature.WithLabelValues(c.name).Set(float64(signature))

	return r.collect()
}

// Unregister removes the consumer. Segments only it was holding are collected.
func (r *Registry) Unregister(c *Consumer) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.consumers[c.name] != c {
		return fmt.Errorf("unregister %q: %w", c.name, ErrUnknownConsumer)
	}

	if err := r.db.Update(func(txn keyvalue.ReadWriter) error {
		if err := txn.Delete(consumerKey(c.name)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	}); err != nil {
		return fmt.Errorf("unregister consumer: %w", err)
	}

	delete(r.consumers, c.name)
	r.consumerSignature.DeleteLabelValues(c.name)

	r.logger.WithField("consumer", c.name).Info("unregistered gc consumer")

	if len(r.consumers) == 0 {
		return nil
	}
	return r.collect()
}

// collect must be called with the mutex held.
func (r *Registry) collect() error {
	minimum := int64(math.MaxInt64)
	for _, c := range r.consumers {
		minimum = min(minimum, c.Signature())
	}

	collected, err := r.collector.Collect(minimum)
	r.collectedSegments.Add(float64(collected))
	if err != nil {
		return fmt.Errorf("collect segments: %w", err)
	}

	return nil
}

// Describe is used to describe Prometheus metrics.
func (r *Registry) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, descs)
}

// Collect is used to collect Prometheus metrics.
func (r *Registry) Collect(metrics chan<- prometheus.Metric) {
	r.consumerSignature.Collect(metrics)
	r.collectedSegments.Collect(metrics)
}
