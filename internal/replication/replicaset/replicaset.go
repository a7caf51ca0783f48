// Package replicaset keeps track of the instances replicating from this one.
package replicaset

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/storage/gc"
	"gitlab.com/gitlab-org/walrelay/internal/storage/keyvalue"
)

// InstanceID is the id of the local instance.
const InstanceID uint32 = 1

var (
	// ErrDuplicateConnection is returned when a replica that already has a relay connects again.
	ErrDuplicateConnection = errors.New("duplicate connection with the same replica UUID")
	// ErrInvalidUUID is returned when registering the nil UUID or the local instance's UUID.
	ErrInvalidUUID = errors.New("invalid replica UUID")
)

var replicaPrefix = []byte("replica/")

// Relay is the session streaming the log to a replica.
type Relay interface {
	// KnownVClock returns the position the replica has acknowledged as applied.
	KnownVClock() vclock.VClock
	// Subscribed reports whether the relay started streaming. The position of a relay that
	// never did is not the replica's.
	Subscribed() bool
}

// Replica is an instance replicating from this one.
type Replica struct {
	id   uint32
	uuid uuid.UUID

	mutex sync.Mutex
	relay Relay
	gc    *gc.Consumer
	// lastKnown is the acknowledged position of the last relay that has been cleared.
	lastKnown vclock.VClock
}

// ID returns the replica's id. Rows originating from the replica carry it.
func (r *Replica) ID() uint32 {
	return r.id
}

// UUID returns the replica's UUID.
func (r *Replica) UUID() uuid.UUID {
	return r.uuid
}

// GCName is the name of the replica's GC consumer.
func (r *Replica) GCName() string {
	return "replica " + r.uuid.String()
}

// SetRelay attaches a relay to the replica. ErrDuplicateConnection is returned if a relay is
// attached already.
func (r *Replica) SetRelay(relay Relay) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.relay != nil {
		return fmt.Errorf("replica %s: %w", r.uuid, ErrDuplicateConnection)
	}
	r.relay = relay
	return nil
}

// ClearRelay detaches the relay if it is the one attached.
func (r *Replica) ClearRelay(relay Relay) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.relay != relay {
		return
	}
	if relay.Subscribed() {
		r.lastKnown = relay.KnownVClock()
	}
	r.relay = nil
}

// Relay returns the attached relay or nil.
func (r *Replica) Relay() Relay {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.relay
}

// GC returns the replica's GC consumer or nil if it doesn't have one yet.
func (r *Replica) GC() *gc.Consumer {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.gc
}

// SetGC sets the replica's GC consumer.
func (r *Replica) SetGC(consumer *gc.Consumer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.gc = consumer
}

// KnownVClock returns the position the replica has acknowledged last.
func (r *Replica) KnownVClock() vclock.VClock {
	r.mutex.Lock()
	relay, lastKnown := r.relay, r.lastKnown
	r.mutex.Unlock()

	if relay != nil && relay.Subscribed() {
		return relay.KnownVClock()
	}
	return lastKnown.Copy()
}

type replicaState struct {
	ID uint32 `msgpack:"id"`
}

// Replicaset is the registry of replicas. Replica ids are persisted so that they stay stable
// across restarts.
type Replicaset struct {
	mutex        sync.Mutex
	logger       log.Logger
	db           keyvalue.Transactioner
	instanceUUID uuid.UUID
	replicas     map[uuid.UUID]*Replica
	nextID       uint32
}

// Open loads the replicaset of the instance with the given UUID.
func Open(logger log.Logger, db keyvalue.Transactioner, instanceUUID uuid.UUID) (*Replicaset, error) {
	rs := &Replicaset{
		logger:       logger.WithField("component", "replicaset"),
		db:           db,
		instanceUUID: instanceUUID,
		replicas:     map[uuid.UUID]*Replica{},
		nextID:       InstanceID + 1,
	}

	if err := db.View(func(txn keyvalue.ReadWriter) error {
		it := txn.NewIterator(keyvalue.IteratorOptions{Prefix: replicaPrefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			replicaUUID, err := uuid.ParseBytes(it.Item().Key()[len(replicaPrefix):])
			if err != nil {
				return fmt.Errorf("parse replica UUID: %w", err)
			}

			var state replicaState
			if err := it.Item().Value(func(value []byte) error { return msgpack.Unmarshal(value, &state) }); err != nil {
				return fmt.Errorf("unmarshal replica %s: %w", replicaUUID, err)
			}

			rs.replicas[replicaUUID] = &Replica{id: state.ID, uuid: replicaUUID}
			rs.nextID = max(rs.nextID, state.ID+1)
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("load replicas: %w", err)
	}

	return rs, nil
}

// InstanceUUID returns the UUID of the local instance.
func (rs *Replicaset) InstanceUUID() uuid.UUID {
	return rs.instanceUUID
}

// Register adds a replica to the replicaset and assigns it an id. Registering a known replica
// returns the existing one.
func (rs *Replicaset) Register(replicaUUID uuid.UUID) (*Replica, error) {
	if replicaUUID == uuid.Nil || replicaUUID == rs.instanceUUID {
		return nil, fmt.Errorf("register %s: %w", replicaUUID, ErrInvalidUUID)
	}

	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	if replica, ok := rs.replicas[replicaUUID]; ok {
		return replica, nil
	}

	replica := &Replica{id: rs.nextID, uuid: replicaUUID}
	value, err := msgpack.Marshal(replicaState{ID: replica.id})
	if err != nil {
		return nil, fmt.Errorf("marshal replica: %w", err)
	}

	if err := rs.db.Update(func(txn keyvalue.ReadWriter) error {
		return txn.Set(append(append([]byte(nil), replicaPrefix...), replicaUUID.String()...), value)
	}); err != nil {
		return nil, fmt.Errorf("register replica: %w", err)
	}

	rs.replicas[replicaUUID] = replica
	rs.nextID++

	rs.logger.WithFields(log.Fields{
		"replica_id":   replica.id,
		"replica_uuid": replicaUUID.String(),
	}).Info("registered replica")

	return replica, nil
}

// Lookup returns the replica with the given UUID.
func (rs *Replicaset) Lookup(replicaUUID uuid.UUID) (*Replica, bool) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	replica, ok := rs.replicas[replicaUUID]
	return replica, ok
}

// Replicas returns all replicas ordered by id.
func (rs *Replicaset) Replicas() []*Replica {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	replicas := make([]*Replica, 0, len(rs.replicas))
	for _, replica := range rs.replicas {
		replicas = append(replicas, replica)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].id < replicas[j].id })
	return replicas
}
