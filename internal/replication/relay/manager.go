// Package relay streams the write-ahead log to replicas. A relay session serves a single
// replica connection. While subscribed it tracks which part of the log the replica has
// acknowledged, publishes that position to the transaction processor and lets the GC consumer
// of the replica advance so that segments no longer needed get collected.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gitlab.com/gitlab-org/walrelay/internal/cbus"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/replicaset"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
	"gitlab.com/gitlab-org/walrelay/internal/storage/engine"
	"gitlab.com/gitlab-org/walrelay/internal/storage/gc"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
)

// TxEndpoint is the name of the transaction processor's endpoint on the bus.
const TxEndpoint = "tx"

// ErrLogClosed is returned by subscribed relays when the write-ahead log is closed underneath.
var ErrLogClosed = errors.New("write-ahead log closed")

// Config configures the relays.
type Config struct {
	// InstanceID is the id heartbeats are sent with.
	InstanceID uint32
	// Timeout is the interval after which a heartbeat is sent if no row was sent.
	Timeout time.Duration
	// DisconnectTimeout bounds the wait for an acknowledgment from the replica.
	DisconnectTimeout time.Duration
	// ReportInterval overrides Timeout as the heartbeat interval if set.
	ReportInterval time.Duration
	// PipeCapacity is the number of messages that may be in flight towards the transaction
	// processor per relay. Zero means unbounded.
	PipeCapacity int
	// VClockAckVersion is the first replica version acknowledging with its own vclock.
	VClockAckVersion uint32
}

func (cfg Config) heartbeatInterval() time.Duration {
	if cfg.ReportInterval > 0 {
		return cfg.ReportInterval
	}
	return cfg.Timeout
}

// Manager starts relay sessions.
type Manager struct {
	logger   log.Logger
	cfg      Config
	log      *wal.Log
	engine   *engine.Engine
	registry *gc.Registry
	bus      *cbus.Bus
	metrics  *Metrics

	mutex  sync.Mutex
	relays map[*Relay]struct{}
}

// NewManager returns a manager serving relays from the given collaborators. The transaction
// processor must serve the TxEndpoint of the bus.
func NewManager(logger log.Logger, cfg Config, log *wal.Log, engine *engine.Engine, registry *gc.Registry, bus *cbus.Bus, metrics *Metrics) *Manager {
	if cfg.InstanceID == 0 {
		cfg.InstanceID = replicaset.InstanceID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 4 * cfg.Timeout
	}
	if cfg.VClockAckVersion == 0 {
		cfg.VClockAckVersion = wire.VClockAckVersion
	}

	return &Manager{
		logger:   logger.WithField("component", "relay"),
		cfg:      cfg,
		log:      log,
		engine:   engine,
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		relays:   map[*Relay]struct{}{},
	}
}

// Relays returns the active relays.
func (m *Manager) Relays() []*Relay {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	relays := make([]*Relay, 0, len(m.relays))
	for r := range m.relays {
		relays = append(relays, r)
	}
	return relays
}

func (m *Manager) track(r *Relay) func() {
	m.mutex.Lock()
	m.relays[r] = struct{}{}
	m.mutex.Unlock()

	return func() {
		r.setState(StateStopped)

		m.mutex.Lock()
		delete(m.relays, r)
		m.mutex.Unlock()
	}
}

// InitialJoin sends the data set to the replica. It returns the vclock the data set corresponds
// to.
func (m *Manager) InitialJoin(ctx context.Context, conn *wire.Conn, sync uint64) (vclock.VClock, error) {
	r := m.newRelay(ctx, conn, sync, nil)
	defer m.track(r)()

	r.setState(StateInitialJoin)

	vc, err := m.engine.Join(ctx, r.sendRow)
	if err != nil {
		return nil, fmt.Errorf("initial join: %w", err)
	}

	r.setState(StateClosing)
	return vc, nil
}

// FinalJoin sends the rows of the log between start and stop. wal.ErrRangeUnavailable is
// returned without sending anything if the log doesn't contain the range.
func (m *Manager) FinalJoin(ctx context.Context, conn *wire.Conn, sync uint64, start, stop vclock.VClock) error {
	r := m.newRelay(ctx, conn, sync, nil)
	defer m.track(r)()

	r.setState(StateFinalJoin)

	if end := m.log.VClock(); !stop.LessOrEqual(end) {
		return fmt.Errorf("final join: %w: log ends at %s before %s", wal.ErrRangeUnavailable, end, stop)
	}

	cursor, err := m.log.NewCursor(start)
	if err != nil {
		return fmt.Errorf("final join: %w", err)
	}

	if err := cursor.Recover(ctx, stop, r.sendRow); err != nil {
		return fmt.Errorf("final join: %w", err)
	}

	r.setState(StateClosing)
	return nil
}

// Subscribe streams the log to the replica starting at vc until the context is cancelled or the
// connection fails. The replica's version decides whether its acknowledgments or the relay's own
// position are used as the replica's position. A replica may only be subscribed once at a time,
// replicaset.ErrDuplicateConnection is returned for a second subscription.
func (m *Manager) Subscribe(ctx context.Context, conn *wire.Conn, sync uint64, replica *replicaset.Replica, vc vclock.VClock, version uint32) error {
	r := m.newRelay(ctx, conn, sync, replica)
	r.version = version
	r.known.store(vc.Copy())
	recv := vc.Copy()
	r.recvVClock.Store(&recv)

	if err := replica.SetRelay(r); err != nil {
		return err
	}
	defer replica.ClearRelay(r)
	defer m.track(r)()

	if replica.GC() == nil {
		consumer, err := m.registry.Register(replica.GCName(), vc.Sum())
		if err != nil {
			return fmt.Errorf("register gc consumer: %w", err)
		}
		replica.SetGC(consumer)
	}

	cursor, err := m.log.NewCursor(vc)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	r.cursor = cursor
	return r.subscribe(ctx)
}

// txAdvanceGC runs in the transaction processor.
func (m *Manager) txAdvanceGC(logger log.Logger, replica *replicaset.Replica, signature int64) {
	consumer := replica.GC()
	if consumer == nil {
		return
	}

	if err := m.registry.Advance(consumer, signature); err != nil {
		logger.WithError(err).WithField("signature", signature).Error("advance gc consumer")
		return
	}

	m.metrics.gcAdvances.Inc()
}
