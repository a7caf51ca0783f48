package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/walrelay/internal/cbus"
	"gitlab.com/gitlab-org/walrelay/internal/log"
	"gitlab.com/gitlab-org/walrelay/internal/replication/replicaset"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
	"gitlab.com/gitlab-org/walrelay/internal/storage/engine"
	"gitlab.com/gitlab-org/walrelay/internal/storage/gc"
	"gitlab.com/gitlab-org/walrelay/internal/storage/keyvalue"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
	"gitlab.com/gitlab-org/walrelay/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

type setupOptions struct {
	cfg            Config
	segmentMaxRows uint64
}

type testSetup struct {
	logger     log.Logger
	manager    *Manager
	log        *wal.Log
	engine     *engine.Engine
	registry   *gc.Registry
	replicaset *replicaset.Replicaset
	tx         *cbus.Endpoint
	metrics    *Metrics
}

func setupManager(t *testing.T, opts setupOptions) testSetup {
	t.Helper()

	logger := testhelper.SharedLogger(t)

	db, err := keyvalue.NewInMemoryStore(logger)
	require.NoError(t, err)
	t.Cleanup(func() { testhelper.MustClose(t, db) })

	log, err := wal.Open(logger, keyvalue.NewPrefixedTransactioner(db, []byte("wal/")), wal.Options{SegmentMaxRows: opts.segmentMaxRows})
	require.NoError(t, err)
	t.Cleanup(func() { testhelper.MustClose(t, log) })

	registry, err := gc.Open(logger, keyvalue.NewPrefixedTransactioner(db, []byte("gc/")), log)
	require.NoError(t, err)

	rs, err := replicaset.Open(logger, keyvalue.NewPrefixedTransactioner(db, []byte("replicaset/")), uuid.New())
	require.NoError(t, err)

	bus := cbus.NewBus(logger)
	tx, err := bus.NewEndpoint(TxEndpoint)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Close() })

	if opts.cfg.Timeout == 0 {
		opts.cfg.Timeout = time.Minute
	}
	if opts.cfg.DisconnectTimeout == 0 {
		opts.cfg.DisconnectTimeout = time.Minute
	}

	metrics := NewMetrics()
	eng := engine.New(logger, keyvalue.NewPrefixedTransactioner(db, []byte("data/")), log, replicaset.InstanceID)

	return testSetup{
		logger:     logger,
		manager:    NewManager(logger, opts.cfg, log, eng, registry, bus, metrics),
		log:        log,
		engine:     eng,
		registry:   registry,
		replicaset: rs,
		tx:         tx,
		metrics:    metrics,
	}
}

// runTx serves the transaction processor's endpoint until the test finishes.
func (s testSetup) runTx(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.tx.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (s testSetup) replace(t *testing.T, count int) {
	t.Helper()

	for i := 0; i < count; i++ {
		_, err := s.engine.Replace(testhelper.Context(t), []byte("key"), []byte("value"))
		require.NoError(t, err)
	}
}

// fakeReplica is the replica's end of a relay connection.
type fakeReplica struct {
	conn    *wire.Conn
	packets chan *wire.Packet
}

// newConnection returns the relay's end of a connection and the replica connected to it.
func newConnection(t *testing.T) (*wire.Conn, *fakeReplica) {
	t.Helper()

	relayConn, replicaConn := net.Pipe()
	replica := &fakeReplica{
		conn:    wire.NewConn(replicaConn),
		packets: make(chan *wire.Packet, 1024),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(replica.packets)

		for {
			packet, err := replica.conn.ReadPacket(ctx, 0)
			if err != nil {
				return
			}

			select {
			case replica.packets <- packet:
			case <-ctx.Done():
				return
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = relayConn.Close()
		_ = replicaConn.Close()
		<-done
	})

	return wire.NewConn(relayConn), replica
}

// next returns the next packet sent by the relay, skipping heartbeats unless requested.
func (r *fakeReplica) next(t *testing.T, heartbeats bool) *wire.Packet {
	t.Helper()

	for {
		select {
		case packet, ok := <-r.packets:
			require.True(t, ok, "connection closed")
			if packet.Type == wire.TypeHeartbeat && !heartbeats {
				continue
			}
			return packet
		case <-time.After(10 * time.Second):
			require.FailNow(t, "timed out waiting for packet")
		}
	}
}

func (r *fakeReplica) ack(t *testing.T, vc vclock.VClock) {
	t.Helper()
	require.NoError(t, r.conn.WritePacket(wire.NewVClock(vc)))
}

// subscription is a Subscribe call running in the background.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s testSetup) subscribe(t *testing.T, conn *wire.Conn, replica *replicaset.Replica, vc vclock.VClock, version uint32) *subscription {
	t.Helper()

	ctx, cancel := context.WithCancel(testhelper.Context(t))
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		sub.err = s.manager.Subscribe(ctx, conn, 42, replica, vc, version)
	}()

	t.Cleanup(func() { _ = sub.stop(t) })

	require.Eventually(t, func() bool {
		relay, ok := replica.Relay().(*Relay)
		return ok && relay.State() == StateSubscribe
	}, 10*time.Second, time.Millisecond)

	return sub
}

// relayOf returns the replica's relay.
func relayOf(t *testing.T, replica *replicaset.Replica) *Relay {
	t.Helper()

	relay, ok := replica.Relay().(*Relay)
	require.True(t, ok)
	return relay
}

// stop cancels the subscription and returns its error.
func (sub *subscription) stop(t *testing.T) error {
	t.Helper()
	sub.cancel()
	return sub.wait(t)
}

// wait waits for the subscription to end on its own.
func (sub *subscription) wait(t *testing.T) error {
	t.Helper()

	select {
	case <-sub.done:
		return sub.err
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for subscription to stop")
		return nil
	}
}

func (s testSetup) register(t *testing.T) *replicaset.Replica {
	t.Helper()

	replica, err := s.replicaset.Register(uuid.New())
	require.NoError(t, err)
	return replica
}
