package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/walrelay/internal/cbus"
	"gitlab.com/gitlab-org/walrelay/internal/replication/relay"
	"gitlab.com/gitlab-org/walrelay/internal/replication/replicaset"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
	"gitlab.com/gitlab-org/walrelay/internal/storage/engine"
	"gitlab.com/gitlab-org/walrelay/internal/storage/gc"
	"gitlab.com/gitlab-org/walrelay/internal/storage/keyvalue"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
	"gitlab.com/gitlab-org/walrelay/internal/testhelper"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

type testServer struct {
	addr   string
	engine *engine.Engine
	log    *wal.Log
}

func startServer(t *testing.T) testServer {
	t.Helper()

	logger := testhelper.SharedLogger(t)

	db, err := keyvalue.NewInMemoryStore(logger)
	require.NoError(t, err)
	t.Cleanup(func() { testhelper.MustClose(t, db) })

	log, err := wal.Open(logger, keyvalue.NewPrefixedTransactioner(db, []byte("wal/")), wal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { testhelper.MustClose(t, log) })

	registry, err := gc.Open(logger, keyvalue.NewPrefixedTransactioner(db, []byte("gc/")), log)
	require.NoError(t, err)

	rs, err := replicaset.Open(logger, keyvalue.NewPrefixedTransactioner(db, []byte("replicaset/")), uuid.New())
	require.NoError(t, err)

	eng := engine.New(logger, keyvalue.NewPrefixedTransactioner(db, []byte("data/")), log, replicaset.InstanceID)

	bus := cbus.NewBus(logger)
	tx, err := bus.NewEndpoint(relay.TxEndpoint)
	require.NoError(t, err)

	manager := relay.NewManager(logger, relay.Config{Timeout: time.Minute}, log, eng, registry, bus, relay.NewMetrics())
	srv := New(logger, manager, rs, log, registry)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	// Relays flush their status messages through tx on teardown, so tx outlives the server.
	txCtx, cancelTx := context.WithCancel(context.Background())
	var txGroup errgroup.Group
	txGroup.Go(func() error { return tx.Run(txCtx) })

	serveCtx, cancelServe := context.WithCancel(context.Background())
	var serveGroup errgroup.Group
	serveGroup.Go(func() error { return srv.Serve(serveCtx, listener) })

	t.Cleanup(func() {
		cancelServe()
		require.NoError(t, serveGroup.Wait())
		cancelTx()
		require.NoError(t, txGroup.Wait())
		tx.Close()
	})

	return testServer{addr: listener.Addr().String(), engine: eng, log: log}
}

func dial(t *testing.T, addr string) *wire.Conn {
	t.Helper()

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	conn := wire.NewConn(nc)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *wire.Conn) *wire.Packet {
	t.Helper()

	for {
		packet, err := conn.ReadPacket(testhelper.Context(t), 10*time.Second)
		require.NoError(t, err)
		if packet.Type != wire.TypeHeartbeat {
			return packet
		}
	}
}

func TestServer_joinAndSubscribe(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	ctx := testhelper.Context(t)

	_, err := srv.engine.Replace(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = srv.engine.Replace(ctx, []byte("b"), []byte("2"))
	require.NoError(t, err)

	replicaUUID := uuid.New()

	conn := dial(t, srv.addr)
	require.NoError(t, conn.WritePacket(&wire.Packet{Type: wire.TypeJoin, Sync: 1, UUID: replicaUUID.String()}))

	for _, key := range []string{"a", "b"} {
		packet := read(t, conn)
		require.Equal(t, wire.TypeInsert, packet.Type)
		require.Equal(t, key, string(packet.Key))
	}

	initial := read(t, conn)
	require.Equal(t, wire.TypeOK, initial.Type)
	require.Equal(t, map[uint32]int64{replicaset.InstanceID: 2}, initial.VClock)

	final := read(t, conn)
	require.Equal(t, wire.TypeOK, final.Type)
	require.Equal(t, uint64(1), final.Sync)
	require.Equal(t, uint32(2), final.ReplicaID)
	require.Equal(t, map[uint32]int64{replicaset.InstanceID: 2}, final.VClock)

	subscriber := dial(t, srv.addr)
	require.NoError(t, subscriber.WritePacket(&wire.Packet{
		Type:    wire.TypeSubscribe,
		Sync:    2,
		UUID:    replicaUUID.String(),
		VClock:  final.VClock,
		Version: wire.VClockAckVersion,
	}))

	_, err = srv.engine.Replace(ctx, []byte("c"), []byte("3"))
	require.NoError(t, err)

	row := read(t, subscriber)
	require.Equal(t, wire.TypeReplace, row.Type)
	require.Equal(t, uint64(2), row.Sync)
	require.Equal(t, int64(3), row.LSN)
	require.NoError(t, subscriber.WritePacket(wire.NewVClock(vclock.VClock{replicaset.InstanceID: 3})))

	// A second subscription of the same replica is rejected, the first one keeps streaming.
	duplicate := dial(t, srv.addr)
	require.NoError(t, duplicate.WritePacket(&wire.Packet{
		Type:    wire.TypeSubscribe,
		Sync:    3,
		UUID:    replicaUUID.String(),
		VClock:  final.VClock,
		Version: wire.VClockAckVersion,
	}))
	rejection := read(t, duplicate)
	require.Equal(t, wire.TypeError, rejection.Type)
	require.Equal(t, uint64(3), rejection.Sync)
	require.Contains(t, rejection.Message, "duplicate connection")

	_, err = srv.engine.Delete(ctx, []byte("a"))
	require.NoError(t, err)
	row = read(t, subscriber)
	require.Equal(t, wire.TypeDelete, row.Type)
	require.Equal(t, "a", string(row.Key))
}

func TestServer_rejectedRequests(t *testing.T) {
	t.Parallel()

	srv := startServer(t)

	for _, tc := range []struct {
		desc            string
		request         *wire.Packet
		expectedMessage string
	}{
		{
			desc:            "unexpected request",
			request:         &wire.Packet{Type: wire.TypeHeartbeat, Sync: 5},
			expectedMessage: "unexpected request HEARTBEAT",
		},
		{
			desc:            "join with invalid UUID",
			request:         &wire.Packet{Type: wire.TypeJoin, Sync: 5, UUID: "not-a-uuid"},
			expectedMessage: "invalid replica UUID",
		},
		{
			desc:            "subscribe without join",
			request:         &wire.Packet{Type: wire.TypeSubscribe, Sync: 5, UUID: uuid.NewString()},
			expectedMessage: ErrUnknownReplica.Error(),
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			conn := dial(t, srv.addr)
			require.NoError(t, conn.WritePacket(tc.request))

			response := read(t, conn)
			require.Equal(t, wire.TypeError, response.Type)
			require.Equal(t, uint64(5), response.Sync)
			require.Contains(t, response.Message, tc.expectedMessage)

			_, err := conn.ReadPacket(testhelper.Context(t), 10*time.Second)
			require.Error(t, err)
		})
	}
}
