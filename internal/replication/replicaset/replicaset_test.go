package replicaset

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/storage/keyvalue"
	"gitlab.com/gitlab-org/walrelay/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

type staticRelay struct {
	vclock     vclock.VClock
	subscribed bool
}

func (r *staticRelay) KnownVClock() vclock.VClock {
	return r.vclock.Copy()
}

func (r *staticRelay) Subscribed() bool {
	return r.subscribed
}

func setupReplicaset(t *testing.T) (*Replicaset, keyvalue.Store, uuid.UUID) {
	t.Helper()

	db, err := keyvalue.NewInMemoryStore(testhelper.SharedLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { testhelper.MustClose(t, db) })

	instanceUUID := uuid.New()
	rs, err := Open(testhelper.SharedLogger(t), db, instanceUUID)
	require.NoError(t, err)

	return rs, db, instanceUUID
}

func TestReplicaset_Register(t *testing.T) {
	t.Parallel()

	rs, db, instanceUUID := setupReplicaset(t)
	require.Equal(t, instanceUUID, rs.InstanceUUID())

	first, err := rs.Register(uuid.New())
	require.NoError(t, err)
	require.Equal(t, uint32(2), first.ID())

	second, err := rs.Register(uuid.New())
	require.NoError(t, err)
	require.Equal(t, uint32(3), second.ID())

	again, err := rs.Register(first.UUID())
	require.NoError(t, err)
	require.Same(t, first, again)

	for _, tc := range []struct {
		desc string
		uuid uuid.UUID
	}{
		{desc: "nil UUID", uuid: uuid.Nil},
		{desc: "local instance", uuid: instanceUUID},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := rs.Register(tc.uuid)
			require.ErrorIs(t, err, ErrInvalidUUID)
		})
	}

	reopened, err := Open(testhelper.SharedLogger(t), db, instanceUUID)
	require.NoError(t, err)

	restored, ok := reopened.Lookup(second.UUID())
	require.True(t, ok)
	require.Equal(t, uint32(3), restored.ID())

	third, err := reopened.Register(uuid.New())
	require.NoError(t, err)
	require.Equal(t, uint32(4), third.ID())
	require.Len(t, reopened.Replicas(), 3)
}

func TestReplica_relay(t *testing.T) {
	t.Parallel()

	rs, _, _ := setupReplicaset(t)

	replica, err := rs.Register(uuid.New())
	require.NoError(t, err)
	require.Equal(t, "replica "+replica.UUID().String(), replica.GCName())
	require.Equal(t, vclock.VClock{}, replica.KnownVClock())

	relay := &staticRelay{vclock: vclock.VClock{1: 5}, subscribed: true}
	require.NoError(t, replica.SetRelay(relay))
	require.Same(t, relay, replica.Relay())
	require.Equal(t, vclock.VClock{1: 5}, replica.KnownVClock())

	second := &staticRelay{}
	require.ErrorIs(t, replica.SetRelay(second), ErrDuplicateConnection)
	require.Same(t, relay, replica.Relay())

	// Clearing a relay that isn't attached leaves the attached one alone.
	replica.ClearRelay(second)
	require.Same(t, relay, replica.Relay())

	relay.vclock = vclock.VClock{1: 7}
	replica.ClearRelay(relay)
	require.Nil(t, replica.Relay())
	require.Equal(t, vclock.VClock{1: 7}, replica.KnownVClock())

	require.NoError(t, replica.SetRelay(second))
}

func TestReplica_clearUnsubscribedRelay(t *testing.T) {
	t.Parallel()

	rs, _, _ := setupReplicaset(t)

	replica, err := rs.Register(uuid.New())
	require.NoError(t, err)

	subscribed := &staticRelay{vclock: vclock.VClock{1: 3}, subscribed: true}
	require.NoError(t, replica.SetRelay(subscribed))
	replica.ClearRelay(subscribed)
	require.Equal(t, vclock.VClock{1: 3}, replica.KnownVClock())

	// A relay failing before it streamed anything doesn't know the replica's position.
	failed := &staticRelay{vclock: vclock.VClock{}}
	require.NoError(t, replica.SetRelay(failed))
	require.Equal(t, vclock.VClock{1: 3}, replica.KnownVClock())

	replica.ClearRelay(failed)
	require.Nil(t, replica.Relay())
	require.Equal(t, vclock.VClock{1: 3}, replica.KnownVClock())
}
