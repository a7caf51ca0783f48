package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/walrelay/internal/replication/replicaset"
	"gitlab.com/gitlab-org/walrelay/internal/replication/vclock"
	"gitlab.com/gitlab-org/walrelay/internal/replication/wire"
	"gitlab.com/gitlab-org/walrelay/internal/storage/wal"
	"gitlab.com/gitlab-org/walrelay/internal/testhelper"
)

func TestManager_InitialJoin(t *testing.T) {
	t.Parallel()

	s := setupManager(t, setupOptions{})
	ctx := testhelper.Context(t)

	for _, key := range []string{"a", "b"} {
		_, err := s.engine.Replace(ctx, []byte(key), []byte("value-"+key))
		require.NoError(t, err)
	}

	conn, fake := newConnection(t)
	vc, err := s.manager.InitialJoin(ctx, conn, 7)
	require.NoError(t, err)
	require.Equal(t, vclock.VClock{replicaset.InstanceID: 2}, vc)

	for _, key := range []string{"a", "b"} {
		packet := fake.next(t, false)
		require.Equal(t, wire.TypeInsert, packet.Type)
		require.Equal(t, uint64(7), packet.Sync)
		require.Equal(t, key, string(packet.Key))
		require.Equal(t, "value-"+key, string(packet.Value))
	}

	require.Empty(t, s.manager.Relays())
}

func TestManager_FinalJoin(t *testing.T) {
	t.Parallel()

	s := setupManager(t, setupOptions{segmentMaxRows: 2})
	s.replace(t, 6)

	for _, tc := range []struct {
		desc         string
		start        vclock.VClock
		stop         vclock.VClock
		collect      int64
		expectedLSNs []int64
		expectedErr  error
	}{
		{
			desc:         "range within the log",
			start:        vclock.VClock{replicaset.InstanceID: 2},
			stop:         vclock.VClock{replicaset.InstanceID: 5},
			expectedLSNs: []int64{3, 4, 5},
		},
		{
			desc:        "stop beyond the log end",
			start:       vclock.VClock{replicaset.InstanceID: 4},
			stop:        vclock.VClock{replicaset.InstanceID: 10},
			expectedErr: wal.ErrRangeUnavailable,
		},
		{
			desc:        "range already collected",
			start:       vclock.New(),
			stop:        vclock.VClock{replicaset.InstanceID: 1},
			collect:     2,
			expectedErr: wal.ErrRangeUnavailable,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			if tc.collect > 0 {
				_, err := s.log.Collect(tc.collect)
				require.NoError(t, err)
			}

			conn, fake := newConnection(t)
			err := s.manager.FinalJoin(testhelper.Context(t), conn, 9, tc.start, tc.stop)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				// The range is checked before anything is sent.
				require.Empty(t, fake.packets)
				return
			}
			require.NoError(t, err)

			var lsns []int64
			for range tc.expectedLSNs {
				packet := fake.next(t, false)
				require.Equal(t, uint64(9), packet.Sync)
				lsns = append(lsns, packet.LSN)
			}
			require.Equal(t, tc.expectedLSNs, lsns)
		})
	}
}
