package vclock

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestVClock_Compare(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc     string
		left     VClock
		right    VClock
		expected Order
	}{
		{desc: "both empty", left: nil, right: New(), expected: Equal},
		{desc: "zero component equals missing", left: VClock{1: 0}, right: nil, expected: Equal},
		{desc: "less", left: VClock{1: 1, 2: 5}, right: VClock{1: 2, 2: 5}, expected: Less},
		{desc: "missing component is less", left: VClock{1: 2}, right: VClock{1: 2, 2: 1}, expected: Less},
		{desc: "greater", left: VClock{1: 3}, right: VClock{1: 2}, expected: Greater},
		{desc: "incomparable", left: VClock{1: 3, 2: 1}, right: VClock{1: 2, 2: 2}, expected: Incomparable},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, tc.left.Compare(tc.right))
		})
	}
}

func TestVClock_Follow(t *testing.T) {
	t.Parallel()

	vc := New()
	vc.Follow(1, 10)
	vc.Follow(2, 3)
	vc.Follow(1, 11)

	require.Equal(t, int64(14), vc.Sum())
	require.Equal(t, "{1: 11, 2: 3}", vc.String())
	require.Panics(t, func() { vc.Follow(1, 5) })
}

func TestVClock_Copy(t *testing.T) {
	t.Parallel()

	vc := VClock{1: 10, 2: 3}
	copied := vc.Copy()
	copied.Follow(1, 20)

	if diff := cmp.Diff(VClock{1: 10, 2: 3}, vc); diff != "" {
		t.Fatalf("original vclock changed (-want +got):\n%s", diff)
	}
	require.True(t, vc.LessOrEqual(copied))
	require.False(t, copied.LessOrEqual(vc))
	require.True(t, vc.Equal(vc.Copy()))
}
