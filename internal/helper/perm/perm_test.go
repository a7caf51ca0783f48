package perm

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUmask_Mask(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc     string
		umask    Umask
		mode     fs.FileMode
		expected fs.FileMode
	}{
		{desc: "no mask", umask: 0, mode: PrivateDir, expected: 0o700},
		{desc: "group and others", umask: 0o077, mode: 0o777, expected: PrivateDir},
		{desc: "owner execute", umask: 0o100, mode: PrivateDir, expected: 0o600},
		{desc: "private file", umask: 0o022, mode: PrivateFile, expected: PrivateFile},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, tc.umask.Mask(tc.mode))
		})
	}
}
