package env

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/community"
)

func TestDecodeActionCoversEveryPairOnce(t *testing.T) {
	seen := map[[2]int]bool{}
	for a := 0; a < NumActions; a++ {
		d, r, err := DecodeAction(a)
		require.NoError(t, err)
		require.NotEqual(t, d, r)
		require.GreaterOrEqual(t, d, 0)
		require.Less(t, d, community.Count)
		require.GreaterOrEqual(t, r, 0)
		require.Less(t, r, community.Count)
		require.False(t, seen[[2]int{d, r}], "pair (%d,%d) decoded twice", d, r)
		seen[[2]int{d, r}] = true

		back, err := EncodeAction(d, r)
		require.NoError(t, err)
		require.Equal(t, a, back)
	}
	require.Len(t, seen, 12)
}

func TestDecodeActionRowMajor(t *testing.T) {
	cases := map[int][2]int{
		0:  {0, 1},
		2:  {0, 3},
		3:  {1, 0},
		4:  {1, 2},
		6:  {2, 0},
		8:  {2, 3},
		11: {3, 2},
	}
	for a, want := range cases {
		d, r, err := DecodeAction(a)
		require.NoError(t, err)
		require.Equal(t, want, [2]int{d, r}, "action %d", a)
	}
}

func TestDecodeActionRejectsOutOfRange(t *testing.T) {
	for _, a := range []int{-1, NumActions, 100} {
		_, _, err := DecodeAction(a)
		require.ErrorIs(t, err, ErrInvalidAction)
	}
	_, err := EncodeAction(2, 2)
	require.ErrorIs(t, err, ErrInvalidAction)
	_, err = EncodeAction(0, 4)
	require.ErrorIs(t, err, ErrInvalidAction)
}
