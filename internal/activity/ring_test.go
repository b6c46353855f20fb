package activity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingNewestFirst(t *testing.T) {
	r := NewRing[int](3)
	require.Empty(t, r.Newest(0))

	r.Push(1)
	r.Push(2)
	require.Equal(t, []int{2, 1}, r.Newest(0))
	require.Equal(t, []int{2}, r.Newest(1))
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		require.False(t, r.Push(i))
	}
	require.True(t, r.Push(4))
	require.True(t, r.Push(5))

	require.Equal(t, 3, r.Len())
	require.Equal(t, []int{5, 4, 3}, r.Newest(0))
}

func TestRingReset(t *testing.T) {
	r := NewRing[string](2)
	r.Push("a")
	r.Reset()
	require.Equal(t, 0, r.Len())
	require.Equal(t, 2, r.Capacity())
	r.Push("b")
	require.Equal(t, []string{"b"}, r.Newest(5))
}
