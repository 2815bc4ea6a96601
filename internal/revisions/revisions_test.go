package revisions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildList() *List {
	return NewList([]Revision{
		{Number: 50}, {Number: 10}, {Number: 30}, {Number: 20}, {Number: 40},
	})
}

func TestNewListSortsAscending(t *testing.T) {
	l := buildList()
	require.Equal(t, 5, l.Len())
	require.Equal(t, 10, l.At(0).Number)
	require.Equal(t, 50, l.At(4).Number)
}

func TestIndexOfAndNearest(t *testing.T) {
	l := buildList()
	require.Equal(t, 2, l.IndexOf(30))
	require.Equal(t, -1, l.IndexOf(999))

	require.Equal(t, 2, l.Nearest(35))
	require.Equal(t, 0, l.Nearest(15))
	require.Equal(t, -1, l.Nearest(5))
}

func TestRemove(t *testing.T) {
	l := buildList()
	require.NoError(t, l.Remove(2))
	require.Equal(t, 4, l.Len())
	require.Equal(t, -1, l.IndexOf(30))

	require.Error(t, l.Remove(99))
}

func TestMidpoint(t *testing.T) {
	require.Equal(t, 5, Midpoint(0, 10))
	require.Equal(t, 5, Midpoint(0, 11))
}

func TestNearestIndices(t *testing.T) {
	l := buildList()
	idx := l.NearestIndices(2, 3)
	require.Len(t, idx, 3)
}
