package lnutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSyncMap exercises the typed wrapper around sync.Map.
func TestSyncMap(t *testing.T) {
	t.Parallel()

	var m SyncMap[int, string]

	_, ok := m.Load(1)
	require.False(t, ok)

	m.Store(1, "one")
	v, loaded := m.LoadOrStore(1, "uno")
	require.True(t, loaded)
	require.Equal(t, "one", v)

	v, loaded = m.LoadOrStore(2, "two")
	require.False(t, loaded)
	require.Equal(t, "two", v)
	require.Equal(t, 2, m.Len())

	v, ok = m.Load(2)
	require.True(t, ok)
	require.Equal(t, "two", v)

	m.Delete(1)
	m.Delete(2)
	require.Zero(t, m.Len())
}
