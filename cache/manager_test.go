package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArtifact struct{ size int64 }

func (f fakeArtifact) PhysicalSize() int64 { return f.size }

func TestManager_InsertAndLookup(t *testing.T) {
	m, err := NewManager(100)
	require.NoError(t, err)

	require.NoError(t, m.Insert("a", fakeArtifact{size: 40}))
	assert.Equal(t, int64(40), m.Usage())

	a, ok := m.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, int64(40), a.PhysicalSize())
}

func TestManager_EvictsLRU(t *testing.T) {
	m, err := NewManager(100)
	require.NoError(t, err)

	require.NoError(t, m.Insert("a", fakeArtifact{size: 40}))
	require.NoError(t, m.Insert("b", fakeArtifact{size: 40}))

	// Touch "a" so "b" becomes the least-recently-used entry.
	_, _ = m.Lookup("a")

	require.NoError(t, m.Insert("c", fakeArtifact{size: 40}))

	_, ok := m.Lookup("b")
	assert.False(t, ok, "b should have been evicted")

	_, ok = m.Lookup("a")
	assert.True(t, ok)
	_, ok = m.Lookup("c")
	assert.True(t, ok)

	assert.LessOrEqual(t, m.Usage(), int64(100))
}

func TestManager_CacheFullOnOversizedArtifact(t *testing.T) {
	m, err := NewManager(100)
	require.NoError(t, err)

	err = m.Insert("huge", fakeArtifact{size: 200})
	require.Error(t, err)
}

func TestManager_UnlimitedCapacity(t *testing.T) {
	m, err := NewManager(0)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		require.NoError(t, m.Insert(string(rune('a'+i%26))+string(rune(i)), fakeArtifact{size: 1 << 20}))
	}
}

func TestManager_Erase(t *testing.T) {
	m, err := NewManager(100)
	require.NoError(t, err)

	require.NoError(t, m.Insert("a", fakeArtifact{size: 40}))
	m.Erase("a")

	_, ok := m.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, int64(0), m.Usage())
}
