package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounded_SetGet(t *testing.T) {
	b := NewBounded[int](4, nil, nil)

	b.Set("a", 1)
	b.Set("b", 2)

	v, ok := b.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, b.Len())

	// Update does not grow the map.
	b.Set("a", 10)
	v, _ = b.Get("a")
	assert.Equal(t, 10, v)
	assert.Equal(t, 2, b.Len())
}

func TestBounded_EvictsLeastRecentlyUsed(t *testing.T) {
	var evictedKeys []string
	b := NewBounded[int](2, func(k string, v int) {
		evictedKeys = append(evictedKeys, k)
	}, nil)

	b.Set("a", 1)
	b.Set("b", 2)

	// Touch "a" so "b" becomes the LRU entry.
	_, ok := b.Get("a")
	require.True(t, ok)

	b.Set("c", 3)

	assert.Equal(t, []string{"b"}, evictedKeys)
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.Has("a"))
	assert.True(t, b.Has("c"))
	assert.False(t, b.Has("b"))
}

func TestBounded_HasDoesNotPromote(t *testing.T) {
	b := NewBounded[int](2, nil, nil)
	b.Set("a", 1)
	b.Set("b", 2)

	// Has must not refresh "a"; inserting "c" should still evict it.
	require.True(t, b.Has("a"))
	b.Set("c", 3)

	assert.False(t, b.Has("a"))
	assert.True(t, b.Has("b"))
}

func TestBounded_DeleteAndClearSkipCallback(t *testing.T) {
	calls := 0
	b := NewBounded[int](4, func(string, int) { calls++ }, nil)

	b.Set("a", 1)
	b.Set("b", 2)
	assert.True(t, b.Delete("a"))
	assert.False(t, b.Delete("a"))
	b.Clear()

	assert.Zero(t, calls)
	assert.Zero(t, b.Len())
}

func TestBounded_EntriesMRUFirst(t *testing.T) {
	b := NewBounded[int](4, nil, nil)
	b.Set("a", 1)
	b.Set("b", 2)
	b.Set("c", 3)
	_, _ = b.Get("a") // "a" becomes most recent

	entries := b.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, "c", entries[1].Key)
	assert.Equal(t, "b", entries[2].Key)
}

func TestBounded_CallbackPanicRecovered(t *testing.T) {
	b := NewBounded[int](1, func(string, int) { panic("boom") }, nil)

	b.Set("a", 1)
	require.NotPanics(t, func() { b.Set("b", 2) })
	assert.True(t, b.Has("b"))
}

func TestBounded_ClampsCapacity(t *testing.T) {
	b := NewBounded[int](0, nil, nil)
	b.Set("a", 1)
	b.Set("b", 2)
	assert.Equal(t, 1, b.Len())
}
