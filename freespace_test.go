package pagedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryFreeSpaceHandlerAllocateFromFreedRun(t *testing.T) {
	h := NewInMemoryFreeSpaceHandler()

	_, ok := h.TryAllocateFromFreeSpace(nil, 2)
	assert.False(t, ok, "nothing has been freed yet")

	h.FreePage(nil, 10)
	h.FreePage(nil, 11)

	start, ok := h.TryAllocateFromFreeSpace(nil, 2)
	require.True(t, ok)
	assert.Equal(t, pgid(10), start)

	_, ok = h.TryAllocateFromFreeSpace(nil, 1)
	assert.False(t, ok, "the run was fully consumed")
}

func TestInMemoryFreeSpaceHandlerCoalescesAdjacentRuns(t *testing.T) {
	h := NewInMemoryFreeSpaceHandler().(*inMemoryFreeSpaceHandler)

	h.FreePage(nil, 4)
	h.FreePage(nil, 5)
	h.FreePage(nil, 6)

	assert.Len(t, h.runs, 1)
	assert.Equal(t, 3, h.runs[4])
}

func TestInMemoryFreeSpaceHandlerPartialAllocationLeavesRemainder(t *testing.T) {
	h := NewInMemoryFreeSpaceHandler().(*inMemoryFreeSpaceHandler)
	h.FreePage(nil, 1)
	h.FreePage(nil, 2)
	h.FreePage(nil, 3)

	start, ok := h.TryAllocateFromFreeSpace(nil, 1)
	require.True(t, ok)
	assert.Equal(t, pgid(1), start)
	assert.Equal(t, 2, h.runs[2])
}
