package arena

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAllocator carves an allocator with 4KB of managed space after the
// control block, seeded as a single top-level free block.
func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	buf := make([]byte, 8192)
	a, err := NewAllocator(buf, 64, controlBlockSize+4096, nil)
	require.NoError(t, err)
	return a
}

func TestAllocator_AllocateRoundsUpToClass(t *testing.T) {
	a := newTestAllocator(t)

	// 100 bytes plus the block header lands in the 128-byte class.
	block, err := a.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, uint32(128-blockHeaderSize), block.Size)
	assert.Len(t, a.View(block), 128-blockHeaderSize)

	block2, err := a.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(MinBlockSize-blockHeaderSize), block2.Size)
	assert.NotEqual(t, block.Offset, block2.Offset)
}

func TestAllocator_FreeCoalescesBackToOneBlock(t *testing.T) {
	a := newTestAllocator(t)
	topLevel := sizeToLevel(4096)

	before := a.Stats()
	assert.Equal(t, 1, before.Levels[topLevel].FreeBlocks)
	assert.Equal(t, uint32(0), before.Allocated)

	b1, err := a.Allocate(56) // fits the 64-byte class with its header
	require.NoError(t, err)
	b2, err := a.Allocate(56)
	require.NoError(t, err)

	mid := a.Stats()
	assert.Equal(t, 0, mid.Levels[topLevel].FreeBlocks)
	assert.Equal(t, uint32(128), mid.Allocated)

	require.NoError(t, a.Free(b1.Offset))
	require.NoError(t, a.Free(b2.Offset))

	after := a.Stats()
	assert.Equal(t, uint32(0), after.Allocated)
	assert.Equal(t, 1, after.Levels[topLevel].FreeBlocks, "buddies should coalesce back to the top block")
	for level := 0; level < topLevel; level++ {
		assert.Equal(t, 0, after.Levels[level].FreeBlocks, "level %d", level)
	}
}

func TestAllocator_OutOfMemory(t *testing.T) {
	a := newTestAllocator(t)

	// The whole managed space in one block.
	_, err := a.Allocate(4096 - blockHeaderSize)
	require.NoError(t, err)

	_, err = a.Allocate(56)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestAllocator_RejectsOversizeAndZero(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.Allocate(MaxBlockSize)
	assert.Error(t, err, "payload plus header exceeds the top class")

	_, err = a.Allocate(0)
	assert.Error(t, err)
}

func TestAllocator_DoubleFree(t *testing.T) {
	a := newTestAllocator(t)

	block, err := a.Allocate(56)
	require.NoError(t, err)
	require.NoError(t, a.Free(block.Offset))
	assert.Error(t, a.Free(block.Offset))
}

func TestAllocator_BusyWhenLockHeld(t *testing.T) {
	buf := make([]byte, 8192)
	a, err := NewAllocator(buf, 64, controlBlockSize+4096, nil)
	require.NoError(t, err)

	// Another runtime holding the lock word.
	binary.LittleEndian.PutUint32(buf[64:], 1)

	_, err = a.Allocate(56)
	assert.ErrorIs(t, err, ErrAllocatorBusy)
	assert.ErrorIs(t, a.Free(192), ErrAllocatorBusy)
	assert.NotZero(t, a.Stats().LockConflicts)

	// Lock released: allocation proceeds.
	binary.LittleEndian.PutUint32(buf[64:], 0)
	_, err = a.Allocate(56)
	assert.NoError(t, err)
}

func TestAllocator_FragmentationTracksInternalWaste(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.Allocate(100) // lands in a 128-byte class
	require.NoError(t, err)

	stats := a.Stats()
	assert.Equal(t, uint32(100), stats.Requested)
	assert.Equal(t, uint32(128), stats.Allocated)
	assert.InDelta(t, 100.0/128.0, stats.Fragmentation, 0.001)
}

func TestAllocator_ViewIsWritable(t *testing.T) {
	a := newTestAllocator(t)

	block, err := a.Allocate(56)
	require.NoError(t, err)
	view := a.View(block)
	copy(view, []byte("shared payload"))

	again := a.View(block)
	assert.Equal(t, []byte("shared payload"), again[:14])
}

func TestAllocator_SecondAttachSeesSameHeap(t *testing.T) {
	buf := make([]byte, 8192)
	a1, err := NewAllocator(buf, 64, controlBlockSize+4096, nil)
	require.NoError(t, err)

	block, err := a1.Allocate(56)
	require.NoError(t, err)
	copy(a1.View(block), []byte("cross-attach"))

	// A second attachment must not re-seed over live data.
	a2, err := NewAllocator(buf, 64, controlBlockSize+4096, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("cross-attach"), a2.View(block)[:12])
	assert.Equal(t, a1.Stats().Allocated, a2.Stats().Allocated)

	// Either attachment can free a block the other allocated.
	require.NoError(t, a2.Free(block.Offset))
	assert.Equal(t, uint32(0), a1.Stats().Allocated)
}

func TestSizeToLevel(t *testing.T) {
	assert.Equal(t, 0, sizeToLevel(1))
	assert.Equal(t, 0, sizeToLevel(64))
	assert.Equal(t, 1, sizeToLevel(65))
	assert.Equal(t, 1, sizeToLevel(128))
	assert.Equal(t, numLevels-1, sizeToLevel(MaxBlockSize))
	assert.Equal(t, uint32(MaxBlockSize), levelToSize(numLevels-1))
}
