package sab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout_ResolveIsStable(t *testing.T) {
	l1, err := NewLayout(BUFFER_SIZE_DEFAULT)
	require.NoError(t, err)
	l2, err := NewLayout(BUFFER_SIZE_DEFAULT)
	require.NoError(t, err)

	// Independent constructions resolve to identical addresses.
	for _, name := range []string{
		RegionNameAtomicFlags, RegionNameEpochLease, RegionNameGuards,
		RegionNameRegistry, RegionNameInbox, RegionNameOutbox,
		RegionNameStateA, RegionNameStateB, RegionNameArena,
	} {
		off1, size1, err := l1.Resolve(name)
		require.NoError(t, err)
		off2, size2, err := l2.Resolve(name)
		require.NoError(t, err)
		assert.Equal(t, off1, off2, name)
		assert.Equal(t, size1, size2, name)
	}
}

func TestLayout_KnownOffsets(t *testing.T) {
	l, err := NewLayout(BUFFER_SIZE_DEFAULT)
	require.NoError(t, err)

	off, size, err := l.Resolve(RegionNameInbox)
	require.NoError(t, err)
	assert.Equal(t, uint32(OFFSET_INBOX), off)
	assert.Equal(t, uint32(SIZE_INBOX), size)

	off, size, err = l.Resolve(RegionNameArena)
	require.NoError(t, err)
	assert.Equal(t, uint32(OFFSET_ARENA), off)
	assert.Equal(t, BUFFER_SIZE_DEFAULT-uint32(OFFSET_ARENA), size)
}

func TestLayout_UnknownRegion(t *testing.T) {
	l, err := NewLayout(BUFFER_SIZE_DEFAULT)
	require.NoError(t, err)

	_, _, err = l.Resolve("NoSuchRegion")
	require.Error(t, err)
	var le *LayoutError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "UNKNOWN_REGION", le.Code)
}

func TestLayout_BufferSizeBounds(t *testing.T) {
	_, err := NewLayout(BUFFER_SIZE_MIN - 1)
	assert.Error(t, err)

	_, err = NewLayout(BUFFER_SIZE_MAX + 1)
	assert.Error(t, err)

	_, err = NewLayout(BUFFER_SIZE_MIN)
	assert.NoError(t, err)
}

func TestLayout_RegionsAreDisjointAndAligned(t *testing.T) {
	l, err := NewLayout(BUFFER_SIZE_DEFAULT)
	require.NoError(t, err)

	regions := l.Regions()
	for i := 1; i < len(regions); i++ {
		prev, cur := regions[i-1], regions[i]
		assert.LessOrEqual(t, prev.End(), cur.Offset, "%s overlaps %s", prev.Name, cur.Name)
	}
	for _, r := range regions {
		assert.Zero(t, r.Offset%ALIGNMENT_ATOMIC, r.Name)
	}
}

func TestLayout_Extend(t *testing.T) {
	l, err := NewLayout(BUFFER_SIZE_DEFAULT)
	require.NoError(t, err)
	oldArena, err := l.Region(RegionNameArena)
	require.NoError(t, err)

	next, err := l.Extend("Telemetry", "Telemetry scratch region", 64*1024)
	require.NoError(t, err)

	assert.Equal(t, l.Version+1, next.Version)

	// Every pre-existing region keeps its address.
	for _, r := range l.Regions() {
		if r.Name == RegionNameArena {
			continue
		}
		nr, err := next.Region(r.Name)
		require.NoError(t, err)
		assert.Equal(t, r.Offset, nr.Offset, r.Name)
		assert.Equal(t, r.Size, nr.Size, r.Name)
	}

	// The new region is carved from the arena tail.
	added, err := next.Region("Telemetry")
	require.NoError(t, err)
	newArena, err := next.Region(RegionNameArena)
	require.NoError(t, err)
	assert.Equal(t, newArena.End(), added.Offset)
	assert.Equal(t, oldArena.End(), added.End())
	assert.Less(t, newArena.Size, oldArena.Size)

	// The old layout is untouched.
	stillOld, err := l.Region(RegionNameArena)
	require.NoError(t, err)
	assert.Equal(t, oldArena.Size, stillOld.Size)
}

func TestLayout_ExtendRejectsDuplicateAndOversize(t *testing.T) {
	l, err := NewLayout(BUFFER_SIZE_DEFAULT)
	require.NoError(t, err)

	_, err = l.Extend(RegionNameInbox, "dup", 1024)
	assert.Error(t, err)

	_, err = l.Extend("Huge", "bigger than the arena", BUFFER_SIZE_DEFAULT)
	assert.Error(t, err)
}

func TestAlignOffset(t *testing.T) {
	assert.Equal(t, uint32(0), AlignOffset(0, 8))
	assert.Equal(t, uint32(8), AlignOffset(1, 8))
	assert.Equal(t, uint32(8), AlignOffset(8, 8))
	assert.Equal(t, uint32(64), AlignOffset(33, 64))
}

func TestEpochSlotOffset(t *testing.T) {
	assert.Equal(t, uint32(OFFSET_ATOMIC_FLAGS), EpochSlotOffset(0))
	assert.Equal(t, uint32(OFFSET_ATOMIC_FLAGS+4), EpochSlotOffset(1))
	assert.Equal(t, uint32(OFFSET_ATOMIC_FLAGS+4*IDX_STATE_EPOCH), EpochSlotOffset(IDX_STATE_EPOCH))
}
