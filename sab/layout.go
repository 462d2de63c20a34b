package sab

import (
	"fmt"
	"sort"
	"strings"
)

// Shared buffer memory layout, version 1.
// Every participant computes these offsets independently; the table is fixed
// at boot and may only grow by appending new regions in a new layout version.

const (
	// Total buffer size (configurable, default 16MB)
	BUFFER_SIZE_DEFAULT = 16 * 1024 * 1024 // 16MB
	BUFFER_SIZE_MIN     = 1 * 1024 * 1024  // 1MB minimum
	BUFFER_SIZE_MAX     = 64 * 1024 * 1024 // 64MB maximum

	// ========== ATOMIC FLAGS (0x000000 - 0x000400) ==========
	// Epoch counters: 256 x u32 slots
	OFFSET_ATOMIC_FLAGS = 0x000000
	SIZE_ATOMIC_FLAGS   = 0x000400
	EPOCH_SLOT_COUNT    = 256

	// ========== EPOCH LEASE TABLE (0x000400 - 0x000600) ==========
	// Bitmap-tracked dynamic leasing of mid-range epoch indices
	OFFSET_EPOCH_LEASE = 0x000400
	SIZE_EPOCH_LEASE   = 0x000200

	// ========== REGION GUARDS (0x000600 - 0x000700) ==========
	// Per-region guard words: [lock, lastEpoch, violations, lastOwner]
	OFFSET_REGION_GUARDS    = 0x000600
	SIZE_REGION_GUARDS      = 0x000100
	REGION_GUARD_ENTRY_SIZE = 16
	REGION_GUARD_COUNT      = 16

	// ========== REGISTRY (0x000800 - 0x001800) ==========
	// Inline slot table with overflow to arena
	OFFSET_REGISTRY   = 0x000800
	SIZE_REGISTRY     = 0x001000
	REGISTRY_SLOT_SIZE = 64
	MAX_SLOTS_INLINE   = 64

	// ========== INBOX / OUTBOX RINGS (0x002000 - 0x022050) ==========
	// 16-byte cursor header + 64KB framed byte ring each
	OFFSET_INBOX = 0x002000
	SIZE_INBOX   = 0x010010

	OFFSET_OUTBOX = 0x012040
	SIZE_OUTBOX   = 0x010010

	// ========== STATE PING-PONG HALVES (0x022080 - 0x042080) ==========
	OFFSET_STATE_A = 0x022080
	SIZE_STATE_A   = 0x010000
	OFFSET_STATE_B = 0x032080
	SIZE_STATE_B   = 0x010000

	// ========== ARENA (0x042080 - end) ==========
	// Buddy-managed pool for variable-size overflow data
	OFFSET_ARENA = 0x042080
	// SIZE_ARENA calculated as: bufferSize - OFFSET_ARENA

	// ========== EPOCH INDEX ALLOCATION ==========
	// Fixed system epochs (0-31 reserved)
	IDX_KERNEL_READY   = 0
	IDX_INBOX_DIRTY    = 1 // Signal from producer to consumer (consumer watches this)
	IDX_OUTBOX_DIRTY   = 2 // Signal from consumer back to producer
	IDX_PANIC_STATE    = 3
	IDX_STATE_EPOCH    = 4 // Governs the StateA/StateB ping-pong pair
	IDX_REGISTRY_EPOCH = 5
	IDX_ARENA_EPOCH    = 6
	IDX_SYSTEM_EPOCH   = 7

	// Reserved for future system extensions (8-31)

	// Dynamically leased pool (32-127)
	LEASE_POOL_BASE = 32
	LEASE_POOL_SIZE = 96

	// Reserved for future expansion (128-255)
	RESERVED_POOL_BASE = 128
	RESERVED_POOL_SIZE = 128

	// ========== ALIGNMENT REQUIREMENTS ==========
	ALIGNMENT_ATOMIC     = 8  // Guarantees atomic-access compatibility
	ALIGNMENT_CACHE_LINE = 64 // Cache line alignment
)

// Canonical region names. Resolve() keys on these.
const (
	RegionNameAtomicFlags = "AtomicFlags"
	RegionNameEpochLease  = "EpochLease"
	RegionNameGuards      = "RegionGuards"
	RegionNameRegistry    = "Registry"
	RegionNameInbox       = "Inbox"
	RegionNameOutbox      = "Outbox"
	RegionNameStateA      = "StateA"
	RegionNameStateB      = "StateB"
	RegionNameArena       = "Arena"
)

// Region describes one named byte range in the shared buffer.
type Region struct {
	Name    string
	Offset  uint32
	Size    uint32
	Purpose string
}

// End returns the first byte past the region.
func (r Region) End() uint32 {
	return r.Offset + r.Size
}

// Layout is the versioned name -> (offset, size) table. It is immutable after
// construction; Extend returns a new layout with a bumped version.
type Layout struct {
	Version    uint32
	BufferSize uint32
	regions    []Region
	byName     map[string]int
}

// NewLayout builds the version-1 layout for a buffer of the given size and
// validates it. This is the one failure class that halts the whole process:
// every participant must compute identical offsets independently.
func NewLayout(bufferSize uint32) (*Layout, error) {
	l := &Layout{
		Version:    1,
		BufferSize: bufferSize,
		regions: []Region{
			{RegionNameAtomicFlags, OFFSET_ATOMIC_FLAGS, SIZE_ATOMIC_FLAGS, "Epoch counters and atomic flags"},
			{RegionNameEpochLease, OFFSET_EPOCH_LEASE, SIZE_EPOCH_LEASE, "Dynamic epoch index lease table"},
			{RegionNameGuards, OFFSET_REGION_GUARDS, SIZE_REGION_GUARDS, "Region ownership guard words"},
			{RegionNameRegistry, OFFSET_REGISTRY, SIZE_REGISTRY, "Slot registry with arena overflow"},
			{RegionNameInbox, OFFSET_INBOX, SIZE_INBOX, "Producer-to-consumer framed ring"},
			{RegionNameOutbox, OFFSET_OUTBOX, SIZE_OUTBOX, "Consumer-to-producer framed ring"},
			{RegionNameStateA, OFFSET_STATE_A, SIZE_STATE_A, "Ping-pong state half A"},
			{RegionNameStateB, OFFSET_STATE_B, SIZE_STATE_B, "Ping-pong state half B"},
			{RegionNameArena, OFFSET_ARENA, bufferSize - OFFSET_ARENA, "Buddy-managed overflow pool"},
		},
	}
	l.index()

	if err := l.Validate(bufferSize); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) index() {
	l.byName = make(map[string]int, len(l.regions))
	for i, r := range l.regions {
		l.byName[r.Name] = i
	}
}

// Resolve returns the absolute offset and size for a named region. The result
// is stable for the process lifetime and identical across independent callers.
func (l *Layout) Resolve(name string) (offset, size uint32, err error) {
	i, ok := l.byName[name]
	if !ok {
		return 0, 0, &LayoutError{Code: "UNKNOWN_REGION", Message: "no region named " + name}
	}
	r := l.regions[i]
	return r.Offset, r.Size, nil
}

// Region returns the full descriptor for a named region.
func (l *Layout) Region(name string) (Region, error) {
	i, ok := l.byName[name]
	if !ok {
		return Region{}, &LayoutError{Code: "UNKNOWN_REGION", Message: "no region named " + name}
	}
	return l.regions[i], nil
}

// Regions returns a copy of the region table in offset order.
func (l *Layout) Regions() []Region {
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Validate checks the layout against the provided buffer length: region
// bounds, pairwise overlap, and atomic alignment. Fatal at boot only.
func (l *Layout) Validate(bufferLen uint32) error {
	if bufferLen < BUFFER_SIZE_MIN {
		return &LayoutError{Code: "BUFFER_TOO_SMALL",
			Message: fmt.Sprintf("buffer size %d below minimum %d", bufferLen, BUFFER_SIZE_MIN)}
	}
	if bufferLen > BUFFER_SIZE_MAX {
		return &LayoutError{Code: "BUFFER_TOO_LARGE",
			Message: fmt.Sprintf("buffer size %d exceeds maximum %d", bufferLen, BUFFER_SIZE_MAX)}
	}

	for _, r := range l.regions {
		if r.Size == 0 {
			return &LayoutError{Code: "EMPTY_REGION", Message: "region " + r.Name + " has zero size"}
		}
		if r.Offset%ALIGNMENT_ATOMIC != 0 {
			return &LayoutError{Code: "MISALIGNED_REGION",
				Message: fmt.Sprintf("region %s offset 0x%X not %d-byte aligned", r.Name, r.Offset, ALIGNMENT_ATOMIC)}
		}
		if r.End() > bufferLen || r.End() < r.Offset {
			return &LayoutError{Code: "REGION_OUT_OF_BOUNDS",
				Message: fmt.Sprintf("region %s [0x%X, 0x%X) exceeds buffer of %d bytes", r.Name, r.Offset, r.End(), bufferLen)}
		}
	}

	for i := 0; i < len(l.regions); i++ {
		for j := i + 1; j < len(l.regions); j++ {
			r1, r2 := l.regions[i], l.regions[j]
			if r1.Offset < r2.End() && r1.End() > r2.Offset {
				return &LayoutError{Code: "REGION_OVERLAP",
					Message: "region " + r1.Name + " overlaps with " + r2.Name}
			}
		}
	}

	return nil
}

// Extend returns a NEW layout (version bumped) with an additional region
// appended after the highest existing offset. Existing offsets are never
// reused or resized; callers holding the old layout keep valid addresses.
//
// The appended region is carved from the tail of the Arena, so the new
// layout's Arena shrinks accordingly.
func (l *Layout) Extend(name, purpose string, size uint32) (*Layout, error) {
	if _, exists := l.byName[name]; exists {
		return nil, &LayoutError{Code: "REGION_EXISTS", Message: "region " + name + " already defined"}
	}
	size = AlignOffset(size, ALIGNMENT_ATOMIC)

	arenaIdx, ok := l.byName[RegionNameArena]
	if !ok {
		return nil, &LayoutError{Code: "NO_ARENA", Message: "layout has no arena to carve from"}
	}
	arena := l.regions[arenaIdx]
	if size >= arena.Size {
		return nil, &LayoutError{Code: "EXTEND_TOO_LARGE",
			Message: fmt.Sprintf("cannot carve %d bytes from %d-byte arena", size, arena.Size)}
	}

	next := &Layout{
		Version:    l.Version + 1,
		BufferSize: l.BufferSize,
		regions:    make([]Region, len(l.regions), len(l.regions)+1),
	}
	copy(next.regions, l.regions)

	newOffset := arena.End() - size
	newOffset = newOffset &^ (ALIGNMENT_ATOMIC - 1)
	next.regions[arenaIdx].Size = newOffset - arena.Offset
	next.regions = append(next.regions, Region{
		Name:    name,
		Offset:  newOffset,
		Size:    arena.End() - newOffset,
		Purpose: purpose,
	})
	next.index()

	if err := next.Validate(next.BufferSize); err != nil {
		return nil, err
	}
	return next, nil
}

// MemoryMap returns a human-readable table of all regions.
func (l *Layout) MemoryMap() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Layout v%d (%d bytes)\n", l.Version, l.BufferSize)
	for _, r := range l.Regions() {
		fmt.Fprintf(&b, "  0x%06X - 0x%06X  %-12s %s\n", r.Offset, r.End(), r.Name, r.Purpose)
	}
	return b.String()
}

// ArenaSize returns the size of the arena region for a given buffer size.
func ArenaSize(bufferSize uint32) uint32 {
	if bufferSize < OFFSET_ARENA {
		return 0
	}
	return bufferSize - OFFSET_ARENA
}

// AlignOffset aligns an offset up to the specified alignment (power of two).
func AlignOffset(offset, alignment uint32) uint32 {
	return (offset + alignment - 1) &^ (alignment - 1)
}

// EpochSlotOffset returns the byte offset of an epoch slot in the buffer.
func EpochSlotOffset(index uint32) uint32 {
	return OFFSET_ATOMIC_FLAGS + index*4
}

// LayoutError represents a memory layout error. It is the only error class
// that is fatal to the whole process.
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}
