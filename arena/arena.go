// Package arena provides dynamic allocation inside the shared buffer's arena
// region. Offsets returned here are buffer offsets, valid in every attached
// runtime; the allocator never hands out Go pointers.
package arena

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/sabkit/foundation"
)

// ErrOutOfMemory means no block of the requested class (or any splittable
// larger class) is free. Callers fall back to smaller payloads or free first.
var ErrOutOfMemory = errors.New("arena: out of memory")

// ErrAllocatorBusy means the cross-runtime lock word stayed contended past the
// retry bound. Transient: callers retry with backoff.
var ErrAllocatorBusy = errors.New("arena: allocator busy")

// Control block at the head of the region: [lock:u32][seeded:u32]
// [freeListHeads:numLevels x u32]. The buddy-managed area starts after it.
const (
	controlBlockSize = 64

	ctrlLock  = 0
	ctrlMagic = 4
	ctrlHeads = 8

	lockRetries = 128
)

// Block is an allocation handle. Offset is a buffer offset usable by any
// attached runtime; Size is the usable payload capacity, >= the requested
// size.
type Block struct {
	Offset uint32
	Size   uint32
}

// AllocatorStats is a point-in-time usage snapshot. Requested and
// Fragmentation cover blocks allocated through this attachment; the byte
// counters cover the whole shared heap.
type AllocatorStats struct {
	TotalSize     uint32
	Allocated     uint32
	Requested     uint32
	Free          uint32
	Fragmentation float32 // requested bytes / allocated bytes, observability only
	LockConflicts uint64
	Levels        [numLevels]LevelStats
}

// Allocator is the arena-region buddy allocator guarded by a lock word in the
// buffer itself, so mutations are serialized across every attached runtime.
// The heap structure is entirely buffer-resident; attaching a second
// allocator to a populated arena is safe and sees the same blocks.
type Allocator struct {
	buf        []byte
	baseOffset uint32
	inner      *buddy
	epoch      *foundation.Epoch

	requested     map[uint32]uint32 // offset -> requested size, local blocks
	liveRequested uint32
	conflicts     uint64
}

// NewAllocator attaches an allocator to the arena region, seeding the free
// lists if no participant has yet. epoch may be nil for callers that do not
// publish arena mutations.
func NewAllocator(buf []byte, baseOffset, totalSize uint32, epoch *foundation.Epoch) (*Allocator, error) {
	if totalSize < controlBlockSize+MinBlockSize {
		return nil, fmt.Errorf("arena: region of %d bytes too small", totalSize)
	}
	if baseOffset%8 != 0 {
		return nil, fmt.Errorf("arena: base offset 0x%X not 8-byte aligned", baseOffset)
	}
	if uint32(len(buf)) < baseOffset+totalSize {
		return nil, fmt.Errorf("arena: region [0x%X, 0x%X) exceeds buffer", baseOffset, baseOffset+totalSize)
	}

	managed := (totalSize - controlBlockSize) / MinBlockSize * MinBlockSize
	a := &Allocator{
		buf:        buf,
		baseOffset: baseOffset,
		inner: newBuddy(buf, baseOffset+controlBlockSize, managed,
			baseOffset+ctrlMagic, baseOffset+ctrlHeads),
		epoch:     epoch,
		requested: make(map[uint32]uint32),
	}

	if err := a.acquire(); err != nil {
		return nil, err
	}
	if !a.inner.seeded() {
		a.inner.seed()
	}
	a.release()
	return a, nil
}

// Allocate reserves a block of at least size bytes and returns its handle.
func (a *Allocator) Allocate(size uint32) (Block, error) {
	if size == 0 {
		return Block{}, fmt.Errorf("arena: zero-size allocation")
	}
	if err := a.acquire(); err != nil {
		return Block{}, err
	}
	defer a.release()

	offset, err := a.inner.allocate(size)
	if err != nil {
		return Block{}, err
	}
	usable, err := a.inner.usableSize(offset)
	if err != nil {
		return Block{}, err
	}

	a.requested[offset] = size
	a.liveRequested += size

	if a.epoch != nil {
		a.epoch.Increment()
	}
	return Block{Offset: offset, Size: usable}, nil
}

// Free returns a block to its free list, coalescing with its buddy chain.
func (a *Allocator) Free(offset uint32) error {
	if err := a.acquire(); err != nil {
		return err
	}
	defer a.release()

	if _, err := a.inner.free(offset); err != nil {
		return err
	}
	if req, ok := a.requested[offset]; ok {
		a.liveRequested -= req
		delete(a.requested, offset)
	}

	if a.epoch != nil {
		a.epoch.Increment()
	}
	return nil
}

// View returns the block's bytes. The slice aliases the shared buffer.
func (a *Allocator) View(b Block) []byte {
	return a.buf[b.Offset : b.Offset+b.Size]
}

// Stats returns a usage snapshot including the fragmentation ratio.
func (a *Allocator) Stats() AllocatorStats {
	stats := AllocatorStats{
		TotalSize:     a.inner.totalSize,
		Requested:     a.liveRequested,
		LockConflicts: atomic.LoadUint64(&a.conflicts),
	}
	if err := a.acquire(); err != nil {
		return stats
	}
	free, levels := a.inner.snapshot()
	a.release()

	stats.Free = free
	stats.Allocated = a.inner.totalSize - free
	stats.Levels = levels
	if stats.Allocated > 0 {
		stats.Fragmentation = float32(a.liveRequested) / float32(stats.Allocated)
	}
	return stats
}

// acquire takes the cross-runtime lock word with a bounded CAS loop. The
// bound keeps a crashed lock holder from hanging everyone; callers see
// ErrAllocatorBusy and decide whether to retry or escalate.
func (a *Allocator) acquire() error {
	word := (*uint32)(unsafe.Pointer(&a.buf[a.baseOffset+ctrlLock]))
	for i := 0; i < lockRetries; i++ {
		if atomic.CompareAndSwapUint32(word, 0, 1) {
			return nil
		}
		atomic.AddUint64(&a.conflicts, 1)
		runtime.Gosched()
	}
	return ErrAllocatorBusy
}

func (a *Allocator) release() {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&a.buf[a.baseOffset+ctrlLock])), 0)
}
