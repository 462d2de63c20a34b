// Package registry implements the buffer-resident slot table mapping stable
// string identifiers to versioned payloads. The table itself lives in the
// registry region, so every attached runtime resolves the same entries by
// hashing the id and probing the same slot sequence.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/nmxmxh/sabkit/arena"
	"github.com/nmxmxh/sabkit/foundation"
)

// Slot layout (64 bytes, little-endian):
// [idHash:u64][version:u32][flags:u32][payloadLen:u32][overflowOff:u32]
// [overflowLen:u32][reserved:u32][inline payload:32]
const (
	SlotSize       = 64
	InlineCapacity = 32

	offIDHash      = 0
	offVersion     = 8
	offFlags       = 12
	offPayloadLen  = 16
	offOverflowOff = 20
	offOverflowLen = 24
	offInline      = 32

	flagUsed      = 1 << 0
	flagTombstone = 1 << 1
	flagOverflow  = 1 << 2
)

// ErrTableFull means every slot is used; capacity is fixed at layout time.
var ErrTableFull = errors.New("registry: slot table full")

// ErrNotFound marks a lookup or unregister of an unknown id.
var ErrNotFound = errors.New("registry: id not registered")

// Entry is a resolved registration. Payload is a copy; mutating it does not
// touch the buffer.
type Entry struct {
	ID      string
	Version uint32
	Payload []byte
}

// TableStats summarizes occupancy.
type TableStats struct {
	Slots      uint32
	Used       uint32
	Tombstones uint32
	Overflowed uint32
}

// Table is the slot table over the registry region. Payloads up to 32 bytes
// inline in the slot; larger ones spill into the arena as envelope records.
// The bloom filter short-circuits lookups of never-registered ids.
type Table struct {
	buf        []byte
	baseOffset uint32
	slotCount  uint32
	alloc      *arena.Allocator
	epoch      *foundation.Epoch
	filter     *bloom.BloomFilter
}

// NewTable attaches to the registry region. alloc may be nil, in which case
// payloads past InlineCapacity are rejected. Attaching rebuilds the bloom
// filter from the slots already present.
func NewTable(buf []byte, baseOffset, regionSize uint32, alloc *arena.Allocator, epoch *foundation.Epoch) (*Table, error) {
	if regionSize < SlotSize {
		return nil, fmt.Errorf("registry: region of %d bytes too small", regionSize)
	}
	if uint32(len(buf)) < baseOffset+regionSize {
		return nil, fmt.Errorf("registry: region [0x%X, 0x%X) exceeds buffer", baseOffset, baseOffset+regionSize)
	}

	t := &Table{
		buf:        buf,
		baseOffset: baseOffset,
		slotCount:  regionSize / SlotSize,
		alloc:      alloc,
		epoch:      epoch,
	}
	t.Reindex()
	return t, nil
}

// Register creates or updates an entry and returns its version. New entries
// start at version 1; updates bump the version so readers detect staleness by
// comparison.
func (t *Table) Register(id string, payload []byte) (uint32, error) {
	if id == "" {
		return 0, fmt.Errorf("registry: empty id")
	}
	if t.alloc == nil && uint32(len(payload)) > InlineCapacity {
		return 0, fmt.Errorf("registry: payload of %d bytes needs an arena-backed table", len(payload))
	}

	hash := xxhash.Sum64String(id)
	slot, existing := t.probe(hash)
	if slot < 0 {
		return 0, ErrTableFull
	}
	off := t.slotOffset(uint32(slot))

	version := uint32(1)
	if existing {
		version = binary.LittleEndian.Uint32(t.buf[off+offVersion:]) + 1
		if err := t.releaseOverflow(off); err != nil {
			return 0, err
		}
	}

	flags := uint32(flagUsed)
	var overflowOff, overflowLen uint32
	if uint32(len(payload)) > InlineCapacity {
		record, err := encodeRecord(id, version, payload)
		if err != nil {
			return 0, err
		}
		block, err := t.alloc.Allocate(uint32(len(record)))
		if err != nil {
			return 0, fmt.Errorf("registry: overflow allocation: %w", err)
		}
		copy(t.alloc.View(block), record)
		overflowOff = block.Offset
		overflowLen = uint32(len(record))
		flags |= flagOverflow
	}

	binary.LittleEndian.PutUint64(t.buf[off+offIDHash:], hash)
	binary.LittleEndian.PutUint32(t.buf[off+offVersion:], version)
	binary.LittleEndian.PutUint32(t.buf[off+offPayloadLen:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(t.buf[off+offOverflowOff:], overflowOff)
	binary.LittleEndian.PutUint32(t.buf[off+offOverflowLen:], overflowLen)
	if flags&flagOverflow == 0 {
		copy(t.buf[off+offInline:off+offInline+InlineCapacity], payload)
	}
	// Flags last: a slot becomes visible only once fully written.
	binary.LittleEndian.PutUint32(t.buf[off+offFlags:], flags)

	t.filterAdd(hash)
	if t.epoch != nil {
		t.epoch.Increment()
	}
	return version, nil
}

// Lookup resolves an id. Returns (entry, true, nil) on a hit and
// (zero, false, nil) on a clean miss.
func (t *Table) Lookup(id string) (Entry, bool, error) {
	hash := xxhash.Sum64String(id)
	if t.filter != nil && !t.filterTest(hash) {
		return Entry{}, false, nil
	}

	slot, existing := t.probe(hash)
	if slot < 0 || !existing {
		return Entry{}, false, nil
	}
	off := t.slotOffset(uint32(slot))

	version := binary.LittleEndian.Uint32(t.buf[off+offVersion:])
	flags := binary.LittleEndian.Uint32(t.buf[off+offFlags:])
	payloadLen := binary.LittleEndian.Uint32(t.buf[off+offPayloadLen:])

	if flags&flagOverflow != 0 {
		overflowOff := binary.LittleEndian.Uint32(t.buf[off+offOverflowOff:])
		overflowLen := binary.LittleEndian.Uint32(t.buf[off+offOverflowLen:])
		recID, recVersion, payload, err := decodeRecord(t.buf[overflowOff : overflowOff+overflowLen])
		if err != nil {
			return Entry{}, false, err
		}
		if recID != id {
			return Entry{}, false, fmt.Errorf("registry: overflow record id mismatch for %q", id)
		}
		return Entry{ID: id, Version: recVersion, Payload: payload}, true, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, t.buf[off+offInline:off+offInline+payloadLen])
	return Entry{ID: id, Version: version, Payload: payload}, true, nil
}

// Unregister tombstones an entry and releases its overflow block. Tombstones
// keep probe chains intact; Reindex cannot reclaim them, only reuse can.
func (t *Table) Unregister(id string) error {
	hash := xxhash.Sum64String(id)
	slot, existing := t.probe(hash)
	if slot < 0 || !existing {
		return ErrNotFound
	}
	off := t.slotOffset(uint32(slot))

	if err := t.releaseOverflow(off); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(t.buf[off+offFlags:], flagTombstone)

	if t.epoch != nil {
		t.epoch.Increment()
	}
	return nil
}

// Reindex rebuilds the bloom filter from the live slots. Needed after
// attaching to a populated buffer and after heavy unregister churn, since the
// filter cannot forget.
func (t *Table) Reindex() {
	filter := bloom.NewWithEstimates(uint(t.slotCount)*4, 0.01)
	for i := uint32(0); i < t.slotCount; i++ {
		off := t.slotOffset(i)
		flags := binary.LittleEndian.Uint32(t.buf[off+offFlags:])
		if flags&flagUsed == 0 {
			continue
		}
		var key [8]byte
		binary.LittleEndian.PutUint64(key[:], binary.LittleEndian.Uint64(t.buf[off+offIDHash:]))
		filter.Add(key[:])
	}
	t.filter = filter
}

// Stats returns occupancy counters.
func (t *Table) Stats() TableStats {
	stats := TableStats{Slots: t.slotCount}
	for i := uint32(0); i < t.slotCount; i++ {
		flags := binary.LittleEndian.Uint32(t.buf[t.slotOffset(i)+offFlags:])
		switch {
		case flags&flagUsed != 0 && flags&flagOverflow != 0:
			stats.Used++
			stats.Overflowed++
		case flags&flagUsed != 0:
			stats.Used++
		case flags&flagTombstone != 0:
			stats.Tombstones++
		}
	}
	return stats
}

// probe walks the linear chain for hash. Returns (slot, true) on an existing
// entry, (firstInsertable, false) when the id is absent, (-1, false) when the
// table has no room. Tombstones are insertable but do not stop the walk; a
// never-used slot does.
func (t *Table) probe(hash uint64) (int, bool) {
	start := uint32(hash % uint64(t.slotCount))
	insertAt := -1
	for i := uint32(0); i < t.slotCount; i++ {
		slot := (start + i) % t.slotCount
		off := t.slotOffset(slot)
		flags := binary.LittleEndian.Uint32(t.buf[off+offFlags:])

		if flags&flagUsed != 0 {
			if binary.LittleEndian.Uint64(t.buf[off+offIDHash:]) == hash {
				return int(slot), true
			}
			continue
		}
		if insertAt < 0 {
			insertAt = int(slot)
		}
		if flags&flagTombstone == 0 {
			return insertAt, false
		}
	}
	return insertAt, false
}

func (t *Table) releaseOverflow(off uint32) error {
	flags := binary.LittleEndian.Uint32(t.buf[off+offFlags:])
	if flags&flagOverflow == 0 {
		return nil
	}
	overflowOff := binary.LittleEndian.Uint32(t.buf[off+offOverflowOff:])
	if err := t.alloc.Free(overflowOff); err != nil {
		return fmt.Errorf("registry: release overflow: %w", err)
	}
	binary.LittleEndian.PutUint32(t.buf[off+offOverflowOff:], 0)
	binary.LittleEndian.PutUint32(t.buf[off+offOverflowLen:], 0)
	return nil
}

func (t *Table) slotOffset(slot uint32) uint32 {
	return t.baseOffset + slot*SlotSize
}

func (t *Table) filterAdd(hash uint64) {
	if t.filter == nil {
		return
	}
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], hash)
	t.filter.Add(key[:])
}

func (t *Table) filterTest(hash uint64) bool {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], hash)
	return t.filter.Test(key[:])
}
