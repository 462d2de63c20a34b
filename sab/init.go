package sab

import (
	"encoding/binary"
	"fmt"
)

// Initializer performs one-time buffer initialization at boot. Exactly one
// participant runs this; everyone else attaches and waits for the
// KERNEL_READY epoch to flip.
type Initializer struct {
	buf    []byte
	layout *Layout
}

// NewInitializer builds and validates the layout for the given buffer.
func NewInitializer(buf []byte) (*Initializer, error) {
	layout, err := NewLayout(uint32(len(buf)))
	if err != nil {
		return nil, err
	}
	return &Initializer{buf: buf, layout: layout}, nil
}

// Initialize zeroes every region, seeds cursors, re-validates the layout and
// flips the ready flag. Returns a LayoutError (fatal) on any misconfiguration.
func (si *Initializer) Initialize() error {
	for _, r := range si.layout.Regions() {
		si.zero(r.Offset, r.Size)
	}

	// Lease table cursor starts at the pool base.
	binary.LittleEndian.PutUint32(si.buf[OFFSET_EPOCH_LEASE+16:OFFSET_EPOCH_LEASE+20], LEASE_POOL_BASE)

	if err := si.layout.Validate(uint32(len(si.buf))); err != nil {
		return fmt.Errorf("layout validation failed: %w", err)
	}

	si.setReady()
	return nil
}

// Layout returns the validated layout.
func (si *Initializer) Layout() *Layout {
	return si.layout
}

// MemoryMap returns a human-readable memory map.
func (si *Initializer) MemoryMap() string {
	return si.layout.MemoryMap()
}

func (si *Initializer) zero(offset, size uint32) {
	region := si.buf[offset : offset+size]
	for i := range region {
		region[i] = 0
	}
}

// setReady flips IDX_KERNEL_READY 0 -> 1. Boot is single-threaded, so a plain
// store is sufficient here; attaching participants load it atomically.
func (si *Initializer) setReady() {
	binary.LittleEndian.PutUint32(si.buf[EpochSlotOffset(IDX_KERNEL_READY):EpochSlotOffset(IDX_KERNEL_READY)+4], 1)
}
