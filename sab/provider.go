package sab

import "errors"

// MemoryProvider abstracts access to the shared buffer.
// Implementations may be backed by mmap, an external host mapping, or
// in-process buffers.
type MemoryProvider interface {
	Size() uint32
	// Bytes exposes the mapped buffer for participants that address it
	// natively. Participants that cannot map the buffer go through
	// ReadAt/WriteAt bulk copies instead (see bridge.TwinBridge).
	Bytes() []byte
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	AtomicCAS32(offset uint32, old, new uint32) (bool, error)
	Close() error
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not 4-byte aligned")
