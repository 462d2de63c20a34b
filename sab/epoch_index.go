package sab

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"sync"
)

// LeasePool manages dynamic allocation of epoch indices from the mid-range
// pool (LEASE_POOL_BASE..LEASE_POOL_BASE+LEASE_POOL_SIZE). The default
// numbering convention gives every epoch slot exactly one semantic owner;
// leasing from this pool is how dynamic participants obtain one without
// needing multi-writer CAS on a shared slot.
type LeasePool struct {
	buf   []byte
	table *leaseTable
	mu    sync.Mutex
}

// leaseTable mirrors the on-buffer lease region.
//
// Region layout: [bitmap:16][nextIndex:4][allocatedCount:4][pairCount:4]
// followed by (hash:4, index:1) pairs.
type leaseTable struct {
	UsedBitmap     [16]uint8
	NextIndex      uint32
	AllocatedCount uint32
	Leases         map[uint32]uint8
}

// NewLeasePool attaches a lease pool to the shared buffer, loading any
// existing lease table written by another participant.
func NewLeasePool(buf []byte) (*LeasePool, error) {
	if len(buf) < int(OFFSET_EPOCH_LEASE+SIZE_EPOCH_LEASE) {
		return nil, errors.New("buffer too small for epoch lease table")
	}

	lp := &LeasePool{
		buf: buf,
		table: &leaseTable{
			NextIndex: LEASE_POOL_BASE,
			Leases:    make(map[uint32]uint8),
		},
	}
	lp.load()

	// System epochs (0..LEASE_POOL_BASE-1) are never leased.
	for i := uint32(0); i < LEASE_POOL_BASE; i++ {
		lp.table.markUsed(i)
	}

	return lp, nil
}

// Lease allocates an epoch index for the given owner ID. Leasing is
// idempotent per owner: a second call returns the same index.
func (lp *LeasePool) Lease(ownerID string) (uint32, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	hash := crc32.ChecksumIEEE([]byte(ownerID))
	if idx, exists := lp.table.Leases[hash]; exists {
		return uint32(idx), nil
	}

	index, err := lp.findFree()
	if err != nil {
		return 0, err
	}

	lp.table.markUsed(index)
	lp.table.Leases[hash] = uint8(index)
	lp.table.AllocatedCount++
	lp.table.NextIndex = index + 1
	lp.store()

	return index, nil
}

// Release returns an owner's epoch index to the pool.
func (lp *LeasePool) Release(ownerID string) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	hash := crc32.ChecksumIEEE([]byte(ownerID))
	idx, exists := lp.table.Leases[hash]
	if !exists {
		return errors.New("owner holds no epoch lease")
	}

	lp.table.markFree(uint32(idx))
	delete(lp.table.Leases, hash)
	lp.table.AllocatedCount--
	if uint32(idx) < lp.table.NextIndex {
		lp.table.NextIndex = uint32(idx)
	}
	lp.store()
	return nil
}

// Index returns the epoch index leased to an owner.
func (lp *LeasePool) Index(ownerID string) (uint32, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	hash := crc32.ChecksumIEEE([]byte(ownerID))
	idx, exists := lp.table.Leases[hash]
	if !exists {
		return 0, errors.New("owner holds no epoch lease")
	}
	return uint32(idx), nil
}

// Allocated returns the number of leased indices.
func (lp *LeasePool) Allocated() uint32 {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.table.AllocatedCount
}

// Available returns the number of indices still free in the pool.
func (lp *LeasePool) Available() uint32 {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return LEASE_POOL_SIZE - lp.table.AllocatedCount
}

// IsUsed reports whether an index is currently leased (or reserved).
func (lp *LeasePool) IsUsed(index uint32) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.table.isUsed(index)
}

func (lp *LeasePool) findFree() (uint32, error) {
	start := lp.table.NextIndex
	if start < LEASE_POOL_BASE || start >= LEASE_POOL_BASE+LEASE_POOL_SIZE {
		start = LEASE_POOL_BASE
	}

	for i := start; i < LEASE_POOL_BASE+LEASE_POOL_SIZE; i++ {
		if !lp.table.isUsed(i) {
			return i, nil
		}
	}
	for i := uint32(LEASE_POOL_BASE); i < start; i++ {
		if !lp.table.isUsed(i) {
			return i, nil
		}
	}
	return 0, errors.New("epoch lease pool exhausted")
}

func (lp *LeasePool) load() {
	offset := uint32(OFFSET_EPOCH_LEASE)

	copy(lp.table.UsedBitmap[:], lp.buf[offset:offset+16])
	offset += 16

	lp.table.NextIndex = binary.LittleEndian.Uint32(lp.buf[offset : offset+4])
	offset += 4
	lp.table.AllocatedCount = binary.LittleEndian.Uint32(lp.buf[offset : offset+4])
	offset += 4

	count := binary.LittleEndian.Uint32(lp.buf[offset : offset+4])
	offset += 4

	lp.table.Leases = make(map[uint32]uint8, count)
	for i := uint32(0); i < count && i < LEASE_POOL_SIZE; i++ {
		hash := binary.LittleEndian.Uint32(lp.buf[offset : offset+4])
		offset += 4
		index := lp.buf[offset]
		offset++
		lp.table.Leases[hash] = index
	}

	if lp.table.NextIndex == 0 {
		lp.table.NextIndex = LEASE_POOL_BASE
	}
}

func (lp *LeasePool) store() {
	offset := uint32(OFFSET_EPOCH_LEASE)

	copy(lp.buf[offset:offset+16], lp.table.UsedBitmap[:])
	offset += 16

	binary.LittleEndian.PutUint32(lp.buf[offset:offset+4], lp.table.NextIndex)
	offset += 4
	binary.LittleEndian.PutUint32(lp.buf[offset:offset+4], lp.table.AllocatedCount)
	offset += 4

	binary.LittleEndian.PutUint32(lp.buf[offset:offset+4], uint32(len(lp.table.Leases)))
	offset += 4

	for hash, index := range lp.table.Leases {
		binary.LittleEndian.PutUint32(lp.buf[offset:offset+4], hash)
		offset += 4
		lp.buf[offset] = index
		offset++
	}
}

func (t *leaseTable) markUsed(index uint32) {
	t.UsedBitmap[index/8] |= 1 << (index % 8)
}

func (t *leaseTable) markFree(index uint32) {
	t.UsedBitmap[index/8] &^= 1 << (index % 8)
}

func (t *leaseTable) isUsed(index uint32) bool {
	return (t.UsedBitmap[index/8] & (1 << (index % 8))) != 0
}
