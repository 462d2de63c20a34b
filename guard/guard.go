// Package guard enforces the region ownership policy through guard words in
// the shared buffer. Enforcement is soft: a denied acquire is reported and
// counted, never trapped, because no runtime can fault another's memory
// access. The violation counters are the audit trail supervisors watch.
package guard

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/sabkit/diag"
	"github.com/nmxmxh/sabkit/sab"
	"github.com/nmxmxh/sabkit/utils"
)

// Guard word layout (16 bytes per region, indexed by RegionID):
// [lock:u32][lastEpoch:u32][violations:u32][lastOwner:u32]
const (
	wordLock       = 0
	wordLastEpoch  = 4
	wordViolations = 8
	wordLastOwner  = 12
)

// Guard arbitrates write access to policy-protected regions.
type Guard struct {
	buf  []byte
	base uint32
	sink diag.Sink
}

// NewGuard attaches to the guard word table. Violations go to the logger sink
// until SetSink installs another destination.
func NewGuard(buf []byte) (*Guard, error) {
	end := uint32(sab.OFFSET_REGION_GUARDS + sab.SIZE_REGION_GUARDS)
	if uint32(len(buf)) < end {
		return nil, fmt.Errorf("guard: buffer of %d bytes too small", len(buf))
	}
	return &Guard{
		buf:  buf,
		base: sab.OFFSET_REGION_GUARDS,
		sink: diag.LoggerSink{Logger: utils.DefaultLogger("guard")},
	}, nil
}

// SetSink redirects violation events, e.g. onto a diagnostics ring.
func (g *Guard) SetSink(s diag.Sink) {
	if s != nil {
		g.sink = s
	}
}

// Acquire claims write access to a region. Returns false when the capability
// is not in the region's writer mask or another holder owns the lock; either
// way the violation counter records the denial.
func (g *Guard) Acquire(region sab.RegionID, cap sab.Capability) bool {
	policy := sab.PolicyFor(region)
	if policy.WriterMask&cap.Owner == 0 {
		g.recordViolation(region, cap.Owner, "not in writer mask")
		return false
	}

	if !atomic.CompareAndSwapUint32(g.word(region, wordLock), 0, uint32(cap.Owner)) {
		g.recordViolation(region, cap.Owner, "lock held")
		return false
	}
	atomic.StoreUint32(g.word(region, wordLastOwner), uint32(cap.Owner))
	return true
}

// Release drops write access. Releasing a region the capability does not hold
// is itself a violation and leaves the lock untouched.
func (g *Guard) Release(region sab.RegionID, cap sab.Capability) bool {
	if !atomic.CompareAndSwapUint32(g.word(region, wordLock), uint32(cap.Owner), 0) {
		g.recordViolation(region, cap.Owner, "release without hold")
		return false
	}
	return true
}

// CheckOwnership reports whether the capability currently holds the region.
func (g *Guard) CheckOwnership(region sab.RegionID, cap sab.Capability) bool {
	return atomic.LoadUint32(g.word(region, wordLock)) == uint32(cap.Owner)
}

// Holder returns the owner bits currently holding the region, zero if free.
func (g *Guard) Holder(region sab.RegionID) sab.RegionOwner {
	return sab.RegionOwner(atomic.LoadUint32(g.word(region, wordLock)))
}

// RecordEpoch stamps the epoch value observed at the holder's last write, so
// auditors can correlate guard activity with region signals.
func (g *Guard) RecordEpoch(region sab.RegionID, epochValue uint32) {
	atomic.StoreUint32(g.word(region, wordLastEpoch), epochValue)
}

// LastEpoch returns the most recently stamped epoch value for a region.
func (g *Guard) LastEpoch(region sab.RegionID) uint32 {
	return atomic.LoadUint32(g.word(region, wordLastEpoch))
}

// Violations returns the denial count for a region.
func (g *Guard) Violations(region sab.RegionID) uint32 {
	return atomic.LoadUint32(g.word(region, wordViolations))
}

// LastOwner returns the owner bits of the most recent successful acquire.
func (g *Guard) LastOwner(region sab.RegionID) sab.RegionOwner {
	return sab.RegionOwner(atomic.LoadUint32(g.word(region, wordLastOwner)))
}

func (g *Guard) recordViolation(region sab.RegionID, owner sab.RegionOwner, reason string) {
	count := atomic.AddUint32(g.word(region, wordViolations), 1)
	g.sink.Emit(diag.NewEvent(diag.KindGuardViolation, "guard",
		fmt.Sprintf("region %d owner %d: %s", region, owner, reason), uint64(count)))
}

func (g *Guard) word(region sab.RegionID, field uint32) *uint32 {
	off := g.base + uint32(region)*sab.REGION_GUARD_ENTRY_SIZE + field
	return (*uint32)(unsafe.Pointer(&g.buf[off]))
}
