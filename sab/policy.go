package sab

import "github.com/google/uuid"

// RegionOwner is the participant bitmask shared across runtimes.
type RegionOwner uint32

const (
	RegionOwnerOrchestrator RegionOwner = 1 << 0
	RegionOwnerEngine       RegionOwner = 1 << 1
	RegionOwnerHost         RegionOwner = 1 << 2
	RegionOwnerSystem       RegionOwner = 1 << 3
)

// AccessMode defines how a region is protected.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessSingleWriter
	AccessMultiWriter
)

// RegionID identifies guard-protected regions. Values index the guard word
// table, so they are part of the cross-runtime convention.
type RegionID uint32

const (
	RegionInbox RegionID = iota
	RegionOutbox
	RegionStateA
	RegionStateB
	RegionRegistry
	RegionArena
)

// RegionPolicy declares who can access a region and how, plus the epoch slot
// that governs it (nil if the region has no dirty signal).
type RegionPolicy struct {
	RegionID   RegionID
	Name       string
	Access     AccessMode
	WriterMask RegionOwner
	ReaderMask RegionOwner
	EpochIndex *uint32
}

// Capability is a participant's write-authority token. The owner bits are the
// shared on-buffer representation; the token identifies the holder locally.
type Capability struct {
	Owner RegionOwner
	Token string
}

// NewCapability mints a capability for a participant class.
func NewCapability(owner RegionOwner) Capability {
	return Capability{Owner: owner, Token: uuid.NewString()}
}

// PolicyFor returns the canonical policy for a region. This table is the
// out-of-band convention every participant must agree on.
func PolicyFor(region RegionID) RegionPolicy {
	switch region {
	case RegionInbox:
		return RegionPolicy{
			RegionID:   region,
			Name:       RegionNameInbox,
			Access:     AccessSingleWriter,
			WriterMask: RegionOwnerOrchestrator,
			ReaderMask: RegionOwnerEngine | RegionOwnerHost,
			EpochIndex: ptrUint32(IDX_INBOX_DIRTY),
		}
	case RegionOutbox:
		return RegionPolicy{
			RegionID:   region,
			Name:       RegionNameOutbox,
			Access:     AccessSingleWriter,
			WriterMask: RegionOwnerEngine,
			ReaderMask: RegionOwnerOrchestrator,
			EpochIndex: ptrUint32(IDX_OUTBOX_DIRTY),
		}
	case RegionStateA:
		return RegionPolicy{
			RegionID:   region,
			Name:       RegionNameStateA,
			Access:     AccessSingleWriter,
			WriterMask: RegionOwnerEngine,
			ReaderMask: RegionOwnerOrchestrator | RegionOwnerHost,
			EpochIndex: ptrUint32(IDX_STATE_EPOCH),
		}
	case RegionStateB:
		return RegionPolicy{
			RegionID:   region,
			Name:       RegionNameStateB,
			Access:     AccessSingleWriter,
			WriterMask: RegionOwnerEngine,
			ReaderMask: RegionOwnerOrchestrator | RegionOwnerHost,
			EpochIndex: ptrUint32(IDX_STATE_EPOCH),
		}
	case RegionRegistry:
		return RegionPolicy{
			RegionID:   region,
			Name:       RegionNameRegistry,
			Access:     AccessMultiWriter,
			WriterMask: RegionOwnerOrchestrator | RegionOwnerEngine,
			ReaderMask: RegionOwnerOrchestrator | RegionOwnerEngine | RegionOwnerHost,
			EpochIndex: ptrUint32(IDX_REGISTRY_EPOCH),
		}
	case RegionArena:
		return RegionPolicy{
			RegionID:   region,
			Name:       RegionNameArena,
			Access:     AccessMultiWriter,
			WriterMask: RegionOwnerOrchestrator | RegionOwnerEngine,
			ReaderMask: RegionOwnerOrchestrator | RegionOwnerEngine | RegionOwnerHost,
			EpochIndex: ptrUint32(IDX_ARENA_EPOCH),
		}
	default:
		return RegionPolicy{
			RegionID:   region,
			Access:     AccessReadOnly,
			WriterMask: 0,
			ReaderMask: 0,
			EpochIndex: nil,
		}
	}
}

func ptrUint32(v uint32) *uint32 {
	return &v
}
