// Package bridge maintains memory twins: private mirrors of shared-buffer
// regions for runtimes that cannot share memory directly. A twin is refreshed
// by bulk copy only when the governing epoch says the source moved, and each
// copy is validated against the epoch so a refresh never captures a torn
// snapshot.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/sabkit/foundation"
	"github.com/nmxmxh/sabkit/sab"
	"github.com/nmxmxh/sabkit/utils"
)

// TwinState tracks the twin lifecycle.
type TwinState int32

const (
	TwinIdle TwinState = iota
	TwinCopying
	TwinConsistent
)

func (s TwinState) String() string {
	switch s {
	case TwinIdle:
		return "idle"
	case TwinCopying:
		return "copying"
	case TwinConsistent:
		return "consistent"
	default:
		return "unknown"
	}
}

// ErrStaleTwin marks a local read before the first successful sync.
var ErrStaleTwin = errors.New("bridge: twin never synced")

// ErrEpochUnstable means the source kept mutating across the copy retry
// bound. Transient under a hot writer; callers retry on the next poll.
var ErrEpochUnstable = errors.New("bridge: source epoch unstable during copy")

// Target is where twin bytes land. The local in-process twin is a plain
// slice; a WASM guest twin exposes its linear memory.
type Target interface {
	Bytes() []byte
}

// sliceTarget is the default in-process target.
type sliceTarget struct{ data []byte }

func (t *sliceTarget) Bytes() []byte { return t.data }

// NewSliceTarget allocates a local twin target of the given size.
func NewSliceTarget(size uint32) Target {
	return &sliceTarget{data: make([]byte, size)}
}

// TwinStats counts sync outcomes.
type TwinStats struct {
	Syncs        uint64
	Skipped      uint64 // polls where the epoch had not moved
	Retries      uint64 // copies discarded because the epoch moved mid-copy
	Failures     uint64
	BytesCopied  uint64
	LastSyncTime time.Time
}

// TwinBridge mirrors one region of the shared buffer into a Target. Sync runs
// behind a circuit breaker so a twin stuck behind a hot writer backs off
// instead of hammering the source.
type TwinBridge struct {
	provider sab.MemoryProvider
	offset   uint32
	size     uint32
	epoch    *foundation.Epoch
	target   Target
	breaker  *gobreaker.CircuitBreaker
	logger   *utils.Logger

	state      int32
	lastPolled uint32
	syncedOnce bool

	mu    sync.Mutex
	stats TwinStats
}

// copyRetries bounds how many times one Sync re-reads after the epoch moved
// mid-copy before giving up with ErrEpochUnstable.
const copyRetries = 8

// NewTwinBridge builds a bridge mirroring [offset, offset+size) of the
// provider, governed by the given epoch, into target.
func NewTwinBridge(provider sab.MemoryProvider, offset, size uint32, epoch *foundation.Epoch, target Target) (*TwinBridge, error) {
	if provider == nil || epoch == nil || target == nil {
		return nil, fmt.Errorf("bridge: provider, epoch and target are required")
	}
	if uint32(len(target.Bytes())) < size {
		return nil, fmt.Errorf("bridge: target of %d bytes smaller than region of %d", len(target.Bytes()), size)
	}
	if offset+size > provider.Size() {
		return nil, fmt.Errorf("bridge: region [0x%X, 0x%X) exceeds provider", offset, offset+size)
	}

	tb := &TwinBridge{
		provider: provider,
		offset:   offset,
		size:     size,
		epoch:    epoch,
		target:   target,
		logger:   utils.DefaultLogger("twin"),
	}
	tb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twin-sync",
		MaxRequests: 1,
		Timeout:     250 * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return tb, nil
}

// Poll reports whether the source changed since the last poll. Cheap enough
// for a scheduler tick; a true result is the cue to Sync.
func (tb *TwinBridge) Poll() bool {
	if !tb.epoch.HasChanged(&tb.lastPolled) {
		tb.mu.Lock()
		tb.stats.Skipped++
		tb.mu.Unlock()
		return false
	}
	return true
}

// Sync refreshes the twin if the source moved. Copies are epoch-validated:
// the snapshot is kept only when the epoch reads the same value before and
// after the bulk copy. Returns the epoch value the twin is consistent at.
func (tb *TwinBridge) Sync() (uint32, error) {
	result, err := tb.breaker.Execute(func() (interface{}, error) {
		return tb.stableCopy()
	})
	if err != nil {
		tb.mu.Lock()
		tb.stats.Failures++
		tb.mu.Unlock()
		atomic.StoreInt32(&tb.state, int32(TwinIdle))
		return 0, err
	}

	epochValue := result.(uint32)
	tb.mu.Lock()
	tb.stats.Syncs++
	tb.stats.BytesCopied += uint64(tb.size)
	tb.stats.LastSyncTime = time.Now()
	tb.syncedOnce = true
	tb.mu.Unlock()
	atomic.StoreInt32(&tb.state, int32(TwinConsistent))
	return epochValue, nil
}

// stableCopy is the seqlock read side: load epoch, copy, reload epoch,
// discard and retry when the writer raced the copy.
func (tb *TwinBridge) stableCopy() (uint32, error) {
	atomic.StoreInt32(&tb.state, int32(TwinCopying))
	dest := tb.target.Bytes()[:tb.size]

	for attempt := 0; attempt < copyRetries; attempt++ {
		before := tb.epoch.Load()
		if err := tb.provider.ReadAt(tb.offset, dest); err != nil {
			return 0, fmt.Errorf("bridge: region read: %w", err)
		}
		after := tb.epoch.Load()
		if before == after {
			return after, nil
		}
		tb.mu.Lock()
		tb.stats.Retries++
		tb.mu.Unlock()
	}

	tb.logger.Warn("twin copy kept racing the writer",
		utils.Uint32("offset", tb.offset),
		utils.Int("retries", copyRetries),
	)
	return 0, ErrEpochUnstable
}

// ReadLocal returns the twin's consistent bytes. Fails with ErrStaleTwin
// before the first sync; afterwards reads never block on the source.
func (tb *TwinBridge) ReadLocal() ([]byte, error) {
	tb.mu.Lock()
	synced := tb.syncedOnce
	tb.mu.Unlock()
	if !synced {
		return nil, ErrStaleTwin
	}
	return tb.target.Bytes()[:tb.size], nil
}

// State returns the current twin state.
func (tb *TwinBridge) State() TwinState {
	return TwinState(atomic.LoadInt32(&tb.state))
}

// Stats returns a snapshot of the sync counters.
func (tb *TwinBridge) Stats() TwinStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.stats
}
