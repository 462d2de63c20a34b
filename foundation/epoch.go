package foundation

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/nmxmxh/sabkit/sab"
)

// Epoch is an atomic monotonic counter in the AtomicFlags region, used purely
// for change notification. Discipline: exactly one writer per slot index; a
// design that genuinely needs multiple writers on one slot must go through
// CompareAndSwap, but the lease pool exists so it never has to.
//
// Waiter notification is per-process. Cross-process consumers poll
// HasChanged on their scheduler tick; both strategies satisfy the same
// monotonic-comparison contract (never edge-counting individual increments).
type Epoch struct {
	index     uint32
	buf       []byte
	lastValue uint32

	// Notification channels for waiters
	waiters   *[]chan struct{}
	waitersMu *sync.RWMutex

	stats *EpochStats
}

// EpochStats tracks epoch signaling metrics
type EpochStats struct {
	Increments uint64 // Total increments
	Wakes      uint64 // Total wake-ups
}

// NewEpoch attaches to the epoch slot at the given index.
func NewEpoch(buf []byte, index uint32) *Epoch {
	offset := sab.EpochSlotOffset(index)
	lastValue := atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[offset])))

	waiters := make([]chan struct{}, 0, 8)

	return &Epoch{
		index:     index,
		buf:       buf,
		lastValue: lastValue,
		waiters:   &waiters,
		waitersMu: &sync.RWMutex{},
		stats:     &EpochStats{},
	}
}

// Reader creates a new reader instance sharing the signaling mechanism but
// carrying its own last-seen cursor.
func (e *Epoch) Reader() *Epoch {
	offset := sab.EpochSlotOffset(e.index)
	lastValue := atomic.LoadUint32((*uint32)(unsafe.Pointer(&e.buf[offset])))

	return &Epoch{
		index:     e.index,
		buf:       e.buf,
		lastValue: lastValue,
		waiters:   e.waiters,
		waitersMu: e.waitersMu,
		stats:     e.stats,
	}
}

// Index returns the slot index this epoch signals on.
func (e *Epoch) Index() uint32 {
	return e.index
}

// Increment advances the epoch and wakes in-process waiters.
func (e *Epoch) Increment() uint32 {
	offset := sab.EpochSlotOffset(e.index)
	v := atomic.AddUint32((*uint32)(unsafe.Pointer(&e.buf[offset])), 1)
	atomic.AddUint64(&e.stats.Increments, 1)
	go e.notifyWaiters()
	return v
}

// Load returns the current epoch value.
func (e *Epoch) Load() uint32 {
	offset := sab.EpochSlotOffset(e.index)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&e.buf[offset])))
}

// HasChanged compares the current value against *lastSeen, updating it as a
// side effect. This is the only primitive most consumers need; polling hosts
// call it on a scheduler tick.
func (e *Epoch) HasChanged(lastSeen *uint32) bool {
	current := e.Load()
	if current != *lastSeen {
		*lastSeen = current
		return true
	}
	return false
}

// CompareAndSwap is the escape hatch for the rare multi-writer slot. The
// default single-owner numbering convention avoids needing it.
func (e *Epoch) CompareAndSwap(old, new uint32) bool {
	offset := sab.EpochSlotOffset(e.index)
	ok := atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&e.buf[offset])), old, new)
	if ok {
		go e.notifyWaiters()
	}
	return ok
}

// WaitForChange blocks until the epoch moves past this instance's last-seen
// value or the timeout elapses. Spin fast path, then parked on a waiter
// channel. Returns false on timeout.
func (e *Epoch) WaitForChange(timeout time.Duration) (bool, error) {
	start := time.Now()

	// Fast path
	current := e.Load()
	if current != e.lastValue {
		e.lastValue = current
		atomic.AddUint64(&e.stats.Wakes, 1)
		return true, nil
	}

	// Spin-wait
	spinDeadline := start.Add(time.Microsecond)
	for time.Now().Before(spinDeadline) {
		runtime.Gosched()
		current := e.Load()
		if current != e.lastValue {
			e.lastValue = current
			atomic.AddUint64(&e.stats.Wakes, 1)
			return true, nil
		}
	}

	// Register for notification
	ch := make(chan struct{}, 1)
	e.addWaiter(ch)
	defer e.removeWaiter(ch)

	// Re-check after registering: an increment may have slipped between the
	// spin loop and addWaiter.
	current = e.Load()
	if current != e.lastValue {
		e.lastValue = current
		atomic.AddUint64(&e.stats.Wakes, 1)
		return true, nil
	}

	select {
	case <-ch:
		e.lastValue = e.Load()
		atomic.AddUint64(&e.stats.Wakes, 1)
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

// Stats returns a snapshot of the signaling counters.
func (e *Epoch) Stats() EpochStats {
	return EpochStats{
		Increments: atomic.LoadUint64(&e.stats.Increments),
		Wakes:      atomic.LoadUint64(&e.stats.Wakes),
	}
}

func (e *Epoch) addWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	*e.waiters = append(*e.waiters, ch)
}

func (e *Epoch) removeWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i, waiter := range *e.waiters {
		if waiter == ch {
			*e.waiters = append((*e.waiters)[:i], (*e.waiters)[i+1:]...)
			break
		}
	}
}

func (e *Epoch) notifyWaiters() {
	e.waitersMu.RLock()
	waiters := make([]chan struct{}, len(*e.waiters))
	copy(waiters, *e.waiters)
	e.waitersMu.RUnlock()

	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
