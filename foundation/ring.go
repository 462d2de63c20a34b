package foundation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Ring header layout (first 16 bytes of the region):
// [head:4][tail:4][fill:4][reserved:4]. Cursors are monotonic u32 counters;
// positions are cursor & (capacity-1). The header lives inside the ring's own
// region so independent runtimes locate it from the layout alone.
const (
	ringHeaderSize = 16

	offHead = 0
	offTail = 4
	offFill = 8
)

// ErrMessageTooLarge marks a frame that can never fit the channel. Permanent:
// retrying the same payload is pointless.
var ErrMessageTooLarge = errors.New("ring: message exceeds channel capacity")

// ErrBadFrame indicates a corrupted length prefix.
var ErrBadFrame = errors.New("ring: corrupted frame header")

// RingChannel is a single-producer/single-consumer framed byte queue over one
// region. Frames are [len:u32][body:len]. The producer release-stores tail
// only after the full frame is written; the consumer copies a frame out
// before advancing head, so a partially-written frame is never observable.
type RingChannel struct {
	buf      []byte
	base     uint32 // region offset (header lives here)
	data     uint32 // base + ringHeaderSize
	capacity uint32 // power of two
	mask     uint32
	epoch    *Epoch // governing epoch, incremented per successful write
	stats    RingStats
}

// RingStats tracks channel throughput.
type RingStats struct {
	Written  uint64
	Read     uint64
	Rejected uint64 // transient full rejections
	MaxFill  uint32
}

// NewRingChannel attaches a ring channel to a region. The region must hold
// the 16-byte header plus a power-of-two data area.
func NewRingChannel(buf []byte, regionOffset, regionSize uint32, epoch *Epoch) (*RingChannel, error) {
	if regionSize <= ringHeaderSize {
		return nil, fmt.Errorf("ring: region of %d bytes too small", regionSize)
	}
	capacity := regionSize - ringHeaderSize
	if capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: data capacity %d must be a power of two", capacity)
	}
	if regionOffset%8 != 0 {
		return nil, fmt.Errorf("ring: region offset 0x%X not 8-byte aligned", regionOffset)
	}
	if uint32(len(buf)) < regionOffset+regionSize {
		return nil, fmt.Errorf("ring: region [0x%X, 0x%X) exceeds buffer", regionOffset, regionOffset+regionSize)
	}

	return &RingChannel{
		buf:      buf,
		base:     regionOffset,
		data:     regionOffset + ringHeaderSize,
		capacity: capacity,
		mask:     capacity - 1,
		epoch:    epoch,
	}, nil
}

// Capacity returns the data capacity in bytes.
func (rc *RingChannel) Capacity() uint32 {
	return rc.capacity
}

// MaxMessageSize returns the largest body that can ever be written.
func (rc *RingChannel) MaxMessageSize() uint32 {
	return rc.capacity - 4
}

// TryWrite enqueues one frame. Returns (false, nil) when there is not enough
// free space right now (transient, caller retries with backoff) and
// (false, ErrMessageTooLarge) when the frame can never fit (permanent). No
// channel state is mutated on either failure. A successful write increments
// the governing epoch.
func (rc *RingChannel) TryWrite(msg []byte) (bool, error) {
	frame := 4 + uint32(len(msg))
	if uint32(len(msg)) > rc.MaxMessageSize() {
		return false, ErrMessageTooLarge
	}

	head := atomic.LoadUint32(rc.word(offHead)) // acquire consumer progress
	tail := atomic.LoadUint32(rc.word(offTail)) // producer owns tail

	free := rc.capacity - (tail - head)
	if free < frame {
		atomic.AddUint64(&rc.stats.Rejected, 1)
		return false, nil
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	rc.copyIn(tail, lenBuf[:])
	rc.copyIn(tail+4, msg)

	// Full frame is in place; publish it.
	atomic.StoreUint32(rc.word(offTail), tail+frame)
	fill := atomic.AddUint32(rc.word(offFill), frame)
	if fill > atomic.LoadUint32(&rc.stats.MaxFill) {
		atomic.StoreUint32(&rc.stats.MaxFill, fill)
	}
	atomic.AddUint64(&rc.stats.Written, 1)

	if rc.epoch != nil {
		rc.epoch.Increment()
	}
	return true, nil
}

// TryRead dequeues one frame, returning nil when the channel is empty
// (head == tail). The frame is fully copied out before head advances.
func (rc *RingChannel) TryRead() ([]byte, error) {
	head := atomic.LoadUint32(rc.word(offHead)) // consumer owns head
	tail := atomic.LoadUint32(rc.word(offTail)) // acquire producer progress
	if head == tail {
		return nil, nil
	}

	var lenBuf [4]byte
	rc.copyOut(head, lenBuf[:])
	ln := binary.LittleEndian.Uint32(lenBuf[:])
	if ln > rc.MaxMessageSize() || 4+ln > tail-head {
		return nil, ErrBadFrame
	}

	out := make([]byte, ln)
	rc.copyOut(head+4, out)

	atomic.StoreUint32(rc.word(offHead), head+4+ln)
	atomic.AddUint32(rc.word(offFill), ^uint32(4 + ln - 1)) // subtract frame
	atomic.AddUint64(&rc.stats.Read, 1)

	return out, nil
}

// FillLevel returns the number of queued bytes including framing. Upstream
// byte sources use it to throttle instead of spinning on TryWrite failures.
func (rc *RingChannel) FillLevel() uint32 {
	return atomic.LoadUint32(rc.word(offFill))
}

// Stats returns a throughput snapshot.
func (rc *RingChannel) Stats() RingStats {
	return RingStats{
		Written:  atomic.LoadUint64(&rc.stats.Written),
		Read:     atomic.LoadUint64(&rc.stats.Read),
		Rejected: atomic.LoadUint64(&rc.stats.Rejected),
		MaxFill:  atomic.LoadUint32(&rc.stats.MaxFill),
	}
}

func (rc *RingChannel) word(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&rc.buf[rc.base+off]))
}

func (rc *RingChannel) copyIn(cursor uint32, src []byte) {
	idx := cursor & rc.mask
	first := rc.capacity - idx
	if uint32(len(src)) <= first {
		copy(rc.buf[rc.data+idx:], src)
		return
	}
	copy(rc.buf[rc.data+idx:rc.data+rc.capacity], src[:first])
	copy(rc.buf[rc.data:], src[first:])
}

func (rc *RingChannel) copyOut(cursor uint32, dest []byte) {
	idx := cursor & rc.mask
	first := rc.capacity - idx
	if uint32(len(dest)) <= first {
		copy(dest, rc.buf[rc.data+idx:])
		return
	}
	copy(dest[:first], rc.buf[rc.data+idx:rc.data+rc.capacity])
	copy(dest[first:], rc.buf[rc.data:])
}

// Throttle shapes an upstream byte source once the channel crosses a
// high-water mark: below the mark everything is admitted, above it
// admissions are token-bucket limited per source key.
type Throttle struct {
	ring      *RingChannel
	highWater uint32
	limiter   *limiter.TokenBucket
}

// NewThrottle builds a throttle over a channel. ratePerSecond/burst shape the
// above-high-water trickle.
func NewThrottle(ring *RingChannel, highWater uint32, ratePerSecond, burst int64) (*Throttle, error) {
	st := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     ratePerSecond,
			Duration: time.Second,
			Burst:    burst,
		},
		st,
	)
	if err != nil {
		return nil, fmt.Errorf("ring: throttle init: %w", err)
	}
	return &Throttle{ring: ring, highWater: highWater, limiter: tb}, nil
}

// Admit reports whether the source may write now. Sources that are denied
// should back off rather than spin on TryWrite.
func (t *Throttle) Admit(source string) bool {
	if t.ring.FillLevel() < t.highWater {
		return true
	}
	return t.limiter.Allow(source)
}
