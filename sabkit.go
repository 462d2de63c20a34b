// Package sabkit wires the shared-buffer substrate together: one contiguous
// byte buffer partitioned by a fixed layout, epoch slots for change
// signaling, framed rings for messaging, ping-pong halves for state
// publication, a buddy arena for dynamic data and a slot registry for
// discovery. Every attached participant computes the same offsets and
// communicates through plain loads, stores and atomics on the buffer.
package sabkit

import (
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/sabkit/arena"
	"github.com/nmxmxh/sabkit/foundation"
	"github.com/nmxmxh/sabkit/guard"
	"github.com/nmxmxh/sabkit/registry"
	"github.com/nmxmxh/sabkit/sab"
	"github.com/nmxmxh/sabkit/utils"
)

// ErrNotReady means the buffer has not been initialized by any participant
// within the attach timeout.
var ErrNotReady = errors.New("sabkit: buffer not initialized")

// Options configures Open.
type Options struct {
	// BufferSize is used when Provider is nil; defaults to 16MB.
	BufferSize uint32
	// Provider supplies the buffer. Nil means a fresh in-memory buffer.
	Provider sab.MemoryProvider
	// Owner identifies this participant for capability and policy checks.
	// Defaults to RegionOwnerHost.
	Owner sab.RegionOwner
	// Initialize makes this participant run one-time buffer setup. Exactly
	// one participant per buffer sets this.
	Initialize bool
	// ReadyTimeout bounds how long attach waits for the initializer.
	// Zero means a single check with no waiting.
	ReadyTimeout time.Duration
}

// Bus is one participant's attachment to a shared buffer.
type Bus struct {
	provider sab.MemoryProvider
	buf      []byte
	layout   *sab.Layout
	cap      sab.Capability
	logger   *utils.Logger

	inbox    *foundation.RingChannel
	outbox   *foundation.RingChannel
	state    *foundation.PingPong
	alloc    *arena.Allocator
	registry *registry.Table
	guard    *guard.Guard
	leases   *sab.LeasePool

	panicEpoch *foundation.Epoch
}

// Open attaches to (or initializes) a shared buffer and wires up every
// component of the layout.
func Open(opts Options) (*Bus, error) {
	if opts.BufferSize == 0 {
		opts.BufferSize = sab.BUFFER_SIZE_DEFAULT
	}
	if opts.Owner == 0 {
		opts.Owner = sab.RegionOwnerHost
	}
	provider := opts.Provider
	if provider == nil {
		provider = sab.NewInMemoryProvider(opts.BufferSize)
	}
	buf := provider.Bytes()

	var layout *sab.Layout
	if opts.Initialize {
		init, err := sab.NewInitializer(buf)
		if err != nil {
			return nil, err
		}
		if err := init.Initialize(); err != nil {
			return nil, err
		}
		layout = init.Layout()
	} else {
		l, err := sab.NewLayout(provider.Size())
		if err != nil {
			return nil, err
		}
		layout = l
		if err := waitReady(provider, opts.ReadyTimeout); err != nil {
			return nil, err
		}
	}

	alloc, err := arena.NewAllocator(buf, sab.OFFSET_ARENA, sab.ArenaSize(provider.Size()),
		foundation.NewEpoch(buf, sab.IDX_ARENA_EPOCH))
	if err != nil {
		return nil, err
	}
	table, err := registry.NewTable(buf, sab.OFFSET_REGISTRY, sab.SIZE_REGISTRY, alloc,
		foundation.NewEpoch(buf, sab.IDX_REGISTRY_EPOCH))
	if err != nil {
		return nil, err
	}
	inbox, err := foundation.NewRingChannel(buf, sab.OFFSET_INBOX, sab.SIZE_INBOX,
		foundation.NewEpoch(buf, sab.IDX_INBOX_DIRTY))
	if err != nil {
		return nil, err
	}
	outbox, err := foundation.NewRingChannel(buf, sab.OFFSET_OUTBOX, sab.SIZE_OUTBOX,
		foundation.NewEpoch(buf, sab.IDX_OUTBOX_DIRTY))
	if err != nil {
		return nil, err
	}
	state, err := foundation.NewPingPong(buf, sab.OFFSET_STATE_A, sab.OFFSET_STATE_B, sab.SIZE_STATE_A,
		foundation.NewEpoch(buf, sab.IDX_STATE_EPOCH))
	if err != nil {
		return nil, err
	}
	g, err := guard.NewGuard(buf)
	if err != nil {
		return nil, err
	}
	leases, err := sab.NewLeasePool(buf)
	if err != nil {
		return nil, err
	}

	bus := &Bus{
		provider:   provider,
		buf:        buf,
		layout:     layout,
		cap:        sab.NewCapability(opts.Owner),
		logger:     utils.DefaultLogger("sabkit"),
		inbox:      inbox,
		outbox:     outbox,
		state:      state,
		alloc:      alloc,
		registry:   table,
		guard:      g,
		leases:     leases,
		panicEpoch: foundation.NewEpoch(buf, sab.IDX_PANIC_STATE),
	}
	bus.logger.Info("attached to shared buffer",
		utils.Uint32("size", provider.Size()),
		utils.Uint32("layout_version", layout.Version),
		utils.Bool("initialized", opts.Initialize),
	)
	return bus, nil
}

func waitReady(provider sab.MemoryProvider, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := provider.AtomicLoad32(sab.EpochSlotOffset(sab.IDX_KERNEL_READY))
		if err != nil {
			return fmt.Errorf("sabkit: ready check: %w", err)
		}
		if v != 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrNotReady
		}
		time.Sleep(time.Millisecond)
	}
}

// Provider returns the underlying memory provider.
func (b *Bus) Provider() sab.MemoryProvider { return b.provider }

// Bytes exposes the raw buffer. Most callers want the typed components.
func (b *Bus) Bytes() []byte { return b.buf }

// Layout returns the region table this bus was attached with.
func (b *Bus) Layout() *sab.Layout { return b.layout }

// Capability returns this participant's write-authority token.
func (b *Bus) Capability() sab.Capability { return b.cap }

// Inbox is the producer-to-consumer framed ring.
func (b *Bus) Inbox() *foundation.RingChannel { return b.inbox }

// Outbox is the consumer-to-producer framed ring.
func (b *Bus) Outbox() *foundation.RingChannel { return b.outbox }

// State is the ping-pong state pair.
func (b *Bus) State() *foundation.PingPong { return b.state }

// Arena is the buddy allocator over the arena region.
func (b *Bus) Arena() *arena.Allocator { return b.alloc }

// Registry is the id-to-payload slot table.
func (b *Bus) Registry() *registry.Table { return b.registry }

// Guard arbitrates region write access.
func (b *Bus) Guard() *guard.Guard { return b.guard }

// Leases is the dynamic epoch index pool.
func (b *Bus) Leases() *sab.LeasePool { return b.leases }

// Epoch attaches to an arbitrary epoch slot. Callers normally use the slots
// already bound to components; this is for leased indices.
func (b *Bus) Epoch(index uint32) *foundation.Epoch {
	return foundation.NewEpoch(b.buf, index)
}

// RaisePanic publishes a non-zero panic code every participant can observe.
func (b *Bus) RaisePanic(code uint32) {
	for {
		old := b.panicEpoch.Load()
		if old != 0 {
			return // first panic wins
		}
		if b.panicEpoch.CompareAndSwap(0, code) {
			b.logger.Error("panic flag raised", utils.Uint32("code", code))
			return
		}
	}
}

// PanicCode returns the published panic code, zero if healthy.
func (b *Bus) PanicCode() uint32 {
	return b.panicEpoch.Load()
}

// Close releases the underlying provider. Buffer contents survive for other
// participants when the provider is file-backed.
func (b *Bus) Close() error {
	return b.provider.Close()
}
