package sabkit

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/sabkit/sab"
)

func TestOpen_InitializeAndAttach(t *testing.T) {
	producer, err := Open(Options{
		BufferSize: sab.BUFFER_SIZE_MIN,
		Owner:      sab.RegionOwnerOrchestrator,
		Initialize: true,
	})
	require.NoError(t, err)
	defer producer.Close()

	// A second participant attaches over the same provider and sees the
	// ready flag immediately.
	consumer, err := Open(Options{
		Provider:     producer.Provider(),
		Owner:        sab.RegionOwnerEngine,
		ReadyTimeout: time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, producer.Layout().Version, consumer.Layout().Version)
}

func TestOpen_AttachWithoutInitializerTimesOut(t *testing.T) {
	provider := sab.NewInMemoryProvider(sab.BUFFER_SIZE_MIN)

	_, err := Open(Options{
		Provider:     provider,
		ReadyTimeout: 10 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrNotReady)
}

// Request/response across the inbox and outbox rings, driven entirely by
// epoch signals, the way two independent runtimes would run it.
func TestBus_RequestResponseOverRings(t *testing.T) {
	producer, err := Open(Options{
		BufferSize: sab.BUFFER_SIZE_MIN,
		Owner:      sab.RegionOwnerOrchestrator,
		Initialize: true,
	})
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := Open(Options{
		Provider: producer.Provider(),
		Owner:    sab.RegionOwnerEngine,
	})
	require.NoError(t, err)

	// Producer writes a 37-byte request and the inbox epoch moves.
	request := bytes.Repeat([]byte{0x5A}, 37)
	var inboxSeen uint32
	inboxEpoch := consumer.Epoch(sab.IDX_INBOX_DIRTY)
	require.False(t, inboxEpoch.HasChanged(&inboxSeen))

	ok, err := producer.Inbox().TryWrite(request)
	require.NoError(t, err)
	require.True(t, ok)

	// Consumer observes the signal, drains exactly the request.
	require.True(t, inboxEpoch.HasChanged(&inboxSeen))
	got, err := consumer.Inbox().TryRead()
	require.NoError(t, err)
	assert.Equal(t, request, got)

	// Consumer responds with 12 bytes on the outbox.
	var outboxSeen uint32
	outboxEpoch := producer.Epoch(sab.IDX_OUTBOX_DIRTY)
	require.False(t, outboxEpoch.HasChanged(&outboxSeen))

	response := []byte("ack:complete")
	require.Len(t, response, 12)
	ok, err = consumer.Outbox().TryWrite(response)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, outboxEpoch.HasChanged(&outboxSeen))
	reply, err := producer.Outbox().TryRead()
	require.NoError(t, err)
	assert.Equal(t, response, reply)
	assert.Len(t, reply, 12)
}

func TestBus_StatePublicationViaPingPong(t *testing.T) {
	engine, err := Open(Options{
		BufferSize: sab.BUFFER_SIZE_MIN,
		Owner:      sab.RegionOwnerEngine,
		Initialize: true,
	})
	require.NoError(t, err)
	defer engine.Close()

	host, err := Open(Options{
		Provider: engine.Provider(),
		Owner:    sab.RegionOwnerHost,
	})
	require.NoError(t, err)

	// Engine stages a frame invisibly, then flips.
	copy(engine.State().WritableView(), []byte("frame-0001"))
	assert.NotEqual(t, []byte("frame-0001"), host.State().ActiveView()[:10])

	engine.State().Flip()
	assert.Equal(t, []byte("frame-0001"), host.State().ActiveView()[:10])
	assert.Equal(t, uint32(1), host.State().ActiveIndex())
}

func TestBus_RegistryAndArenaSharedAcrossParticipants(t *testing.T) {
	a, err := Open(Options{
		BufferSize: sab.BUFFER_SIZE_MIN,
		Owner:      sab.RegionOwnerOrchestrator,
		Initialize: true,
	})
	require.NoError(t, err)
	defer a.Close()

	payload := bytes.Repeat([]byte("geometry "), 30)
	_, err = a.Registry().Register("scene.root", payload)
	require.NoError(t, err)

	b, err := Open(Options{
		Provider: a.Provider(),
		Owner:    sab.RegionOwnerEngine,
	})
	require.NoError(t, err)

	entry, found, err := b.Registry().Lookup("scene.root")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, payload, entry.Payload)
}

func TestBus_GuardEnforcesPolicy(t *testing.T) {
	bus, err := Open(Options{
		BufferSize: sab.BUFFER_SIZE_MIN,
		Owner:      sab.RegionOwnerHost,
		Initialize: true,
	})
	require.NoError(t, err)
	defer bus.Close()

	// A host capability may not write the inbox.
	assert.False(t, bus.Guard().Acquire(sab.RegionInbox, bus.Capability()))
	assert.Equal(t, uint32(1), bus.Guard().Violations(sab.RegionInbox))
}

func TestBus_PanicFlag(t *testing.T) {
	bus, err := Open(Options{
		BufferSize: sab.BUFFER_SIZE_MIN,
		Initialize: true,
	})
	require.NoError(t, err)
	defer bus.Close()

	assert.Equal(t, uint32(0), bus.PanicCode())
	bus.RaisePanic(7)
	assert.Equal(t, uint32(7), bus.PanicCode())

	// First panic wins.
	bus.RaisePanic(9)
	assert.Equal(t, uint32(7), bus.PanicCode())
}

func TestBus_EpochLeases(t *testing.T) {
	bus, err := Open(Options{
		BufferSize: sab.BUFFER_SIZE_MIN,
		Initialize: true,
	})
	require.NoError(t, err)
	defer bus.Close()

	idx, err := bus.Leases().Lease("worker-42")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, idx, uint32(sab.LEASE_POOL_BASE))

	// The leased slot works like any other epoch.
	e := bus.Epoch(idx)
	e.Increment()
	assert.Equal(t, uint32(1), e.Load())
}
