package sab

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeaseBuf(t *testing.T) []byte {
	t.Helper()
	return make([]byte, OFFSET_EPOCH_LEASE+SIZE_EPOCH_LEASE)
}

func TestLeasePool_LeaseIsIdempotentPerOwner(t *testing.T) {
	pool, err := NewLeasePool(newLeaseBuf(t))
	require.NoError(t, err)

	idx1, err := pool.Lease("engine-worker-1")
	require.NoError(t, err)
	idx2, err := pool.Lease("engine-worker-1")
	require.NoError(t, err)

	assert.Equal(t, idx1, idx2)
	assert.Equal(t, uint32(1), pool.Allocated())
}

func TestLeasePool_DistinctOwnersGetDistinctIndices(t *testing.T) {
	pool, err := NewLeasePool(newLeaseBuf(t))
	require.NoError(t, err)

	a, err := pool.Lease("owner-a")
	require.NoError(t, err)
	b, err := pool.Lease("owner-b")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, a, uint32(LEASE_POOL_BASE))
	assert.Less(t, a, uint32(LEASE_POOL_BASE+LEASE_POOL_SIZE))
	assert.GreaterOrEqual(t, b, uint32(LEASE_POOL_BASE))
	assert.Less(t, b, uint32(LEASE_POOL_BASE+LEASE_POOL_SIZE))
}

func TestLeasePool_SystemIndicesNeverLeased(t *testing.T) {
	pool, err := NewLeasePool(newLeaseBuf(t))
	require.NoError(t, err)

	for i := 0; i < LEASE_POOL_SIZE; i++ {
		idx, err := pool.Lease(fmt.Sprintf("owner-%d", i))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, idx, uint32(LEASE_POOL_BASE))
	}

	// Pool exhausted.
	_, err = pool.Lease("one-too-many")
	assert.Error(t, err)
}

func TestLeasePool_ReleaseAndReuse(t *testing.T) {
	pool, err := NewLeasePool(newLeaseBuf(t))
	require.NoError(t, err)

	idx, err := pool.Lease("transient")
	require.NoError(t, err)
	require.NoError(t, pool.Release("transient"))

	assert.Equal(t, uint32(0), pool.Allocated())
	assert.False(t, pool.IsUsed(idx))

	// The freed index is available again.
	again, err := pool.Lease("next-tenant")
	require.NoError(t, err)
	assert.Equal(t, idx, again)

	assert.Error(t, pool.Release("transient"))
}

func TestLeasePool_PersistsAcrossAttach(t *testing.T) {
	buf := newLeaseBuf(t)

	pool1, err := NewLeasePool(buf)
	require.NoError(t, err)
	idx, err := pool1.Lease("durable-owner")
	require.NoError(t, err)

	// A second participant attaching to the same buffer sees the lease.
	pool2, err := NewLeasePool(buf)
	require.NoError(t, err)
	got, err := pool2.Index("durable-owner")
	require.NoError(t, err)
	assert.Equal(t, idx, got)
	assert.Equal(t, uint32(1), pool2.Allocated())
	assert.True(t, pool2.IsUsed(idx))
}

func TestLeasePool_Available(t *testing.T) {
	pool, err := NewLeasePool(newLeaseBuf(t))
	require.NoError(t, err)

	assert.Equal(t, uint32(LEASE_POOL_SIZE), pool.Available())
	_, err = pool.Lease("a")
	require.NoError(t, err)
	assert.Equal(t, uint32(LEASE_POOL_SIZE-1), pool.Available())
}
