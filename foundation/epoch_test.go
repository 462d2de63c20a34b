package foundation

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpoch_IncrementAndLoad(t *testing.T) {
	buf := make([]byte, 1024)
	epoch := NewEpoch(buf, 0)

	assert.Equal(t, uint32(0), epoch.Load())

	epoch.Increment()
	assert.Equal(t, uint32(1), epoch.Load())

	epoch.Increment()
	assert.Equal(t, uint32(2), epoch.Load())
	assert.Equal(t, uint64(2), epoch.Stats().Increments)
}

func TestEpoch_ConcurrentIncrements(t *testing.T) {
	buf := make([]byte, 1024)
	epoch := NewEpoch(buf, 3)

	const goroutines = 4
	const perGoroutine = 1000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				epoch.Increment()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint32(goroutines*perGoroutine), epoch.Load())
}

func TestEpoch_HasChanged(t *testing.T) {
	buf := make([]byte, 1024)
	epoch := NewEpoch(buf, 1)

	var lastSeen uint32
	assert.False(t, epoch.HasChanged(&lastSeen))

	epoch.Increment()
	epoch.Increment()
	assert.True(t, epoch.HasChanged(&lastSeen))
	assert.Equal(t, uint32(2), lastSeen)

	// No further change until the next increment.
	assert.False(t, epoch.HasChanged(&lastSeen))
	epoch.Increment()
	assert.True(t, epoch.HasChanged(&lastSeen))
}

// Undisciplined writers that load-then-store instead of using Increment or
// CompareAndSwap lose updates. This documents why each slot has exactly one
// semantic owner.
func TestEpoch_UndisciplinedDualWritersLoseUpdates(t *testing.T) {
	buf := make([]byte, 1024)
	a := NewEpoch(buf, 6)
	b := a.Reader()

	// Both writers observe the same value, then both publish observed+1.
	seenA := a.Load()
	seenB := b.Load()
	binary.LittleEndian.PutUint32(buf[6*4:], seenA+1)
	binary.LittleEndian.PutUint32(buf[6*4:], seenB+1)

	// Two writes happened but the counter moved once.
	assert.Equal(t, uint32(1), a.Load())
}

func TestEpoch_CompareAndSwap_SingleWinner(t *testing.T) {
	buf := make([]byte, 1024)
	a := NewEpoch(buf, 2)
	b := a.Reader()

	// Two writers racing the same slot: CAS admits exactly one.
	okA := a.CompareAndSwap(0, 1)
	okB := b.CompareAndSwap(0, 1)

	assert.True(t, okA)
	assert.False(t, okB)
	assert.Equal(t, uint32(1), a.Load())
}

func TestEpoch_WaitForChange_FastPath(t *testing.T) {
	buf := make([]byte, 1024)
	epoch := NewEpoch(buf, 0)

	epoch.Increment()

	changed, err := epoch.WaitForChange(time.Second)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestEpoch_WaitForChange_Timeout(t *testing.T) {
	buf := make([]byte, 1024)
	epoch := NewEpoch(buf, 0)

	changed, err := epoch.WaitForChange(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEpoch_WaitForChange_SlowPath(t *testing.T) {
	buf := make([]byte, 1024)
	writer := NewEpoch(buf, 0)
	reader := writer.Reader()

	go func() {
		time.Sleep(20 * time.Millisecond)
		writer.Increment()
	}()

	changed, err := reader.WaitForChange(2 * time.Second)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestEpoch_ReaderHasOwnCursor(t *testing.T) {
	buf := make([]byte, 1024)
	writer := NewEpoch(buf, 5)

	writer.Increment()
	reader := writer.Reader()

	// Reader attaches at the current value; only future increments wake it.
	changed, err := reader.WaitForChange(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, changed)

	writer.Increment()
	changed, err = reader.WaitForChange(time.Second)
	require.NoError(t, err)
	assert.True(t, changed)
}
