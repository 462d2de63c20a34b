package foundation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPingPong(t *testing.T) (*PingPong, *Epoch) {
	t.Helper()
	buf := make([]byte, 4096)
	epoch := NewEpoch(buf, 4)
	pp, err := NewPingPong(buf, 1024, 2048, 1024, epoch)
	require.NoError(t, err)
	return pp, epoch
}

func TestPingPong_ActiveFollowsParity(t *testing.T) {
	pp, _ := newTestPingPong(t)

	assert.Equal(t, uint32(0), pp.ActiveIndex())

	for i := 1; i <= 5; i++ {
		pp.Flip()
		assert.Equal(t, uint32(i%2), pp.ActiveIndex())
	}
}

func TestPingPong_WritesInvisibleUntilFlip(t *testing.T) {
	pp, _ := newTestPingPong(t)

	w := pp.WritableView()
	copy(w, []byte("pending frame"))

	active := pp.ActiveView()
	assert.Equal(t, make([]byte, len("pending frame")), active[:len("pending frame")])

	pp.Flip()
	assert.Equal(t, []byte("pending frame"), pp.ActiveView()[:len("pending frame")])
}

func TestPingPong_WritableIsAlwaysTheOtherHalf(t *testing.T) {
	pp, _ := newTestPingPong(t)

	for i := 0; i < 4; i++ {
		active := pp.ActiveView()
		writable := pp.WritableView()
		assert.NotSame(t, &active[0], &writable[0])
		pp.Flip()
	}
}

func TestPingPong_Validation(t *testing.T) {
	buf := make([]byte, 4096)
	epoch := NewEpoch(buf, 4)

	_, err := NewPingPong(buf, 1024, 2048, 1024, nil)
	assert.Error(t, err)

	_, err = NewPingPong(buf, 3072, 3584, 1024, epoch) // exceeds buffer
	assert.Error(t, err)

	_, err = NewPingPong(buf, 1024, 1536, 1024, epoch) // halves overlap
	assert.Error(t, err)
}
