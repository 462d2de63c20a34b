package foundation

import "fmt"

// PingPong is a pair of equal-size regions selected by epoch parity. The
// active half is epoch % 2, the writable half is (epoch+1) % 2. Exactly one
// writer targets WritableView per cycle; readers take their pass over
// ActiveView at their own cadence and may see a stale snapshot, never a torn
// one. The fixed 2x memory cost buys lock-free, allocation-free access at
// update rates where producer and consumers run at independent frequencies.
type PingPong struct {
	buf   []byte
	offA  uint32
	offB  uint32
	size  uint32
	epoch *Epoch
}

// NewPingPong attaches to two equal-size halves governed by one epoch slot.
func NewPingPong(buf []byte, offA, offB, size uint32, epoch *Epoch) (*PingPong, error) {
	if epoch == nil {
		return nil, fmt.Errorf("pingpong: governing epoch required")
	}
	end := uint32(len(buf))
	if offA+size > end || offB+size > end {
		return nil, fmt.Errorf("pingpong: halves exceed buffer")
	}
	if offA < offB && offA+size > offB || offB < offA && offB+size > offA {
		return nil, fmt.Errorf("pingpong: halves overlap")
	}
	return &PingPong{buf: buf, offA: offA, offB: offB, size: size, epoch: epoch}, nil
}

// ActiveIndex returns which half (0=A, 1=B) is currently active.
func (pp *PingPong) ActiveIndex() uint32 {
	return pp.epoch.Load() % 2
}

// ActiveView returns the half readers consume. Callers must treat it as
// read-only; it stays internally consistent until they drop it.
func (pp *PingPong) ActiveView() []byte {
	if pp.ActiveIndex() == 0 {
		return pp.buf[pp.offA : pp.offA+pp.size]
	}
	return pp.buf[pp.offB : pp.offB+pp.size]
}

// WritableView returns the inactive half the single writer fills this cycle.
// Bytes written here are never observable through ActiveView before Flip.
func (pp *PingPong) WritableView() []byte {
	if pp.ActiveIndex() == 0 {
		return pp.buf[pp.offB : pp.offB+pp.size]
	}
	return pp.buf[pp.offA : pp.offA+pp.size]
}

// Flip advances the governing epoch, atomically promoting the previously
// inactive half. Returns the new epoch value.
func (pp *PingPong) Flip() uint32 {
	return pp.epoch.Increment()
}
