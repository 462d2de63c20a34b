package registry

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	capnp "zombiezen.com/go/capnproto2"
)

// Overflow records are self-describing envelopes stored in the arena:
// a Cap'n Proto struct carrying the id, version and payload, so any attached
// runtime can decode a spilled entry without consulting the slot table.
// Payloads past the compression threshold are brotli-compressed first.
const (
	recordFlagCompressed = 1 << 0

	compressThreshold = 1024
)

func encodeRecord(id string, version uint32, payload []byte) ([]byte, error) {
	var flags uint32
	body := payload
	if len(payload) > compressThreshold {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("registry: compress overflow: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("registry: compress overflow: %w", err)
		}
		// Compression only pays when it actually shrinks the payload.
		if buf.Len() < len(payload) {
			body = buf.Bytes()
			flags |= recordFlagCompressed
		}
	}

	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("registry: new record message: %w", err)
	}
	st, err := capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 8, PointerCount: 2})
	if err != nil {
		return nil, fmt.Errorf("registry: new record root: %w", err)
	}
	st.SetUint32(0, version)
	st.SetUint32(4, flags)
	if err := st.SetText(0, id); err != nil {
		return nil, fmt.Errorf("registry: set record id: %w", err)
	}
	if err := st.SetData(1, body); err != nil {
		return nil, fmt.Errorf("registry: set record payload: %w", err)
	}

	out, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("registry: marshal record: %w", err)
	}
	return out, nil
}

func decodeRecord(raw []byte) (id string, version uint32, payload []byte, err error) {
	msg, err := capnp.Unmarshal(raw)
	if err != nil {
		return "", 0, nil, fmt.Errorf("registry: unmarshal record: %w", err)
	}
	root, err := msg.RootPtr()
	if err != nil {
		return "", 0, nil, fmt.Errorf("registry: record root: %w", err)
	}
	st := root.Struct()
	version = st.Uint32(0)
	flags := st.Uint32(4)

	idPtr, err := st.Ptr(0)
	if err != nil {
		return "", 0, nil, fmt.Errorf("registry: record id: %w", err)
	}
	id = idPtr.Text()

	dataPtr, err := st.Ptr(1)
	if err != nil {
		return "", 0, nil, fmt.Errorf("registry: record payload: %w", err)
	}
	body := dataPtr.Data()

	if flags&recordFlagCompressed != 0 {
		payload, err = io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return "", 0, nil, fmt.Errorf("registry: decompress overflow: %w", err)
		}
	} else {
		payload = append([]byte(nil), body...)
	}
	return id, version, payload, nil
}
