// Package diag emits structured diagnostic events about buffer health:
// guard violations, allocator pressure, twin sync failures. Events use a
// compact protobuf wire encoding so they can cross the same rings as
// application traffic and be decoded by any runtime.
package diag

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/sabkit/foundation"
	"github.com/nmxmxh/sabkit/utils"
)

// EventKind classifies diagnostic events.
type EventKind uint32

const (
	KindGuardViolation EventKind = iota + 1
	KindAllocatorBusy
	KindAllocatorOOM
	KindTwinSyncFailed
	KindRingRejected
	KindPanicFlag
)

func (k EventKind) String() string {
	switch k {
	case KindGuardViolation:
		return "guard_violation"
	case KindAllocatorBusy:
		return "allocator_busy"
	case KindAllocatorOOM:
		return "allocator_oom"
	case KindTwinSyncFailed:
		return "twin_sync_failed"
	case KindRingRejected:
		return "ring_rejected"
	case KindPanicFlag:
		return "panic_flag"
	default:
		return "unknown"
	}
}

// Event is one diagnostic occurrence.
type Event struct {
	TimestampMicros uint64
	Kind            EventKind
	Component       string
	Message         string
	Value           uint64
}

// NewEvent stamps an event with the current time.
func NewEvent(kind EventKind, component, message string, value uint64) Event {
	return Event{
		TimestampMicros: uint64(time.Now().UnixMicro()),
		Kind:            kind,
		Component:       component,
		Message:         message,
		Value:           value,
	}
}

// Wire field numbers. Fixed forever; decoders skip unknown fields.
const (
	fieldTimestamp = 1
	fieldKind      = 2
	fieldComponent = 3
	fieldMessage   = 4
	fieldValue     = 5
)

// Encode serializes the event to protobuf wire format.
func Encode(e Event) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, e.TimestampMicros)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendTag(b, fieldComponent, protowire.BytesType)
	b = protowire.AppendString(b, e.Component)
	b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
	b = protowire.AppendString(b, e.Message)
	b = protowire.AppendTag(b, fieldValue, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Value)
	return b
}

// Decode parses an event from wire format, skipping unknown fields.
func Decode(raw []byte) (Event, error) {
	var e Event
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return Event{}, fmt.Errorf("diag: bad tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return Event{}, fmt.Errorf("diag: bad timestamp: %w", protowire.ParseError(n))
			}
			e.TimestampMicros = v
			raw = raw[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return Event{}, fmt.Errorf("diag: bad kind: %w", protowire.ParseError(n))
			}
			e.Kind = EventKind(v)
			raw = raw[n:]
		case num == fieldComponent && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(raw)
			if n < 0 {
				return Event{}, fmt.Errorf("diag: bad component: %w", protowire.ParseError(n))
			}
			e.Component = v
			raw = raw[n:]
		case num == fieldMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(raw)
			if n < 0 {
				return Event{}, fmt.Errorf("diag: bad message: %w", protowire.ParseError(n))
			}
			e.Message = v
			raw = raw[n:]
		case num == fieldValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return Event{}, fmt.Errorf("diag: bad value: %w", protowire.ParseError(n))
			}
			e.Value = v
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return Event{}, fmt.Errorf("diag: bad field %d: %w", num, protowire.ParseError(n))
			}
			raw = raw[n:]
		}
	}
	return e, nil
}

// Sink consumes diagnostic events.
type Sink interface {
	Emit(e Event)
}

// NopSink drops everything.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// LoggerSink writes events to a structured logger.
type LoggerSink struct {
	Logger *utils.Logger
}

func (s LoggerSink) Emit(e Event) {
	s.Logger.Warn(e.Message,
		utils.String("kind", e.Kind.String()),
		utils.String("component", e.Component),
		utils.Uint64("value", e.Value),
	)
}

// RingSink publishes encoded events onto a ring channel so a peer runtime can
// consume them. Best effort: a full ring drops the event rather than block.
type RingSink struct {
	Ring *foundation.RingChannel
}

func (s RingSink) Emit(e Event) {
	s.Ring.TryWrite(Encode(e)) //nolint:errcheck // diagnostics are best effort
}
