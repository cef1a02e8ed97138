// Package value defines the immutable per-update record exchanged between
// the signal sources, the collector and the table serializer, together with
// the 64-bit composite timestamp key that orders them.
package value

import (
	"fmt"
	"time"
)

// PosixTimeAtEpicsEpoch is the offset between the source epoch
// (1990-01-01 UTC) and the POSIX epoch, in seconds. Keys circulate in
// source-epoch form; the offset is applied only when publishing.
const PosixTimeAtEpicsEpoch = 631152000

// DisconnectSeverity marks a Value as a disconnect sentinel rather than a
// real alarm level. Severities 0..3 are nominal.
const DisconnectSeverity = 4

// Key is a composite 64-bit timestamp: (seconds << 32) | nanoseconds,
// both unsigned 32-bit, seconds counted from the source epoch.
type Key uint64

// MakeKey builds a Key from split seconds and nanoseconds.
func MakeKey(sec, nsec uint32) Key {
	return Key(uint64(sec)<<32 | uint64(nsec))
}

// NowKey returns the current wall-clock time as a source-epoch Key.
func NowKey() Key {
	now := time.Now()
	return MakeKey(uint32(now.Unix()-PosixTimeAtEpicsEpoch), uint32(now.Nanosecond()))
}

// Seconds returns the source-epoch seconds half of the key.
func (k Key) Seconds() uint32 { return uint32(k >> 32) }

// Nanoseconds returns the nanoseconds half of the key.
func (k Key) Nanoseconds() uint32 { return uint32(k) }

// PosixSeconds returns the seconds half shifted to the POSIX epoch.
func (k Key) PosixSeconds() uint32 { return k.Seconds() + PosixTimeAtEpicsEpoch }

func (k Key) String() string {
	return fmt.Sprintf("%08x:%08x", k.Seconds(), k.Nanoseconds())
}

// ElemType identifies the element type of a Value's buffer.
// String-typed signals are not supported.
type ElemType uint8

// Supported element types.
const (
	TypeInt8 ElemType = iota
	TypeInt16
	TypeInt32
	TypeFloat32
	TypeFloat64
)

// Size returns the in-memory size of one element in bytes.
func (t ElemType) Size() int {
	switch t {
	case TypeInt8:
		return 1
	case TypeInt16:
		return 2
	case TypeInt32, TypeFloat32:
		return 4
	case TypeFloat64:
		return 8
	default:
		return 0
	}
}

func (t ElemType) String() string {
	switch t {
	case TypeInt8:
		return "i8"
	case TypeInt16:
		return "i16"
	case TypeInt32:
		return "i32"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	default:
		return fmt.Sprintf("ElemType(%d)", uint8(t))
	}
}

// ParseElemType maps the wire name of an element type back to its tag.
func ParseElemType(s string) (ElemType, error) {
	switch s {
	case "i8":
		return TypeInt8, nil
	case "i16":
		return TypeInt16, nil
	case "i32":
		return TypeInt32, nil
	case "f32":
		return TypeFloat32, nil
	case "f64":
		return TypeFloat64, nil
	default:
		return 0, fmt.Errorf("unknown element type %q", s)
	}
}

// Value is one timestamped update from a signal source. Once constructed it
// is observably immutable and shared by reference: the ingress queue holds
// it briefly, then exactly one slice, then the downstream publish path.
// Accessors hand out the underlying element slice; callers must not write
// through it.
type Value struct {
	sec, nsec  uint32
	sevr, stat uint16
	etype      ElemType
	elems      any // []int8, []int16, []int32, []float32 or []float64; nil for disconnect markers
	count      int
}

// New constructs a Value from a decoded source update. elems must be one of
// the five supported element slices with at least one element.
func New(sec, nsec uint32, sevr, stat uint16, elems any) (*Value, error) {
	v := &Value{sec: sec, nsec: nsec, sevr: sevr, stat: stat, elems: elems}
	switch e := elems.(type) {
	case []int8:
		v.etype, v.count = TypeInt8, len(e)
	case []int16:
		v.etype, v.count = TypeInt16, len(e)
	case []int32:
		v.etype, v.count = TypeInt32, len(e)
	case []float32:
		v.etype, v.count = TypeFloat32, len(e)
	case []float64:
		v.etype, v.count = TypeFloat64, len(e)
	default:
		return nil, fmt.Errorf("unsupported element slice %T", elems)
	}
	if v.count < 1 {
		return nil, fmt.Errorf("empty element slice")
	}
	return v, nil
}

// Disconnect builds the sentinel pushed when a signal's connection is lost.
// Its buffer is empty and only the timestamp is meaningful.
func Disconnect(sec, nsec uint32) *Value {
	return &Value{sec: sec, nsec: nsec, sevr: DisconnectSeverity, count: 1}
}

// Key returns the composite timestamp key.
func (v *Value) Key() Key { return MakeKey(v.sec, v.nsec) }

// Seconds returns the source-epoch seconds of the timestamp.
func (v *Value) Seconds() uint32 { return v.sec }

// Nanoseconds returns the nanoseconds of the timestamp.
func (v *Value) Nanoseconds() uint32 { return v.nsec }

// Severity returns the alarm severity (0..3, or 4 for a disconnect marker).
func (v *Value) Severity() uint16 { return v.sevr }

// Status returns the opaque alarm status code.
func (v *Value) Status() uint16 { return v.stat }

// Connected reports whether this update came from a live connection.
func (v *Value) Connected() bool { return v.sevr <= 3 }

// IsDisconnect reports whether this Value is a disconnect sentinel.
func (v *Value) IsDisconnect() bool { return v.sevr == DisconnectSeverity }

// Type returns the element type. Meaningless for disconnect markers.
func (v *Value) Type() ElemType { return v.etype }

// Count returns the element count (>= 1).
func (v *Value) Count() int { return v.count }

// Bytes returns the payload size in bytes.
func (v *Value) Bytes() int {
	if v.elems == nil {
		return 0
	}
	return v.count * v.etype.Size()
}

// Elems returns the untyped element slice (nil for disconnect markers).
func (v *Value) Elems() any { return v.elems }

// Int8s returns the elements if this is an i8 Value.
func (v *Value) Int8s() ([]int8, bool) {
	e, ok := v.elems.([]int8)
	return e, ok
}

// Int16s returns the elements if this is an i16 Value.
func (v *Value) Int16s() ([]int16, bool) {
	e, ok := v.elems.([]int16)
	return e, ok
}

// Int32s returns the elements if this is an i32 Value.
func (v *Value) Int32s() ([]int32, bool) {
	e, ok := v.elems.([]int32)
	return e, ok
}

// Float32s returns the elements if this is an f32 Value.
func (v *Value) Float32s() ([]float32, bool) {
	e, ok := v.elems.([]float32)
	return e, ok
}

// Float64s returns the elements if this is an f64 Value.
func (v *Value) Float64s() ([]float64, bool) {
	e, ok := v.elems.([]float64)
	return e, ok
}
