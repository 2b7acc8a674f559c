// Package facts stores (entity, attribute, value, timestamp) facts with
// forward and reverse indices over an in-memory pebble instance.
// Cardinality-one attributes overwrite by last-write-wins, cardinality-many
// attributes accumulate and dedup by value. Entity and attribute ids are
// opaque strings and must not contain a zero byte (they are spliced into
// pebble keys).
package facts

import (
	"bytes"
	"time"
)

// Kind is the value tag byte of a fact cell.
type Kind byte

const (
	String Kind = 'S'
	Int    Kind = 'I'
	Float  Kind = 'F'
	Bool   Kind = 'B'
	Time   Kind = 'D' // date, unix milliseconds
	JSON   Kind = 'J' // opaque JSON payload
	Ref    Kind = 'R' // reference to another entity id
	Tomb   Kind = 'X' // removal marker, internal
)

// Value is a tagged scalar or reference. The payload is the packed
// binary form that goes into a cell as is.
type Value struct {
	Kind Kind
	Data []byte
}

func S(s string) Value        { return Value{Kind: String, Data: []byte(s)} }
func I(i int64) Value         { return Value{Kind: Int, Data: PackInt64(i)} }
func F(f float64) Value       { return Value{Kind: Float, Data: PackFloat64(f)} }
func J(raw []byte) Value      { return Value{Kind: JSON, Data: raw} }
func R(eid string) Value      { return Value{Kind: Ref, Data: []byte(eid)} }
func Tombstone() Value        { return Value{Kind: Tomb} }
func D(t time.Time) Value     { return Value{Kind: Time, Data: PackUint64(uint64(t.UnixMilli()))} }

func B(b bool) Value {
	if b {
		return Value{Kind: Bool, Data: []byte{1}}
	}
	return Value{Kind: Bool, Data: []byte{0}}
}

func (v Value) String() string  { return string(v.Data) }
func (v Value) Int64() int64    { return UnpackInt64(v.Data) }
func (v Value) Float64() float64 { return UnpackFloat64(v.Data) }
func (v Value) Bool() bool      { return len(v.Data) > 0 && v.Data[0] != 0 }
func (v Value) Ref() string     { return string(v.Data) }
func (v Value) Deleted() bool   { return v.Kind == Tomb }

func (v Value) Time() time.Time {
	return time.UnixMilli(int64(UnpackUint64(v.Data))).UTC()
}

func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && bytes.Equal(v.Data, o.Data)
}

// Native converts the value to a plain Go value for resolved trees.
func (v Value) Native() any {
	switch v.Kind {
	case String:
		return v.String()
	case Int:
		return v.Int64()
	case Float:
		return v.Float64()
	case Bool:
		return v.Bool()
	case Time:
		return v.Time()
	case JSON:
		return append([]byte(nil), v.Data...)
	case Ref:
		return v.Ref()
	}
	return nil
}

// Fact is the unit of storage. Time and Src order concurrent writes:
// the later (Time, Src, bytes) triple wins.
type Fact struct {
	Entity    string
	Attribute string
	Value     Value
	Time      uint64
	Src       uint64
}

// Now is the wall clock used to timestamp optimistic local writes.
// Confirmed facts carry server-assigned timestamps instead.
func Now() uint64 {
	return uint64(time.Now().UnixMilli())
}
