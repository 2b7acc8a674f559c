package facts

import (
	"encoding/binary"
	"math"
)

// Packed integers are unsigned LEB128 varints (encoding/binary's
// format). A pair is two varints back to back; the first one's length
// is carried by its continuation bits, so no header is needed.

func PackPair(big, lil uint64) []byte {
	buf := make([]byte, 0, 2*binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, big)
	return binary.AppendUvarint(buf, lil)
}

func UnpackPair(buf []byte) (big, lil uint64) {
	big, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0
	}
	lil, _ = binary.Uvarint(buf[n:])
	return
}

func PackUint64(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

func UnpackUint64(buf []byte) uint64 {
	v, _ := binary.Uvarint(buf)
	return v
}

func PackInt64(v int64) []byte {
	return binary.AppendVarint(nil, v)
}

func UnpackInt64(buf []byte) int64 {
	v, _ := binary.Varint(buf)
	return v
}

// Floats keep their full eight bytes; shaving mantissa zeros is not
// worth a second format.
func PackFloat64(f float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	return b[:]
}

func UnpackFloat64(buf []byte) float64 {
	if len(buf) != 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf))
}
