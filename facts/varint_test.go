package facts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackPair(t *testing.T) {
	nums := []uint64{
		0,
		0xca,
		0xbeff,
		0x12345678,
		0x7777777788888888,
		^uint64(0),
	}
	for _, one := range nums {
		for _, two := range nums {
			big, lil := UnpackPair(PackPair(one, two))
			assert.Equal(t, one, big)
			assert.Equal(t, two, lil)
		}
	}
	// a realistic (unix millis, small src) pair stays tiny
	assert.LessOrEqual(t, len(PackPair(uint64(1756684800000), 5)), 7)
}

func TestUnpackPairTruncated(t *testing.T) {
	big, lil := UnpackPair(nil)
	assert.Zero(t, big)
	assert.Zero(t, lil)
	// a lone continuation byte is not a valid varint
	big, lil = UnpackPair([]byte{0x80})
	assert.Zero(t, big)
	assert.Zero(t, lil)
}

func TestPackUint64(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 256, 0xdeadbeef, ^uint64(0)} {
		assert.Equal(t, v, UnpackUint64(PackUint64(v)))
	}
}

func TestPackInt64(t *testing.T) {
	for _, v := range []int64{0, -1, 7, -14, 1 << 40, -(1 << 40)} {
		assert.Equal(t, v, UnpackInt64(PackInt64(v)))
	}
}

func TestPackFloat64(t *testing.T) {
	for _, f := range []float64{0, 1, 1234, 12.25, -0.5} {
		u := PackFloat64(f)
		assert.Len(t, u, 8)
		assert.Equal(t, f, UnpackFloat64(u))
	}
	assert.Zero(t, UnpackFloat64([]byte{1, 2, 3}))
}
