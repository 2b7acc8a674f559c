package facts

import (
	"bytes"

	"github.com/learn-decentralized-systems/toytlv"
)

// A cell is the stored form of one fact value:
// a tiny T record with a varint (time, src) pair, then the kind
// byte, then the value payload. Merging cells is last-write-wins with
// a (time, src, bytes) total order, the same discipline for overwrite
// and for tombstones.

func MakeCell(time, src uint64, v Value) (cell []byte) {
	cell = toytlv.TinyRecord('T', PackPair(time, src))
	cell = append(cell, byte(v.Kind))
	cell = append(cell, v.Data...)
	return
}

// ParseCell unpacks a cell; ok==false for a bad format.
func ParseCell(cell []byte) (time, src uint64, v Value, ok bool) {
	lit, hlen, blen := toytlv.ProbeHeader(cell)
	if (lit != 'T' && lit != '0') || hlen+blen >= len(cell) {
		return
	}
	time, src = UnpackPair(cell[hlen : hlen+blen])
	v.Kind = Kind(cell[hlen+blen])
	v.Data = cell[hlen+blen+1:]
	ok = true
	return
}

// MergeCells picks the winning cell, inputs sorted old to new.
func MergeCells(cells [][]byte) (win []byte) {
	var maxt, maxs uint64
	for _, cell := range cells {
		t, s, _, ok := ParseCell(cell)
		if !ok {
			continue
		}
		if win == nil || t > maxt || (t == maxt && s > maxs) ||
			(t == maxt && s == maxs && bytes.Compare(cell, win) > 0) {
			maxt, maxs = t, s
			win = cell
		}
	}
	return
}
