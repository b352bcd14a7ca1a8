package model

import (
	"encoding/binary"
	"math"
)

// WireSampleSize is the fixed on-wire length of an encoded sample: seven
// u64 fields (timestamp plus six counters) and three f32 fields,
// field-by-field, no padding.
const WireSampleSize = 8*7 + 4*3

// EncodeWireSample writes s into a WireSampleSize-byte little-endian
// buffer, field by field, so the layout never depends on compiler struct
// packing on either end of the socket.
func EncodeWireSample(s Sample) [WireSampleSize]byte {
	var buf [WireSampleSize]byte
	off := 0
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	putF32 := func(v float64) {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
		off += 4
	}

	putU64(s.TimestampNs)
	putU64(s.CacheReferences)
	putU64(s.CacheMisses)
	putU64(s.BranchInstructions)
	putU64(s.BranchMisses)
	putU64(s.Cycles)
	putU64(s.Instructions)
	putF32(s.CacheMissRate)
	putF32(s.BranchMissRate)
	putF32(s.IPC)

	return buf
}

// DecodeWireSample parses a WireSampleSize-byte buffer written by
// EncodeWireSample back into a Sample. Ratios round-trip at f32
// precision; the six counters round-trip exactly.
func DecodeWireSample(buf []byte) (Sample, bool) {
	if len(buf) < WireSampleSize {
		return Sample{}, false
	}
	off := 0
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		return v
	}
	getF32 := func() float64 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		return float64(v)
	}

	var s Sample
	s.TimestampNs = getU64()
	s.CacheReferences = getU64()
	s.CacheMisses = getU64()
	s.BranchInstructions = getU64()
	s.BranchMisses = getU64()
	s.Cycles = getU64()
	s.Instructions = getU64()
	s.CacheMissRate = getF32()
	s.BranchMissRate = getF32()
	s.IPC = getF32()
	return s, true
}
