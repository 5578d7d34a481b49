// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_amrwb

// bitReader walks a payload MSB-first at bit granularity. The
// bandwidth-efficient packing has no byte alignment anywhere past the CMR
// nibble, so everything below works on raw bit offsets.
type bitReader struct {
	data []byte
	pos  int // absolute bit offset
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

// remaining returns the number of unread bits.
func (r *bitReader) remaining() int {
	return len(r.data)*8 - r.pos
}

// readBits reads n (<= 32) bits MSB-first. ok is false when the payload runs
// out.
func (r *bitReader) readBits(n int) (v uint32, ok bool) {
	if r.remaining() < n {
		return 0, false
	}
	for i := 0; i < n; i++ {
		byteIdx := r.pos >> 3
		bitIdx := 7 - (r.pos & 7)
		v = v<<1 | uint32(r.data[byteIdx]>>bitIdx&1)
		r.pos++
	}
	return v, true
}

// readFrameBits reads bitLen bits into a fresh byte slice of
// ceil(bitLen/8) bytes, left-aligned with trailing zero padding — exactly the
// octet-aligned speech payload layout.
func (r *bitReader) readFrameBits(bitLen int) ([]byte, bool) {
	if r.remaining() < bitLen {
		return nil, false
	}
	out := make([]byte, (bitLen+7)/8)
	for i := 0; i < bitLen; i++ {
		byteIdx := r.pos >> 3
		bitIdx := 7 - (r.pos & 7)
		if r.data[byteIdx]>>bitIdx&1 == 1 {
			out[i>>3] |= 1 << (7 - (i & 7))
		}
		r.pos++
	}
	return out, true
}

// restIsZero reports whether every unread bit is zero.
func (r *bitReader) restIsZero() bool {
	for p := r.pos; p < len(r.data)*8; p++ {
		if r.data[p>>3]>>(7-(p&7))&1 == 1 {
			return false
		}
	}
	return true
}
