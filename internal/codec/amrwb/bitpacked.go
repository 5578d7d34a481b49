// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_amrwb

// CMRMode selects how a bandwidth-efficient parse treats the leading CMR
// field. Carriers disagree here: RFC 4867 specifies a 4-bit CMR, some stacks
// omit it entirely, and at least one emits a full CMR octet in front of the
// bit-packed body.
type CMRMode int

const (
	CMRNibble CMRMode = iota // 4-bit CMR (RFC 4867 §4.3)
	CMRNone                  // no CMR field
	CMRByte                  // full CMR octet, then bit-packed body
)

// BitPackedResult is a successful bandwidth-efficient parse.
type BitPackedResult struct {
	Frames []Frame
	CMR    int
	Mode   CMRMode
}

// ParseBitPacked parses a bandwidth-efficient RFC 4867 payload. The TOC
// entries are 6 bits each (F|FT(4)|Q) and the speech bits follow tightly
// packed; any bits past the last frame must be zero padding to the next byte
// boundary.
func ParseBitPacked(payload []byte, mode CMRMode) (*BitPackedResult, error) {
	if len(payload) == 0 {
		return nil, errPayloadTooShort
	}

	r := newBitReader(payload)
	res := &BitPackedResult{CMR: CMRNoPreference, Mode: mode}
	switch mode {
	case CMRNibble:
		v, ok := r.readBits(4)
		if !ok {
			return nil, errPayloadTooShort
		}
		res.CMR = int(v)
	case CMRByte:
		v, ok := r.readBits(8)
		if !ok {
			return nil, errPayloadTooShort
		}
		res.CMR = int(v >> 4)
	case CMRNone:
	}

	type tocEntry struct{ ft, q int }
	var tocs []tocEntry
	for {
		v, ok := r.readBits(6)
		if !ok {
			if len(tocs) == 0 {
				return nil, errMissingTOC
			}
			return nil, errTOCTruncated
		}
		follow := v&0x20 != 0
		ft := int(v >> 1 & 0x0F)
		q := int(v & 0x01)
		if !validFT(ft) {
			return nil, errInvalidFT(ft)
		}
		tocs = append(tocs, tocEntry{ft: ft, q: q})
		if len(tocs) > maxFramesPerPayload {
			return nil, errTooManyFrames
		}
		if !follow {
			break
		}
	}

	for _, tc := range tocs {
		bits := frameSizeBits[tc.ft]
		var data []byte
		if bits > 0 {
			var ok bool
			data, ok = r.readFrameBits(bits)
			if !ok {
				return nil, errFrameTruncated(tc.ft)
			}
		}
		res.Frames = append(res.Frames, newFrame(tc.ft, tc.q, data))
	}

	// Strict tail validation. Anything beyond byte-boundary zero padding means
	// this was not really a bandwidth-efficient payload — exactly the case the
	// normalize-first policy exists to catch.
	if rem := r.remaining(); rem >= 8 {
		return nil, errDataLenMismatch((r.pos+7)/8, len(payload))
	}
	if !r.restIsZero() {
		return nil, errTrailingBits
	}
	return res, nil
}
