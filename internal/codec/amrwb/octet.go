// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_amrwb

// OctetResult is a successful octet-aligned parse.
type OctetResult struct {
	Frames []Frame
	// CMR is the codec mode request byte value (upper nibble), or
	// CMRNoPreference when the payload carried none.
	CMR    int
	HasCMR bool
}

// ParseOctetAligned parses an octet-aligned RFC 4867 payload strictly: the
// byte count must match the TOC chain exactly. When withCMR is set the first
// byte is consumed as the CMR octet (reserved low nibble tolerated per RFC
// 4867 §4.4.1 — receivers must accept any value there).
func ParseOctetAligned(payload []byte, withCMR bool) (*OctetResult, error) {
	if len(payload) == 0 {
		return nil, errPayloadTooShort
	}

	res := &OctetResult{CMR: CMRNoPreference}
	pos := 0
	if withCMR {
		res.CMR = int(payload[0] >> 4)
		res.HasCMR = true
		pos = 1
	}
	if pos >= len(payload) {
		return nil, errMissingTOC
	}

	// TOC chain: F(1) | FT(4) | Q(1) | padding(2). The padding bits are
	// ignored on read per RFC 4867 §4.4.2.
	type tocEntry struct{ ft, q int }
	var tocs []tocEntry
	for {
		if pos >= len(payload) {
			return nil, errTOCTruncated
		}
		b := payload[pos]
		pos++
		follow := b&0x80 != 0
		ft := int(b >> 3 & 0x0F)
		q := int(b >> 2 & 0x01)
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

	expected := pos
	for _, tc := range tocs {
		expected += frameSizeBytes[tc.ft]
	}
	if len(payload) != expected {
		if len(payload) < expected {
			// Attribute the truncation to the frame that ran out.
			need := pos
			for _, tc := range tocs {
				need += frameSizeBytes[tc.ft]
				if len(payload) < need {
					return nil, errFrameTruncated(tc.ft)
				}
			}
		}
		return nil, errDataLenMismatch(expected, len(payload))
	}

	for _, tc := range tocs {
		size := frameSizeBytes[tc.ft]
		var data []byte
		if size > 0 {
			data = make([]byte, size)
			copy(data, payload[pos:pos+size])
			pos += size
		}
		res.Frames = append(res.Frames, newFrame(tc.ft, tc.q, data))
	}
	return res, nil
}

// RepackToOctetAligned serializes frames back into an octet-aligned payload.
// includeCMR prepends the CMR octet (cmr<<4); pass false for the canonical
// CMR-free form handed to decoders.
func RepackToOctetAligned(frames []Frame, cmr int, includeCMR bool) []byte {
	size := 0
	if includeCMR {
		size++
	}
	for _, f := range frames {
		size += 1 + f.SizeBytes
	}
	out := make([]byte, 0, size)
	if includeCMR {
		out = append(out, byte(cmr&0x0F)<<4)
	}
	for i, f := range frames {
		toc := byte(f.FT&0x0F)<<3 | byte(f.Q&0x01)<<2
		if i < len(frames)-1 {
			toc |= 0x80
		}
		out = append(out, toc)
	}
	for _, f := range frames {
		out = append(out, f.Data...)
	}
	return out
}
