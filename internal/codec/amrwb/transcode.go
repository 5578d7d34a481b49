// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_amrwb

import (
	"fmt"
	"strings"
)

// Packing identifies which wire packing a payload was accepted as.
type Packing string

const (
	PackingBandwidthEfficient Packing = "be"
	PackingOctet              Packing = "octet"
	PackingInvalid            Packing = "invalid"
)

// TranscodeResult is the outcome of normalizing one RTP AMR-WB payload.
type TranscodeResult struct {
	OK      bool
	Packing Packing
	Frames  []Frame
	// Output is the canonical CMR-free octet-aligned payload, ready for a
	// standard decoder. Empty when OK is false.
	Output   []byte
	TOCCount int
	CMR      int
	// CMRStripped reports that Output carries no CMR octet. Always true on
	// success; decoders downstream never see mode requests.
	CMRStripped bool
	// RTPStripped reports that an RTP header (and padding/extension) was
	// removed before depacketizing.
	RTPStripped bool
	// Error concatenates the per-variant failure reasons when Packing is
	// invalid.
	Error string
}

// Transcode normalizes one inbound AMR-WB payload using the bit-packed-first
// policy:
//
//  1. Strip any RTP header, extension and padding.
//  2. Try bandwidth-efficient with CMR nibble; if it parses, repack to
//     octet-aligned and re-parse the repacked bytes as validation.
//  3. Same without a CMR field.
//  4. Same assuming a full CMR octet in front of the bit-packed body.
//  5. Fall back to strict octet-aligned with CMR, payload passed through
//     (minus the CMR octet).
//  6. Strict octet-aligned without CMR.
//  7. Otherwise report packing=invalid with every failure reason.
//
// Preferring the bit-packed parse prevents false-positive octet parses of
// bandwidth-efficient streams, which decode into garbage audio rather than
// failing loudly.
//
// RTP detection is heuristic, so a payload that fails to depacketize after
// stripping is retried unstripped before being declared invalid.
func Transcode(payload []byte) *TranscodeResult {
	stripped, wasRTP := DetectAndStripRTP(payload)
	if wasRTP {
		if res := transcodePasses(stripped); res.OK {
			res.RTPStripped = true
			return res
		}
	}
	res := transcodePasses(payload)
	res.RTPStripped = false
	return res
}

func transcodePasses(payload []byte) *TranscodeResult {
	var reasons []string
	fail := func(variant string, err error) {
		reasons = append(reasons, fmt.Sprintf("%s: %v", variant, err))
	}

	bePasses := []struct {
		name string
		mode CMRMode
	}{
		{"be_cmr_nibble", CMRNibble},
		{"be_no_cmr", CMRNone},
		{"be_cmr_byte", CMRByte},
	}
	for _, pass := range bePasses {
		res, err := ParseBitPacked(payload, pass.mode)
		if err != nil {
			fail(pass.name, err)
			continue
		}
		repacked := RepackToOctetAligned(res.Frames, res.CMR, false)
		if _, err := ParseOctetAligned(repacked, false); err != nil {
			fail(pass.name, fmt.Errorf("repack_validation: %w", err))
			continue
		}
		return &TranscodeResult{
			OK:          true,
			Packing:     PackingBandwidthEfficient,
			Frames:      res.Frames,
			Output:      repacked,
			TOCCount:    len(res.Frames),
			CMR:         res.CMR,
			CMRStripped: true,
		}
	}

	octetPasses := []struct {
		name    string
		withCMR bool
	}{
		{"octet_cmr", true},
		{"octet_no_cmr", false},
	}
	for _, pass := range octetPasses {
		res, err := ParseOctetAligned(payload, pass.withCMR)
		if err != nil {
			fail(pass.name, err)
			continue
		}
		out := payload
		if pass.withCMR {
			out = payload[1:]
		}
		return &TranscodeResult{
			OK:          true,
			Packing:     PackingOctet,
			Frames:      res.Frames,
			Output:      out,
			TOCCount:    len(res.Frames),
			CMR:         res.CMR,
			CMRStripped: true,
		}
	}

	return &TranscodeResult{
		OK:      false,
		Packing: PackingInvalid,
		Error:   strings.Join(reasons, "; "),
	}
}

// SpeechDurationMs returns the audible duration covered by the frame list;
// every AMR-WB frame, including SID and NO_DATA, represents 20 ms.
func SpeechDurationMs(frames []Frame) int {
	return len(frames) * 20
}
