// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_amrwb implements an RFC 4867 AMR-WB depacketizer for both
// the octet-aligned and bandwidth-efficient payload packings, plus the
// normalize-first transcoder that re-emits bandwidth-efficient payloads as
// canonical octet-aligned frame lists.
package internal_amrwb

import "fmt"

// AMR-WB frame type constants (RFC 4867 §4.1, 3GPP TS 26.201).
const (
	FrameTypeSID        = 9  // comfort noise
	FrameTypeSpeechLost = 14 // zero-byte marker
	FrameTypeNoData     = 15 // zero-byte marker

	// CMRNoPreference is the "no mode request" CMR value.
	CMRNoPreference = 15

	// SampleRate is the AMR-WB native rate; every decoded frame covers 20 ms.
	SampleRate      = 16000
	SamplesPerFrame = 320
)

// frameSizeBytes maps FT 0..9 to the octet-aligned speech payload size.
// FT 10..13 are reserved (invalid on the wire); FT 14 and 15 carry no data.
var frameSizeBytes = [16]int{17, 23, 32, 36, 40, 46, 50, 58, 60, 5, -1, -1, -1, -1, 0, 0}

// frameSizeBits maps FT 0..9 to the bandwidth-efficient bit count.
var frameSizeBits = [16]int{132, 177, 253, 285, 317, 365, 397, 461, 477, 40, -1, -1, -1, -1, 0, 0}

// Frame is one depacketized AMR-WB frame.
type Frame struct {
	FT        int
	Q         int
	IsSpeech  bool
	IsSID     bool
	IsNoData  bool
	SizeBytes int
	BitLen    int
	// Data is the octet-aligned speech payload (SizeBytes long, final bits
	// zero-padded). Nil for FT 14/15.
	Data []byte
}

// validFT reports whether ft is a legal on-the-wire frame type.
func validFT(ft int) bool {
	return ft >= 0 && ft <= 15 && frameSizeBytes[ft] >= 0
}

func newFrame(ft, q int, data []byte) Frame {
	return Frame{
		FT:        ft,
		Q:         q,
		IsSpeech:  ft <= 8,
		IsSID:     ft == FrameTypeSID,
		IsNoData:  ft == FrameTypeSpeechLost || ft == FrameTypeNoData,
		SizeBytes: frameSizeBytes[ft],
		BitLen:    frameSizeBits[ft],
		Data:      data,
	}
}

// ParseError is a tagged depacketization failure. Reason is a stable,
// machine-matchable tag; payload diagnostics concatenate them per variant.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

func errInvalidFT(ft int) error {
	return &ParseError{Reason: fmt.Sprintf("invalid_ft_%d", ft)}
}

func errFrameTruncated(ft int) error {
	return &ParseError{Reason: fmt.Sprintf("frame_truncated_ft_%d", ft)}
}

func errDataLenMismatch(expected, got int) error {
	return &ParseError{Reason: fmt.Sprintf("data_len_mismatch_expected_%d_got_%d", expected, got)}
}

var (
	errTOCTruncated       = &ParseError{Reason: "toc_truncated"}
	errTrailingBits       = &ParseError{Reason: "trailing_bits_nonzero"}
	errMissingTOC         = &ParseError{Reason: "missing_toc"}
	errPayloadTooShort    = &ParseError{Reason: "payload_too_short"}
	errTooManyFrames      = &ParseError{Reason: "too_many_frames"}
	errStorageBadMagic    = &ParseError{Reason: "storage_bad_magic"}
	errStorageFrameShort  = &ParseError{Reason: "storage_frame_truncated"}
	errStorageInvalidByte = &ParseError{Reason: "storage_invalid_toc"}
)

// maxFramesPerPayload bounds TOC chains so a hostile payload cannot spin the
// parser; carriers never bundle more than a handful of 20 ms frames.
const maxFramesPerPayload = 64
