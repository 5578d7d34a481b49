// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_amrwb

import "errors"

// ErrNoDecoder is returned when AMR-WB media arrives but no PCM decoder has
// been wired. The ingest layer reacts by requesting a PCMU stream restart.
var ErrNoDecoder = errors.New("amrwb: no pcm decoder configured")

// PCMDecoder turns normalized octet-aligned AMR-WB frames into 16 kHz PCM16.
// The depacketizer itself is codec-agnostic; actual speech synthesis needs a
// native AMR-WB codec, which deployments provide behind this interface.
type PCMDecoder interface {
	// DecodeFrames returns SamplesPerFrame samples per input frame, in order.
	// SID and NO_DATA frames yield comfort noise / silence respectively.
	DecodeFrames(frames []Frame) ([]int16, error)
	Close() error
}
