// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_coordinator

import internal_audio "github.com/rapidaai/voice-gateway/internal/audio"

// preRollRing holds the most recent PCM16 frames up to a total-milliseconds
// budget. Frames are copied on push so the ring never aliases producer
// buffers; oldest frames are evicted first.
type preRollRing struct {
	maxMs      int
	sampleRate int

	frames  [][]int16
	totalMs int
}

func newPreRollRing(maxMs, sampleRate int) *preRollRing {
	return &preRollRing{maxMs: maxMs, sampleRate: sampleRate}
}

func (r *preRollRing) push(frame []int16) {
	if len(frame) == 0 || r.maxMs <= 0 {
		return
	}
	cp := make([]int16, len(frame))
	copy(cp, frame)
	r.frames = append(r.frames, cp)
	r.totalMs += internal_audio.DurationMs(len(cp), r.sampleRate)

	for len(r.frames) > 0 && r.totalMs > r.maxMs {
		r.totalMs -= internal_audio.DurationMs(len(r.frames[0]), r.sampleRate)
		r.frames = r.frames[1:]
	}
}

// snapshot returns an immutable copy of the buffered frames, oldest first.
func (r *preRollRing) snapshot() [][]int16 {
	out := make([][]int16, len(r.frames))
	for i, f := range r.frames {
		cp := make([]int16, len(f))
		copy(cp, f)
		out[i] = cp
	}
	return out
}

func (r *preRollRing) durationMs() int { return r.totalMs }

func (r *preRollRing) reset() {
	r.frames = nil
	r.totalMs = 0
}
