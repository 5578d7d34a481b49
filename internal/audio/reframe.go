// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

// Reframer re-slices arbitrarily sized PCM16 deliveries into fixed-duration
// frames, carrying the remainder across calls. Carriers batch media
// unpredictably (one WS message may hold 5 ms or 120 ms); everything
// downstream assumes uniform frames.
type Reframer struct {
	sampleRate   int
	frameSamples int
	carry        []int16
}

// NewReframer creates a reframer emitting frameMs frames at sampleRate.
func NewReframer(sampleRate, frameMs int) *Reframer {
	return &Reframer{
		sampleRate:   sampleRate,
		frameSamples: SamplesForMs(frameMs, sampleRate),
	}
}

// Push appends samples and returns every complete frame now available. The
// returned slices are fresh copies; callers may retain them.
func (r *Reframer) Push(samples []int16) [][]int16 {
	r.carry = append(r.carry, samples...)
	var frames [][]int16
	for len(r.carry) >= r.frameSamples {
		frame := make([]int16, r.frameSamples)
		copy(frame, r.carry[:r.frameSamples])
		frames = append(frames, frame)
		r.carry = r.carry[r.frameSamples:]
	}
	// Reclaim backing storage once the carry is small; the slice expression
	// above keeps the consumed prefix alive otherwise.
	if len(r.carry) > 0 && cap(r.carry) > 4*r.frameSamples {
		compact := make([]int16, len(r.carry), r.frameSamples)
		copy(compact, r.carry)
		r.carry = compact
	}
	return frames
}

// Pending returns the number of buffered samples not yet forming a frame.
func (r *Reframer) Pending() int {
	return len(r.carry)
}

// Reset discards any carried samples (stream restart).
func (r *Reframer) Reset() {
	r.carry = r.carry[:0]
}
