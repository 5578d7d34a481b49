// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_audio holds the PCM16 primitives shared by the ingest and
// STT paths: byte/sample conversion, level measurement, linear resampling and
// fixed-interval reframing. Everything here is allocation-conscious; these
// functions run on the per-frame hot path.
package internal_audio

import (
	"encoding/binary"
	"math"
)

// InternalSampleRate is the canonical rate everything downstream of ingest
// operates at.
const InternalSampleRate = 16000

// FrameMs is the fixed re-framing interval.
const FrameMs = 20

// BytesToInt16 converts little-endian PCM16 bytes to samples. A trailing odd
// byte is dropped.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// Int16ToBytes converts samples to little-endian PCM16 bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square level normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the absolute peak level normalized to [0, 1].
func Peak(samples []int16) float64 {
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768.0
}

// DownmixToMono averages interleaved multi-channel PCM into mono.
func DownmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	n := len(samples) / channels
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var acc int32
		for c := 0; c < channels; c++ {
			acc += int32(samples[i*channels+c])
		}
		out[i] = int16(acc / int32(channels))
	}
	return out
}

// Resample converts PCM16 between rates with linear interpolation. Same-rate
// input is returned unchanged. Linear is deliberate: it is sample-exact
// reproducible, cheap enough for the frame hot path, and telephony narrowband
// content has no energy near Nyquist where a better filter would matter.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}
	outLen := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(math.Round(a + (b-a)*frac))
	}
	return out
}

// Float32Samples converts PCM16 to [-1, 1] float32 for the VAD model.
func Float32Samples(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// DurationMs returns the playback duration of a sample count at rate.
func DurationMs(sampleCount, rate int) int {
	if rate <= 0 {
		return 0
	}
	return sampleCount * 1000 / rate
}

// SamplesForMs returns the sample count covering ms at rate.
func SamplesForMs(ms, rate int) int {
	return ms * rate / 1000
}
