// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesInt16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	assert.Equal(t, samples, BytesToInt16(Int16ToBytes(samples)))
}

func TestBytesToInt16DropsOddTrailingByte(t *testing.T) {
	out := BytesToInt16([]byte{0x01, 0x00, 0xFF})
	assert.Equal(t, []int16{1}, out)
}

func TestRMSAndPeak(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.Equal(t, 0.0, Peak(nil))

	silent := make([]int16, 320)
	assert.Equal(t, 0.0, RMS(silent))

	loud := make([]int16, 320)
	for i := range loud {
		loud[i] = 16384
	}
	assert.InDelta(t, 0.5, RMS(loud), 0.001)
	assert.InDelta(t, 0.5, Peak(loud), 0.001)
}

func TestDownmixToMono(t *testing.T) {
	stereo := []int16{100, 200, -100, 100, 0, 0}
	mono := DownmixToMono(stereo, 2)
	assert.Equal(t, []int16{150, 0, 0}, mono)

	passthrough := []int16{1, 2, 3}
	assert.Equal(t, passthrough, DownmixToMono(passthrough, 1))
}

func TestResampleUpconverts8kTo16k(t *testing.T) {
	in := make([]int16, 160) // 20 ms at 8 kHz
	for i := range in {
		in[i] = int16(1000 * math.Sin(2*math.Pi*float64(i)/20))
	}
	out := Resample(in, 8000, 16000)
	assert.Len(t, out, 320)
	// Interpolation must not grow the level.
	assert.LessOrEqual(t, Peak(out), Peak(in)+0.001)
}

func TestResampleDownconverts48kTo16k(t *testing.T) {
	in := make([]int16, 960) // 20 ms at 48 kHz
	out := Resample(in, 48000, 16000)
	assert.Len(t, out, 320)
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	in := []int16{1, 2, 3}
	assert.Equal(t, in, Resample(in, 16000, 16000))
}

func TestReframerCarriesRemainder(t *testing.T) {
	r := NewReframer(16000, 20) // 320-sample frames

	frames := r.Push(make([]int16, 100))
	assert.Empty(t, frames)
	assert.Equal(t, 100, r.Pending())

	frames = r.Push(make([]int16, 600))
	require.Len(t, frames, 2)
	assert.Len(t, frames[0], 320)
	assert.Equal(t, 60, r.Pending())

	r.Reset()
	assert.Equal(t, 0, r.Pending())
}

func TestReframerCopiesFrames(t *testing.T) {
	r := NewReframer(16000, 20)
	in := make([]int16, 320)
	in[0] = 42
	frames := r.Push(in)
	require.Len(t, frames, 1)
	in[0] = 0
	assert.Equal(t, int16(42), frames[0][0])
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 640)
	wav := EncodeWAV(pcm, 16000, 1)
	require.Len(t, wav, 44+640)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "data", string(wav[36:40]))
	// sample rate little-endian at offset 24
	assert.Equal(t, byte(0x80), wav[24])
	assert.Equal(t, byte(0x3E), wav[25])
}
