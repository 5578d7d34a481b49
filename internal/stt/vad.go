// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_stt

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"

	internal_audio "github.com/rapidaai/voice-gateway/internal/audio"
)

// voiceDetector classifies one PCM16 frame as speech or not.
type voiceDetector interface {
	IsSpeech(frame []int16) bool
	Close()
}

// energyGate is the RMS+peak fallback used when no VAD model is configured.
// Both floors must be crossed; peak alone trips on clicks, RMS alone on hum.
type energyGate struct {
	rmsFloor  float64
	peakFloor float64
}

func newEnergyGate(rmsFloor, peakFloor float64) *energyGate {
	return &energyGate{rmsFloor: rmsFloor, peakFloor: peakFloor}
}

func (g *energyGate) IsSpeech(frame []int16) bool {
	return internal_audio.RMS(frame) >= g.rmsFloor && internal_audio.Peak(frame) >= g.peakFloor
}

func (g *energyGate) Close() {}

// sileroWindowSamples is the model's fixed 16 kHz analysis window.
const sileroWindowSamples = 1536

// sileroDetector wraps the ONNX Silero model. Frames are accumulated to the
// model's window size; between windows the last decision holds.
type sileroDetector struct {
	sd       *speech.Detector
	buf      []float32
	speaking bool
}

func newSileroDetector(modelPath string, sampleRate int, threshold float32) (*sileroDetector, error) {
	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           sampleRate,
		Threshold:            threshold,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("stt: silero init: %w", err)
	}
	return &sileroDetector{sd: sd}, nil
}

func (d *sileroDetector) IsSpeech(frame []int16) bool {
	d.buf = append(d.buf, internal_audio.Float32Samples(frame)...)
	for len(d.buf) >= sileroWindowSamples {
		window := d.buf[:sileroWindowSamples]
		segments, err := d.sd.Detect(window)
		if err == nil {
			d.speaking = len(segments) > 0
		}
		d.buf = append(d.buf[:0], d.buf[sileroWindowSamples:]...)
	}
	return d.speaking
}

func (d *sileroDetector) Close() {
	if d.sd != nil {
		_ = d.sd.Destroy()
	}
}
