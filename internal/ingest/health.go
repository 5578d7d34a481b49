// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ingest

import "time"

// Health classification thresholds over the rolling window.
const (
	healthWindow          = time.Second
	healthMinFrames       = 10
	healthMaxDecodeFails  = 5
	healthMaxTinyPayloads = 10
	healthQuietRMSFloor   = 0.001
	healthQuietShare      = 0.8
)

type healthSample struct {
	at          time.Time
	decodeFail  bool
	tinyPayload bool
	quiet       bool
}

// healthMonitor classifies the inbound stream over a rolling one-second
// window. Not safe for concurrent use; the ingest loop is serial.
type healthMonitor struct {
	clock   func() time.Time
	samples []healthSample
}

func newHealthMonitor(clock func() time.Time) *healthMonitor {
	return &healthMonitor{clock: clock}
}

func (h *healthMonitor) record(decodeFail, tinyPayload, quiet bool) {
	now := h.clock()
	h.samples = append(h.samples, healthSample{
		at:          now,
		decodeFail:  decodeFail,
		tinyPayload: tinyPayload,
		quiet:       quiet,
	})
	h.prune(now)
}

func (h *healthMonitor) prune(now time.Time) {
	cutoff := now.Add(-healthWindow)
	keep := 0
	for keep < len(h.samples) && h.samples[keep].at.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		h.samples = append(h.samples[:0], h.samples[keep:]...)
	}
}

// unhealthy reports whether the window crosses any failure threshold and the
// first matching reason.
func (h *healthMonitor) unhealthy() (bool, string) {
	h.prune(h.clock())
	if len(h.samples) < healthMinFrames {
		return false, ""
	}

	decodeFails, tiny, quiet, decoded := 0, 0, 0, 0
	for _, s := range h.samples {
		if s.decodeFail {
			decodeFails++
			continue
		}
		decoded++
		if s.tinyPayload {
			tiny++
		}
		if s.quiet {
			quiet++
		}
	}

	switch {
	case decodeFails >= healthMaxDecodeFails:
		return true, "decode_failures"
	case tiny >= healthMaxTinyPayloads:
		return true, "tiny_payloads"
	case decoded > 0 && float64(quiet)/float64(decoded) >= healthQuietShare:
		return true, "silent_frames"
	}
	return false, ""
}

func (h *healthMonitor) reset() {
	h.samples = h.samples[:0]
}
