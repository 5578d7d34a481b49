// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ingest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Media WebSocket event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
)

// MediaFormat is the codec description the carrier sends on start.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// StartEvent opens a media stream.
type StartEvent struct {
	CallControlID string      `json:"call_control_id"`
	StreamID      string      `json:"stream_id"`
	MediaFormat   MediaFormat `json:"media_format"`
	Tracks        []string    `json:"tracks"`
}

// MediaChunk is one media event's audio portion.
type MediaChunk struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// MediaEvent is the envelope for every message on the media socket.
type MediaEvent struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequence_number"`
	StreamID       string      `json:"stream_id"`
	Start          *StartEvent `json:"start,omitempty"`
	Media          *MediaChunk `json:"media,omitempty"`

	// Fallback payload locations seen from some gateways.
	Payload string `json:"payload,omitempty"`
	Chunk   string `json:"chunk,omitempty"`
}

// ParseMediaEvent decodes one media socket message.
func ParseMediaEvent(raw []byte) (*MediaEvent, error) {
	var ev MediaEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("ingest: media event: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("ingest: media event missing event field")
	}
	return &ev, nil
}

// payloadCandidate is one base64 string found at a known field path.
type payloadCandidate struct {
	path    string
	encoded string
	decoded []byte
}

// minPayloadBytes is the smallest decoded payload worth decoding; shorter
// payloads are the tiny-payload pathology (decoded_len=2 from a stray field).
const minPayloadBytes = 10

// minAMRWBPayloadBytes raises the floor for AMR-WB, whose shortest real
// speech frame is 17 bytes plus TOC.
const minAMRWBPayloadBytes = 20

// ExtractPayload picks the best audio payload from the event. Every known
// field path is tried, candidates are scored by decoded length against the
// codec's floor, and the longest valid one wins. Taking the first non-empty
// string is wrong: some gateways duplicate a 4-char bookkeeping field ahead
// of the real payload.
func ExtractPayload(ev *MediaEvent, codec string) (payload []byte, path string, ok bool) {
	floor := minPayloadBytes
	if strings.EqualFold(codec, "AMR-WB") {
		floor = minAMRWBPayloadBytes
	}

	var candidates []payloadCandidate
	add := func(path, encoded string) {
		if encoded == "" {
			return
		}
		decoded, err := decodeBase64(encoded)
		if err != nil {
			return
		}
		candidates = append(candidates, payloadCandidate{path: path, encoded: encoded, decoded: decoded})
	}
	if ev.Media != nil {
		add("media.payload", ev.Media.Payload)
		add("media.chunk", ev.Media.Chunk)
	}
	add("payload", ev.Payload)
	add("chunk", ev.Chunk)

	var best *payloadCandidate
	for i := range candidates {
		c := &candidates[i]
		if len(c.decoded) < floor {
			continue
		}
		if best == nil || len(c.decoded) > len(best.decoded) {
			best = c
		}
	}
	if best != nil {
		return best.decoded, best.path, true
	}

	// Nothing met the floor; surface the longest decode so the caller can
	// count it as a tiny payload rather than a parse failure.
	for i := range candidates {
		c := &candidates[i]
		if best == nil || len(c.decoded) > len(best.decoded) {
			best = c
		}
	}
	if best != nil {
		return best.decoded, best.path, false
	}
	return nil, "", false
}

func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
