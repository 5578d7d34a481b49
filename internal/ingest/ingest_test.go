// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ingest

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/voice-gateway/internal/audio"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type captured struct {
	frames    []Frame
	restarts  []string
	reprompts []string
	stopped   bool
}

func newTestIngest(t *testing.T, opts ...Option) (*Ingest, *captured) {
	t.Helper()
	sink := &captured{}
	base := []Option{
		withClock(func() time.Time { return testNow }),
		OnFrame(func(f Frame) { sink.frames = append(sink.frames, f) }),
		OnRestartRequest(func(codec string) { sink.restarts = append(sink.restarts, codec) }),
		OnReprompt(func(reason string) { sink.reprompts = append(sink.reprompts, reason) }),
		OnStop(func() { sink.stopped = true }),
	}
	return NewIngest(commons.NewNopLogger(), "cc-1", append(base, opts...)...), sink
}

func startMsg(t *testing.T, encoding string, rate, channels int) []byte {
	t.Helper()
	msg, err := json.Marshal(map[string]interface{}{
		"event": "start",
		"start": map[string]interface{}{
			"call_control_id": "cc-1",
			"media_format": map[string]interface{}{
				"encoding":    encoding,
				"sample_rate": rate,
				"channels":    channels,
			},
		},
	})
	require.NoError(t, err)
	return msg
}

func mediaMsg(t *testing.T, track string, payload []byte) []byte {
	t.Helper()
	msg, err := json.Marshal(map[string]interface{}{
		"event": "media",
		"media": map[string]interface{}{
			"track":   track,
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	})
	require.NoError(t, err)
	return msg
}

// 20 ms of mu-law at 8 kHz.
func ulawChunk() []byte {
	chunk := make([]byte, 160)
	for i := range chunk {
		chunk[i] = 0x2A // loud-ish constant, well above the quiet floor
	}
	return chunk
}

func TestPCMUMediaEmits20msFrames(t *testing.T) {
	ing, sink := newTestIngest(t)
	require.NoError(t, ing.HandleMessage(startMsg(t, "PCMU", 8000, 1)))
	require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", ulawChunk())))
	require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", ulawChunk())))

	require.Len(t, sink.frames, 2)
	f := sink.frames[0]
	assert.Equal(t, 16000, f.SampleRateHz)
	assert.Equal(t, 1, f.Channels)
	assert.Len(t, f.PCM16, 320) // 20 ms at 16 kHz
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, uint64(2), sink.frames[1].Seq)
	assert.Greater(t, internal_audio.RMS(f.PCM16), 0.001)
}

func TestL16MediaPassesThrough(t *testing.T) {
	ing, sink := newTestIngest(t)
	require.NoError(t, ing.HandleMessage(startMsg(t, "L16", 16000, 1)))

	pcm := make([]int16, 320)
	for i := range pcm {
		pcm[i] = 2000
	}
	require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", internal_audio.Int16ToBytes(pcm))))

	require.Len(t, sink.frames, 1)
	assert.Equal(t, pcm, sink.frames[0].PCM16)
}

func TestAcceptListRoutesToRestart(t *testing.T) {
	ing, sink := newTestIngest(t, WithAcceptedCodecs([]string{"PCMU", "PCMA"}))
	require.NoError(t, ing.HandleMessage(startMsg(t, "L16", 16000, 1)))

	pcm := make([]int16, 320)
	require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", internal_audio.Int16ToBytes(pcm))))

	assert.Empty(t, sink.frames)
	assert.Equal(t, []string{"PCMU"}, sink.restarts)

	// Back on an accepted codec, frames flow again.
	require.NoError(t, ing.HandleMessage(startMsg(t, "PCMU", 8000, 1)))
	require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", ulawChunk())))
	assert.Len(t, sink.frames, 1)
}

func TestTrackFilterCountsSkips(t *testing.T) {
	ing, sink := newTestIngest(t, WithTrackFilter("inbound_track"))
	require.NoError(t, ing.HandleMessage(startMsg(t, "PCMU", 8000, 1)))
	require.NoError(t, ing.HandleMessage(mediaMsg(t, "outbound", ulawChunk())))
	require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", ulawChunk())))

	assert.Len(t, sink.frames, 1)
	in, out := ing.SkippedTracks()
	assert.Equal(t, 0, in)
	assert.Equal(t, 1, out)
}

func TestTinyPayloadsTriggerRestartThenReprompt(t *testing.T) {
	ing, sink := newTestIngest(t, WithMaxRestartAttempts(1))
	require.NoError(t, ing.HandleMessage(startMsg(t, "PCMU", 8000, 1)))

	tiny := []byte{0x01, 0x02, 0x03, 0x04}
	for n := 0; n < 10; n++ {
		require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", tiny)))
	}
	require.Equal(t, []string{"PCMU"}, sink.restarts, "10 tiny payloads in window trigger one restart")
	assert.Empty(t, sink.reprompts)

	for n := 0; n < 10; n++ {
		require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", tiny)))
	}
	assert.Len(t, sink.restarts, 1, "restart budget exhausted")
	assert.Equal(t, []string{"tiny_payloads"}, sink.reprompts)

	// Reprompt fires once even if the stream stays bad.
	for n := 0; n < 10; n++ {
		require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", tiny)))
	}
	assert.Len(t, sink.reprompts, 1)
}

func TestAMRWBWithoutDecoderRequestsRestart(t *testing.T) {
	ing, sink := newTestIngest(t)
	require.NoError(t, ing.HandleMessage(startMsg(t, "AMR-WB", 16000, 1)))

	// Valid octet-aligned FT=2 payload: TOC then 32 speech bytes.
	payload := append([]byte{0x14}, make([]byte, 32)...)
	for i := 1; i < len(payload); i++ {
		payload[i] = 0x33
	}
	require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", payload)))

	assert.Equal(t, []string{"PCMU"}, sink.restarts)
	assert.Empty(t, sink.frames)
}

func TestWebRTCTransportRepromptsInsteadOfRestarting(t *testing.T) {
	ing, sink := newTestIngest(t, WithTransport(TransportWebRTCHD))
	require.NoError(t, ing.HandleMessage(startMsg(t, "AMR-WB", 16000, 1)))

	payload := append([]byte{0x14}, make([]byte, 32)...)
	require.NoError(t, ing.HandleMessage(mediaMsg(t, "inbound", payload)))

	assert.Empty(t, sink.restarts)
	assert.Equal(t, []string{"decode_unsupported"}, sink.reprompts)
}

func TestStopEventSignalsStop(t *testing.T) {
	ing, sink := newTestIngest(t)
	require.NoError(t, ing.HandleMessage([]byte(`{"event":"stop"}`)))
	assert.True(t, sink.stopped)
}

func TestMalformedJSONIsAnError(t *testing.T) {
	ing, _ := newTestIngest(t)
	assert.Error(t, ing.HandleMessage([]byte(`{not json`)))
	assert.Error(t, ing.HandleMessage([]byte(`{"no_event":true}`)))
}

func TestStartResetsCodecState(t *testing.T) {
	ing, _ := newTestIngest(t)
	require.NoError(t, ing.HandleMessage(startMsg(t, "amr-wb", 0, 0)))
	assert.Equal(t, "AMR-WB", ing.Codec())

	require.NoError(t, ing.HandleMessage(startMsg(t, "mulaw", 8000, 1)))
	assert.Equal(t, "PCMU", ing.Codec())
}
