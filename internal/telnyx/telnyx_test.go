// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_telnyx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(commons.NewNopLogger(), srv.URL, "test-key",
		WithStreamCodec("PCMU"),
		withBackoff(time.Millisecond, 5*time.Millisecond),
		withJitter(func() time.Duration { return 0 }),
	)
}

func TestAnswerStripsMediaFormatAndSetsStreamCodec(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls/cc-1/actions/answer", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	})

	err := c.Answer(context.Background(), "cc-1", map[string]interface{}{
		"stream_url":   "wss://gw.example.com/v1/telnyx/media/cc-1?token=s3cret",
		"stream_track": "inbound_track",
		"media_format": map[string]interface{}{"encoding": "PCMU"},
	})
	require.NoError(t, err)
	assert.NotContains(t, got, "media_format")
	assert.Equal(t, "PCMU", got["stream_codec"])
	assert.Equal(t, "inbound_track", got["stream_track"])
}

func TestAnswerWithoutStreamFieldsLeavesBodyAlone(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Answer(context.Background(), "cc-1", map[string]interface{}{
		"client_state": "abc",
	}))
	assert.NotContains(t, got, "stream_codec")
	assert.Equal(t, "abc", got["client_state"])
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Hangup(context.Background(), "cc-1"))
	assert.Equal(t, 3, attempts)
}

func TestGivesUpAfterTwoRetries(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := c.Hangup(context.Background(), "cc-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Equal(t, 3, attempts)
}

func TestDoesNotRetryOn4xx(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.PlaybackStop(context.Background(), "cc-1")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func Test422AlreadyEndedIsSuccess(t *testing.T) {
	for _, wording := range []string{
		`{"errors":[{"detail":"Call has already ended"}]}`,
		`{"errors":[{"detail":"call is no longer active"}]}`,
	} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(wording))
		})
		assert.NoError(t, c.Hangup(context.Background(), "cc-1"), wording)
	}
}

func Test422OtherBodyIsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":[{"detail":"invalid audio_url"}]}`))
	})
	assert.Error(t, c.PlaybackStart(context.Background(), "cc-1", "https://x/y.wav"))
}

func TestContextCancelIsNotRetried(t *testing.T) {
	attempts := 0
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		<-release
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(release)
	}()

	err := c.Hangup(ctx, "cc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestStreamingStartSendsCodecAndTrack(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls/cc-1/actions/streaming_start", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.StreamingStart(context.Background(), "cc-1",
		"wss://gw.example.com/v1/telnyx/media/cc-1?token=s3cret", "inbound_track"))
	assert.Equal(t, "inbound_track", got["stream_track"])
	assert.Equal(t, "PCMU", got["stream_codec"])
	assert.Contains(t, got["stream_url"], "token=s3cret")
}

func TestStreamingRestartOverridesCodec(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls/cc-1/actions/streaming_start", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.StreamingRestart(context.Background(), "cc-1",
		"wss://gw.example.com/v1/telnyx/media/cc-1?token=s3cret", "inbound_track", "PCMU"))
	assert.Equal(t, "PCMU", got["stream_codec"])
	assert.Equal(t, "inbound_track", got["stream_track"])
}

func TestRedactStreamURL(t *testing.T) {
	redacted := RedactStreamURL("wss://gw.example.com/v1/telnyx/media/cc-1?token=s3cret&x=1")
	assert.NotContains(t, redacted, "s3cret")
	assert.Contains(t, redacted, "token=REDACTED")
	assert.Contains(t, redacted, "x=1")

	// No token parameter: unchanged.
	assert.Equal(t, "wss://gw.example.com/a", RedactStreamURL("wss://gw.example.com/a"))
}

func TestParseWebhook(t *testing.T) {
	raw := []byte(`{
		"data": {
			"event_type": "call.initiated",
			"id": "evt-1",
			"payload": {
				"call_control_id": "cc-1",
				"from": "+15550100",
				"to": "+15550199",
				"direction": "incoming"
			}
		}
	}`)
	data, payload, err := ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, EventCallInitiated, data.EventType)
	assert.Equal(t, "cc-1", payload.CallControlID)
	assert.Equal(t, "+15550100", payload.From)
	assert.Equal(t, "incoming", payload.Direction)
}

func TestParseWebhookMalformed(t *testing.T) {
	_, _, err := ParseWebhook([]byte(`{"data": {"payload": "not-an-object"}}`))
	assert.Error(t, err)
}
