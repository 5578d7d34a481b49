// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_brain "github.com/rapidaai/voice-gateway/internal/brain"
	internal_capacity "github.com/rapidaai/voice-gateway/internal/capacity"
	internal_config "github.com/rapidaai/voice-gateway/internal/config"
	internal_stt "github.com/rapidaai/voice-gateway/internal/stt"
	internal_telnyx "github.com/rapidaai/voice-gateway/internal/telnyx"
	internal_tenant "github.com/rapidaai/voice-gateway/internal/tenant"
	internal_tts "github.com/rapidaai/voice-gateway/internal/tts"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// ==== fakes ====

type carrierCall struct {
	action string
	id     string
	body   map[string]interface{}
	url    string
}

type fakeCarrier struct {
	mu        sync.Mutex
	calls     []carrierCall
	answerErr error
}

func (f *fakeCarrier) record(c carrierCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeCarrier) Answer(_ context.Context, id string, body map[string]interface{}) error {
	f.record(carrierCall{action: "answer", id: id, body: body})
	return f.answerErr
}

func (f *fakeCarrier) PlaybackStart(_ context.Context, id, audioURL string) error {
	f.record(carrierCall{action: "playback_start", id: id, url: audioURL})
	return nil
}

func (f *fakeCarrier) PlaybackStop(_ context.Context, id string) error {
	f.record(carrierCall{action: "playback_stop", id: id})
	return nil
}

func (f *fakeCarrier) StreamingRestart(_ context.Context, id, streamURL, streamTrack, codec string) error {
	f.record(carrierCall{action: "streaming_restart", id: id, url: streamURL, body: map[string]interface{}{
		"stream_track": streamTrack,
		"stream_codec": codec,
	}})
	return nil
}

func (f *fakeCarrier) Hangup(_ context.Context, id string) error {
	f.record(carrierCall{action: "hangup", id: id})
	return nil
}

func (f *fakeCarrier) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.action)
	}
	return out
}

func (f *fakeCarrier) has(action string) bool {
	for _, a := range f.actions() {
		if a == action {
			return true
		}
	}
	return false
}

func (f *fakeCarrier) first(action string) (carrierCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.action == action {
			return c, true
		}
	}
	return carrierCall{}, false
}

type fakeLimiter struct {
	mu       sync.Mutex
	decision internal_capacity.Decision
	err      error
	acquires []internal_capacity.AcquireRequest
	releases []string
}

func (f *fakeLimiter) TryAcquire(_ context.Context, req internal_capacity.AcquireRequest) (internal_capacity.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires = append(f.acquires, req)
	return f.decision, f.err
}

func (f *fakeLimiter) Release(_ context.Context, tenantID, callControlID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, tenantID+"/"+callControlID)
	return nil
}

func (f *fakeLimiter) released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.releases...)
}

type fakeTenants struct {
	dids map[string]string
}

func (f *fakeTenants) ResolveDID(_ context.Context, e164 string) (string, error) {
	if id, ok := f.dids[e164]; ok {
		return id, nil
	}
	return "", internal_tenant.ErrUnknownDID
}

func (f *fakeTenants) LoadConfig(_ context.Context, tenantID string) (*internal_tenant.TenantConfig, error) {
	return &internal_tenant.TenantConfig{
		TenantID:     tenantID,
		Greeting:     "Hello from acme!",
		RepromptText: "Are you still there?",
		TTSVoice:     "af_heart",
	}, nil
}

type fakeTTS struct {
	mu   sync.Mutex
	reqs []internal_tts.Request
	err  error
}

func (f *fakeTTS) Synthesize(_ context.Context, req internal_tts.Request) (*internal_tts.Synthesis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &internal_tts.Synthesis{
		PublicURL: fmt.Sprintf("https://audio.example.com/clip-%d.wav", len(f.reqs)),
	}, nil
}

func (f *fakeTTS) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.reqs))
	for _, r := range f.reqs {
		out = append(out, r.Text)
	}
	return out
}

type fakeBrain struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []internal_brain.ReplyRequest
}

func (f *fakeBrain) GenerateReply(_ context.Context, req internal_brain.ReplyRequest, _ func(string)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

type sttStub struct{}

func (sttStub) Transcribe(context.Context, []int16, int, internal_stt.Kind) (internal_stt.Result, error) {
	return internal_stt.Result{}, nil
}

type fakeConn struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.msgs:
		return 1, m, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// ==== harness ====

type fixtures struct {
	carrier *fakeCarrier
	limiter *fakeLimiter
	tts     *fakeTTS
	brain   *fakeBrain
}

func testConfig() *internal_config.Config {
	return &internal_config.Config{
		Port:                        8080,
		TelnyxStreamTrack:           "inbound_track",
		TelnyxTargetSampleRate:      16000,
		MediaStreamToken:            "tok-1",
		PublicBaseURL:               "https://gw.example.com",
		STTChunkMs:                  20,
		STTSilenceEndMs:             900,
		STTPreRollMs:                300,
		STTMinUtteranceMs:           280,
		STTMaxUtteranceMs:           6000,
		STTRMSFloor:                 0.012,
		STTPeakFloor:                0.040,
		STTSpeechFramesRequired:     3,
		STTSilenceFramesRequired:    4,
		STTPartialIntervalMs:        250,
		STTPostPlaybackGraceMs:      650,
		STTLateFinalWatchdogMs:      8000,
		STTRxPostprocessEnabled:     true,
		STTRxDedupeWindow:           32,
		GlobalConcurrencyCap:        50,
		TenantConcurrencyCapDefault: 5,
		TenantCallsPerMinCapDefault: 10,
		CapacityTTLSeconds:          7200,
		IngestMaxRestartAttempts:    1,
	}
}

func newTestManager(t *testing.T, mutate func(*internal_config.Config, *fixtures)) (*Manager, *fixtures) {
	t.Helper()
	fx := &fixtures{
		carrier: &fakeCarrier{},
		limiter: &fakeLimiter{decision: internal_capacity.Decision{OK: true}},
		tts:     &fakeTTS{},
		brain:   &fakeBrain{reply: "happy to help"},
	}
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg, fx)
	}
	m := NewManager(commons.NewNopLogger(), cfg, Deps{
		Carrier:     fx.carrier,
		Limiter:     fx.limiter,
		Tenants:     &fakeTenants{dids: map[string]string{"+15550100": "acme"}},
		TTS:         fx.tts,
		Brain:       fx.brain,
		STTProvider: sttStub{},
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, fx
}

func initiatedPayload(id string) *internal_telnyx.CallPayload {
	return &internal_telnyx.CallPayload{
		CallControlID: id,
		From:          "+15550123",
		To:            "+15550100",
		Direction:     "incoming",
	}
}

// ==== tests ====

func TestInitiatedAdmitsAndAnswersWithStream(t *testing.T) {
	m, fx := newTestManager(t, nil)

	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-1"))

	assert.Equal(t, 1, m.ActiveCount())
	answer, ok := fx.carrier.first("answer")
	require.True(t, ok)
	assert.Equal(t, "cc-1", answer.id)
	assert.Equal(t, "wss://gw.example.com/v1/telnyx/media/cc-1?token=tok-1", answer.body["stream_url"])
	assert.Equal(t, "inbound_track", answer.body["stream_track"])

	require.Len(t, fx.limiter.acquires, 1)
	assert.Equal(t, "acme", fx.limiter.acquires[0].TenantID)
	assert.Equal(t, 50, fx.limiter.acquires[0].Defaults.GlobalConcurrency)
}

func TestInitiatedUnknownDIDHangsUp(t *testing.T) {
	m, fx := newTestManager(t, nil)

	payload := initiatedPayload("cc-2")
	payload.To = "+19999999"
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, payload)

	assert.Zero(t, m.ActiveCount())
	assert.True(t, fx.carrier.has("hangup"))
	assert.False(t, fx.carrier.has("answer"))
}

func TestInitiatedAtCapacityPlaysBusyPromptWithoutSession(t *testing.T) {
	m, fx := newTestManager(t, func(_ *internal_config.Config, fx *fixtures) {
		fx.limiter.decision = internal_capacity.Decision{OK: false, Reason: internal_capacity.ReasonTenantAtCapacity}
	})

	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-3"))

	assert.Zero(t, m.ActiveCount())
	answer, ok := fx.carrier.first("answer")
	require.True(t, ok)
	assert.NotContains(t, answer.body, "stream_url", "busy answer carries no media stream")
	require.True(t, fx.carrier.has("playback_start"))
	assert.Equal(t, []string{busyPrompt}, fx.tts.texts())
}

func TestAdmissionFailsOpenWhenRedisIsDown(t *testing.T) {
	m, fx := newTestManager(t, func(_ *internal_config.Config, fx *fixtures) {
		fx.limiter.err = fmt.Errorf("redis: connection refused")
	})

	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-4"))

	assert.Equal(t, 1, m.ActiveCount())
	assert.True(t, fx.carrier.has("answer"))
}

func TestAnsweredSpeaksTenantGreeting(t *testing.T) {
	m, fx := newTestManager(t, nil)

	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-5"))
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallAnswered, initiatedPayload("cc-5"))

	require.Eventually(t, func() bool {
		return fx.carrier.has("playback_start")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Hello from acme!"}, fx.tts.texts())
}

func TestFinalTranscriptDrivesBrainAndPlayback(t *testing.T) {
	m, fx := newTestManager(t, nil)
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-6"))
	s := m.lookup("cc-6")
	require.NotNil(t, s)

	s.onTranscript("I need my balance", internal_stt.KindFinal)

	require.Len(t, fx.brain.reqs, 1)
	req := fx.brain.reqs[0]
	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, "I need my balance", req.Transcript)
	require.NotEmpty(t, req.History)
	assert.Equal(t, "user", req.History[len(req.History)-1].Role)

	assert.Equal(t, []string{"happy to help"}, fx.tts.texts())
	assert.True(t, fx.carrier.has("playback_start"))

	// History now carries the assistant turn too.
	assert.Equal(t, "assistant", s.history[len(s.history)-1].Role)
	assert.Equal(t, "happy to help", s.history[len(s.history)-1].Content)
}

func TestPartialTranscriptDoesNotReachBrain(t *testing.T) {
	m, fx := newTestManager(t, nil)
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-7"))
	s := m.lookup("cc-7")
	require.NotNil(t, s)

	s.onTranscript("I nee", internal_stt.KindPartial)
	assert.Empty(t, fx.brain.reqs)
}

func TestBrainFailureSpeaksFallback(t *testing.T) {
	m, fx := newTestManager(t, func(_ *internal_config.Config, fx *fixtures) {
		fx.brain.err = fmt.Errorf("brain: status 500")
	})
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-8"))
	s := m.lookup("cc-8")
	require.NotNil(t, s)

	s.onTranscript("hello?", internal_stt.KindFinal)

	assert.Equal(t, []string{spokenFallback}, fx.tts.texts())
	assert.True(t, fx.carrier.has("playback_start"))
}

func TestBargeInStopsPlayback(t *testing.T) {
	m, fx := newTestManager(t, nil)
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-9"))
	s := m.lookup("cc-9")
	require.NotNil(t, s)

	s.onBargeIn()
	assert.True(t, fx.carrier.has("playback_stop"))
}

func TestHangupReleasesCapacityAndDeregisters(t *testing.T) {
	m, fx := newTestManager(t, nil)
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-10"))
	require.Equal(t, 1, m.ActiveCount())

	hangup := initiatedPayload("cc-10")
	hangup.HangupCause = "normal_clearing"
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallHangup, hangup)

	assert.Zero(t, m.ActiveCount())
	assert.Equal(t, []string{"acme/cc-10"}, fx.limiter.released())

	// Repeated hangups and late events are harmless.
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallHangup, hangup)
	m.HandleWebhook(context.Background(), internal_telnyx.EventPlaybackEnded, initiatedPayload("cc-10"))
	assert.Equal(t, []string{"acme/cc-10"}, fx.limiter.released())
}

func TestAttachMediaForUnknownCall(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := m.AttachMedia("nope", newFakeConn())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMediaFlowReachesCoordinator(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-11"))
	s := m.lookup("cc-11")
	require.NotNil(t, s)

	conn := newFakeConn()
	require.NoError(t, m.AttachMedia("cc-11", conn))

	conn.msgs <- []byte(`{"event":"start","start":{"call_control_id":"cc-11","media_format":{"encoding":"PCMU","sample_rate":8000,"channels":1}}}`)
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0x2A
	}
	for i := 0; i < 15; i++ {
		conn.msgs <- []byte(fmt.Sprintf(
			`{"event":"media","sequence_number":"%d","media":{"track":"inbound","payload":"%s"}}`,
			i+1, base64Of(payload)))
	}

	require.Eventually(t, func() bool {
		var ready bool
		s.coordDo(func() { ready = s.coord.MediaReady() })
		return ready
	}, 2*time.Second, 10*time.Millisecond)

	s.end("test_done")
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "teardown closes the media socket")
}

func TestDeadAirRepromptsCaller(t *testing.T) {
	m, fx := newTestManager(t, func(cfg *internal_config.Config, _ *fixtures) {
		cfg.DeadAirMs = 40
	})
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-12"))
	s := m.lookup("cc-12")
	require.NotNil(t, s)

	s.resetDeadAir()
	require.Eventually(t, func() bool {
		for _, text := range fx.tts.texts() {
			if text == "Are you still there?" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, fx.carrier.has("playback_start"))
}

func TestShutdownHangsUpActiveCalls(t *testing.T) {
	m, fx := newTestManager(t, nil)
	m.HandleWebhook(context.Background(), internal_telnyx.EventCallInitiated, initiatedPayload("cc-13"))
	require.Equal(t, 1, m.ActiveCount())

	m.Shutdown(context.Background())

	assert.Zero(t, m.ActiveCount())
	assert.True(t, fx.carrier.has("hangup"))
	assert.NotEmpty(t, fx.limiter.released())
}

func base64Of(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func TestStreamURLSchemes(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *internal_config.Config, _ *fixtures) {
		cfg.PublicBaseURL = "http://localhost:8080/"
	})
	assert.Equal(t, "ws://localhost:8080/v1/telnyx/media/cc-x?token=tok-1", m.streamURL("cc-x"))
}
