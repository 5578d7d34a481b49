// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_session owns call lifecycles: admission on call.initiated,
// the per-call session wiring (ingest, endpointing, brain, synthesis,
// playback) and teardown. All non-media events for one call are serialized on
// that call's work queue.
package internal_session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	internal_brain "github.com/rapidaai/voice-gateway/internal/brain"
	internal_capacity "github.com/rapidaai/voice-gateway/internal/capacity"
	internal_amrwb "github.com/rapidaai/voice-gateway/internal/codec/amrwb"
	internal_config "github.com/rapidaai/voice-gateway/internal/config"
	internal_stt "github.com/rapidaai/voice-gateway/internal/stt"
	internal_telnyx "github.com/rapidaai/voice-gateway/internal/telnyx"
	internal_tenant "github.com/rapidaai/voice-gateway/internal/tenant"
	internal_tts "github.com/rapidaai/voice-gateway/internal/tts"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// busyPrompt plays to callers denied admission; the call is hung up shortly
// after so the prompt has time to finish.
const (
	busyPrompt      = "All of our agents are busy right now. Please call back in a few minutes."
	busyHangupDelay = 6 * time.Second
)

// ErrNoSession is returned when a media socket arrives for a call that was
// never admitted or has already ended.
var ErrNoSession = errors.New("session: no active session for call")

// CarrierClient is the call-control surface the manager needs; satisfied by
// *internal_telnyx.Client.
type CarrierClient interface {
	Answer(ctx context.Context, callControlID string, body map[string]interface{}) error
	PlaybackStart(ctx context.Context, callControlID, audioURL string) error
	PlaybackStop(ctx context.Context, callControlID string) error
	StreamingRestart(ctx context.Context, callControlID, streamURL, streamTrack, codec string) error
	Hangup(ctx context.Context, callControlID string) error
}

// Admitter gates call admission; satisfied by *internal_capacity.Limiter.
type Admitter interface {
	TryAcquire(ctx context.Context, req internal_capacity.AcquireRequest) (internal_capacity.Decision, error)
	Release(ctx context.Context, tenantID, callControlID string) error
}

// TenantDirectory resolves DIDs and loads tenant config; satisfied by
// *internal_tenant.Store.
type TenantDirectory interface {
	ResolveDID(ctx context.Context, e164 string) (string, error)
	LoadConfig(ctx context.Context, tenantID string) (*internal_tenant.TenantConfig, error)
}

// Synthesizer produces playable audio; satisfied by *internal_tts.Client.
type Synthesizer interface {
	Synthesize(ctx context.Context, req internal_tts.Request) (*internal_tts.Synthesis, error)
}

// Responder produces the assistant reply; satisfied by
// *internal_brain.Client.
type Responder interface {
	GenerateReply(ctx context.Context, req internal_brain.ReplyRequest, onToken func(string)) (string, error)
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Carrier      CarrierClient
	Limiter      Admitter
	Tenants      TenantDirectory
	TTS          Synthesizer
	Brain        Responder
	STTProvider  internal_stt.Provider
	AMRWBDecoder internal_amrwb.PCMDecoder
	Artifacts    *internal_amrwb.ArtifactWriter
}

// Manager tracks active call sessions and routes carrier webhooks to them.
type Manager struct {
	logger commons.Logger
	cfg    *internal_config.Config
	deps   Deps
	clock  func() time.Time

	mu       sync.Mutex
	sessions map[string]*CallSession
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

func withClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager builds the session manager.
func NewManager(logger commons.Logger, cfg *internal_config.Config, deps Deps, opts ...Option) *Manager {
	m := &Manager{
		logger:   logger,
		cfg:      cfg,
		deps:     deps,
		clock:    time.Now,
		sessions: make(map[string]*CallSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ActiveCount reports the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) lookup(callControlID string) *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callControlID]
}

func (m *Manager) register(s *CallSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if _, dup := m.sessions[s.callControlID]; dup {
		return false
	}
	m.sessions[s.callControlID] = s
	return true
}

func (m *Manager) deregister(callControlID string) {
	m.mu.Lock()
	delete(m.sessions, callControlID)
	m.mu.Unlock()
}

// HandleWebhook dispatches one verified carrier event. The HTTP layer has
// already acknowledged the webhook; this runs off the request path.
func (m *Manager) HandleWebhook(ctx context.Context, eventType string, payload *internal_telnyx.CallPayload) {
	if payload == nil || payload.CallControlID == "" {
		m.logger.Warnw("webhook without call_control_id, dropped", "event_type", eventType)
		return
	}
	id := payload.CallControlID

	switch eventType {
	case internal_telnyx.EventCallInitiated:
		m.handleInitiated(ctx, payload)
		return
	case internal_telnyx.EventCallHangup, internal_telnyx.EventCallEnded:
		if s := m.lookup(id); s != nil {
			reason := payload.HangupCause
			if reason == "" {
				reason = "carrier_hangup"
			}
			s.end(reason)
		} else {
			m.logger.Debugw("hangup for unknown call", "call_control_id", id)
		}
		return
	}

	s := m.lookup(id)
	if s == nil {
		m.logger.Debugw("event for unknown call, skipped",
			"call_control_id", id,
			"event_type", eventType,
		)
		return
	}
	switch eventType {
	case internal_telnyx.EventCallAnswered:
		s.enqueue("answered", s.onAnswered)
	case internal_telnyx.EventPlaybackStarted:
		s.enqueue("playback_started", s.onPlaybackStarted)
	case internal_telnyx.EventPlaybackEnded:
		s.enqueue("playback_ended", s.onPlaybackEnded)
	default:
		m.logger.Debugw("unhandled event type",
			"call_control_id", id,
			"event_type", eventType,
		)
	}
}

// handleInitiated runs admission and either answers with a media stream or
// plays the at-capacity prompt and hangs up.
func (m *Manager) handleInitiated(ctx context.Context, payload *internal_telnyx.CallPayload) {
	id := payload.CallControlID

	tenantID, err := m.deps.Tenants.ResolveDID(ctx, payload.To)
	if err != nil {
		if errors.Is(err, internal_tenant.ErrUnknownDID) {
			m.logger.Warnw("call to unmapped DID, rejecting",
				"call_control_id", id,
				"to", payload.To,
			)
		} else {
			m.logger.Errorw("DID resolution failed, rejecting",
				"error", err,
				"call_control_id", id,
				"to", payload.To,
			)
		}
		_ = m.deps.Carrier.Hangup(ctx, id)
		return
	}

	tenantCfg, err := m.deps.Tenants.LoadConfig(ctx, tenantID)
	if err != nil {
		m.logger.Errorw("tenant config load failed, rejecting",
			"error", err,
			"call_control_id", id,
			"tenant_id", tenantID,
		)
		_ = m.deps.Carrier.Hangup(ctx, id)
		return
	}

	decision, err := m.deps.Limiter.TryAcquire(ctx, internal_capacity.AcquireRequest{
		TenantID:      tenantID,
		CallControlID: id,
		Defaults: internal_capacity.CapDefaults{
			GlobalConcurrency: m.cfg.GlobalConcurrencyCap,
			TenantConcurrency: m.cfg.TenantConcurrencyCapDefault,
			TenantCallsPerMin: m.cfg.TenantCallsPerMinCapDefault,
			TTLSeconds:        m.cfg.CapacityTTLSeconds,
		},
		Now: m.clock(),
	})
	if err != nil {
		// Redis trouble should not drop revenue calls; admit and flag it.
		m.logger.Errorw("capacity check failed, admitting without a slot",
			"error", err,
			"call_control_id", id,
			"tenant_id", tenantID,
		)
		decision = internal_capacity.Decision{OK: true}
	}
	if !decision.OK {
		m.rejectAtCapacity(ctx, id, tenantID, decision.Reason)
		return
	}

	s := m.newSession(id, tenantID, tenantCfg)
	if !m.register(s) {
		m.logger.Warnw("duplicate call.initiated, ignoring",
			"call_control_id", id,
			"tenant_id", tenantID,
		)
		s.cancel()
		return
	}
	s.start()

	m.logger.Infow("call admitted",
		"call_control_id", id,
		"tenant_id", tenantID,
		"from", payload.From,
		"to", payload.To,
	)

	if err := m.deps.Carrier.Answer(ctx, id, map[string]interface{}{
		"stream_url":   m.streamURL(id),
		"stream_track": m.cfg.TelnyxStreamTrack,
	}); err != nil {
		m.logger.Errorw("answer failed", "error", err, "call_control_id", id)
		s.end("answer_failed")
	}
}

// rejectAtCapacity answers without a media stream, plays the busy prompt and
// schedules a hangup. No session is created.
func (m *Manager) rejectAtCapacity(ctx context.Context, callControlID, tenantID, reason string) {
	m.logger.Infow("call rejected at capacity",
		"call_control_id", callControlID,
		"tenant_id", tenantID,
		"reason", reason,
	)
	if err := m.deps.Carrier.Answer(ctx, callControlID, map[string]interface{}{}); err != nil {
		m.logger.Warnw("busy answer failed", "call_control_id", callControlID, "error", err)
		return
	}
	if syn, err := m.deps.TTS.Synthesize(ctx, internal_tts.Request{Text: busyPrompt}); err == nil {
		_ = m.deps.Carrier.PlaybackStart(ctx, callControlID, syn.PublicURL)
	} else {
		m.logger.Warnw("busy prompt synthesis failed", "call_control_id", callControlID, "error", err)
	}
	time.AfterFunc(busyHangupDelay, func() {
		_ = m.deps.Carrier.Hangup(context.Background(), callControlID)
	})
}

// AttachMedia hands an accepted media websocket to its session and starts the
// read loop.
func (m *Manager) AttachMedia(callControlID string, conn MediaConn) error {
	s := m.lookup(callControlID)
	if s == nil {
		return ErrNoSession
	}
	s.attachMedia(conn)
	return nil
}

// streamURL builds the per-call media websocket URL handed to the carrier.
func (m *Manager) streamURL(callControlID string) string {
	base := strings.TrimRight(m.cfg.PublicBaseURL, "/")
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/telnyx/media/" + callControlID + "?token=" + m.cfg.MediaStreamToken
}

// Shutdown hangs up and tears down every active session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	active := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	for _, s := range active {
		_ = m.deps.Carrier.Hangup(ctx, s.callControlID)
		s.end("shutdown")
	}
}
