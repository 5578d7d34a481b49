// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_coordinator is the per-call state machine. It decides when
// the STT pipeline may arm, owns the pre-roll ring, and emits a timing
// summary at every utterance end.
package internal_coordinator

import (
	"time"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// State is the call's audio state. Exactly one holds at a time.
type State string

const (
	StateIdle          State = "IDLE"
	StateListening     State = "LISTENING"
	StateCapturing     State = "CAPTURING"
	StateFinalizingSTT State = "FINALIZING_STT"
	StateResponding    State = "RESPONDING"
	StatePlaying       State = "PLAYING"
	StateEnding        State = "ENDING"
)

// mediaReadyMs is the consecutive-audio requirement before arming.
const mediaReadyMs = 200

// TimingSummary is the structured record emitted at utterance end.
type TimingSummary struct {
	CallControlID string
	State         State

	PlaybackEndedAt time.Time
	FirstFrameAt    time.Time
	ArmedAt         time.Time
	SpeechStartAt   time.Time
	UtteranceEndAt  time.Time

	PlaybackToFirstFrameMs int64
	FirstFrameToArmedMs    int64
	ArmedToSpeechStartMs   int64
	SpeechToEndMs          int64
	PreRollMs              int
}

// Coordinator tracks one call's audio state. Not safe for concurrent use; the
// session's serial event loop is the only caller.
type Coordinator struct {
	logger        commons.Logger
	callControlID string
	clock         func() time.Time

	frameMs    int
	sampleRate int

	state       State
	wsConnected bool

	firstFrameAt  time.Time
	lastFrameAt   time.Time
	consecutiveMs int

	playbackActive  bool
	playbackEndedAt time.Time
	canArm          bool

	armedAt       time.Time
	speechStartAt time.Time

	preRoll *preRollRing

	onTransition    func(from, to State, reason string)
	onTimingSummary func(TimingSummary)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFrameMs sets the expected frame interval for gap detection.
func WithFrameMs(ms int) Option {
	return func(c *Coordinator) { c.frameMs = ms }
}

// WithPreRoll sizes the pre-roll ring.
func WithPreRoll(maxMs, sampleRate int) Option {
	return func(c *Coordinator) {
		c.sampleRate = sampleRate
		c.preRoll = newPreRollRing(maxMs, sampleRate)
	}
}

// OnTransition observes every state change.
func OnTransition(fn func(from, to State, reason string)) Option {
	return func(c *Coordinator) { c.onTransition = fn }
}

// OnTimingSummary observes utterance-end timing records.
func OnTimingSummary(fn func(TimingSummary)) Option {
	return func(c *Coordinator) { c.onTimingSummary = fn }
}

func withClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// NewCoordinator builds the coordinator for one call, starting in IDLE.
func NewCoordinator(logger commons.Logger, callControlID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:        logger,
		callControlID: callControlID,
		clock:         time.Now,
		frameMs:       20,
		sampleRate:    16000,
		state:         StateIdle,
		canArm:        true,
	}
	c.preRoll = newPreRollRing(300, c.sampleRate)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State { return c.state }

// Ended reports whether the call reached ENDING.
func (c *Coordinator) Ended() bool { return c.state == StateEnding }

// transition moves to a new state, logging (from, to, reason). ENDING is
// absorbing: once reached, nothing else is accepted.
func (c *Coordinator) transition(to State, reason string) bool {
	if c.state == StateEnding {
		return false
	}
	from := c.state
	if from == to {
		return false
	}
	c.state = to
	c.logger.Infow("coordinator transition",
		"call_control_id", c.callControlID,
		"from", string(from),
		"to", string(to),
		"reason", reason,
	)
	if c.onTransition != nil {
		c.onTransition(from, to, reason)
	}
	return true
}

// ==== media readiness ====

// OnWSConnected marks the media socket up.
func (c *Coordinator) OnWSConnected() {
	c.wsConnected = true
}

// OnWSDisconnected resets readiness and drops the pre-roll ring; buffered
// audio from a dead socket must not leak into the next utterance.
func (c *Coordinator) OnWSDisconnected() {
	c.wsConnected = false
	c.firstFrameAt = time.Time{}
	c.lastFrameAt = time.Time{}
	c.consecutiveMs = 0
	c.preRoll.reset()
}

// OnFrame feeds one canonical frame. It maintains the readiness window,
// buffers pre-roll, and arms LISTENING from IDLE once media is ready.
func (c *Coordinator) OnFrame(pcm []int16) {
	now := c.clock()
	if c.firstFrameAt.IsZero() {
		c.firstFrameAt = now
	}

	maxGap := time.Duration(maxInt(300, 4*c.frameMs)) * time.Millisecond
	if !c.lastFrameAt.IsZero() && now.Sub(c.lastFrameAt) > maxGap {
		c.consecutiveMs = 0
	}
	c.consecutiveMs += c.frameMs
	c.lastFrameAt = now

	c.preRoll.push(pcm)

	if c.state == StateIdle && c.MediaReady() && !c.playbackActive && c.canArm {
		c.armedAt = now
		c.transition(StateListening, "media_ready")
	}
}

// MediaReady is the arming predicate: socket up, audio seen, and at least
// 200 ms of consecutive frames.
func (c *Coordinator) MediaReady() bool {
	return c.wsConnected && !c.firstFrameAt.IsZero() && c.consecutiveMs >= mediaReadyMs
}

// SetCanArmListening gates arming externally (e.g. while a greeting is
// queued).
func (c *Coordinator) SetCanArmListening(ok bool) {
	c.canArm = ok
}

// ==== utterance lifecycle ====

// OnSpeechStart moves LISTENING to CAPTURING.
func (c *Coordinator) OnSpeechStart() {
	if c.state != StateListening {
		return
	}
	c.speechStartAt = c.clock()
	c.transition(StateCapturing, "speech_start")
}

// OnUtteranceEnd moves CAPTURING to FINALIZING_STT and emits the timing
// summary for the utterance that just closed.
func (c *Coordinator) OnUtteranceEnd() {
	if c.state != StateCapturing {
		return
	}
	c.transition(StateFinalizingSTT, "utterance_end")
	c.emitTimingSummary()
}

// OnRespondingStart marks the brain call beginning.
func (c *Coordinator) OnRespondingStart() {
	if c.state != StateFinalizingSTT {
		return
	}
	c.transition(StateResponding, "responding_start")
}

// OnTTSStart marks synthesis beginning.
func (c *Coordinator) OnTTSStart() {
	if c.state != StateResponding {
		return
	}
	c.transition(StatePlaying, "tts_start")
}

// ==== playback ====

// OnPlaybackStarted marks carrier playback active.
func (c *Coordinator) OnPlaybackStarted() {
	c.playbackActive = true
	if c.state == StateResponding {
		c.transition(StatePlaying, "playback_started")
	}
}

// OnPlaybackEnded re-arms LISTENING when media is still ready.
func (c *Coordinator) OnPlaybackEnded() {
	c.playbackActive = false
	c.playbackEndedAt = c.clock()
	if c.state != StatePlaying {
		return
	}
	if c.MediaReady() && c.canArm {
		c.armedAt = c.clock()
		c.transition(StateListening, "playback_ended")
	} else {
		c.transition(StateIdle, "playback_ended_media_not_ready")
	}
}

// PlaybackActive reports whether carrier playback is running.
func (c *Coordinator) PlaybackActive() bool { return c.playbackActive }

// OnHangup moves to ENDING from any state.
func (c *Coordinator) OnHangup(reason string) {
	c.transition(StateEnding, reason)
}

// ==== pre-roll ====

// ConsumePreRollForUtterance returns a snapshot of the buffered pre-roll.
// The ring is left intact; it is reset only on socket disconnect.
func (c *Coordinator) ConsumePreRollForUtterance() [][]int16 {
	return c.preRoll.snapshot()
}

// PreRollMs reports the buffered pre-roll duration.
func (c *Coordinator) PreRollMs() int { return c.preRoll.durationMs() }

func (c *Coordinator) emitTimingSummary() {
	if c.onTimingSummary == nil {
		return
	}
	now := c.clock()
	s := TimingSummary{
		CallControlID:   c.callControlID,
		State:           c.state,
		PlaybackEndedAt: c.playbackEndedAt,
		FirstFrameAt:    c.firstFrameAt,
		ArmedAt:         c.armedAt,
		SpeechStartAt:   c.speechStartAt,
		UtteranceEndAt:  now,
		PreRollMs:       c.preRoll.durationMs(),
	}
	if !c.playbackEndedAt.IsZero() && !c.firstFrameAt.IsZero() {
		s.PlaybackToFirstFrameMs = c.firstFrameAt.Sub(c.playbackEndedAt).Milliseconds()
	}
	if !c.firstFrameAt.IsZero() && !c.armedAt.IsZero() {
		s.FirstFrameToArmedMs = c.armedAt.Sub(c.firstFrameAt).Milliseconds()
	}
	if !c.armedAt.IsZero() && !c.speechStartAt.IsZero() {
		s.ArmedToSpeechStartMs = c.speechStartAt.Sub(c.armedAt).Milliseconds()
	}
	if !c.speechStartAt.IsZero() {
		s.SpeechToEndMs = now.Sub(c.speechStartAt).Milliseconds()
	}
	c.onTimingSummary(s)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
