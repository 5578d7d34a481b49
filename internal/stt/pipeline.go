// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_stt is the speech-endpointed transcription pipeline:
// voice-activity detection with hysteresis, pre-roll, partials, finals with
// trailing-silence trim, barge-in, playback gating and a late-final watchdog.
package internal_stt

import (
	"context"
	"crypto/sha1"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/voice-gateway/internal/audio"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// trailingSilenceCushionMs is how much silence survives the final trim past
// the last speech frame.
const trailingSilenceCushionMs = 120

// partialFallbackWindow bounds how old a partial may be to stand in for an
// empty final.
const partialFallbackWindow = 3 * time.Second

// Settings tunes the pipeline. DefaultSettings matches production.
type Settings struct {
	SampleRate            int
	FrameMs               int
	SilenceEndMs          int
	PreRollMs             int
	MinUtteranceMs        int
	MaxUtteranceMs        int
	PartialIntervalMs     int
	PartialMinMs          int
	PartialPauseMs        int
	SpeechFramesRequired  int
	SilenceFramesRequired int
	RMSFloor              float64
	PeakFloor             float64
	PostPlaybackGraceMs   int
	LateFinalWatchdogMs   int
	DedupeWindow          int
	DisableGates          bool
	VADModelPath          string
	VADThreshold          float64
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		SampleRate:            16000,
		FrameMs:               20,
		SilenceEndMs:          900,
		PreRollMs:             300,
		MinUtteranceMs:        280,
		MaxUtteranceMs:        6000,
		PartialIntervalMs:     250,
		PartialPauseMs:        300,
		SpeechFramesRequired:  3,
		SilenceFramesRequired: 4,
		RMSFloor:              0.012,
		PeakFloor:             0.040,
		PostPlaybackGraceMs:   650,
		LateFinalWatchdogMs:   8000,
		DedupeWindow:          32,
	}
}

// Metrics describes one finalized utterance.
type Metrics struct {
	SpeechMs          int
	TrailingSilenceMs int
	PreRollMs         int
	UtteranceTotalMs  int
	Reason            string
}

// Callbacks are the pipeline's consumer hooks. All fire on the pipeline's
// internal paths; consumers must not block.
type Callbacks struct {
	OnTranscript   func(text string, source Kind)
	OnSpeechStart  func()
	OnBargeIn      func()
	OnUtteranceEnd func(m Metrics)
	OnRequestStart func(kind Kind)
	OnRequestEnd   func(kind Kind)
}

type utteranceFrame struct {
	pcm    []int16
	speech bool
}

// Pipeline consumes canonical PCM16 frames for one call.
type Pipeline struct {
	logger        commons.Logger
	callControlID string
	settings      Settings
	provider      Provider
	cb            Callbacks
	clock         func() time.Time
	run           func(func())

	mu sync.Mutex

	detector voiceDetector

	playbackActive  bool
	playbackEndedAt time.Time
	bargeStreak     int
	bargeSignalled  bool

	hashWindow [][sha1.Size]byte

	preRoll        []utteranceFrame
	preRollTotalMs int

	speechStreak int

	capturing     bool
	utterance     []utteranceFrame
	speechMs      int
	silenceStreak int
	preRollMsUsed int
	speechSeenAt  time.Time
	finalDone     bool

	lastPartialAt     time.Time
	lastPartialHash   [sha1.Size]byte
	lastPartialText   string
	lastPartialTextAt time.Time

	inFlight       bool
	inFlightKind   Kind
	inFlightGen    uint64
	inFlightCancel context.CancelFunc
	finalizing     bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func withClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// withSyncRun executes provider requests inline; tests only.
func withSyncRun() Option {
	return func(p *Pipeline) { p.run = func(fn func()) { fn() } }
}

// withDetector swaps the voice detector; tests only.
func withDetector(d voiceDetector) Option {
	return func(p *Pipeline) { p.detector = d }
}

// NewPipeline builds the pipeline. A VAD model path in settings selects
// Silero; otherwise the RMS+peak energy gate is used.
func NewPipeline(logger commons.Logger, callControlID string, settings Settings, provider Provider, cb Callbacks, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:        logger,
		callControlID: callControlID,
		settings:      settings,
		provider:      provider,
		cb:            cb,
		clock:         time.Now,
		run:           func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.detector == nil {
		p.detector = p.buildDetector()
	}
	return p
}

func (p *Pipeline) buildDetector() voiceDetector {
	if p.settings.VADModelPath != "" {
		d, err := newSileroDetector(p.settings.VADModelPath, p.settings.SampleRate, float32(p.settings.VADThreshold))
		if err == nil {
			p.logger.Infow("silero vad enabled", "call_control_id", p.callControlID)
			return d
		}
		p.logger.Warnw("silero vad unavailable, using energy gate",
			"call_control_id", p.callControlID,
			"error", err.Error(),
		)
	}
	return newEnergyGate(p.settings.RMSFloor, p.settings.PeakFloor)
}

// ProcessFrame consumes one fixed-interval PCM16 frame.
func (p *Pipeline) ProcessFrame(pcm []int16) {
	p.mu.Lock()
	launches := p.processLocked(pcm)
	p.mu.Unlock()
	for _, fn := range launches {
		p.run(fn)
	}
}

func (p *Pipeline) processLocked(pcm []int16) []func() {
	now := p.clock()
	isSpeech := p.settings.DisableGates || p.detector.IsSpeech(pcm)

	// Playback gate: no buffering or transcription while playback runs or
	// within the post-playback grace. Barge-in detection still fires.
	if p.gated(now) {
		if p.playbackActive {
			if isSpeech {
				p.bargeStreak++
				if p.bargeStreak >= p.settings.SpeechFramesRequired && !p.bargeSignalled {
					p.bargeSignalled = true
					if p.cb.OnBargeIn != nil {
						p.cb.OnBargeIn()
					}
				}
			} else {
				p.bargeStreak = 0
			}
		}
		return nil
	}

	// Replay guard against upstream lag-k frame duplication.
	if p.settings.DedupeWindow > 0 {
		h := sha1.Sum(internal_audio.Int16ToBytes(pcm))
		if p.seenRecently(h) {
			return nil
		}
		p.remember(h)
	}

	var launches []func()
	if !p.capturing {
		p.pushPreRoll(pcm, isSpeech)
		if isSpeech {
			p.speechStreak++
		} else {
			p.speechStreak = 0
		}
		if p.speechStreak >= p.settings.SpeechFramesRequired {
			launches = append(launches, p.beginUtterance(now)...)
		}
		return launches
	}

	cp := make([]int16, len(pcm))
	copy(cp, pcm)
	p.utterance = append(p.utterance, utteranceFrame{pcm: cp, speech: isSpeech})
	if isSpeech {
		p.speechMs += p.settings.FrameMs
		p.silenceStreak = 0
	} else {
		p.silenceStreak++
	}

	totalMs := len(p.utterance) * p.settings.FrameMs
	trailingMs := p.silenceStreak * p.settings.FrameMs

	// A natural pause lets a partial go out ahead of the interval clock; it
	// fires only on the frame that crosses the threshold.
	atPause := p.settings.PartialPauseMs > 0 && !isSpeech &&
		trailingMs >= p.settings.PartialPauseMs &&
		trailingMs-p.settings.FrameMs < p.settings.PartialPauseMs

	// Partial policy: bounded rate, single in-flight, content-hash dedupe.
	if !p.inFlight &&
		p.speechMs >= p.settings.MinUtteranceMs &&
		totalMs >= p.settings.PartialMinMs &&
		(atPause || p.lastPartialAt.IsZero() || now.Sub(p.lastPartialAt) >= time.Duration(p.settings.PartialIntervalMs)*time.Millisecond) {
		if h := p.utteranceHash(); h != p.lastPartialHash {
			p.lastPartialAt = now
			p.lastPartialHash = h
			launches = append(launches, p.sendTranscribe(KindPartial, p.flattenUtterance(len(p.utterance)), now))
		}
	}

	switch {
	case trailingMs >= p.settings.SilenceEndMs && p.silenceStreak >= p.settings.SilenceFramesRequired:
		launches = append(launches, p.finalizeLocked(now, "silence_end")...)
	case totalMs >= p.settings.MaxUtteranceMs:
		launches = append(launches, p.finalizeLocked(now, "max_utterance")...)
	case p.settings.LateFinalWatchdogMs > 0 && !p.speechSeenAt.IsZero() && !p.finalDone &&
		now.Sub(p.speechSeenAt) >= time.Duration(p.settings.LateFinalWatchdogMs)*time.Millisecond:
		launches = append(launches, p.finalizeLocked(now, "late_final_watchdog")...)
	}
	return launches
}

func (p *Pipeline) gated(now time.Time) bool {
	if p.playbackActive {
		return true
	}
	if p.playbackEndedAt.IsZero() || p.settings.PostPlaybackGraceMs <= 0 {
		return false
	}
	return now.Sub(p.playbackEndedAt) < time.Duration(p.settings.PostPlaybackGraceMs)*time.Millisecond
}

// beginUtterance opens capture: pre-roll becomes the utterance head. A final
// still in flight is a barge-in and gets aborted first.
func (p *Pipeline) beginUtterance(now time.Time) []func() {
	if p.inFlight && p.inFlightKind == KindFinal {
		p.logger.Infow("barge-in, aborting in-flight final", "call_control_id", p.callControlID)
		p.abortInFlight()
	}

	p.capturing = true
	p.utterance = append([]utteranceFrame(nil), p.preRoll...)
	p.preRollMsUsed = p.preRollTotalMs
	p.preRoll = nil
	p.preRollTotalMs = 0

	p.speechMs = p.speechStreak * p.settings.FrameMs
	p.silenceStreak = 0
	p.speechStreak = 0
	p.speechSeenAt = now
	p.finalDone = false

	if p.cb.OnSpeechStart != nil {
		p.cb.OnSpeechStart()
	}
	return nil
}

// Stop finalizes any open utterance; used on explicit caller stop.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	var launches []func()
	if p.capturing {
		launches = p.finalizeLocked(p.clock(), "stop")
	}
	p.mu.Unlock()
	for _, fn := range launches {
		p.run(fn)
	}
}

func (p *Pipeline) finalizeLocked(now time.Time, reason string) []func() {
	if p.finalizing {
		return nil
	}

	// A final aborts any in-flight partial.
	if p.inFlight && p.inFlightKind == KindPartial {
		p.abortInFlight()
	}

	// Trim trailing silence down to the cushion.
	cushionFrames := trailingSilenceCushionMs / p.settings.FrameMs
	lastSpeech := -1
	for i := len(p.utterance) - 1; i >= 0; i-- {
		if p.utterance[i].speech {
			lastSpeech = i
			break
		}
	}
	keep := len(p.utterance)
	if lastSpeech >= 0 && lastSpeech+1+cushionFrames < keep {
		keep = lastSpeech + 1 + cushionFrames
	}

	trailingMs := 0
	if lastSpeech >= 0 {
		trailingMs = (keep - lastSpeech - 1) * p.settings.FrameMs
	}
	m := Metrics{
		SpeechMs:          p.speechMs,
		TrailingSilenceMs: trailingMs,
		PreRollMs:         p.preRollMsUsed,
		UtteranceTotalMs:  keep * p.settings.FrameMs,
		Reason:            reason,
	}

	pcm := p.flattenUtterance(keep)
	p.capturing = false
	p.utterance = nil
	p.speechMs = 0
	p.silenceStreak = 0
	p.preRollMsUsed = 0

	p.logger.Infow("utterance finalized",
		"call_control_id", p.callControlID,
		"reason", reason,
		"speech_ms", m.SpeechMs,
		"trailing_silence_ms", m.TrailingSilenceMs,
		"pre_roll_ms", m.PreRollMs,
		"utterance_total_ms", m.UtteranceTotalMs,
	)
	if p.cb.OnUtteranceEnd != nil {
		p.cb.OnUtteranceEnd(m)
	}
	if len(pcm) == 0 {
		return nil
	}

	p.finalizing = true
	return []func(){p.sendTranscribe(KindFinal, pcm, now)}
}

// sendTranscribe marks a request in flight and returns the closure that runs
// it. The caller launches it outside the lock. Each request carries a
// generation stamp so a response that was superseded by a newer request
// cannot clobber that request's in-flight state.
func (p *Pipeline) sendTranscribe(kind Kind, pcm []int16, now time.Time) func() {
	ctx, cancel := context.WithCancel(context.Background())
	p.inFlightGen++
	gen := p.inFlightGen
	p.inFlight = true
	p.inFlightKind = kind
	p.inFlightCancel = cancel

	if p.cb.OnRequestStart != nil {
		p.cb.OnRequestStart(kind)
	}
	return func() {
		res, err := p.provider.Transcribe(ctx, pcm, p.settings.SampleRate, kind)
		p.handleResult(ctx, gen, kind, res, err)
	}
}

func (p *Pipeline) handleResult(ctx context.Context, gen uint64, kind Kind, res Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cb.OnRequestEnd != nil {
		p.cb.OnRequestEnd(kind)
	}

	// A newer request owns the in-flight state now; a late response from an
	// aborted predecessor must not touch it.
	if gen != p.inFlightGen {
		p.logger.Debugw("superseded stt response discarded",
			"call_control_id", p.callControlID,
			"kind", string(kind),
		)
		return
	}

	p.inFlight = false
	p.inFlightCancel = nil
	if kind == KindFinal {
		p.finalizing = false
		if ctx.Err() == nil {
			// An aborted final does not satisfy the watchdog.
			p.finalDone = true
		}
	}

	now := p.clock()
	aborted := ctx.Err() != nil
	switch {
	case aborted:
		p.logger.Debugw("stt request aborted", "call_control_id", p.callControlID, "kind", string(kind))
	case err != nil:
		p.logger.Warnw("stt request failed",
			"call_control_id", p.callControlID,
			"kind", string(kind),
			"error", err.Error(),
		)
	case kind == KindPartial:
		if res.Text != "" && res.Text != p.lastPartialText {
			p.lastPartialText = res.Text
			p.lastPartialTextAt = now
			if p.cb.OnTranscript != nil {
				p.cb.OnTranscript(res.Text, KindPartial)
			}
		}
	case kind == KindFinal:
		if res.Text != "" {
			if p.cb.OnTranscript != nil {
				p.cb.OnTranscript(res.Text, KindFinal)
			}
		} else if p.lastPartialText != "" && now.Sub(p.lastPartialTextAt) <= partialFallbackWindow {
			p.logger.Infow("empty final, falling back to partial",
				"call_control_id", p.callControlID,
				"partial", p.lastPartialText,
			)
			if p.cb.OnTranscript != nil {
				p.cb.OnTranscript(p.lastPartialText, KindPartialFallback)
			}
		}
	}
}

// ==== playback boundaries ====

// PlaybackStarted gates the pipeline and aborts any in-flight request. The
// replay window and any open capture are dropped: audio across a playback
// boundary belongs to different turns.
func (p *Pipeline) PlaybackStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playbackActive = true
	p.bargeStreak = 0
	p.bargeSignalled = false
	p.abortInFlight()
	p.finalizing = false
	p.hashWindow = nil
	p.capturing = false
	p.utterance = nil
	p.speechMs = 0
	p.speechStreak = 0
	p.silenceStreak = 0
	p.preRoll = nil
	p.preRollTotalMs = 0
}

// PlaybackEnded starts the post-playback grace window.
func (p *Pipeline) PlaybackEnded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playbackActive = false
	p.playbackEndedAt = p.clock()
	p.bargeStreak = 0
	p.hashWindow = nil
}

// AbortInFlight cancels any outstanding request. The session uses this on
// teardown paths that must not wait (but not for the final post-speech STT).
func (p *Pipeline) AbortInFlight() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortInFlight()
}

// FinalInFlight reports whether a final transcription is outstanding.
func (p *Pipeline) FinalInFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight && p.inFlightKind == KindFinal
}

// Close releases the detector. In-flight requests are left to finish.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detector != nil {
		p.detector.Close()
		p.detector = nil
	}
}

func (p *Pipeline) abortInFlight() {
	if p.inFlightCancel != nil {
		p.inFlightCancel()
		p.inFlightCancel = nil
	}
	if p.inFlight && p.inFlightKind == KindFinal {
		// The aborted final's response may come back after a newer request
		// has taken over the in-flight state, so release the finalize latch
		// here rather than waiting for it.
		p.finalizing = false
	}
	p.inFlight = false
}

// ==== buffers ====

func (p *Pipeline) pushPreRoll(pcm []int16, isSpeech bool) {
	if p.settings.PreRollMs <= 0 {
		return
	}
	cp := make([]int16, len(pcm))
	copy(cp, pcm)
	p.preRoll = append(p.preRoll, utteranceFrame{pcm: cp, speech: isSpeech})
	p.preRollTotalMs += p.settings.FrameMs
	for len(p.preRoll) > 0 && p.preRollTotalMs > p.settings.PreRollMs {
		p.preRoll = p.preRoll[1:]
		p.preRollTotalMs -= p.settings.FrameMs
	}
}

func (p *Pipeline) flattenUtterance(n int) []int16 {
	total := 0
	for _, f := range p.utterance[:n] {
		total += len(f.pcm)
	}
	out := make([]int16, 0, total)
	for _, f := range p.utterance[:n] {
		out = append(out, f.pcm...)
	}
	return out
}

func (p *Pipeline) utteranceHash() [sha1.Size]byte {
	h := sha1.New()
	for _, f := range p.utterance {
		h.Write(internal_audio.Int16ToBytes(f.pcm))
	}
	var sum [sha1.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func (p *Pipeline) seenRecently(h [sha1.Size]byte) bool {
	for _, seen := range p.hashWindow {
		if seen == h {
			return true
		}
	}
	return false
}

func (p *Pipeline) remember(h [sha1.Size]byte) {
	p.hashWindow = append(p.hashWindow, h)
	if len(p.hashWindow) > p.settings.DedupeWindow {
		p.hashWindow = p.hashWindow[1:]
	}
}
