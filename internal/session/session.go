// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	internal_brain "github.com/rapidaai/voice-gateway/internal/brain"
	internal_config "github.com/rapidaai/voice-gateway/internal/config"
	internal_coordinator "github.com/rapidaai/voice-gateway/internal/coordinator"
	internal_ingest "github.com/rapidaai/voice-gateway/internal/ingest"
	internal_stt "github.com/rapidaai/voice-gateway/internal/stt"
	internal_tenant "github.com/rapidaai/voice-gateway/internal/tenant"
	internal_tts "github.com/rapidaai/voice-gateway/internal/tts"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// queueDepth bounds the per-call work queue. Tasks beyond it are dropped with
// a warning rather than blocking the producer.
const queueDepth = 256

// spokenFallback plays when the brain fails mid-call; the caller hears
// something instead of dead air.
const spokenFallback = "Sorry, I ran into a problem. Could you say that again?"

// MediaConn is the subset of *websocket.Conn the session reads from.
type MediaConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// CallSession is one live call: media ingest, endpointing, reply generation
// and playback, plus the per-call serial work queue.
type CallSession struct {
	logger        commons.Logger
	m             *Manager
	callControlID string
	tenantID      string
	tenant        *internal_tenant.TenantConfig

	// ctx is cancelled on teardown and aborts outstanding brain, TTS and
	// carrier calls. The final post-speech STT request runs on the
	// pipeline's own context and is deliberately left to finish.
	ctx    context.Context
	cancel context.CancelFunc

	queue chan func()
	quit  chan struct{}

	ended   atomic.Bool
	endOnce sync.Once

	// coordMu serializes coordinator access between the work queue and the
	// media read goroutine; the coordinator itself is not locked.
	coordMu sync.Mutex
	coord   *internal_coordinator.Coordinator

	stt    *internal_stt.Pipeline
	ingest *internal_ingest.Ingest

	wsMu sync.Mutex
	ws   MediaConn

	history []internal_brain.Message

	deadAirMu sync.Mutex
	deadAir   *time.Timer
}

// newSession wires a session's components together. start() must be called
// before any event is enqueued.
func (m *Manager) newSession(callControlID, tenantID string, tenantCfg *internal_tenant.TenantConfig) *CallSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		logger:        m.logger,
		m:             m,
		callControlID: callControlID,
		tenantID:      tenantID,
		tenant:        tenantCfg,
		ctx:           ctx,
		cancel:        cancel,
		queue:         make(chan func(), queueDepth),
		quit:          make(chan struct{}),
	}

	s.coord = internal_coordinator.NewCoordinator(m.logger, callControlID,
		internal_coordinator.WithFrameMs(m.cfg.STTChunkMs),
		internal_coordinator.WithPreRoll(m.cfg.STTPreRollMs, m.cfg.TelnyxTargetSampleRate),
	)

	s.stt = internal_stt.NewPipeline(m.logger, callControlID,
		settingsFromConfig(m.cfg), m.deps.STTProvider,
		internal_stt.Callbacks{
			OnTranscript: func(text string, source internal_stt.Kind) {
				s.enqueue("transcript", func() { s.onTranscript(text, source) })
			},
			OnSpeechStart: func() {
				s.enqueue("speech_start", func() {
					s.coordDo(s.coord.OnSpeechStart)
					s.resetDeadAir()
				})
			},
			OnBargeIn: func() {
				s.enqueue("barge_in", s.onBargeIn)
			},
			OnUtteranceEnd: func(internal_stt.Metrics) {
				s.enqueue("utterance_end", func() {
					s.coordDo(s.coord.OnUtteranceEnd)
				})
			},
		},
	)

	ingestOpts := []internal_ingest.Option{
		internal_ingest.WithAcceptedCodecs(acceptedCodecs(m.cfg)),
		internal_ingest.WithTargetSampleRate(m.cfg.TelnyxTargetSampleRate),
		internal_ingest.WithFrameMs(m.cfg.STTChunkMs),
		internal_ingest.WithTrackFilter(m.cfg.TelnyxStreamTrack),
		internal_ingest.WithMaxRestartAttempts(m.cfg.IngestMaxRestartAttempts),
		internal_ingest.OnFrame(s.onMediaFrame),
		internal_ingest.OnRestartRequest(func(codec string) {
			s.enqueue("stream_restart", func() { s.restartStream(codec) })
		}),
		internal_ingest.OnReprompt(func(reason string) {
			s.enqueue("reprompt", func() { s.reprompt(reason) })
		}),
		internal_ingest.OnStop(func() {
			s.enqueue("media_stop", s.onMediaStop)
		}),
	}
	if m.cfg.TelnyxAMRWBDecode && m.deps.AMRWBDecoder != nil {
		ingestOpts = append(ingestOpts, internal_ingest.WithAMRWBDecoder(m.deps.AMRWBDecoder))
	}
	if m.deps.Artifacts != nil {
		ingestOpts = append(ingestOpts, internal_ingest.WithArtifactWriter(m.deps.Artifacts))
	}
	s.ingest = internal_ingest.NewIngest(m.logger, callControlID, ingestOpts...)

	return s
}

func (s *CallSession) start() {
	go s.runQueue()
}

func (s *CallSession) runQueue() {
	for {
		select {
		case task := <-s.queue:
			task()
		case <-s.quit:
			return
		}
	}
}

// enqueue schedules a task on the session's serial queue. Tasks arriving
// after teardown are skipped; a full queue drops the task instead of blocking
// the caller.
func (s *CallSession) enqueue(label string, task func()) {
	if s.ended.Load() {
		s.logger.Debugw("task after session end, skipped",
			"call_control_id", s.callControlID,
			"task", label,
		)
		return
	}
	select {
	case s.queue <- task:
	default:
		s.logger.Warnw("session queue full, task dropped",
			"call_control_id", s.callControlID,
			"task", label,
		)
	}
}

// coordDo runs fn holding the coordinator lock.
func (s *CallSession) coordDo(fn func()) {
	s.coordMu.Lock()
	defer s.coordMu.Unlock()
	fn()
}

// ==== media ====

// attachMedia adopts the accepted websocket and starts the read loop.
func (s *CallSession) attachMedia(conn MediaConn) {
	s.wsMu.Lock()
	if s.ws != nil {
		_ = s.ws.Close()
	}
	s.ws = conn
	s.wsMu.Unlock()

	s.coordDo(s.coord.OnWSConnected)
	go s.readMedia(conn)
}

// readMedia pumps the media socket into the ingest until it closes. Frames
// reach the coordinator and STT pipeline synchronously from this goroutine;
// they never wait behind queue work.
func (s *CallSession) readMedia(conn MediaConn) {
	defer s.coordDo(s.coord.OnWSDisconnected)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !s.ended.Load() {
				s.logger.Debugw("media socket closed",
					"call_control_id", s.callControlID,
					"error", err,
				)
			}
			return
		}
		if err := s.ingest.HandleMessage(msg); err != nil {
			s.logger.Debugw("bad media message",
				"call_control_id", s.callControlID,
				"error", err,
			)
		}
	}
}

func (s *CallSession) onMediaFrame(f internal_ingest.Frame) {
	if s.ended.Load() {
		return
	}
	s.coordDo(func() { s.coord.OnFrame(f.PCM16) })
	s.stt.ProcessFrame(f.PCM16)
}

func (s *CallSession) onMediaStop() {
	s.logger.Infow("carrier stopped media stream", "call_control_id", s.callControlID)
	s.closeWS()
}

func (s *CallSession) closeWS() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.ws != nil {
		_ = s.ws.Close()
		s.ws = nil
	}
}

// restartStream re-requests the media fork, typically forcing PCMU after the
// ingest flagged undecodable or silent media.
func (s *CallSession) restartStream(codec string) {
	err := s.m.deps.Carrier.StreamingRestart(s.ctx, s.callControlID,
		s.m.streamURL(s.callControlID), s.m.cfg.TelnyxStreamTrack, codec)
	if err != nil {
		s.logger.Warnw("stream restart failed",
			"call_control_id", s.callControlID,
			"codec", codec,
			"error", err,
		)
	}
}

// ==== call flow ====

// onAnswered greets the caller; the assistant speaks first.
func (s *CallSession) onAnswered() {
	s.resetDeadAir()
	greeting := s.tenant.Greeting
	s.history = append(s.history, internal_brain.Message{
		Role:      "assistant",
		Content:   greeting,
		Timestamp: s.m.clock(),
	})
	s.speak(greeting)
}

func (s *CallSession) onTranscript(text string, source internal_stt.Kind) {
	s.resetDeadAir()
	if source == internal_stt.KindPartial {
		s.logger.Debugw("partial transcript",
			"call_control_id", s.callControlID,
			"text", text,
		)
		return
	}
	s.respond(text)
}

// respond turns a final transcript into spoken audio: brain reply, synthesis,
// playback. Runs on the work queue so turns never interleave.
func (s *CallSession) respond(text string) {
	s.coordDo(s.coord.OnRespondingStart)
	s.history = append(s.history, internal_brain.Message{
		Role:      "user",
		Content:   text,
		Timestamp: s.m.clock(),
	})

	reply, err := s.m.deps.Brain.GenerateReply(s.ctx, internal_brain.ReplyRequest{
		TenantID:      s.tenantID,
		CallControlID: s.callControlID,
		Transcript:    text,
		History:       append([]internal_brain.Message(nil), s.history...),
	}, nil)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil || reply == "" {
		s.logger.Errorw("brain reply failed, speaking fallback",
			"error", err,
			"call_control_id", s.callControlID,
		)
		reply = spokenFallback
	}

	s.history = append(s.history, internal_brain.Message{
		Role:      "assistant",
		Content:   reply,
		Timestamp: s.m.clock(),
	})
	s.speak(reply)
}

// speak synthesizes text and starts carrier playback. The STT gate closes as
// soon as playback is requested; the playback.started webhook only confirms.
func (s *CallSession) speak(text string) {
	if s.ended.Load() || text == "" {
		return
	}
	syn, err := s.m.deps.TTS.Synthesize(s.ctx, internal_tts.Request{
		Text:       text,
		Voice:      s.tenant.TTSVoice,
		SampleRate: s.m.cfg.TelnyxTargetSampleRate,
	})
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Errorw("synthesis failed",
				"error", err,
				"call_control_id", s.callControlID,
			)
		}
		return
	}

	s.coordDo(s.coord.OnTTSStart)
	s.stt.PlaybackStarted()
	if err := s.m.deps.Carrier.PlaybackStart(s.ctx, s.callControlID, syn.PublicURL); err != nil {
		if s.ctx.Err() == nil {
			s.logger.Errorw("playback start failed",
				"error", err,
				"call_control_id", s.callControlID,
			)
		}
		s.stt.PlaybackEnded()
	}
}

// onBargeIn stops playback so the caller can talk over the assistant; the
// playback.ended webhook reopens the STT gate.
func (s *CallSession) onBargeIn() {
	s.logger.Infow("barge-in, stopping playback", "call_control_id", s.callControlID)
	if err := s.m.deps.Carrier.PlaybackStop(s.ctx, s.callControlID); err != nil {
		s.logger.Warnw("playback stop failed",
			"call_control_id", s.callControlID,
			"error", err,
		)
	}
}

func (s *CallSession) onPlaybackStarted() {
	s.coordDo(s.coord.OnPlaybackStarted)
	s.stt.PlaybackStarted()
}

func (s *CallSession) onPlaybackEnded() {
	s.coordDo(s.coord.OnPlaybackEnded)
	s.stt.PlaybackEnded()
	s.resetDeadAir()
}

// reprompt speaks the tenant's nudge line; fired by the ingest health monitor
// and the dead-air watchdog.
func (s *CallSession) reprompt(reason string) {
	if s.ended.Load() {
		return
	}
	var blocked bool
	s.coordDo(func() { blocked = s.coord.Ended() || s.coord.PlaybackActive() })
	if blocked {
		return
	}
	s.logger.Infow("reprompting caller",
		"call_control_id", s.callControlID,
		"reason", reason,
	)
	s.speak(s.tenant.RepromptText)
}

// ==== dead air ====

// resetDeadAir pushes the watchdog out; it fires when neither side has said
// anything for the configured window.
func (s *CallSession) resetDeadAir() {
	if s.m.cfg.DeadAirMs <= 0 {
		return
	}
	s.deadAirMu.Lock()
	defer s.deadAirMu.Unlock()
	if s.deadAir != nil {
		s.deadAir.Stop()
	}
	s.deadAir = time.AfterFunc(time.Duration(s.m.cfg.DeadAirMs)*time.Millisecond, func() {
		s.enqueue("dead_air", func() { s.onDeadAir() })
	})
}

func (s *CallSession) onDeadAir() {
	var playing bool
	s.coordDo(func() { playing = s.coord.PlaybackActive() })
	if playing {
		s.resetDeadAir()
		return
	}
	s.reprompt("dead_air")
	s.resetDeadAir()
}

func (s *CallSession) stopDeadAir() {
	s.deadAirMu.Lock()
	defer s.deadAirMu.Unlock()
	if s.deadAir != nil {
		s.deadAir.Stop()
		s.deadAir = nil
	}
}

// ==== teardown ====

// end tears the session down exactly once: finalize any open utterance, abort
// outstanding HTTP work, close the media socket, release the capacity slot
// and deregister. A final STT request already past speech end is left to
// finish; its transcript is dropped because the session is gone.
func (s *CallSession) end(reason string) {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		s.logger.Infow("session ending",
			"call_control_id", s.callControlID,
			"tenant_id", s.tenantID,
			"reason", reason,
		)
		s.stopDeadAir()
		s.coordDo(func() { s.coord.OnHangup(reason) })
		s.stt.Stop()
		s.cancel()
		s.closeWS()
		if err := s.m.deps.Limiter.Release(context.Background(), s.tenantID, s.callControlID); err != nil {
			s.logger.Warnw("capacity release failed",
				"call_control_id", s.callControlID,
				"tenant_id", s.tenantID,
				"error", err,
			)
		}
		s.stt.Close()
		s.m.deregister(s.callControlID)
		close(s.quit)
	})
}

// acceptedCodecs is the configured accept list minus codecs whose decode
// flags are off.
func acceptedCodecs(cfg *internal_config.Config) []string {
	var out []string
	for _, c := range cfg.AcceptedCodecs() {
		switch c {
		case "G722":
			if !cfg.TelnyxG722Decode {
				continue
			}
		case "OPUS":
			if !cfg.TelnyxOpusDecode {
				continue
			}
		case "AMR-WB", "AMRWB", "AMR_WB":
			if !cfg.TelnyxAMRWBDecode {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// settingsFromConfig maps runtime config onto pipeline settings.
func settingsFromConfig(cfg *internal_config.Config) internal_stt.Settings {
	settings := internal_stt.Settings{
		SampleRate:            cfg.TelnyxTargetSampleRate,
		FrameMs:               cfg.STTChunkMs,
		SilenceEndMs:          cfg.STTSilenceEndMs,
		PreRollMs:             cfg.STTPreRollMs,
		MinUtteranceMs:        cfg.STTMinUtteranceMs,
		MaxUtteranceMs:        cfg.STTMaxUtteranceMs,
		PartialIntervalMs:     cfg.STTPartialIntervalMs,
		PartialMinMs:          cfg.STTPartialMinMs,
		PartialPauseMs:        cfg.STTSilenceMs,
		SpeechFramesRequired:  cfg.STTSpeechFramesRequired,
		SilenceFramesRequired: cfg.STTSilenceFramesRequired,
		RMSFloor:              cfg.STTRMSFloor,
		PeakFloor:             cfg.STTPeakFloor,
		PostPlaybackGraceMs:   cfg.STTPostPlaybackGraceMs,
		LateFinalWatchdogMs:   cfg.STTLateFinalWatchdogMs,
		DisableGates:          cfg.STTDisableGates,
		VADThreshold:          cfg.STTVADThreshold,
	}
	if cfg.STTRxPostprocessEnabled {
		settings.DedupeWindow = cfg.STTRxDedupeWindow
	}
	if cfg.STTVADEnabled {
		settings.VADModelPath = cfg.STTVADModelPath
	}
	return settings
}
