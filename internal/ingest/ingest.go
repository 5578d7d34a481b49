// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_ingest turns the carrier's media WebSocket traffic into
// canonical PCM16 mono frames: payload demux, codec decode, resample and
// fixed-interval reframing, with a health monitor that escalates from stream
// restart to reprompt when the audio goes bad.
package internal_ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zaf/g711"
	opus "gopkg.in/hraban/opus.v2"

	internal_audio "github.com/rapidaai/voice-gateway/internal/audio"
	internal_amrwb "github.com/rapidaai/voice-gateway/internal/codec/amrwb"
	internal_g722 "github.com/rapidaai/voice-gateway/internal/codec/g722"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// Transport is the call's media transport.
type Transport string

const (
	TransportPSTN     Transport = "pstn"
	TransportWebRTCHD Transport = "webrtc_hd"
)

// ErrUnsupportedCodec means the negotiated codec cannot be decoded on this
// host; the stream should be restarted on PCMU.
var ErrUnsupportedCodec = errors.New("ingest: unsupported codec")

// Frame is one canonical PCM16 mono frame emitted downstream.
type Frame struct {
	PCM16        []int16
	SampleRateHz int
	Channels     int
	Timestamp    time.Time
	Seq          uint64
}

// maxOpusFrameSamples covers a 60 ms mono frame at 48 kHz.
const maxOpusFrameSamples = 2880

// Ingest processes one call's media stream. Not safe for concurrent use; the
// media socket read loop is the only caller.
type Ingest struct {
	logger        commons.Logger
	callControlID string

	transport          Transport
	targetRate         int
	frameMs            int
	trackFilter        string
	maxRestartAttempts int
	acceptedCodecs     map[string]struct{}

	onFrame    func(Frame)
	onRestart  func(codec string)
	onReprompt func(reason string)
	onStop     func()

	clock func() time.Time

	codec    string
	wireRate int
	channels int

	reframer   *internal_audio.Reframer
	health     *healthMonitor
	opusDec    *opus.Decoder
	g722Dec    *internal_g722.Decoder
	amrDecoder internal_amrwb.PCMDecoder
	artifacts  *internal_amrwb.ArtifactWriter

	seq               uint64
	restartAttempts   int
	repromptSignalled bool
	loggedKinds       map[string]struct{}

	skippedInbound  int
	skippedOutbound int
}

// Option configures an Ingest.
type Option func(*Ingest)

// WithTransport sets the call transport; restarts are PSTN-only.
func WithTransport(t Transport) Option {
	return func(i *Ingest) { i.transport = t }
}

// WithTargetSampleRate sets the canonical output rate.
func WithTargetSampleRate(rate int) Option {
	return func(i *Ingest) { i.targetRate = rate }
}

// WithFrameMs sets the emitted frame interval.
func WithFrameMs(ms int) Option {
	return func(i *Ingest) { i.frameMs = ms }
}

// WithTrackFilter selects inbound_track, outbound_track or both_tracks.
func WithTrackFilter(track string) Option {
	return func(i *Ingest) { i.trackFilter = track }
}

// WithMaxRestartAttempts bounds stream restarts before reprompting.
func WithMaxRestartAttempts(n int) Option {
	return func(i *Ingest) { i.maxRestartAttempts = n }
}

// WithAcceptedCodecs restricts decodable codecs to the given normalized
// names; anything else takes the decode-unsupported restart path. Empty
// means accept everything the ingest can decode.
func WithAcceptedCodecs(codecs []string) Option {
	return func(i *Ingest) {
		i.acceptedCodecs = make(map[string]struct{}, len(codecs))
		for _, c := range codecs {
			i.acceptedCodecs[normalizeCodec(c)] = struct{}{}
		}
	}
}

// WithAMRWBDecoder installs the PCM decoder used for AMR-WB frames. Without
// one, AMR-WB media triggers the decode-unsupported restart path.
func WithAMRWBDecoder(dec internal_amrwb.PCMDecoder) Option {
	return func(i *Ingest) { i.amrDecoder = dec }
}

// WithArtifactWriter enables .awb debug artifacts for AMR-WB payloads.
func WithArtifactWriter(w *internal_amrwb.ArtifactWriter) Option {
	return func(i *Ingest) { i.artifacts = w }
}

// OnFrame sets the frame sink. Called synchronously; must not block.
func OnFrame(fn func(Frame)) Option {
	return func(i *Ingest) { i.onFrame = fn }
}

// OnRestartRequest sets the stream-restart callback; codec is the requested
// fallback codec.
func OnRestartRequest(fn func(codec string)) Option {
	return func(i *Ingest) { i.onRestart = fn }
}

// OnReprompt sets the callback fired when restarts are exhausted.
func OnReprompt(fn func(reason string)) Option {
	return func(i *Ingest) { i.onReprompt = fn }
}

// OnStop sets the callback for the carrier's stop event.
func OnStop(fn func()) Option {
	return func(i *Ingest) { i.onStop = fn }
}

func withClock(clock func() time.Time) Option {
	return func(i *Ingest) {
		i.clock = clock
		i.health = newHealthMonitor(clock)
	}
}

// NewIngest builds the ingest for one call.
func NewIngest(logger commons.Logger, callControlID string, opts ...Option) *Ingest {
	i := &Ingest{
		logger:             logger,
		callControlID:      callControlID,
		transport:          TransportPSTN,
		targetRate:         internal_audio.InternalSampleRate,
		frameMs:            internal_audio.FrameMs,
		trackFilter:        "inbound_track",
		maxRestartAttempts: 1,
		clock:              time.Now,
		codec:              "PCMU",
		wireRate:           8000,
		channels:           1,
		loggedKinds:        make(map[string]struct{}),
	}
	i.health = newHealthMonitor(i.clock)
	for _, opt := range opts {
		opt(i)
	}
	i.reframer = internal_audio.NewReframer(i.targetRate, i.frameMs)
	return i
}

// HandleMessage processes one media socket message.
func (i *Ingest) HandleMessage(raw []byte) error {
	ev, err := ParseMediaEvent(raw)
	if err != nil {
		i.logOnce("bad_event_json", "media event unparsable", "error", err.Error())
		return err
	}

	switch ev.Event {
	case EventConnected:
		i.logger.Debugw("media socket connected", "call_control_id", i.callControlID)
	case EventStart:
		i.handleStart(ev.Start)
	case EventMedia:
		i.handleMedia(ev)
	case EventStop:
		i.logger.Infow("media stream stopped",
			"call_control_id", i.callControlID,
			"skipped_inbound", i.skippedInbound,
			"skipped_outbound", i.skippedOutbound,
		)
		if i.onStop != nil {
			i.onStop()
		}
	default:
		i.logOnce("unknown_event_"+ev.Event, "unknown media event", "event", ev.Event)
	}
	return nil
}

func (i *Ingest) handleStart(start *StartEvent) {
	if start == nil {
		i.logOnce("start_without_body", "start event missing body")
		return
	}
	codec := normalizeCodec(start.MediaFormat.Encoding)
	wireRate := start.MediaFormat.SampleRate
	if wireRate <= 0 {
		wireRate = defaultWireRate(codec)
	}
	channels := start.MediaFormat.Channels
	if channels <= 0 {
		channels = 1
	}

	i.codec = codec
	i.wireRate = wireRate
	i.channels = channels
	i.reframer.Reset()
	i.health.reset()

	i.logger.Infow("media stream started",
		"call_control_id", i.callControlID,
		"codec", codec,
		"wire_rate", wireRate,
		"channels", channels,
		"stream_id", start.StreamID,
	)
}

func (i *Ingest) handleMedia(ev *MediaEvent) {
	if !i.trackAccepted(ev) {
		return
	}

	payload, path, ok := ExtractPayload(ev, i.codec)
	if payload == nil {
		i.logOnce("invalid_payload", "media payload not base64 at any known path")
		i.health.record(true, false, false)
		i.checkHealth()
		return
	}
	if !ok {
		i.logOnce("tiny_payload", "media payload below size floor",
			"path", path,
			"decoded_len", len(payload),
		)
		i.health.record(false, true, false)
		i.checkHealth()
		return
	}

	samples, rate, err := i.decode(payload)
	if err != nil {
		if errors.Is(err, internal_amrwb.ErrNoDecoder) || errors.Is(err, ErrUnsupportedCodec) {
			i.logOnce("decode_unsupported", "codec not decodable on this host",
				"codec", i.codec,
				"error", err.Error(),
			)
			i.requestRestart("decode_unsupported")
			return
		}
		i.logOnce("decode_error_"+strings.ToLower(i.codec), "media decode failed",
			"codec", i.codec,
			"error", err.Error(),
		)
		i.health.record(true, false, false)
		i.checkHealth()
		return
	}

	if i.channels > 1 {
		samples = internal_audio.DownmixToMono(samples, i.channels)
	}
	quiet := internal_audio.RMS(samples) < healthQuietRMSFloor
	i.health.record(false, false, quiet)
	i.checkHealth()

	samples = internal_audio.Resample(samples, rate, i.targetRate)
	now := i.clock()
	for _, frame := range i.reframer.Push(samples) {
		i.seq++
		if i.onFrame != nil {
			i.onFrame(Frame{
				PCM16:        frame,
				SampleRateHz: i.targetRate,
				Channels:     1,
				Timestamp:    now,
				Seq:          i.seq,
			})
		}
	}
}

// trackAccepted applies the inbound/outbound/both selector, counting skips
// per direction.
func (i *Ingest) trackAccepted(ev *MediaEvent) bool {
	track := ""
	if ev.Media != nil {
		track = ev.Media.Track
	}
	if track == "" || i.trackFilter == "both_tracks" {
		return true
	}
	inbound := strings.HasPrefix(track, "inbound")
	switch {
	case i.trackFilter == "inbound_track" && inbound:
		return true
	case i.trackFilter == "outbound_track" && !inbound:
		return true
	case inbound:
		i.skippedInbound++
	default:
		i.skippedOutbound++
	}
	return false
}

func (i *Ingest) decode(payload []byte) ([]int16, int, error) {
	if len(i.acceptedCodecs) > 0 {
		if _, ok := i.acceptedCodecs[i.codec]; !ok {
			return nil, 0, fmt.Errorf("%w: %s not in accept list", ErrUnsupportedCodec, i.codec)
		}
	}
	switch i.codec {
	case "PCMU":
		return internal_audio.BytesToInt16(g711.DecodeUlaw(payload)), i.wireRate, nil
	case "PCMA":
		return internal_audio.BytesToInt16(g711.DecodeAlaw(payload)), i.wireRate, nil
	case "L16":
		return internal_audio.BytesToInt16(payload), i.wireRate, nil
	case "G722":
		if i.g722Dec == nil {
			i.g722Dec = internal_g722.NewDecoder()
		}
		// G.722 carries 16 kHz audio regardless of its 8 kHz RTP clock.
		return i.g722Dec.Decode(payload), 16000, nil
	case "OPUS":
		if i.opusDec == nil {
			dec, err := opus.NewDecoder(48000, 1)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: opus init: %v", ErrUnsupportedCodec, err)
			}
			i.opusDec = dec
		}
		buf := make([]int16, maxOpusFrameSamples)
		n, err := i.opusDec.Decode(payload, buf)
		if err != nil {
			return nil, 0, fmt.Errorf("ingest: opus decode: %w", err)
		}
		return buf[:n], 48000, nil
	case "AMR-WB":
		res := internal_amrwb.Transcode(payload)
		if !res.OK {
			return nil, 0, fmt.Errorf("ingest: amrwb transcode: %s", res.Error)
		}
		if i.artifacts != nil {
			i.artifacts.Write(i.callControlID, res.Frames)
		}
		if i.amrDecoder == nil {
			return nil, 0, internal_amrwb.ErrNoDecoder
		}
		samples, err := i.amrDecoder.DecodeFrames(res.Frames)
		if err != nil {
			return nil, 0, fmt.Errorf("ingest: amrwb decode: %w", err)
		}
		return samples, 16000, nil
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedCodec, i.codec)
}

func (i *Ingest) checkHealth() {
	bad, reason := i.health.unhealthy()
	if !bad {
		return
	}
	i.requestRestart(reason)
}

// requestRestart escalates: restart the stream on PCMU while attempts remain
// (PSTN only), then signal a reprompt exactly once.
func (i *Ingest) requestRestart(reason string) {
	if i.transport == TransportPSTN && i.restartAttempts < i.maxRestartAttempts {
		i.restartAttempts++
		i.health.reset()
		i.reframer.Reset()
		i.logger.Warnw("ingest unhealthy, requesting stream restart",
			"call_control_id", i.callControlID,
			"reason", reason,
			"attempt", i.restartAttempts,
		)
		if i.onRestart != nil {
			i.onRestart("PCMU")
		}
		return
	}
	if i.repromptSignalled {
		return
	}
	i.repromptSignalled = true
	i.health.reset()
	i.logger.Warnw("ingest unhealthy past restart budget, reprompting",
		"call_control_id", i.callControlID,
		"reason", reason,
	)
	if i.onReprompt != nil {
		i.onReprompt(reason)
	}
}

// logOnce logs a payload problem once per kind per call.
func (i *Ingest) logOnce(kind, msg string, kv ...interface{}) {
	if _, seen := i.loggedKinds[kind]; seen {
		return
	}
	i.loggedKinds[kind] = struct{}{}
	kv = append(kv, "call_control_id", i.callControlID, "kind", kind)
	i.logger.Warnw(msg, kv...)
}

// Codec reports the stream's negotiated codec.
func (i *Ingest) Codec() string { return i.codec }

// SkippedTracks reports the per-direction skip counters.
func (i *Ingest) SkippedTracks() (inbound, outbound int) {
	return i.skippedInbound, i.skippedOutbound
}

func normalizeCodec(encoding string) string {
	c := strings.ToUpper(strings.TrimSpace(encoding))
	switch c {
	case "", "MULAW", "ULAW", "PCMU":
		return "PCMU"
	case "ALAW", "PCMA":
		return "PCMA"
	case "AMRWB", "AMR-WB", "AMR_WB":
		return "AMR-WB"
	case "G722", "G.722":
		return "G722"
	case "OPUS":
		return "OPUS"
	case "L16", "PCM", "LINEAR16":
		return "L16"
	}
	return c
}

func defaultWireRate(codec string) int {
	switch codec {
	case "OPUS":
		return 48000
	case "AMR-WB", "G722", "L16":
		return 16000
	default:
		return 8000
	}
}
