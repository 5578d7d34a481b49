// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_config loads and validates every runtime knob from the
// environment. Defaults match production tuning; startup fails fast (with the
// offending keys named) rather than limping along misconfigured.
package internal_config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Port     int    `mapstructure:"PORT" validate:"gt=0,lte=65535"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	LogPath  string `mapstructure:"LOG_PATH"`

	// Telnyx call control + media.
	TelnyxAPIKey           string `mapstructure:"TELNYX_API_KEY" validate:"required"`
	TelnyxPublicKey        string `mapstructure:"TELNYX_PUBLIC_KEY"`
	TelnyxWebhookSecret    string `mapstructure:"TELNYX_WEBHOOK_SECRET"`
	TelnyxAPIBase          string `mapstructure:"TELNYX_API_BASE" validate:"required,url"`
	TelnyxStreamTrack      string `mapstructure:"TELNYX_STREAM_TRACK" validate:"oneof=inbound_track outbound_track both_tracks"`
	TelnyxStreamCodec      string `mapstructure:"TELNYX_STREAM_CODEC"`
	TelnyxTargetSampleRate int    `mapstructure:"TELNYX_TARGET_SAMPLE_RATE" validate:"gt=0"`
	TelnyxAcceptCodecs     string `mapstructure:"TELNYX_ACCEPT_CODECS"`
	TelnyxAMRWBDecode      bool   `mapstructure:"TELNYX_AMRWB_DECODE"`
	TelnyxG722Decode       bool   `mapstructure:"TELNYX_G722_DECODE"`
	TelnyxOpusDecode       bool   `mapstructure:"TELNYX_OPUS_DECODE"`
	TelnyxSkipSignature    bool   `mapstructure:"TELNYX_SKIP_SIGNATURE"`

	MediaStreamToken   string `mapstructure:"MEDIA_STREAM_TOKEN" validate:"required"`
	PublicBaseURL      string `mapstructure:"PUBLIC_BASE_URL" validate:"required,url"`
	AudioPublicBaseURL string `mapstructure:"AUDIO_PUBLIC_BASE_URL" validate:"required,url"`
	AudioStorageDir    string `mapstructure:"AUDIO_STORAGE_DIR" validate:"required"`

	// Provider endpoints.
	WhisperURL string `mapstructure:"WHISPER_URL" validate:"required,url"`
	KokoroURL  string `mapstructure:"KOKORO_URL" validate:"required,url"`
	BrainURL   string `mapstructure:"BRAIN_URL" validate:"required,url"`

	// STT pipeline tuning.
	STTChunkMs               int     `mapstructure:"STT_CHUNK_MS" validate:"gt=0"`
	STTSilenceMs             int     `mapstructure:"STT_SILENCE_MS" validate:"gt=0"`
	STTSilenceEndMs          int     `mapstructure:"STT_SILENCE_END_MS" validate:"gt=0"`
	STTPreRollMs             int     `mapstructure:"STT_PRE_ROLL_MS" validate:"gte=0,lte=800"`
	STTMinUtteranceMs        int     `mapstructure:"STT_MIN_UTTERANCE_MS" validate:"gt=0"`
	STTMaxUtteranceMs        int     `mapstructure:"STT_MAX_UTTERANCE_MS" validate:"gt=0"`
	STTRMSFloor              float64 `mapstructure:"STT_RMS_FLOOR" validate:"gte=0"`
	STTPeakFloor             float64 `mapstructure:"STT_PEAK_FLOOR" validate:"gte=0"`
	STTSpeechFramesRequired  int     `mapstructure:"STT_SPEECH_FRAMES_REQUIRED" validate:"gt=0"`
	STTSilenceFramesRequired int     `mapstructure:"STT_SILENCE_FRAMES_REQUIRED" validate:"gt=0"`
	STTPartialIntervalMs     int     `mapstructure:"STT_PARTIAL_INTERVAL_MS" validate:"gt=0"`
	STTPartialMinMs          int     `mapstructure:"STT_PARTIAL_MIN_MS" validate:"gte=0"`
	STTDisableGates          bool    `mapstructure:"STT_DISABLE_GATES"`
	STTPostPlaybackGraceMs   int     `mapstructure:"STT_POST_PLAYBACK_GRACE_MS" validate:"gte=0"`
	STTLateFinalWatchdogMs   int     `mapstructure:"STT_LATE_FINAL_WATCHDOG_MS" validate:"gte=0"`
	STTVADEnabled            bool    `mapstructure:"STT_VAD_ENABLED"`
	STTVADThreshold          float64 `mapstructure:"STT_VAD_THRESHOLD" validate:"gte=0,lte=1"`
	STTVADModelPath          string  `mapstructure:"STT_VAD_MODEL_PATH"`
	STTRxPostprocessEnabled  bool    `mapstructure:"STT_RX_POSTPROCESS_ENABLED"`
	STTRxDedupeWindow        int     `mapstructure:"STT_RX_DEDUPE_WINDOW" validate:"gte=0"`

	DeadAirMs int `mapstructure:"DEAD_AIR_MS" validate:"gte=0"`

	// Capacity admission.
	RedisURL                     string `mapstructure:"REDIS_URL" validate:"required"`
	GlobalConcurrencyCap         int    `mapstructure:"GLOBAL_CONCURRENCY_CAP" validate:"gt=0"`
	TenantConcurrencyCapDefault  int    `mapstructure:"TENANT_CONCURRENCY_CAP_DEFAULT" validate:"gt=0"`
	TenantCallsPerMinCapDefault  int    `mapstructure:"TENANT_CALLS_PER_MIN_CAP_DEFAULT" validate:"gt=0"`
	CapacityTTLSeconds           int    `mapstructure:"CAPACITY_TTL_SECONDS" validate:"gt=0"`
	TenantMapPrefix              string `mapstructure:"TENANTMAP_PREFIX" validate:"required"`
	TenantCfgPrefix              string `mapstructure:"TENANTCFG_PREFIX" validate:"required"`
	CapPrefix                    string `mapstructure:"CAP_PREFIX" validate:"required"`
	IngestMaxRestartAttempts     int    `mapstructure:"INGEST_MAX_RESTART_ATTEMPTS" validate:"gte=0"`
	AMRWBDebugArtifactsEnabled   bool   `mapstructure:"AMRWB_DEBUG_ARTIFACTS_ENABLED"`
	AMRWBDebugArtifactsDir       string `mapstructure:"AMRWB_DEBUG_ARTIFACTS_DIR"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PATH", "")

	v.SetDefault("TELNYX_API_BASE", "https://api.telnyx.com/v2")
	v.SetDefault("TELNYX_STREAM_TRACK", "inbound_track")
	v.SetDefault("TELNYX_STREAM_CODEC", "PCMU")
	v.SetDefault("TELNYX_TARGET_SAMPLE_RATE", 16000)
	v.SetDefault("TELNYX_ACCEPT_CODECS", "PCMU,PCMA,G722,AMR-WB,OPUS,L16")
	v.SetDefault("TELNYX_AMRWB_DECODE", true)
	v.SetDefault("TELNYX_G722_DECODE", true)
	v.SetDefault("TELNYX_OPUS_DECODE", true)
	v.SetDefault("TELNYX_SKIP_SIGNATURE", false)

	v.SetDefault("STT_CHUNK_MS", 20)
	v.SetDefault("STT_SILENCE_MS", 300)
	v.SetDefault("STT_SILENCE_END_MS", 900)
	v.SetDefault("STT_PRE_ROLL_MS", 300)
	v.SetDefault("STT_MIN_UTTERANCE_MS", 280)
	v.SetDefault("STT_MAX_UTTERANCE_MS", 6000)
	v.SetDefault("STT_RMS_FLOOR", 0.012)
	v.SetDefault("STT_PEAK_FLOOR", 0.040)
	v.SetDefault("STT_SPEECH_FRAMES_REQUIRED", 3)
	v.SetDefault("STT_SILENCE_FRAMES_REQUIRED", 4)
	v.SetDefault("STT_PARTIAL_INTERVAL_MS", 250)
	v.SetDefault("STT_PARTIAL_MIN_MS", 0)
	v.SetDefault("STT_DISABLE_GATES", false)
	v.SetDefault("STT_POST_PLAYBACK_GRACE_MS", 650)
	v.SetDefault("STT_LATE_FINAL_WATCHDOG_MS", 8000)
	v.SetDefault("STT_VAD_ENABLED", false)
	v.SetDefault("STT_VAD_THRESHOLD", 0.5)
	v.SetDefault("STT_VAD_MODEL_PATH", "")
	v.SetDefault("STT_RX_POSTPROCESS_ENABLED", true)
	v.SetDefault("STT_RX_DEDUPE_WINDOW", 32)

	v.SetDefault("DEAD_AIR_MS", 12000)

	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("GLOBAL_CONCURRENCY_CAP", 50)
	v.SetDefault("TENANT_CONCURRENCY_CAP_DEFAULT", 5)
	v.SetDefault("TENANT_CALLS_PER_MIN_CAP_DEFAULT", 10)
	v.SetDefault("CAPACITY_TTL_SECONDS", 7200)
	v.SetDefault("TENANTMAP_PREFIX", "vg")
	v.SetDefault("TENANTCFG_PREFIX", "vg:tenantcfg")
	v.SetDefault("CAP_PREFIX", "vg:cap")

	v.SetDefault("INGEST_MAX_RESTART_ATTEMPTS", 1)
	v.SetDefault("AMRWB_DEBUG_ARTIFACTS_ENABLED", false)
	v.SetDefault("AMRWB_DEBUG_ARTIFACTS_DIR", "/tmp/amrwb-artifacts")
}

// Load reads configuration from the environment. The error lists every key
// that failed validation, not just the first.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	// AutomaticEnv alone does not surface env values through Unmarshal;
	// BindEnv each known key explicitly.
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(strings.ToUpper(key))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and reports every violating key.
func Validate(cfg *Config) error {
	validate := validator.New()
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("config: %w", err)
	}
	var failed []string
	for _, fe := range verrs {
		failed = append(failed, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid settings: %s", strings.Join(failed, ", "))
}

// AcceptedCodecs returns the normalized accept-codec list.
func (c *Config) AcceptedCodecs() []string {
	parts := strings.Split(c.TelnyxAcceptCodecs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(strings.ToUpper(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
