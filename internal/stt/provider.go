// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	internal_audio "github.com/rapidaai/voice-gateway/internal/audio"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// Kind distinguishes transcript requests and their results.
type Kind string

const (
	KindPartial         Kind = "partial"
	KindFinal           Kind = "final"
	KindPartialFallback Kind = "partial_fallback"
)

// Result is one transcription outcome.
type Result struct {
	Text       string
	Confidence float64
}

// Provider turns PCM16 audio into text. Implementations own any container
// wrapping and endpoint semantics.
type Provider interface {
	Transcribe(ctx context.Context, pcm []int16, sampleRate int, kind Kind) (Result, error)
}

const whisperTimeout = 20 * time.Second

// WhisperProvider posts WAV-wrapped audio to a Whisper-style HTTP endpoint.
// The endpoint replies either JSON {"text": ...} or plain text.
type WhisperProvider struct {
	logger   commons.Logger
	http     *resty.Client
	endpoint string
	language string
}

// NewWhisperProvider builds the provider. language is optional; when set it
// is passed as a query parameter.
func NewWhisperProvider(logger commons.Logger, endpoint, language string) *WhisperProvider {
	return &WhisperProvider{
		logger:   logger,
		http:     resty.New().SetTimeout(whisperTimeout),
		endpoint: endpoint,
		language: language,
	}
}

// Transcribe implements Provider.
func (p *WhisperProvider) Transcribe(ctx context.Context, pcm []int16, sampleRate int, kind Kind) (Result, error) {
	if len(pcm) == 0 {
		return Result{}, nil
	}
	wav := internal_audio.EncodeWAV(internal_audio.Int16ToBytes(pcm), sampleRate, 1)

	endpoint := p.endpoint
	if p.language != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + "language=" + url.QueryEscape(p.language)
	}

	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "audio/wav").
		SetBody(wav).
		Post(endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("stt: whisper %s: %w", kind, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return Result{}, fmt.Errorf("stt: whisper %s: status %d", kind, resp.StatusCode())
	}
	return parseWhisperResponse(resp.Body()), nil
}

// parseWhisperResponse accepts {"text": ..., "confidence": ...} or a bare
// text body.
func parseWhisperResponse(body []byte) Result {
	var parsed struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return Result{Text: strings.TrimSpace(parsed.Text), Confidence: parsed.Confidence}
	}
	return Result{Text: strings.TrimSpace(string(body))}
}
