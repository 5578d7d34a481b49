// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_tts synthesizes replies through a Kokoro-style HTTP
// endpoint and caches the audio on disk so the carrier can fetch it by URL.
package internal_tts

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

const requestTimeout = 15 * time.Second

// Request describes one synthesis.
type Request struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
}

// Synthesis is the cached result: local path plus the URL handed to the
// carrier's playback_start.
type Synthesis struct {
	Path        string
	PublicURL   string
	ContentType string
	Bytes       int
}

// Client synthesizes and caches audio.
type Client struct {
	logger        commons.Logger
	http          *resty.Client
	endpoint      string
	storageDir    string
	publicBaseURL string
	defaultVoice  string
	newID         func() string
}

// Option configures a Client.
type Option func(*Client)

// WithDefaultVoice sets the voice used when the request leaves it empty.
func WithDefaultVoice(voice string) Option {
	return func(c *Client) { c.defaultVoice = voice }
}

func withIDSource(newID func() string) Option {
	return func(c *Client) { c.newID = newID }
}

// NewClient builds a TTS client writing cached audio under storageDir.
func NewClient(logger commons.Logger, endpoint, storageDir, publicBaseURL string, opts ...Option) *Client {
	c := &Client{
		logger:        logger,
		http:          resty.New().SetTimeout(requestTimeout),
		endpoint:      endpoint,
		storageDir:    storageDir,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		defaultVoice:  "af_heart",
		newID:         func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize posts the text to the TTS endpoint and writes the returned audio
// into the cache directory.
func (c *Client) Synthesize(ctx context.Context, req Request) (*Synthesis, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("tts: empty text")
	}
	if req.Voice == "" {
		req.Voice = c.defaultVoice
	}
	if req.Format == "" {
		req.Format = "wav"
	}
	if req.SampleRate == 0 {
		req.SampleRate = 16000
	}

	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("tts: synthesize: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("tts: synthesize: status %d", resp.StatusCode())
	}
	audio := resp.Body()
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts: synthesize: empty audio response")
	}

	contentType := resp.Header().Get("Content-Type")
	name := c.newID() + extensionFor(contentType, req.Format)
	path := filepath.Join(c.storageDir, name)
	if err := os.MkdirAll(c.storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("tts: cache dir: %w", err)
	}
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return nil, fmt.Errorf("tts: cache write: %w", err)
	}

	c.logger.Debugw("tts synthesized",
		"bytes", len(audio),
		"voice", req.Voice,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return &Synthesis{
		Path:        path,
		PublicURL:   c.publicBaseURL + "/" + name,
		ContentType: contentType,
		Bytes:       len(audio),
	}, nil
}

// extensionFor maps the response content type (or the requested format) to a
// file extension the carrier's player accepts.
func extensionFor(contentType, format string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "audio/wav", "audio/x-wav", "audio/wave":
			return ".wav"
		case "audio/mpeg", "audio/mp3":
			return ".mp3"
		case "audio/ogg":
			return ".ogg"
		}
	}
	switch strings.ToLower(format) {
	case "mp3":
		return ".mp3"
	case "ogg":
		return ".ogg"
	default:
		return ".wav"
	}
}
