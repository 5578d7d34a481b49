// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_telnyx is the carrier call-control client: answer, play,
// stop, stream and hangup against the Telnyx v2 API, with bounded retries and
// idempotent handling of actions that race the call's end.
package internal_telnyx

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

const (
	attemptTimeout = 8 * time.Second
	maxRetries     = 2

	backoffBase = 250 * time.Millisecond
	backoffCap  = 1500 * time.Millisecond
	jitterMax   = 120 * time.Millisecond
)

// Client issues call-control actions. Safe for concurrent use.
type Client struct {
	logger      commons.Logger
	http        *resty.Client
	streamCodec string

	backoffBase time.Duration
	backoffCap  time.Duration
	jitter      func() time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithStreamCodec sets the codec forced onto answer/streaming_start bodies.
func WithStreamCodec(codec string) Option {
	return func(c *Client) { c.streamCodec = codec }
}

func withBackoff(base, cap time.Duration) Option {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffCap = cap
	}
}

func withJitter(jitter func() time.Duration) Option {
	return func(c *Client) { c.jitter = jitter }
}

// NewClient builds a call-control client for the given API base and key.
func NewClient(logger commons.Logger, apiBase, apiKey string, opts ...Option) *Client {
	c := &Client{
		logger:      logger,
		streamCodec: "PCMU",
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(jitterMax)))
		},
	}
	c.http = resty.New().
		SetBaseURL(strings.TrimRight(apiBase, "/")).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(attemptTimeout)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Answer accepts the call. When the body carries stream fields the carrier
// rejects an accompanying media_format, so it is stripped and stream_codec is
// pinned from configuration instead.
func (c *Client) Answer(ctx context.Context, callControlID string, body map[string]interface{}) error {
	payload := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	if _, ok := payload["stream_url"]; ok {
		delete(payload, "media_format")
		payload["stream_codec"] = c.streamCodec
	}
	return c.do(ctx, callControlID, "answer", payload)
}

// PlaybackStart plays the audio at audioURL into the call.
func (c *Client) PlaybackStart(ctx context.Context, callControlID, audioURL string) error {
	return c.do(ctx, callControlID, "playback_start", map[string]interface{}{
		"audio_url": audioURL,
	})
}

// PlaybackStop stops any in-progress playback.
func (c *Client) PlaybackStop(ctx context.Context, callControlID string) error {
	return c.do(ctx, callControlID, "playback_stop", map[string]interface{}{})
}

// StreamingStart asks the carrier to fork call media to streamURL.
func (c *Client) StreamingStart(ctx context.Context, callControlID, streamURL, streamTrack string) error {
	c.logger.Infow("starting media stream",
		"call_control_id", callControlID,
		"stream_url", RedactStreamURL(streamURL),
		"stream_track", streamTrack,
		"stream_codec", c.streamCodec,
	)
	return c.do(ctx, callControlID, "streaming_start", map[string]interface{}{
		"stream_url":   streamURL,
		"stream_track": streamTrack,
		"stream_codec": c.streamCodec,
	})
}

// StreamingRestart re-issues streaming_start with an explicit codec; used by
// the ingest health path to fall back to PCMU.
func (c *Client) StreamingRestart(ctx context.Context, callControlID, streamURL, streamTrack, codec string) error {
	c.logger.Warnw("restarting media stream",
		"call_control_id", callControlID,
		"stream_url", RedactStreamURL(streamURL),
		"stream_codec", codec,
	)
	return c.do(ctx, callControlID, "streaming_start", map[string]interface{}{
		"stream_url":   streamURL,
		"stream_track": streamTrack,
		"stream_codec": codec,
	})
}

// Hangup ends the call.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	return c.do(ctx, callControlID, "hangup", map[string]interface{}{})
}

func (c *Client) do(ctx context.Context, callControlID, action string, body interface{}) error {
	endpoint := fmt.Sprintf("/calls/%s/actions/%s", url.PathEscape(callControlID), action)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoffFor(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("telnyx: %s %s: %w", action, callControlID, ctx.Err())
			case <-time.After(wait):
			}
		}

		resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(endpoint)
		if err != nil {
			if ctx.Err() != nil {
				// Aborted by lifecycle; never retried.
				return fmt.Errorf("telnyx: %s %s: %w", action, callControlID, ctx.Err())
			}
			lastErr = fmt.Errorf("telnyx: %s %s: %w", action, callControlID, err)
			continue
		}

		status := resp.StatusCode()
		switch {
		case status >= 200 && status < 300:
			return nil
		case status == 422 && isAlreadyEnded(resp.Body()):
			c.logger.Debugw("call already ended, treating action as success",
				"call_control_id", callControlID,
				"action", action,
			)
			return nil
		case status == 429 || status >= 500:
			lastErr = fmt.Errorf("telnyx: %s %s: status %d", action, callControlID, status)
			c.logger.Warnw("carrier action retryable failure",
				"call_control_id", callControlID,
				"action", action,
				"status", status,
				"attempt", attempt+1,
			)
		default:
			return fmt.Errorf("telnyx: %s %s: status %d: %s",
				action, callControlID, status, truncateBody(resp.Body()))
		}
	}
	return lastErr
}

func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.backoffBase << (attempt - 1)
	if wait > c.backoffCap {
		wait = c.backoffCap
	}
	return wait + c.jitter()
}

// isAlreadyEnded matches the carrier's 422 wording for actions that arrived
// after the call finished.
func isAlreadyEnded(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "already ended") || strings.Contains(s, "no longer active")
}

// RedactStreamURL masks the token query parameter so stream URLs are safe to
// log.
func RedactStreamURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func truncateBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
