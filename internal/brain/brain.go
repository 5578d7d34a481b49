// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_brain talks to the conversational brain: a plain
// request/response endpoint at /reply and a server-sent-events variant at
// /reply/stream that surfaces tokens as they are generated.
package internal_brain

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

const requestTimeout = 30 * time.Second

// Message is one turn of conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplyRequest is the brain's input.
type ReplyRequest struct {
	TenantID      string    `json:"tenantId"`
	CallControlID string    `json:"callControlId"`
	Transcript    string    `json:"transcript"`
	History       []Message `json:"history"`
}

// Client calls the brain service.
type Client struct {
	logger  commons.Logger
	http    *resty.Client
	baseURL string
}

// NewClient builds a brain client for the given base URL.
func NewClient(logger commons.Logger, baseURL string) *Client {
	return &Client{
		logger:  logger,
		http:    resty.New().SetTimeout(requestTimeout),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Reply is the non-streaming call.
func (c *Client) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post(c.baseURL + "/reply")
	if err != nil {
		return "", fmt.Errorf("brain: reply: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return "", fmt.Errorf("brain: reply: status %d", resp.StatusCode())
	}
	return out.Text, nil
}

// ReplyStream consumes the SSE endpoint, invoking onToken for each generated
// token. It returns the full text from the terminal done event; when the
// server never sends one, the concatenated tokens stand in.
func (c *Client) ReplyStream(ctx context.Context, req ReplyRequest, onToken func(string)) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream").
		SetBody(req).
		SetDoNotParseResponse(true).
		Post(c.baseURL + "/reply/stream")
	if err != nil {
		return "", fmt.Errorf("brain: stream: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return "", fmt.Errorf("brain: stream: status %d", resp.StatusCode())
	}

	var tokens strings.Builder
	event := ""
	data := ""
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			text, done, err := c.dispatch(event, data, &tokens, onToken)
			if err != nil {
				return "", err
			}
			if done {
				return text, nil
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// SSE comment, keepalive.
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("brain: stream read: %w", err)
	}
	// Stream ended without a done event.
	return tokens.String(), nil
}

func (c *Client) dispatch(event, data string, tokens *strings.Builder, onToken func(string)) (string, bool, error) {
	switch event {
	case "token":
		var payload struct {
			T string `json:"t"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			c.logger.Warnw("brain token event unparsable", "data", data)
			return "", false, nil
		}
		tokens.WriteString(payload.T)
		if onToken != nil {
			onToken(payload.T)
		}
	case "done":
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.Text == "" {
			return tokens.String(), true, nil
		}
		return payload.Text, true, nil
	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal([]byte(data), &payload)
		return "", false, fmt.Errorf("brain: stream error: %s", payload.Message)
	case "ping", "meta", "":
		// Keepalive / metadata, nothing to do.
	default:
		c.logger.Debugw("brain stream unknown event", "event", event)
	}
	return "", false, nil
}

// GenerateReply prefers the streaming endpoint and falls back to the plain
// one when streaming fails before producing any text.
func (c *Client) GenerateReply(ctx context.Context, req ReplyRequest, onToken func(string)) (string, error) {
	text, err := c.ReplyStream(ctx, req, onToken)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		c.logger.Warnw("brain stream failed, falling back to reply", "error", err.Error())
	}
	return c.Reply(ctx, req)
}
