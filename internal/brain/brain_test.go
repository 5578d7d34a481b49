// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_brain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(commons.NewNopLogger(), srv.URL)
}

func TestReply(t *testing.T) {
	var got ReplyRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reply", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"Hi, how can I help?"}`)
	}))

	text, err := c.Reply(context.Background(), ReplyRequest{
		TenantID:      "acme",
		CallControlID: "cc-1",
		Transcript:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi, how can I help?", text)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "hello", got.Transcript)
}

func TestReplyStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reply/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: meta\ndata: {\"model\":\"x\"}\n\n")
		fmt.Fprint(w, "event: token\ndata: {\"t\":\"Hel\"}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {}\n\n")
		fmt.Fprint(w, "event: token\ndata: {\"t\":\"lo\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"text\":\"Hello\"}\n\n")
	}))

	var tokens []string
	text, err := c.ReplyStream(context.Background(), ReplyRequest{}, func(tok string) {
		tokens = append(tokens, tok)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
}

func TestReplyStreamWithoutDoneReturnsTokens(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: token\ndata: {\"t\":\"partial\"}\n\n")
	}))

	text, err := c.ReplyStream(context.Background(), ReplyRequest{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial", text)
}

func TestReplyStreamErrorEvent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"message\":\"model overloaded\"}\n\n")
	}))

	_, err := c.ReplyStream(context.Background(), ReplyRequest{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestGenerateReplyFallsBackToPlainReply(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reply/stream", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/reply", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"text":"fallback answer"}`)
	})
	c := newTestClient(t, mux)

	text, err := c.GenerateReply(context.Background(), ReplyRequest{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", text)
}
