// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_telnyx

import "encoding/json"

// Webhook event types consumed by the runtime.
const (
	EventCallInitiated   = "call.initiated"
	EventCallAnswered    = "call.answered"
	EventPlaybackStarted = "call.playback.started"
	EventPlaybackEnded   = "call.playback.ended"
	EventCallHangup      = "call.hangup"
	EventCallEnded       = "call.ended"
)

// WebhookEnvelope is the outer carrier webhook body.
type WebhookEnvelope struct {
	Data WebhookData `json:"data"`
}

// WebhookData carries the event type and its payload.
type WebhookData struct {
	EventType  string          `json:"event_type"`
	ID         string          `json:"id"`
	OccurredAt string          `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// CallPayload is the common payload shape for the call events the runtime
// consumes. Fields the carrier adds that we do not use unmarshal cleanly into
// nothing.
type CallPayload struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	ConnectionID  string `json:"connection_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Direction     string `json:"direction"`
	State         string `json:"state"`
	ClientState   string `json:"client_state"`
	HangupCause   string `json:"hangup_cause"`
}

// ParseWebhook decodes the envelope and its call payload.
func ParseWebhook(raw []byte) (*WebhookData, *CallPayload, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, err
	}
	var payload CallPayload
	if len(env.Data.Payload) > 0 {
		if err := json.Unmarshal(env.Data.Payload, &payload); err != nil {
			return nil, nil, err
		}
	}
	return &env.Data, &payload, nil
}
