// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_webhook verifies carrier webhook signatures. Two schemes
// are supported: Ed25519 (Telnyx default) and HMAC-SHA256 (legacy shared
// secret). The signed message is always `timestamp + "." + rawBody`.
package internal_webhook

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// Scheme selects the signature algorithm.
type Scheme string

const (
	SchemeEd25519    Scheme = "ed25519"
	SchemeHMACSHA256 Scheme = "hmac-sha256"
)

// MaxSkew is the accepted clock drift between the carrier and this host.
const MaxSkew = 300 * time.Second

// Request carries the raw material for one verification.
type Request struct {
	RawBody   []byte
	Signature string
	Timestamp string
	Scheme    Scheme
}

// Result reports the outcome. Skipped is set only when the dev bypass is
// active so callers can log that no cryptographic check happened.
type Result struct {
	Valid   bool
	Skipped bool
	Reason  string
}

// Verifier holds the configured key material.
type Verifier struct {
	logger     commons.Logger
	publicKey  ed25519.PublicKey
	hmacSecret []byte
	skip       bool
	clock      func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithEd25519PublicKey installs the Ed25519 key; accepts PEM, DER, base64 or
// hex encodings.
func WithEd25519PublicKey(encoded string) Option {
	return func(v *Verifier) {
		key, err := ParseEd25519PublicKey(encoded)
		if err != nil {
			v.logger.Errorw("webhook public key unusable", "error", err.Error())
			return
		}
		v.publicKey = key
	}
}

// WithHMACSecret installs the shared HMAC-SHA256 secret.
func WithHMACSecret(secret string) Option {
	return func(v *Verifier) {
		if secret != "" {
			v.hmacSecret = []byte(secret)
		}
	}
}

// WithSkipVerification enables the explicit dev bypass.
func WithSkipVerification(skip bool) Option {
	return func(v *Verifier) { v.skip = skip }
}

func withClock(clock func() time.Time) Option {
	return func(v *Verifier) { v.clock = clock }
}

// NewVerifier builds a Verifier.
func NewVerifier(logger commons.Logger, opts ...Option) *Verifier {
	v := &Verifier{logger: logger, clock: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks one webhook request.
func (v *Verifier) Verify(req Request) Result {
	if v.skip {
		return Result{Valid: true, Skipped: true, Reason: "verification_skipped"}
	}
	if req.Signature == "" || req.Timestamp == "" {
		return Result{Reason: "missing_signature_headers"}
	}

	ts, err := normalizeTimestamp(req.Timestamp)
	if err != nil {
		return Result{Reason: "invalid_timestamp"}
	}
	if skew := v.clock().Sub(time.Unix(ts, 0)); skew > MaxSkew || skew < -MaxSkew {
		return Result{Reason: "timestamp_out_of_window"}
	}

	message := make([]byte, 0, len(req.Timestamp)+1+len(req.RawBody))
	message = append(message, []byte(strconv.FormatInt(ts, 10))...)
	message = append(message, '.')
	message = append(message, req.RawBody...)

	switch req.Scheme {
	case SchemeEd25519:
		if v.publicKey == nil {
			return Result{Reason: "no_public_key_configured"}
		}
		sig, err := decodeSignature(req.Signature, ed25519.SignatureSize)
		if err != nil {
			return Result{Reason: "malformed_signature"}
		}
		if !ed25519.Verify(v.publicKey, message, sig) {
			return Result{Reason: "signature_mismatch"}
		}
		return Result{Valid: true}

	case SchemeHMACSHA256:
		if v.hmacSecret == nil {
			return Result{Reason: "no_hmac_secret_configured"}
		}
		mac := hmac.New(sha256.New, v.hmacSecret)
		mac.Write(message)
		expected := mac.Sum(nil)
		sig, err := decodeSignature(req.Signature, sha256.Size)
		if err != nil {
			return Result{Reason: "malformed_signature"}
		}
		if subtle.ConstantTimeCompare(expected, sig) != 1 {
			return Result{Reason: "signature_mismatch"}
		}
		return Result{Valid: true}
	}
	return Result{Reason: fmt.Sprintf("unknown_scheme_%s", req.Scheme)}
}

// normalizeTimestamp parses integer seconds, accepting millisecond inputs
// from misbehaving senders.
func normalizeTimestamp(raw string) (int64, error) {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if ts > 1e12 { // clearly milliseconds
		ts /= 1000
	}
	return ts, nil
}

// decodeSignature accepts base64 (std or url) or hex.
func decodeSignature(s string, wantLen int) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == wantLen {
		return raw, nil
	}
	if raw, err := base64.URLEncoding.DecodeString(s); err == nil && len(raw) == wantLen {
		return raw, nil
	}
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == wantLen {
		return raw, nil
	}
	return nil, fmt.Errorf("signature not %d bytes in any known encoding", wantLen)
}

// ParseEd25519PublicKey decodes a key from PEM, DER, base64 or hex form.
func ParseEd25519PublicKey(encoded string) (ed25519.PublicKey, error) {
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		return parseDERPublicKey(block.Bytes)
	}
	if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		if len(raw) == ed25519.PublicKeySize {
			return ed25519.PublicKey(raw), nil
		}
		if key, err := parseDERPublicKey(raw); err == nil {
			return key, nil
		}
	}
	if raw, err := hex.DecodeString(encoded); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return nil, fmt.Errorf("webhook: public key is not PEM, DER, base64 or hex ed25519")
}

func parseDERPublicKey(der []byte) (ed25519.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("webhook: parse public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("webhook: public key is %T, not ed25519", parsed)
	}
	return key, nil
}
