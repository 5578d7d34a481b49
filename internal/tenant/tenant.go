// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_tenant resolves inbound DIDs to tenants and loads tenant
// configuration from the shared key/value store.
package internal_tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// ErrUnknownDID means no tenant claims the dialed number.
var ErrUnknownDID = errors.New("tenant: no tenant mapped to DID")

// Caps are per-tenant capacity overrides. Zero values mean "use the fleet
// default".
type Caps struct {
	MaxConcurrentCalls int `json:"maxConcurrentCallsTenant"`
	MaxCallsPerMinute  int `json:"maxCallsPerMinuteTenant"`
}

// TenantConfig is the per-tenant runtime configuration stored as JSON under
// {TENANTCFG_PREFIX}:{tid}.
type TenantConfig struct {
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Caps     Caps   `json:"caps"`

	Greeting     string `json:"greeting"`
	RepromptText string `json:"repromptText"`
	Language     string `json:"language"`
	TTSVoice     string `json:"ttsVoice"`
}

// Store reads tenant data from Redis.
type Store struct {
	logger          commons.Logger
	client          redis.UniversalClient
	tenantMapPrefix string
	tenantCfgPrefix string
}

// NewStore builds a tenant store on the shared Redis client.
func NewStore(logger commons.Logger, client redis.UniversalClient, tenantMapPrefix, tenantCfgPrefix string) *Store {
	return &Store{
		logger:          logger,
		client:          client,
		tenantMapPrefix: tenantMapPrefix,
		tenantCfgPrefix: tenantCfgPrefix,
	}
}

// DIDKey returns the mapping key for a dialed E.164 number.
func (s *Store) DIDKey(e164 string) string {
	return fmt.Sprintf("%s:did:%s", s.tenantMapPrefix, e164)
}

// ConfigKey returns the config key for a tenant.
func (s *Store) ConfigKey(tenantID string) string {
	return fmt.Sprintf("%s:%s", s.tenantCfgPrefix, tenantID)
}

// ResolveDID maps a dialed number to its tenant id.
func (s *Store) ResolveDID(ctx context.Context, e164 string) (string, error) {
	tenantID, err := s.client.Get(ctx, s.DIDKey(e164)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrUnknownDID, e164)
	}
	if err != nil {
		return "", fmt.Errorf("tenant: resolve %s: %w", e164, err)
	}
	return tenantID, nil
}

// LoadConfig fetches and decodes the tenant's configuration. A missing or
// unparsable config yields usable defaults so a bad write cannot take down
// call handling for the tenant.
func (s *Store) LoadConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	raw, err := s.client.Get(ctx, s.ConfigKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return defaultConfig(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: load config %s: %w", tenantID, err)
	}

	cfg := defaultConfig(tenantID)
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		s.logger.Warnw("tenant config unparsable, using defaults",
			"tenant_id", tenantID,
			"error", err.Error(),
		)
		return defaultConfig(tenantID), nil
	}
	cfg.TenantID = tenantID
	return cfg, nil
}

func defaultConfig(tenantID string) *TenantConfig {
	return &TenantConfig{
		TenantID:     tenantID,
		Greeting:     "Hello! How can I help you today?",
		RepromptText: "Sorry, I did not catch that. Could you say it again?",
		Language:     "en",
		TTSVoice:     "af_heart",
	}
}
