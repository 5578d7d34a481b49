// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_capacity is the multi-key admission gate: global
// concurrency, per-tenant concurrency and per-tenant calls-per-minute, all
// decided in one server-side Lua script so concurrent acquires can never both
// win the last slot.
package internal_capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// Denial reasons, returned verbatim to the caller for logging and the
// at-capacity prompt decision.
const (
	ReasonGlobalAtCapacity  = "global_at_capacity"
	ReasonTenantAtCapacity  = "tenant_at_capacity"
	ReasonTenantRateLimited = "tenant_rate_limited"
)

// rpmBucketTTL keeps a minute bucket alive long enough to cover clock skew
// between app hosts; buckets self-expire.
const rpmBucketTTLSeconds = 120

// acquireScript runs the entire admission decision atomically.
//
// KEYS: [1] global active set, [2] tenant active set, [3] tenant rpm bucket,
// [4] tenant concurrency cap override, [5] tenant rpm cap override.
// ARGV: [1] callControlID, [2] global cap, [3] tenant cap, [4] rpm cap,
// [5] active-set TTL seconds.
//
// Re-admission of an id already present in either set refreshes both sets
// and TTLs without touching the rpm counter, so retried webhooks never
// double-count a call.
var acquireLua = `
local id = ARGV[1]
local globalCap = tonumber(ARGV[2])
local tenantCap = tonumber(ARGV[3])
local rpmCap = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local capOverride = tonumber(redis.call('GET', KEYS[4]))
if capOverride and capOverride > 0 then
  tenantCap = capOverride
end
local rpmOverride = tonumber(redis.call('GET', KEYS[5]))
if rpmOverride and rpmOverride > 0 then
  rpmCap = rpmOverride
end

if redis.call('SISMEMBER', KEYS[1], id) == 1 or redis.call('SISMEMBER', KEYS[2], id) == 1 then
  redis.call('SADD', KEYS[1], id)
  redis.call('SADD', KEYS[2], id)
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
  return 'ok'
end

if redis.call('SCARD', KEYS[1]) >= globalCap then
  return 'global_at_capacity'
end
if redis.call('SCARD', KEYS[2]) >= tenantCap then
  return 'tenant_at_capacity'
end
if tonumber(redis.call('GET', KEYS[3]) or '0') >= rpmCap then
  return 'tenant_rate_limited'
end

redis.call('SADD', KEYS[1], id)
redis.call('SADD', KEYS[2], id)
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
if redis.call('INCR', KEYS[3]) == 1 then
  redis.call('EXPIRE', KEYS[3], ` + fmt.Sprint(rpmBucketTTLSeconds) + `)
end
return 'ok'
`

var acquireScript = redis.NewScript(acquireLua)

// CapDefaults are the fleet-wide defaults; per-tenant overrides live in the
// tenant map keys and win when positive.
type CapDefaults struct {
	GlobalConcurrency int
	TenantConcurrency int
	TenantCallsPerMin int
	TTLSeconds        int
}

// Decision is the admission outcome.
type Decision struct {
	OK     bool
	Reason string
}

// AcquireRequest identifies one admission attempt.
type AcquireRequest struct {
	TenantID      string
	CallControlID string
	Defaults      CapDefaults
	Now           time.Time
}

// Limiter gates call admission through Redis.
type Limiter struct {
	logger          commons.Logger
	client          redis.UniversalClient
	capPrefix       string
	tenantMapPrefix string
}

// NewLimiter builds a Limiter on the shared Redis client.
func NewLimiter(logger commons.Logger, client redis.UniversalClient, capPrefix, tenantMapPrefix string) *Limiter {
	return &Limiter{
		logger:          logger,
		client:          client,
		capPrefix:       capPrefix,
		tenantMapPrefix: tenantMapPrefix,
	}
}

// Keys returns the five script keys for a tenant at a given instant, in
// script order. Exposed so tests and ops tooling agree on the layout.
func (l *Limiter) Keys(tenantID string, now time.Time) []string {
	return []string{
		fmt.Sprintf("%s:global:active", l.capPrefix),
		fmt.Sprintf("%s:tenant:%s:active", l.capPrefix, tenantID),
		fmt.Sprintf("%s:tenant:%s:rpm:%s", l.capPrefix, tenantID, MinuteBucket(now)),
		fmt.Sprintf("%s:tenant:%s:cap:concurrency", l.tenantMapPrefix, tenantID),
		fmt.Sprintf("%s:tenant:%s:cap:rpm", l.tenantMapPrefix, tenantID),
	}
}

// MinuteBucket formats the UTC minute bucket used for rate limiting.
func MinuteBucket(now time.Time) string {
	return now.UTC().Format("200601021504")
}

// TryAcquire runs the atomic admission script. The script is loaded once and
// invoked by SHA; go-redis falls back to a full EVAL on NOSCRIPT, which
// covers a Redis restart mid-flight.
func (l *Limiter) TryAcquire(ctx context.Context, req AcquireRequest) (Decision, error) {
	keys := l.Keys(req.TenantID, req.Now)
	args := []interface{}{
		req.CallControlID,
		req.Defaults.GlobalConcurrency,
		req.Defaults.TenantConcurrency,
		req.Defaults.TenantCallsPerMin,
		req.Defaults.TTLSeconds,
	}
	raw, err := acquireScript.Run(ctx, l.client, keys, args...).Text()
	if err != nil {
		return Decision{}, fmt.Errorf("capacity: acquire %s: %w", req.CallControlID, err)
	}
	if raw == "ok" {
		return Decision{OK: true}, nil
	}
	l.logger.Infow("capacity denied",
		"tenant_id", req.TenantID,
		"call_control_id", req.CallControlID,
		"reason", raw,
	)
	return Decision{OK: false, Reason: raw}, nil
}

// Release removes the call from both active sets. Safe to call repeatedly
// and for never-admitted ids.
func (l *Limiter) Release(ctx context.Context, tenantID, callControlID string) error {
	keys := l.Keys(tenantID, time.Now())
	if err := l.client.SRem(ctx, keys[0], callControlID).Err(); err != nil {
		return fmt.Errorf("capacity: release global %s: %w", callControlID, err)
	}
	if err := l.client.SRem(ctx, keys[1], callControlID).Err(); err != nil {
		return fmt.Errorf("capacity: release tenant %s: %w", callControlID, err)
	}
	return nil
}
