// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// voice-gateway answers inbound carrier calls, streams their audio through
// the endpointed STT pipeline and speaks synthesized replies back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	internal_brain "github.com/rapidaai/voice-gateway/internal/brain"
	internal_capacity "github.com/rapidaai/voice-gateway/internal/capacity"
	internal_amrwb "github.com/rapidaai/voice-gateway/internal/codec/amrwb"
	internal_config "github.com/rapidaai/voice-gateway/internal/config"
	internal_server "github.com/rapidaai/voice-gateway/internal/server"
	internal_session "github.com/rapidaai/voice-gateway/internal/session"
	internal_stt "github.com/rapidaai/voice-gateway/internal/stt"
	internal_telnyx "github.com/rapidaai/voice-gateway/internal/telnyx"
	internal_tenant "github.com/rapidaai/voice-gateway/internal/tenant"
	internal_tts "github.com/rapidaai/voice-gateway/internal/tts"
	internal_webhook "github.com/rapidaai/voice-gateway/internal/webhook"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := internal_config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := commons.NewApplicationLogger(
		commons.Name("voice-gateway"),
		commons.Level(cfg.LogLevel),
		commons.Path(cfg.LogPath),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Errorw("bad REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// Admission fails open, so start anyway.
		logger.Warnw("redis unreachable at startup", "error", err)
	}
	cancel()

	carrier := internal_telnyx.NewClient(logger, cfg.TelnyxAPIBase, cfg.TelnyxAPIKey,
		internal_telnyx.WithStreamCodec(cfg.TelnyxStreamCodec))

	deps := internal_session.Deps{
		Carrier:     carrier,
		Limiter:     internal_capacity.NewLimiter(logger, redisClient, cfg.CapPrefix, cfg.TenantMapPrefix),
		Tenants:     internal_tenant.NewStore(logger, redisClient, cfg.TenantMapPrefix, cfg.TenantCfgPrefix),
		TTS:         internal_tts.NewClient(logger, cfg.KokoroURL, cfg.AudioStorageDir, cfg.AudioPublicBaseURL),
		Brain:       internal_brain.NewClient(logger, cfg.BrainURL),
		STTProvider: internal_stt.NewWhisperProvider(logger, cfg.WhisperURL, ""),
	}
	if cfg.AMRWBDebugArtifactsEnabled {
		deps.Artifacts = internal_amrwb.NewArtifactWriter(logger, cfg.AMRWBDebugArtifactsDir, 30, time.Second)
	}

	manager := internal_session.NewManager(logger, cfg, deps)

	verifierOpts := []internal_webhook.Option{
		internal_webhook.WithSkipVerification(cfg.TelnyxSkipSignature),
	}
	if cfg.TelnyxPublicKey != "" {
		verifierOpts = append(verifierOpts, internal_webhook.WithEd25519PublicKey(cfg.TelnyxPublicKey))
	}
	if cfg.TelnyxWebhookSecret != "" {
		verifierOpts = append(verifierOpts, internal_webhook.WithHMACSecret(cfg.TelnyxWebhookSecret))
	}
	verifier := internal_webhook.NewVerifier(logger, verifierOpts...)

	srv := internal_server.NewServer(logger, cfg, verifier, manager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		manager.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Errorw("fatal", "error", err)
		os.Exit(1)
	}
	logger.Infow("shutdown complete")
}
