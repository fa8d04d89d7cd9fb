// Command gateway runs the multi-tenant chat gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/revgate/claude-gateway/internal/apikey"
	"github.com/revgate/claude-gateway/internal/claude"
	"github.com/revgate/claude-gateway/internal/config"
	"github.com/revgate/claude-gateway/internal/gateway"
	"github.com/revgate/claude-gateway/internal/history"
	"github.com/revgate/claude-gateway/internal/logging"
	"github.com/revgate/claude-gateway/internal/registry"
	"github.com/revgate/claude-gateway/internal/status"
	"github.com/revgate/claude-gateway/internal/store"
)

func main() {
	_ = godotenv.Load()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := store.NewRedis(ctx, cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("redis unreachable")
	}
	defer func() { _ = kv.Close() }()

	keys := apikey.NewManager(kv, apikey.Quota{
		Window:      cfg.Window(),
		BasicMax:    cfg.BasicMaxUsage,
		PlusMax:     cfg.PlusMaxUsage,
		AbuseCutoff: cfg.AbuseCutoff,
	})
	statuses := status.NewManager(kv, cfg.Cooldown())
	histories := history.NewManager(kv)

	reg := registry.NewManager(kv, statuses, registry.Options{
		Seed:           cfg.IndexSeed,
		ResolveRetries: cfg.OrgResolveRetries,
		ResolveWait:    cfg.OrgResolveWait,
		Client: claude.Options{
			BaseURL:         cfg.ClaudeBaseURL,
			ConnectTimeout:  cfg.ConnectTimeout,
			ReadTimeout:     cfg.ReadTimeout,
			PoolTimeout:     cfg.PoolTimeout,
			MaxRetries:      cfg.StreamMaxRetries,
			RetryWait:       cfg.StreamRetryWait,
			CreateRetries:   cfg.ConversationRetries,
			CreateWait:      cfg.ConversationWait,
			CooldownSeconds: int64(cfg.CooldownSeconds),
		},
	})
	if err := reg.Load(ctx, false); err != nil {
		log.Fatal().Err(err).Msg("credential registry load failed")
	}

	handler := gateway.NewHandler(cfg, keys, statuses, histories, reg)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
