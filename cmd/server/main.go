package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/config"
	"github.com/valiyev-777/Speaking/internal/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	users := server.NewUserStore()
	tokens := server.NewTokenIssuer(cfg.Secret, cfg.TokenTTL)
	hub := server.NewHub()
	match := server.NewMatchmaker(hub, users, cfg.MatchInterval)
	signalCtl := server.NewSignalController(server.SignalControllerOptions{
		Hub:                  hub,
		Users:                users,
		Match:                match,
		Tokens:               tokens,
		ReadLimit:            cfg.ReadLimit,
		EstimatedWaitSeconds: cfg.EstimatedWaitSeconds,
		ChatRateLimit:        cfg.ChatRateLimit,
		ChatRateInterval:     cfg.ChatRateInterval,
	})

	go match.Run(ctx)

	srvc := server.NewServer(users, tokens, hub, signalCtl)
	r := srvc.SetupRouter(cfg.Mode)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Speaking server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
