package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/edvin/agentvm/internal/agentserver"
	"github.com/edvin/agentvm/internal/backend"
	"github.com/edvin/agentvm/internal/config"
	"github.com/edvin/agentvm/internal/identity"
	"github.com/edvin/agentvm/internal/ledger"
	"github.com/edvin/agentvm/internal/logging"
	"github.com/edvin/agentvm/internal/metrics"
	"github.com/edvin/agentvm/internal/orchestrator"
)

func main() {
	var (
		envFile = flag.String("env-file", "", "Path to a .env file to load before reading configuration")
		addr    = flag.String("addr", "", "Listen address (overrides VMAGENT_LISTEN_ADDR)")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			os.Stderr.WriteString("load env file: " + err.Error() + "\n")
			os.Exit(1)
		}
	} else {
		// Best effort: a .env next to the binary is convenient in dev.
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPListenAddr = *addr
	}

	logger := logging.NewLogger(cfg)

	keystore, err := identity.LoadKeystore(cfg.KeyPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.KeyPath).Msg("load signing key")
	}
	resolver := identity.NewResolver(keystore, cfg.HumanAddress)

	// Fail fast on a bad SSH key rather than on the first create.
	if _, err := cfg.SSHPubKey(); err != nil {
		logger.Fatal().Err(err).Msg("load ssh pubkey")
	}

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.LedgerPath).Msg("open ledger")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	be := backend.NewHTTP(cfg.BackendURL, time.Duration(cfg.BackendTimeoutSeconds)*time.Second, logger)
	svc := orchestrator.New(cfg, store, be, keystore, resolver, metrics.New(reg), logger)
	srv := agentserver.New(svc, reg, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPListenAddr).
			Str("backend", cfg.BackendURL).
			Str("identity", keystore.SigningAddress()).
			Msg("agentvm MCP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-done
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
