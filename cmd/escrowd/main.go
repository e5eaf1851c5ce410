package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"escrowd/config"
	"escrowd/crypto"
	"escrowd/escrow"
	"escrowd/gateway"
	"escrowd/gateway/auth"
	"escrowd/gateway/middleware"
	"escrowd/ledger"
	"escrowd/observability/logging"
	"escrowd/observability/metrics"
	telemetry "escrowd/observability/otel"
	"escrowd/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("escrowd", cfg.Environment, cfg.LogFile)

	if err := run(cfg, logger); err != nil {
		logger.Error("escrowd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "escrowd",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store := storage.NewStore(db)

	bank := ledger.NewInMemory()
	for _, account := range cfg.Ledger.Accounts {
		balance, err := account.ParseBalance()
		if err != nil {
			return fmt.Errorf("seed account %s: %w", account.Address, err)
		}
		addr := crypto.MustDecodeAddress(account.Address).Bytes()
		if err := bank.Mint(account.Token, addr, balance); err != nil {
			return fmt.Errorf("seed account %s: %w", account.Address, err)
		}
	}

	params, err := escrow.NewParams(escrow.ParamsConfig{
		FeeBps:        cfg.Escrow.FeeBps,
		FeeRecipient:  crypto.MustDecodeAddress(cfg.Escrow.FeeRecipient).Bytes(),
		Admin:         crypto.MustDecodeAddress(cfg.Escrow.Admin).Bytes(),
		MinDuration:   time.Duration(cfg.Escrow.MinDurationSecs) * time.Second,
		MaxDuration:   time.Duration(cfg.Escrow.MaxDurationSecs) * time.Second,
		DisputeWindow: time.Duration(cfg.Escrow.DisputeWindowSecs) * time.Second,
		MaxAssets:     cfg.Escrow.MaxAssets,
		FeeOnResolve:  cfg.Escrow.FeeOnResolve,
	})
	if err != nil {
		return fmt.Errorf("engine parameters: %w", err)
	}

	engine := escrow.NewEngine(params)
	engine.SetState(store)
	engine.SetLedger(bank)
	engine.SetCustody(crypto.MustDecodeAddress(cfg.Escrow.Custody).Bytes())
	engine.SetLogger(logger.With("component", "engine"))

	gwStore, err := gateway.NewSQLiteStore(cfg.Gateway.IdempotencyDB)
	if err != nil {
		return fmt.Errorf("open gateway store: %w", err)
	}
	defer gwStore.Close()

	queue := gateway.NewWebhookQueue()
	engine.SetEmitter(gateway.NewNotifier(queue, logger.With("component", "notifier")))

	endpoints := make([]gateway.Endpoint, 0, len(cfg.Webhooks))
	for _, hook := range cfg.Webhooks {
		endpoints = append(endpoints, gateway.Endpoint{
			URL:    hook.URL,
			Secret: hook.Secret,
			Events: hook.Events,
		})
	}
	dispatcher := gateway.NewDispatcher(queue, endpoints, gwStore, logger.With("component", "webhooks"))
	go dispatcher.Run(ctx)

	credentials := make(map[string]auth.Credential, len(cfg.Gateway.APIKeys))
	for _, key := range cfg.Gateway.APIKeys {
		credentials[key.Key] = auth.Credential{
			Secret:  key.Secret,
			Address: crypto.MustDecodeAddress(key.Address).Bytes(),
		}
	}
	authenticator := auth.NewAuthenticator(credentials, 0, 0, 0, nil)

	var verifier *auth.AdminVerifier
	if cfg.Gateway.AdminJWTSecret != "" {
		verifier, err = auth.NewAdminVerifier(cfg.Gateway.AdminJWTSecret, nil)
		if err != nil {
			return fmt.Errorf("admin verifier: %w", err)
		}
	} else {
		logger.Warn("no AdminJWTSecret configured, administrative endpoints disabled")
	}

	server := gateway.NewServer(gateway.ServerConfig{
		Engine:        engine,
		Authenticator: authenticator,
		AdminVerifier: verifier,
		AdminAddress:  crypto.MustDecodeAddress(cfg.Escrow.Admin).Bytes(),
		Store:         gwStore,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: float64(cfg.Gateway.RequestsPerMinute),
			Burst:             cfg.Gateway.Burst,
		},
		Logger: logger.With("component", "gateway"),
	})

	apiSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("escrow API listening", "address", cfg.ListenAddress)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown", slog.Any("error", err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", slog.Any("error", err))
	}
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
