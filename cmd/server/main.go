package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/tipjar/service/balance"
	"github.com/brojonat/tipjar/service/config"
	"github.com/brojonat/tipjar/service/metrics"
	natspkg "github.com/brojonat/tipjar/service/nats"
	"github.com/brojonat/tipjar/service/server"
	"github.com/brojonat/tipjar/service/solana"
	"github.com/brojonat/tipjar/service/tipjar"
	"github.com/brojonat/tipjar/service/wallet"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"cluster", cfg.SolanaCluster,
		"recipient", cfg.RecipientAddress,
		"fee_mode", cfg.FeeMode,
	)

	settings, err := tipjar.NewSettings(cfg)
	if err != nil {
		logger.Error("invalid widget settings", "error", err)
		os.Exit(1)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Tip events are optional
	var events natspkg.Publisher
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		events = publisher
	} else {
		logger.Warn("NATS_URL not set, tip events disabled")
	}

	// One HTTP client for every bridge session. No timeout: sign-and-send
	// waits on a passkey prompt.
	bridgeHTTP := &http.Client{}

	sessions := tipjar.NewManager(tipjar.ManagerConfig{
		Settings: settings,
		NewProvider: func(sessionID string) wallet.Provider {
			return wallet.NewBridgeProvider(wallet.BridgeConfig{
				BaseURL:      cfg.WalletBridgeURL,
				PaymasterURL: cfg.PaymasterURL,
				FeeMode:      settings.FeeMode,
				SessionID:    sessionID,
			}, bridgeHTTP, m, logger.With("session_id", sessionID))
		},
		NewLedger: func() (balance.Reader, error) {
			endpoint, err := solana.SelectRandomEndpoint(cfg.SolanaRPCURLs)
			if err != nil {
				return nil, err
			}
			return solana.NewClient(solana.NewRPCClient(endpoint), endpointLabel(endpoint), m, logger), nil
		},
		Events:      events,
		Metrics:     m,
		Logger:      logger,
		MaxSessions: cfg.MaxSessions,
		IdleTimeout: cfg.SessionIdleTimeout,
	})

	httpServer := server.New(cfg.ServerAddr, settings, sessions, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start()
	})

	if cfg.SessionIdleTimeout > 0 {
		g.Go(func() error {
			return sessions.RunEvictions(gctx, evictionInterval(cfg.SessionIdleTimeout))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		sessions.CloseAll(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

// endpointLabel keeps API keys in RPC URLs out of metric labels.
func endpointLabel(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// evictionInterval sweeps a few times per idle timeout.
func evictionInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
