package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dotabod/subsync/internal/config"
	"github.com/dotabod/subsync/internal/engine"
	"github.com/dotabod/subsync/internal/gateway"
	"github.com/dotabod/subsync/internal/ledger"
	"github.com/dotabod/subsync/internal/logging"
	"github.com/dotabod/subsync/internal/webhook"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "subsync",
	Short:   "subsync - subscription lifecycle and payment reconciliation engine",
	Long:    `subsync keeps a local subscription ledger consistent with a billing provider: it processes payment webhooks, repairs entitlements lost to failed deliveries, and applies gift credit balances.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(creditCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("subsync %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and API server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

// setup loads configuration, initializes logging, and wires the engine.
// Every command starts here.
func setup() (*config.Config, *ledger.Store, *engine.Engine, error) {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "subsync",
	})

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "subsync",
	})

	store, err := ledger.Open(cfg.LedgerDir())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	eng := engine.New(store, gateway.NewStripeClient(cfg.StripeAPIKey), engine.PriceCatalog{
		Monthly:  cfg.PriceMonthly,
		Annual:   cfg.PriceAnnual,
		Lifetime: cfg.PriceLifetime,
	}, cfg.CreditPriceID)
	return cfg, store, eng, nil
}

func runServer() {
	cfg, store, eng, err := setup()
	if err != nil {
		logging.Init(logging.Config{Format: "auto", Level: "info", Component: "subsync"})
		log.Fatal().Err(err).Msg("Startup failed")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/webhook/stripe", webhook.NewHandler(cfg.StripeWebhookSecret, eng))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(); err != nil {
			http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
