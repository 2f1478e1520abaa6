// Package main implements the DocRelay daemon: it runs the message
// broker's housekeeping (expired-message sweeps) and exposes /metrics
// and /healthz for the document platform's operators.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/docrelay/broker"
	"github.com/c360/docrelay/config"
	"github.com/c360/docrelay/health"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/natsclient"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "docrelay"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	b, err := setupBroker(ctx, cfg, logger, metricsRegistry, monitor)
	if err != nil {
		return err
	}

	server := startHTTPServer(cfg, b, metricsRegistry, monitor)

	return runWithSignalHandling(ctx, cfg, b, server, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting DocRelay (document platform message broker)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// setupBroker wires the NATS client and broker and connects them
func setupBroker(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
) (*broker.Broker, error) {
	clientOpts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMetrics(metricsRegistry.CoreMetrics()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("nats", "connected")
			} else {
				monitor.UpdateUnhealthy("nats", "connection lost")
			}
		}),
	}
	if cfg.NATS.Username != "" && cfg.NATS.Password != "" {
		clientOpts = append(clientOpts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		clientOpts = append(clientOpts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	b, err := broker.New(client,
		broker.WithLogger(logger),
		broker.WithMetrics(metricsRegistry.CoreMetrics()),
		broker.WithMessageTTL(cfg.Broker.MessageTTL.Std()),
		broker.WithDeadLetterTTL(cfg.Broker.DeadLetterTTL.Std()),
		broker.WithFetchBatch(cfg.Broker.FetchBatch),
		broker.WithFetchTimeout(cfg.Broker.FetchTimeout.Std()),
	)
	if err != nil {
		return nil, fmt.Errorf("create broker: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := b.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	monitor.UpdateHealthy("nats", "connected")
	monitor.UpdateHealthy("broker", "ready")

	return b, nil
}

// startHTTPServer exposes /metrics and /healthz. Port 0 disables it.
func startHTTPServer(
	cfg *config.Config,
	b *broker.Broker,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
) *http.Server {
	if cfg.Server.HTTPPort == 0 {
		slog.Info("HTTP server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRegistry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if b.HealthCheck(r.Context()) {
			monitor.UpdateHealthy("broker", "ready")
		} else {
			monitor.UpdateUnhealthy("broker", "backend unreachable")
		}

		status := monitor.AggregateHealth(appName)

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// runSweeper removes expired messages on the configured interval
func runSweeper(ctx context.Context, cfg *config.Config, b *broker.Broker) {
	ticker := time.NewTicker(cfg.Server.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			removed, err := b.Store().CleanupExpired(sweepCtx)
			cancel()
			if err != nil {
				slog.Warn("cleanup sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("cleanup sweep finished", "removed", removed)
			}
		}
	}
}

// runWithSignalHandling blocks until shutdown and tears down in order
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	b *broker.Broker,
	server *http.Server,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	go runSweeper(signalCtx, cfg, b)

	slog.Info("DocRelay started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown failed", "error", err)
		}
	}

	if err := b.Close(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("DocRelay shutdown complete")
	return nil
}
