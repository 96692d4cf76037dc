// Package main provides the entry point for browsergrid.
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

	"github.com/browsergrid/browsergrid/internal/api"
	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/core"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/proxy"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible.
	setupLogging(cfg.LogLevel)
	cfg.Validate()
	printBanner()

	bus := events.NewBus()
	reg := registry.New(cfg, bus, nil)

	log.Info().Int("min", cfg.PoolMin).Int("max", cfg.PoolMax).Msg("Initializing browser pool...")
	pool, err := browser.NewPool(cfg, browser.NewRodDriver(), bus)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize browser pool")
	}

	pm, err := proxy.NewManager(cfg, bus)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load proxy pool")
	}

	exec := executor.New(cfg, reg, pool, pm, bus)
	svc := core.New(cfg, bus, reg, pool, pm, exec)

	stopCh := make(chan struct{})

	// Metrics server on its own port.
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.MetricsPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Frontends.
	var httpServer *api.HTTPServer
	if cfg.HTTPEnabled {
		httpServer = api.NewHTTPServer(cfg, svc)
		go func() {
			if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("HTTP frontend failed")
			}
		}()
	}

	var wsServer *api.WSServer
	if cfg.WSEnabled {
		wsServer = api.NewWSServer(cfg, svc)
		go func() {
			if err := wsServer.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("WebSocket frontend failed")
			}
		}()
	}

	var rpcServer *api.RPCServer
	if cfg.RPCEnabled {
		rpcServer = api.NewRPCServer(cfg, svc)
		go func() {
			if err := rpcServer.Start(); err != nil {
				log.Fatal().Err(err).Msg("RPC frontend failed")
			}
		}()
	}

	log.Info().
		Bool("http", cfg.HTTPEnabled).
		Bool("ws", cfg.WSEnabled).
		Bool("rpc", cfg.RPCEnabled).
		Bool("proxy_pool", pm.Enabled()).
		Bool("auth", cfg.AuthEnabled()).
		Msg("browsergrid is ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer cancel()

	// Frontends first so no new work arrives, then the core components in
	// dependency order.
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP frontend shutdown error")
		}
	}
	if wsServer != nil {
		if err := wsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("WebSocket frontend shutdown error")
		}
	}
	if rpcServer != nil {
		if err := rpcServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("RPC frontend shutdown error")
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	exec.Close()
	reg.Close()
	if err := pool.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Browser pool shutdown error")
	}
	pm.Close()
	bus.Close()

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _                                                _     _
| |__  _ __ _____      _____  ___ _ __ __ _ _ __(_) __| |
| '_ \| '__/ _ \ \ /\ / / __|/ _ \ '__/ _' | '__| |/ _' |
| |_) | | | (_) \ V  V /\__ \  __/ | | (_| | |  | | (_| |
|_.__/|_|  \___/ \_/\_/ |___/\___|_|  \__, |_|  |_|\__,_|
                                      |___/
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting browsergrid")
}
