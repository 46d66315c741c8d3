package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/config"
	"github.com/StrathCole/oracle-aggregator/pkg/logging"
	"github.com/StrathCole/oracle-aggregator/pkg/metrics"
	"github.com/StrathCole/oracle-aggregator/pkg/server/api"
	"github.com/StrathCole/oracle-aggregator/pkg/server/poller"
	"github.com/StrathCole/oracle-aggregator/pkg/version"

	// Import sources to register them
	_ "github.com/StrathCole/oracle-aggregator/pkg/server/sources/httpsrc"
	_ "github.com/StrathCole/oracle-aggregator/pkg/server/sources/mock"
	_ "github.com/StrathCole/oracle-aggregator/pkg/server/sources/stream"
)

var (
	configFile = flag.String("config", "config/config.yaml", "Path to configuration file")
	showVer    = flag.Bool("version", false, "Show version and exit")
	once       = flag.Bool("once", false, "Aggregate once, print the prices as JSON and exit")
	symbolList = flag.String("symbols", "", "Comma-separated symbols, overrides server.symbols")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("oracle-aggregator version %s\n", version.Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *symbolList != "" {
		cfg.Server.Symbols = splitList(*symbolList)
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	if *once {
		if err := runOnce(cfg, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Aggregation failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("Starting oracle-aggregator", "version", version.Version)

	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			logger.Info("Starting metrics server", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metrics.ServeHTTP(cfg.Metrics.Addr, cfg.Metrics.Path); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- runServer(ctx, cfg, logger)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
		if err := <-errChan; err != nil {
			logger.Error("Server stopped with error", "error", err)
		}
	case err := <-errChan:
		if err != nil {
			logger.Error("Component failed", "error", err)
			cancel()
			os.Exit(1)
		}
	}

	logger.Info("Shutdown complete")
}

func runServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	svc, err := buildOracle(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	requestTimeout := cfg.Server.RequestTimeout.ToDuration()
	server := api.NewServer(cfg.Server.HTTP.Addr, svc.Oracle, cfg.Server.Symbols, requestTimeout, logger)
	if cfg.Server.HTTP.TLS.Enabled {
		server.SetTLS(cfg.Server.HTTP.TLS.Cert, cfg.Server.HTTP.TLS.Key)
	}

	if cfg.Server.WebSocket.Enabled {
		wsServer := api.NewWebSocketServer(logger.With("component", "websocket"))
		server.SetWebSocketServer(wsServer)
		go wsServer.Run(ctx, svc.Oracle)
	}

	p := poller.New(svc.Oracle, cfg.Server.Symbols, cfg.Server.PollInterval.ToDuration(), requestTimeout, logger.With("component", "poller"))
	go p.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", "error", err)
		}
	}()

	return server.Start()
}

func runOnce(cfg *config.Config, logger *logging.Logger) error {
	if len(cfg.Server.Symbols) == 0 {
		return fmt.Errorf("no symbols given: set server.symbols or -symbols")
	}

	svc, err := buildOracle(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout.ToDuration())
	defer cancel()

	prices, err := svc.Oracle.GetAggregatedPrices(ctx, cfg.Server.Symbols)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(prices)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
