package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/FalkorDB/QueryWeaver/api/config"
	"github.com/FalkorDB/QueryWeaver/api/handlers"
	"github.com/FalkorDB/QueryWeaver/api/metrics"
	"github.com/FalkorDB/QueryWeaver/api/server"
	"github.com/FalkorDB/QueryWeaver/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultHTTPListenAddr    = "0.0.0.0:5000"
	defaultMetricsAddr       = "0.0.0.0:8080"
	defaultReadHeaderTimeout = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	httpListenAddrFlag := flag.String("http-listen-addr", defaultHTTPListenAddr, "HTTP server listen address (or set QW_HTTP_LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (set to empty string to disable)")
	configFlag := flag.String("config", "", "Path to a YAML file describing the graphs (or set QW_CONFIG env var)")
	readHeaderTimeoutFlag := flag.Duration("read-header-timeout", defaultReadHeaderTimeout, "HTTP read header timeout")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", defaultShutdownTimeout, "Server shutdown timeout")
	corsOriginsFlag := flag.StringSlice("cors-allowed-origins", nil, "Origins allowed to call the API from a browser (or set QW_CORS_ALLOWED_ORIGINS env var, comma-separated)")
	flag.Parse()

	// Override flags with environment variables if set
	if env := os.Getenv("QW_HTTP_LISTEN_ADDR"); env != "" {
		*httpListenAddrFlag = env
	}
	if env := os.Getenv("QW_METRICS_ADDR"); env != "" {
		*metricsAddrFlag = env
	}
	if env := os.Getenv("QW_CONFIG"); env != "" {
		*configFlag = env
	}
	if env := os.Getenv("QW_CORS_ALLOWED_ORIGINS"); env != "" {
		*corsOriginsFlag = strings.Split(env, ",")
	}

	log := logger.New(*verboseFlag)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	metricsServerErrCh := make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	backends, err := config.Connect(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect graphs: %w", err)
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Error("failed to close graph connections", "error", err)
		}
	}()

	llm, err := pipeline.NewAnthropicLLMClient(pipeline.AnthropicConfig{
		Logger: log,
		APIKey: cfg.AnthropicAPIKey,
		Model:  anthropic.Model(cfg.AnthropicModel),
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	prompts, err := pipeline.LoadPrompts()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	p, err := pipeline.New(&pipeline.Config{
		Logger:            log,
		LLM:               llm,
		Executor:          backends.Querier,
		SchemaFetcher:     backends.Schemas,
		Prompts:           prompts,
		Observer:          metrics.Observer{},
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		ConfirmationTTL:   cfg.ConfirmationTTL,
		MinConfidence:     cfg.MinConfidence,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer p.Close()

	h, err := handlers.New(handlers.Config{
		Logger:  log,
		Runner:  p,
		Schemas: backends.Schemas,
	})
	if err != nil {
		return fmt.Errorf("failed to create handlers: %w", err)
	}

	listener, err := net.Listen("tcp", *httpListenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	defer listener.Close()

	srv, err := server.New(server.Config{
		Logger:            log,
		Listener:          listener,
		Handlers:          h,
		ReadHeaderTimeout: *readHeaderTimeoutFlag,
		ShutdownTimeout:   *shutdownTimeoutFlag,
		AllowedOrigins:    *corsOriginsFlag,
		OnShutdown:        p.Close,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("server: starting", "version", version, "graphs", backends.Querier.Graphs(), "model", cfg.AnthropicModel)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		return <-serverErrCh
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
