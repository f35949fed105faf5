// Command gateway wires configuration, logging, shared state, provider
// adapters, the router and orchestrator, and the HTTP surface together and
// runs the server until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/config"
	"github.com/tributary-ai/llm-gateway/internal/metrics"
	"github.com/tributary-ai/llm-gateway/internal/orchestrator"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/providers/anthropicnative"
	"github.com/tributary-ai/llm-gateway/internal/providers/groq"
	"github.com/tributary-ai/llm-gateway/internal/providers/ollama"
	"github.com/tributary-ai/llm-gateway/internal/providers/openrouter"
	"github.com/tributary-ai/llm-gateway/internal/routing"
	"github.com/tributary-ai/llm-gateway/internal/server"
	"github.com/tributary-ai/llm-gateway/internal/state"
)

// Application owns every long-lived dependency the gateway needs and is
// responsible for starting and stopping them in order.
type Application struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  *state.RedisStore
	server *server.Server
}

func NewApplication(cfg *config.Config) (*Application, error) {
	logger := setupLogger(cfg)

	store, err := state.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	registry := providers.NewRegistry()
	registerProviders(registry, cfg, logger)

	router := routing.NewRouter(registry, store, routing.Config{
		FirstChunkTimeout:  cfg.FirstChunkTimeout,
		BackoffBase:        time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		BackoffMax:         time.Duration(cfg.BackoffMaxSeconds) * time.Second,
		ProviderRateLimits: cfg.ProviderRateLimits(),
	}, logger)

	m := metrics.New()
	router.SetMetrics(m)

	orch := orchestrator.New(router, cfg.MaxOperationTimeout, logger)
	srv := server.New(cfg, registry, store, router, orch, m, logger)

	return &Application{cfg: cfg, logger: logger, store: store, server: srv}, nil
}

// registerProviders adapts each configured provider into the registry.
// A provider with no API key configured is skipped rather than registered
// broken, so it never shows up as a candidate the router would try and fail.
func registerProviders(registry *providers.Registry, cfg *config.Config, logger *logrus.Logger) {
	if pc, ok := cfg.Providers[groq.Name]; ok && pc.APIKey != "" {
		registry.Register(groq.New(pc.APIKey, pc.BaseURL, "", cfg.ProviderTimeout, logger))
	}
	if pc, ok := cfg.Providers[openrouter.Name]; ok && pc.APIKey != "" {
		registry.Register(openrouter.New(openrouter.Options{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Timeout: cfg.ProviderTimeout,
		}, logger))
	}
	if pc, ok := cfg.Providers[ollama.Name]; ok {
		registry.Register(ollama.New(pc.BaseURL, "", cfg.ProviderTimeout, logger))
	}
	if pc, ok := cfg.Providers[anthropicnative.Name]; ok && pc.APIKey != "" {
		registry.Register(anthropicnative.New(pc.APIKey, "", cfg.ProviderTimeout, logger))
	}
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.AppEnv == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then drains
// in-flight requests within a bounded grace period before returning.
func (a *Application) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.WithFields(logrus.Fields{
			"host": a.cfg.Host,
			"port": a.cfg.Port,
			"env":  a.cfg.AppEnv,
		}).Info("gateway starting")
		if err := a.server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		a.logger.WithField("signal", sig.String()).Info("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.server.Stop(ctx); err != nil {
		a.logger.WithError(err).Error("graceful shutdown failed")
		return err
	}

	a.logger.Info("gateway stopped cleanly")
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: gateway [-config path/to/config.yaml]")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config overlay")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.logger.WithError(err).Fatal("gateway exited with error")
	}
}
