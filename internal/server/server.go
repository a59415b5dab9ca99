package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Davincible/claude-proxy-go/internal/config"
	"github.com/Davincible/claude-proxy-go/internal/handlers"
	"github.com/Davincible/claude-proxy-go/internal/middleware"
	"github.com/Davincible/claude-proxy-go/internal/providers"
	"github.com/Davincible/claude-proxy-go/internal/schema"
	"github.com/Davincible/claude-proxy-go/internal/upstream"
)

type Server struct {
	config   *config.Manager
	registry *providers.Registry
	logger   *slog.Logger
	server   *http.Server
}

// New builds the server. Provider instances are created here, once, from the
// loaded configuration; nothing mutates them afterwards.
func New(configManager *config.Manager, logger *slog.Logger) *Server {
	registry := providers.NewRegistry()
	registry.Initialize(providerSettings(configManager.Get()))

	return &Server{
		config:   configManager,
		registry: registry,
		logger:   logger,
	}
}

func (s *Server) Start() error {
	cfg := s.config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	mux := s.setupRoutes()

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting server", "address", addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	proxyHandler := handlers.NewProxyHandler(s.config, s.registry, upstream.NewHTTPInvoker(), s.logger)
	healthHandler := handlers.NewHealthHandler(s.registry, s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("/", middlewareSet.DefaultChain().Handler(proxyHandler))

	return mux
}

// providerSettings resolves per-family endpoint overrides and sanitizer rule
// merges from the configuration.
func providerSettings(cfg *config.Config) map[string]providers.Settings {
	settings := make(map[string]providers.Settings)

	for _, family := range []string{"openai", "gemini", "anthropic"} {
		s := providers.Settings{SchemaRules: schema.RulesFor(family)}

		if provider, ok := cfg.ProviderByName(family); ok {
			s.Endpoint = provider.APIBase
		}

		if overrides, ok := cfg.Sanitizer[family]; ok {
			s.SchemaRules = mergeRules(s.SchemaRules, overrides)
		}

		settings[family] = s
	}

	return settings
}

// mergeRules widens or replaces the built-in denylist with configured
// overrides. A configured field replaces the built-in one wholesale, so an
// operator can both extend and relax a family's rules.
func mergeRules(base schema.Rules, overrides config.SanitizerRules) schema.Rules {
	if len(overrides.RemoveKeywords) > 0 {
		base.RemoveKeywords = overrides.RemoveKeywords
	}

	if len(overrides.AllowedFormats) > 0 {
		base.AllowedFormats = overrides.AllowedFormats
	}

	if overrides.KeepAllFormats {
		base.KeepAllFormats = true
	}

	return base
}
