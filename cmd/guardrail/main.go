// Package main is the entry point for the guardrail binary.
// It runs a protected demo server: every request clears the configured
// protection chain before reaching a small echo handler.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/guardrail-sh/guardrail/pkg/config"
	"github.com/guardrail-sh/guardrail/pkg/guardrail"
	"github.com/guardrail-sh/guardrail/pkg/logging"
	"github.com/guardrail-sh/guardrail/pkg/policy"
	"github.com/guardrail-sh/guardrail/pkg/storage"
	"github.com/guardrail-sh/guardrail/pkg/telemetry"
)

const (
	serviceName              = "guardrail"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for guardrail
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "guardrail",
		Short: "Request protection server",
		Long: `A server that evaluates every request against a configured protection
chain (rate limits, bot detection, payload shield, email validation,
block and allow lists) and answers denials with a JSON error document.

Allowed requests reach a small echo handler standing in for the
application behind the protection layer.

Example:
  guardrail --config guardrail.yaml --listen :8080`,
		RunE: runServer,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().String("listen", "", "Listen address (overrides config)")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("pretty", false, "Pretty console logging")

	return rootCmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return fmt.Errorf("failed to get listen flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return fmt.Errorf("failed to get pretty flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// CLI flags override config file values
	if listen != "" {
		cfg.Server.Address = listen
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty = pretty
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})

	logger.Info("Starting guardrail",
		"config", configPath,
		"addr", cfg.Server.Address,
		"strategy", cfg.Protection.Strategy,
		"rules", len(cfg.Protection.Rules),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return run(ctx, cfg, logger)
}

// run orchestrates the application lifecycle.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Environment: cfg.Telemetry.Environment,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer shutdownTelemetry(telemetryShutdown, logger)

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Error("Failed to close store", "error", err)
			}
		}
	}()

	evaluators, err := buildEvaluators(ctx, cfg)
	if err != nil {
		return err
	}

	p := &protector{
		cfg:        cfg,
		store:      store,
		metrics:    telemetry.NewMetrics(),
		evaluators: evaluators,
		logger:     logger,
	}

	if cfg.Protection.BlacklistFile != "" {
		p.blackProvider, err = config.NewListProvider(cfg.Protection.BlacklistFile, logger)
		if err != nil {
			return fmt.Errorf("blacklist file: %w", err)
		}
		defer closeProvider(p.blackProvider, logger)
	}
	if cfg.Protection.WhitelistFile != "" {
		p.whiteProvider, err = config.NewListProvider(cfg.Protection.WhitelistFile, logger)
		if err != nil {
			return fmt.Errorf("whitelist file: %w", err)
		}
		defer closeProvider(p.whiteProvider, logger)
	}

	if err := p.rebuild(); err != nil {
		return fmt.Errorf("building protection engine: %w", err)
	}
	defer p.Close()

	go watchLists(ctx, p, logger)

	server, listener, err := startServer(cfg, p)
	if err != nil {
		return err
	}
	logger.Info("Server listening", "addr", listener.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}

	return nil
}

// protector owns the live engine and rebuilds it when a watched list file
// changes. Requests always hit the most recent engine; in-flight requests
// finish against the one they started with.
type protector struct {
	cfg        *config.Config
	store      storage.Store
	metrics    *telemetry.Metrics
	evaluators *guardrail.EvaluatorRegistry
	logger     *slog.Logger

	blackProvider *config.ListProvider
	whiteProvider *config.ListProvider

	handler atomic.Pointer[http.Handler]

	mu           sync.Mutex
	engine       *guardrail.Guardrail
	cancelEvents func()
}

func (p *protector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*p.handler.Load()).ServeHTTP(w, r)
}

// rebuild constructs a fresh engine from the configuration and the current
// lists, swaps it in and retires the previous one. Rules are rebuilt every
// time because a bound rule belongs to exactly one engine.
func (p *protector) rebuild() error {
	rules, err := config.BuildRules(p.cfg.Protection.Rules)
	if err != nil {
		return err
	}

	blacklist, whitelist := p.currentLists()

	g, err := guardrail.New(guardrail.Config{
		Rules:         rules,
		Store:         p.store,
		Strategy:      guardrail.Strategy(p.cfg.Protection.Strategy),
		ErrorHandling: guardrail.ErrorMode(p.cfg.Protection.ErrorHandling),
		Blacklist:     blacklist,
		Whitelist:     whitelist,
		Evaluators:    p.evaluators,
		CacheTTL:      p.cfg.Protection.CacheTTL,
		CacheSize:     p.cfg.Protection.CacheSize,
		Metrics:       p.metrics,
		Logger:        p.logger,
	})
	if err != nil {
		return err
	}

	events, cancelEvents := g.Subscribe(64)
	go logEvents(events, p.logger)

	protected := g.Middleware(guardrail.MiddlewareConfig{
		Options:      optionsFromRequest,
		MaxBodyBytes: p.cfg.Server.MaxBodyBytes,
	})(echoHandler())
	p.handler.Store(&protected)

	p.mu.Lock()
	oldEngine, oldCancel := p.engine, p.cancelEvents
	p.engine, p.cancelEvents = g, cancelEvents
	p.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldEngine != nil {
		_ = oldEngine.Close()
	}
	return nil
}

func (p *protector) currentLists() (guardrail.ListConfig, guardrail.ListConfig) {
	blacklist := p.cfg.Protection.Blacklist.Build()
	if p.blackProvider != nil {
		blacklist = p.blackProvider.Current()
	}
	whitelist := p.cfg.Protection.Whitelist.Build()
	if p.whiteProvider != nil {
		whitelist = p.whiteProvider.Current()
	}
	return blacklist, whitelist
}

// Close retires the current engine.
func (p *protector) Close() {
	p.mu.Lock()
	engine, cancel := p.engine, p.cancelEvents
	p.engine, p.cancelEvents = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if engine != nil {
		_ = engine.Close()
	}
}

// watchLists rebuilds the engine whenever a watched list file reloads.
func watchLists(ctx context.Context, p *protector, logger *slog.Logger) {
	var blackCh, whiteCh <-chan guardrail.ListConfig
	if p.blackProvider != nil {
		blackCh = p.blackProvider.Subscribe()
		<-blackCh // drop the seed value, the engine already has it
	}
	if p.whiteProvider != nil {
		whiteCh = p.whiteProvider.Subscribe()
		<-whiteCh
	}
	if blackCh == nil && whiteCh == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-blackCh:
			if !ok {
				blackCh = nil
				continue
			}
		case _, ok := <-whiteCh:
			if !ok {
				whiteCh = nil
				continue
			}
		}

		if err := p.rebuild(); err != nil {
			logger.Error("List update rejected, keeping previous engine", "error", err)
		} else {
			logger.Info("Protection engine rebuilt after list update")
		}
	}
}

// logEvents mirrors engine events into the process log.
func logEvents(events <-chan guardrail.Event, logger *slog.Logger) {
	for event := range events {
		switch event.Type {
		case guardrail.EventDecisionDenied:
			reason := ""
			if event.Decision != nil && event.Decision.Reason != nil {
				reason = string(event.Decision.Reason.Kind)
			}
			logger.Warn("Request denied", "decision_id", event.Decision.ID, "reason", reason)
		case guardrail.EventDryRunDenied:
			logger.Info("Dry run rule would deny", "rule", event.Rule)
		case guardrail.EventRuleError:
			logger.Error("Rule evaluation failed", "rule", event.Rule, "error", event.Err)
		}
	}
}

// buildStore selects the counter backend: redis when configured (flag via
// GUARDRAIL_REDIS_URL or the storage section), in-memory otherwise.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage.RedisURL != "" {
		store, err := storage.NewRedisStore(ctx, cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("Using redis storage")
		return store, nil
	}
	logger.Info("Using in-memory storage")
	return storage.NewMemoryStore(), nil
}

// buildEvaluators compiles any configured Rego policies and registers the
// engine under kind "rego" for custom rules.
func buildEvaluators(ctx context.Context, cfg *config.Config) (*guardrail.EvaluatorRegistry, error) {
	registry := guardrail.NewEvaluatorRegistry()
	if len(cfg.Protection.PolicyFiles) == 0 {
		return registry, nil
	}

	modules := make(map[string]string, len(cfg.Protection.PolicyFiles))
	for _, path := range cfg.Protection.PolicyFiles {
		// #nosec G304 -- Policy file paths are configured by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		modules[path] = string(data)
	}

	engine, err := policy.NewEngine(ctx, policy.Options{Modules: modules})
	if err != nil {
		return nil, fmt.Errorf("compiling policies: %w", err)
	}
	if err := policy.Register(registry, policy.Kind, engine); err != nil {
		return nil, err
	}
	return registry, nil
}

// optionsFromRequest maps the demo identity headers onto per-request
// options. A real deployment extracts these from its auth layer.
func optionsFromRequest(r *http.Request) guardrail.Options {
	return guardrail.Options{
		UserID: r.Header.Get("X-User-Id"),
		Email:  r.Header.Get("X-User-Email"),
	}
}

// echoHandler stands in for the application behind the protection layer.
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "{\"message\":\"ok\",\"method\":%q,\"path\":%q}\n", r.Method, r.URL.Path)
	})
}

func startServer(cfg *config.Config, p *protector) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", p.metrics.Handler())
	mux.Handle("/", otelhttp.NewHandler(p.metrics.Middleware(p), "guardrail.http"))

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind listener on %s: %w", cfg.Server.Address, err)
	}

	return server, listener, nil
}

func closeProvider(p *config.ListProvider, logger *slog.Logger) {
	if err := p.Close(); err != nil {
		logger.Error("Failed to close list provider", "error", err)
	}
}

// shutdownTelemetry gracefully shuts down the telemetry provider.
func shutdownTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("Telemetry shutdown error", "error", err)
	}
}
