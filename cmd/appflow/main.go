// Package main is the entry point for the appflow service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/api"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/appstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/config"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/guardrail"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/memory"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/validator"
)

// version is set at build time via -ldflags.
var version = "dev"

// stores groups the persistence backends selected by APPFLOW_STORE.
type stores struct {
	apps     appstore.AppStore
	runs     runstore.RunStore
	agents   registry.AgentRegistry
	memories flow.MemoryStore
	close    func()
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting appflow",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("store", cfg.StoreType),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing, continuing without it", "error", err)
		tp = &tracing.Provider{}
	}

	st := openStores(ctx, cfg, logger)
	defer st.close()

	archive := openArchive(cfg, logger)

	// Agent runtimes
	sink := driver.NewRunStoreSink(st.runs, logger)
	router := driver.NewAgentRouter(st.agents, logger)
	router.Register(registry.RuntimeHTTP, driver.NewHTTPAgent(cfg.AgentHTTPTimeout))
	router.Register(registry.RuntimeSubprocess, driver.NewSubprocessAgent(sink, &driver.SubprocessConfig{
		EnvPassthrough: map[string]string{
			"APPFLOW_URL": "http://localhost:" + cfg.Port,
		},
	}, logger))
	if cfg.K8sAgentsEnabled {
		if k8sAgent, err := newK8sAgent(ctx, cfg, logger); err != nil {
			logger.Error("k8s agent runtime unavailable", "error", err)
		} else {
			router.Register(registry.RuntimeK8s, k8sAgent)
		}
	}
	connectors := driver.NewHTTPConnector(cfg.ConnectorBaseURLs, cfg.AgentHTTPTimeout)

	engine := flow.New(router, connectors, st.memories, &flow.Config{
		DefaultNodeTimeout: cfg.NodeTimeoutDefault,
		DefaultMaxRetries:  cfg.NodeMaxRetriesDefault,
		DefaultBackoff:     cfg.NodeBackoffDefault,
	}, logger)

	sched := scheduler.New(scheduler.Deps{
		Apps:       st.apps,
		Runs:       st.runs,
		Engine:     engine,
		Guardrails: guardrail.NewEnforcer(logger),
		Archive:    archive,
		Events:     sink,
	}, &scheduler.Config{
		MaxConcurrentExecutions: cfg.MaxConcurrentExecutions,
		ExecutionTimeout:        cfg.ExecutionTimeout,
	}, logger)

	logger.Info("scheduler initialized",
		slog.Int("max_concurrent_executions", cfg.MaxConcurrentExecutions),
		slog.Duration("execution_timeout", cfg.ExecutionTimeout),
		slog.Int("default_retries", cfg.NodeMaxRetriesDefault),
	)

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	authMW, err := newAuth(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize authentication", "error", err)
		os.Exit(1)
	}

	handlers := api.NewHandlers(api.Deps{
		Apps:      st.apps,
		Runs:      st.runs,
		Agents:    st.agents,
		Scheduler: sched,
		Validator: v,
		Archive:   archive,
	}, cfg, logger)
	server := api.NewServer(handlers, authMW)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown error", "error", err, "active", sched.Active())
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// openStores connects the Redis backends, falling back to memory when
// Redis is unreachable.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) *stores {
	if cfg.StoreType == "redis" {
		st, err := openRedisStores(ctx, cfg, logger)
		if err == nil {
			logger.Info("using Redis stores", slog.String("url", cfg.RedisURL))
			return st
		}
		logger.Error("failed to connect to Redis, falling back to memory stores", "error", err)
	}

	var agents *registry.MemoryRegistry
	if cfg.SeedDefaultAgents {
		agents = registry.NewMemoryRegistryWithDefaults()
	} else {
		agents = registry.NewMemoryRegistry()
	}
	runs := runstore.NewMemoryStore(&runstore.Config{
		EventMaxLen: cfg.EventMaxLen,
		TTL:         cfg.RunStoreTTL,
	})
	logger.Info("using in-memory stores")
	return &stores{
		apps:     appstore.NewMemoryStore(),
		runs:     runs,
		agents:   agents,
		memories: memory.NewStore(cfg.MemoryMaxItems),
		close:    func() { runs.Close() },
	}
}

// newAuth builds the auth middleware from the enabled verifiers, or returns
// nil when neither OIDC nor service tokens are configured.
func newAuth(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*auth.Middleware, error) {
	var verifiers auth.Verifiers
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, provider)
		logger.Info("OIDC authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}
	if cfg.ServiceTokenSecret != "" {
		tokens, err := auth.NewTokenVerifier(&auth.TokenConfig{
			Secret:   cfg.ServiceTokenSecret,
			Issuer:   cfg.ServiceTokenIssuer,
			Audience: cfg.ServiceTokenAudience,
		})
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, tokens)
		logger.Info("service token authentication enabled", slog.String("issuer", cfg.ServiceTokenIssuer))
	}
	if len(verifiers) == 0 {
		return nil, nil
	}
	return auth.NewMiddleware(verifiers, &auth.MiddlewareConfig{Enabled: true}, logger), nil
}

func openRedisStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	redisCfg := runstore.DefaultRedisConfig()
	redisCfg.URL = cfg.RedisURL
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.TTL = cfg.RunStoreTTL
	redisCfg.EventMaxLen = cfg.EventMaxLen

	opts, err := redisCfg.Options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	agents := registry.NewRedisRegistry(client)
	if cfg.SeedDefaultAgents {
		if err := agents.Seed(ctx, registry.DefaultAgents()); err != nil {
			logger.Warn("failed to seed default agents", "error", err)
		}
	}

	// The run store owns the shared client and closes it.
	runs := runstore.NewRedisStoreWithClient(client, redisCfg)
	return &stores{
		apps:     appstore.NewRedisStore(client),
		runs:     runs,
		agents:   agents,
		memories: memory.NewRedisStore(client, cfg.MemoryMaxItems),
		close:    func() { runs.Close() },
	}, nil
}

func openArchive(cfg *config.Config, logger *slog.Logger) *dataflow.Service {
	if cfg.ArchiveBackend == "none" {
		logger.Info("execution archive disabled")
		return nil
	}
	archive, err := dataflow.New(&dataflow.Config{
		Type:            cfg.ArchiveBackend,
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		UseSSL:          cfg.S3UseSSL,
		PathPrefix:      cfg.S3PathPrefix,
	}, logger)
	if err != nil {
		logger.Error("failed to create archive backend, archive disabled", "error", err)
		return nil
	}
	logger.Info("execution archive enabled", slog.String("backend", cfg.ArchiveBackend))
	return archive
}

func newK8sAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*driver.K8sAgent, error) {
	client, err := k8s.NewClient(k8s.Config{
		InCluster:  cfg.K8sInCluster,
		Kubeconfig: cfg.K8sKubeconfig,
		Namespace:  cfg.K8sNamespace,
	})
	if err != nil {
		return nil, err
	}
	agent := driver.NewK8sAgent(client, k8s.DefaultJobConfig(), logger)

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := agent.HealthCheck(checkCtx); err != nil {
		return nil, err
	}
	logger.Info("k8s agent runtime enabled", slog.String("namespace", client.Namespace()))
	return agent, nil
}
