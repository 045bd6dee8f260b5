package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/callback"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/config"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/health"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/keyprovider"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/orchestration"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/temporal"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/workflows"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Key provider is optional; without one every credential is plain.
	var provider keyprovider.Provider
	if kp := cfg.KeyProvider(); kp != nil {
		provider, err = keyprovider.New(ctx, *kp)
		if err != nil {
			logger.Fatal("Failed to initialize key provider", zap.String("provider", kp.Provider), zap.Error(err))
		}
		logger.Info("Credential encryption enabled", zap.String("provider", kp.Provider), zap.String("key_id", kp.KeyID))
	} else {
		logger.Warn("Credential encryption disabled; callback URLs carry readable task tokens")
	}

	tClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
		Logger:    temporal.NewZapAdapter(logger),
	})
	if err != nil {
		logger.Fatal("Failed to create Temporal client", zap.String("host", cfg.Temporal.Host), zap.Error(err))
	}
	defer tClient.Close()

	policy := callback.Policy{DisableOutputParameters: cfg.DisableOutputParameters}
	codec := callback.NewCodec(provider, logger)
	encoder, err := callback.NewEncoder(codec, callback.EncoderConfig{
		BaseURL:           cfg.BaseURL,
		Issuer:            cfg.Issuer,
		Policy:            policy,
		ValidateTaskToken: orchestration.ValidateTaskToken,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create URL encoder", zap.Error(err))
	}
	engine := orchestration.NewTemporalEngine(tClient, logger)
	resolver := callback.NewResolver(codec, engine, callback.ResolverConfig{
		Policy:       policy,
		CallTimeout:  cfg.Orchestration.CallTimeout,
		RetryBackoff: cfg.Orchestration.RetryBackoff,
	}, logger)
	handler := httpapi.NewCallbackHandler(encoder, resolver, codec, logger)

	// Public listener: only the respond endpoint.
	prefix, err := httpapi.PathPrefix(cfg.BaseURL)
	if err != nil {
		logger.Fatal("Invalid base URL", zap.Error(err))
	}
	publicMux := http.NewServeMux()
	handler.RegisterPublicRoutes(publicMux, prefix)

	// Admin listener: URL creation, inspection, health and metrics.
	if cfg.AuthEnabled() && cfg.Admin.JWTSecret == "" {
		logger.Warn("admin.jwt_secret is empty; admin endpoints will reject every request")
	}
	if cfg.Admin.SkipAuth {
		logger.Warn("Admin authentication disabled (development mode)")
	}
	jwtManager := auth.NewJWTManager(cfg.Admin.JWTSecret, cfg.Admin.Issuer, 0)
	adminMux := http.NewServeMux()
	handler.RegisterAdminRoutes(adminMux, auth.NewMiddleware(jwtManager, cfg.Admin.SkipAuth, logger))
	adminMux.Handle("/metrics", promhttp.Handler())

	hm := health.NewManager(30*time.Second, logger)
	_ = hm.RegisterChecker(health.NewOrchestrationHealthChecker(engine, engine.Breaker()))
	if kd, ok := provider.(health.KeyDescriber); ok {
		_ = hm.RegisterChecker(health.NewKeyProviderHealthChecker(kd, provider.KeyID()))
	}
	_ = hm.RegisterChecker(health.NewCircuitBreakerHealthChecker(circuitbreaker.GlobalMetricsCollector))
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	hm.Start(ctx)
	circuitbreaker.StartMetricsCollection(ctx, 10*time.Second)

	publicSrv := httpapi.StartServer(httpapi.ServerConfig{
		Name:         "public",
		Port:         cfg.Service.Port,
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
	}, publicMux, logger)
	adminSrv := httpapi.StartServer(httpapi.ServerConfig{
		Name:         "admin",
		Port:         cfg.Service.AdminPort,
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
	}, adminMux, logger)

	var w worker.Worker
	if cfg.Temporal.WorkerEnabled {
		w = startWorker(tClient, cfg, encoder, hm, logger)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down callback service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()
	httpapi.Shutdown(shutdownCtx, logger, publicSrv, adminSrv)
	if w != nil {
		w.Stop()
	}
	hm.Stop()
	cancel()
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return zcfg.Build()
}

// startWorker hosts CallbackWorkflow and RequestCallbackURLs for in-cluster callers.
func startWorker(c client.Client, cfg *config.Config, encoder *callback.Encoder, hm *health.Manager, logger *zap.Logger) worker.Worker {
	queue := cfg.Temporal.TaskQueue
	if queue == "" {
		queue = constants.DefaultTaskQueue
	}
	wk := worker.New(c, queue, worker.Options{})
	wk.RegisterWorkflowWithOptions(workflows.CallbackWorkflow, workflow.RegisterOptions{Name: constants.CallbackWorkflowName})

	webhookClient := &http.Client{
		Timeout:   cfg.Webhook.Timeout,
		Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
	}
	acts := activities.NewCallbackActivities(encoder, webhookClient, cfg.Webhook.URL, logger)
	wk.RegisterActivityWithOptions(acts.RequestCallbackURLs, activity.RegisterOptions{Name: constants.RequestCallbackURLsActivity})
	_ = hm.RegisterChecker(health.NewWebhookHealthChecker(acts.Breaker()))

	// Stopped from main on shutdown.
	if err := wk.Start(); err != nil {
		logger.Error("Temporal worker failed to start", zap.String("queue", queue), zap.Error(err))
		return nil
	}
	logger.Info("Temporal worker started", zap.String("queue", queue))
	return wk
}
