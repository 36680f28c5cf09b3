package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/montylab/simorch/internal/catalog"
	"github.com/montylab/simorch/internal/events"
	"github.com/montylab/simorch/internal/jobspec"
	"github.com/montylab/simorch/internal/lifecycle"
	"github.com/montylab/simorch/internal/platform/auth"
	"github.com/montylab/simorch/internal/platform/env"
	"github.com/montylab/simorch/internal/platform/httpserver"
	"github.com/montylab/simorch/internal/platform/k8s"
	"github.com/montylab/simorch/internal/platform/logging"
	"github.com/montylab/simorch/internal/platform/metrics"
	"github.com/montylab/simorch/internal/platform/mq"
	"github.com/montylab/simorch/internal/platform/objectstore"
	"github.com/montylab/simorch/internal/registry"
	"github.com/montylab/simorch/internal/runtimeexec"
	storage "github.com/montylab/simorch/internal/storage/objectstore"
)

func main() {
	logger := logging.FromEnv(serviceName)

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("SIMORCH_HTTP_ADDR", ":8000")
	shutdownTimeout, err := env.Duration("SIMORCH_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	syncInterval, err := env.Duration("SIMORCH_JOB_SYNC_INTERVAL", 10*time.Second)
	if err != nil {
		logger.Error("invalid job sync interval", "error", err)
		os.Exit(2)
	}
	observerBuffer, err := env.Int("SIMORCH_OBSERVER_BUFFER", 64)
	if err != nil {
		logger.Error("invalid observer buffer", "error", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	cat, err := catalog.Load(env.String("SIMORCH_CATALOG_FILE", ""))
	if err != nil {
		logger.Error("invalid catalog", "error", err)
		os.Exit(2)
	}

	jobCfg, err := jobspec.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid job config", "error", err)
		os.Exit(2)
	}
	builder, err := jobspec.NewBuilder(jobCfg)
	if err != nil {
		logger.Error("invalid job config", "error", err)
		os.Exit(2)
	}
	policy, err := jobspec.PolicyFromEnv()
	if err != nil {
		logger.Error("invalid execution policy", "error", err)
		os.Exit(2)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := storage.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	insecure, err := env.Bool("SIMORCH_K8S_INSECURE_SKIP_VERIFY", false)
	if err != nil {
		logger.Error("invalid k8s config", "error", err)
		os.Exit(2)
	}
	k8sClient, err := k8s.New(k8s.Config{
		BaseURL:            env.String("SIMORCH_K8S_API_URL", ""),
		Token:              env.String("SIMORCH_K8S_TOKEN", ""),
		Namespace:          jobCfg.Namespace,
		InsecureSkipVerify: insecure,
	})
	if err != nil {
		logger.Error("k8s client init failed", "error", err)
		os.Exit(2)
	}
	executor, err := runtimeexec.NewKubernetesJobExecutor(k8sClient, jobCfg.Namespace)
	if err != nil {
		logger.Error("k8s executor init failed", "error", err)
		os.Exit(2)
	}

	broadcaster := events.NewBroadcaster(logger, m)
	publishers := []lifecycle.Publisher{broadcaster}

	readiness := []httpserver.ReadinessCheck{{
		Name:  "minio",
		Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error { return objectstore.CheckBuckets(ctx, storeClient, storeCfg) }),
	}}

	if amqpURL := strings.TrimSpace(env.String("SIMORCH_AMQP_URL", "")); amqpURL != "" {
		conn, err := mq.NewConnection(amqpURL, logger)
		if err != nil {
			logger.Error("amqp unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = conn.Close() }()
		if err := mq.SetupTopology(conn); err != nil {
			logger.Error("amqp topology setup failed", "error", err)
			os.Exit(1)
		}
		publishers = append(publishers, mq.NewPublisher(conn, logger))
		readiness = append(readiness, httpserver.ReadinessCheck{Name: "amqp", Check: conn.Check})
	}

	runs := registry.New()
	ctrl, err := lifecycle.New(lifecycle.Config{
		Registry:   runs,
		Builder:    builder,
		Scheduler:  executor,
		Store:      store,
		Publishers: publishers,
		Policy:     policy,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		logger.Error("lifecycle controller init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, readiness...))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	api := newOrchestratorAPI(logger, runs, ctrl, cat, broadcaster, streamConfig{
		ObserverBuffer: observerBuffer,
		AllowedOrigins: env.CSV("SIMORCH_WS_ALLOWED_ORIGINS", nil),
	})
	api.register(mux)

	startJobSyncer(ctx, &jobSyncer{
		logger:    logger,
		runs:      runs,
		lifecycle: ctrl,
		inspector: executor,
		store:     store,
		builder:   builder,
		interval:  syncInterval,
	})

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
		SkipPaths:     []string{"/"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	logger.Info("orchestrator starting",
		"auth_mode", authCfg.Mode,
		"namespace", jobCfg.Namespace,
		"job_sync_interval", syncInterval.String(),
		"publishers", len(publishers),
	)
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, m, handler)); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
