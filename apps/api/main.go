package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	importshandler "github.com/zenGate-Global/palmyra-roster/domains/imports/be/handler"
	importsrepo "github.com/zenGate-Global/palmyra-roster/domains/imports/be/repo"
	importsservice "github.com/zenGate-Global/palmyra-roster/domains/imports/be/service"
	"github.com/zenGate-Global/palmyra-roster/platform/go/identity"
	platformlogging "github.com/zenGate-Global/palmyra-roster/platform/go/logging"
	"github.com/zenGate-Global/palmyra-roster/platform/go/metrics"
	platformmiddleware "github.com/zenGate-Global/palmyra-roster/platform/go/middleware"
	"github.com/zenGate-Global/palmyra-roster/platform/go/notify"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
	artifactstorage "github.com/zenGate-Global/palmyra-roster/platform/go/storage"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	DBMaxConns      int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBStmtTimeout   time.Duration `env:"DB_STATEMENT_TIMEOUT" envDefault:"30s"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	MigrateOnStart  bool          `env:"MIGRATE_ON_START" envDefault:"true"`
	AuthProvider    string        `env:"AUTH_PROVIDER" envDefault:"firebase"`     // firebase | dev
	IdentityBackend string        `env:"IDENTITY_PROVIDER" envDefault:"firebase"` // firebase | none
	StorageBackend  string        `env:"STORAGE_BACKEND" envDefault:"gcs"`        // gcs | local
	StorageBucket   string        `env:"STORAGE_BUCKET"`                          // required when STORAGE_BACKEND=gcs
	StoragePrefix   string        `env:"STORAGE_PREFIX"`
	StorageLocalDir string        `env:"STORAGE_LOCAL_DIR" envDefault:"./.data/storage"` // used when STORAGE_BACKEND=local

	Import importConfig `envPrefix:"IMPORT_"`
	Notify notifyConfig `envPrefix:"NOTIFY_"`
}

type importConfig struct {
	MaxBytes            int64         `env:"MAX_BYTES" envDefault:"10485760"`
	MaxUserRows         int           `env:"MAX_USER_ROWS" envDefault:"5000"`
	MaxTeamRows         int           `env:"MAX_TEAM_ROWS" envDefault:"1000"`
	BatchSize           int           `env:"BATCH_SIZE" envDefault:"25"`
	BatchDelay          time.Duration `env:"BATCH_DELAY" envDefault:"500ms"`
	SlowBatchDelay      time.Duration `env:"SLOW_BATCH_DELAY" envDefault:"2s"`
	SlowRowThreshold    time.Duration `env:"SLOW_ROW_THRESHOLD" envDefault:"400ms"`
	MaxRetries          int           `env:"MAX_RETRIES" envDefault:"5"`
	MaterializeAttempts int           `env:"MATERIALIZE_ATTEMPTS" envDefault:"5"`
	MaterializeDelay    time.Duration `env:"MATERIALIZE_DELAY" envDefault:"300ms"`
	ProfileMode         string        `env:"PROFILE_MODE" envDefault:"inline"` // inline | external
}

type notifyConfig struct {
	Endpoint string        `env:"ENDPOINT"`
	APIKey   string        `env:"API_KEY"`
	From     string        `env:"FROM" envDefault:"roster@localhost"`
	RetryMax int           `env:"RETRY_MAX" envDefault:"4"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

func (c importConfig) serviceConfig() importsservice.Config {
	cfg := importsservice.DefaultConfig()
	cfg.MaxBytes = c.MaxBytes
	cfg.MaxUserRows = c.MaxUserRows
	cfg.MaxTeamRows = c.MaxTeamRows
	cfg.BatchSize = c.BatchSize
	cfg.BatchDelay = c.BatchDelay
	cfg.SlowBatchDelay = c.SlowBatchDelay
	cfg.SlowRowThreshold = c.SlowRowThreshold
	cfg.MaxRetries = c.MaxRetries
	cfg.MaterializeAttempts = c.MaterializeAttempts
	cfg.MaterializeDelay = c.MaterializeDelay
	cfg.ProfileMode = importsservice.ProfileMode(c.ProfileMode)
	return cfg
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "roster-api",
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	switch importsservice.ProfileMode(cfg.Import.ProfileMode) {
	case importsservice.ProfileModeInline, importsservice.ProfileModeExternal:
	default:
		logger.Fatal("invalid IMPORT_PROFILE_MODE (use inline or external)", zap.String("mode", cfg.Import.ProfileMode))
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:       cfg.DatabaseURL,
		ApplicationName:  "roster-api",
		MaxConns:         cfg.DBMaxConns,
		StatementTimeout: cfg.DBStmtTimeout,
	})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	if cfg.MigrateOnStart {
		applied, err := persistence.Migrate(ctx, pool)
		if err != nil {
			logger.Fatal("apply migrations", zap.Error(err))
		}
		logger.Info("migrations applied", zap.Int64s("versions", applied))
	}

	jobStore, err := persistence.NewImportJobStore(pool)
	if err != nil {
		logger.Fatal("init import job store", zap.Error(err))
	}
	rosterStore, err := persistence.NewRosterStore(pool)
	if err != nil {
		logger.Fatal("init roster store", zap.Error(err))
	}

	artifacts, closeArtifacts := buildArtifactStore(ctx, cfg, logger)
	defer closeArtifacts()

	firebaseAuth := newFirebaseAuthOnce(ctx, logger)

	var identities identity.Provider
	switch cfg.IdentityBackend {
	case "firebase":
		identities = identity.NewFirebaseProvider(firebaseAuth())
	case "none":
		logger.Warn("using in-memory identity provider; accounts are not persisted")
		identities = identity.NewMemoryProvider()
	default:
		logger.Fatal("unsupported identity provider", zap.String("provider", cfg.IdentityBackend))
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if strings.TrimSpace(cfg.Notify.Endpoint) != "" {
		httpNotifier, err := notify.NewHTTPNotifier(notify.HTTPConfig{
			Endpoint: cfg.Notify.Endpoint,
			APIKey:   cfg.Notify.APIKey,
			From:     cfg.Notify.From,
			RetryMax: cfg.Notify.RetryMax,
			Timeout:  cfg.Notify.Timeout,
		}, logger)
		if err != nil {
			logger.Fatal("init notifier", zap.Error(err))
		}
		notifier = httpNotifier
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	serviceCfg := cfg.Import.serviceConfig()
	jobRepo := importsrepo.NewPostgresJobRepository(jobStore)
	rosterRepo := importsrepo.NewPostgresRosterRepository(rosterStore)

	processor := importsservice.NewProcessor(importsservice.ProcessorDeps{
		Jobs:       jobRepo,
		Roster:     rosterRepo,
		Identities: identities,
		Artifacts:  artifacts,
		Notifier:   notifier,
		Metrics:    metrics.NewImportMetrics(registry),
		Logger:     logger,
	}, serviceCfg)
	importService := importsservice.New(jobRepo, rosterRepo, artifacts, processor, serviceCfg, logger)
	importHTTPHandler := importshandler.New(importService, logger, cfg.Import.MaxBytes)

	importsValidator, err := importshandler.NewContractValidator(logger)
	if err != nil {
		logger.Fatal("init imports contract validator", zap.Error(err))
	}

	authMiddleware := buildAuthMiddleware(cfg, firebaseAuth, logger)

	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.CORS(cfg.CORSOrigins),
	)

	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", readinessHandler(pool, artifacts, logger))
	rootRouter.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	// ---- Swagger UI + OpenAPI JSON (public) ----
	registerDocsRoutes(rootRouter, logger)

	apiRouter := chi.NewRouter()
	apiRouter.Use(authMiddleware)
	apiRouter.Use(platformmiddleware.RequestTrace)
	importHTTPHandler.Register(apiRouter, importsValidator)

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	// Jobs left in processing stay resumable through resubmit; wait for the ones that can finish.
	drained := make(chan struct{})
	go func() {
		processor.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("import workers drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown deadline reached with import workers still running")
	}
}

func buildArtifactStore(ctx context.Context, cfg config, logger *zap.Logger) (artifactstorage.ArtifactStore, func()) {
	switch cfg.StorageBackend {
	case "gcs":
		if cfg.StorageBucket == "" {
			logger.Fatal("storage bucket required when STORAGE_BACKEND=gcs")
		}
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal("init gcs client", zap.Error(err))
		}
		return artifactstorage.NewGCSStore(gcsClient, cfg.StorageBucket, cfg.StoragePrefix), func() { _ = gcsClient.Close() }
	case "local":
		if strings.TrimSpace(cfg.StorageLocalDir) == "" {
			logger.Fatal("storage local dir required when STORAGE_BACKEND=local")
		}
		store, err := artifactstorage.NewLocalStore(cfg.StorageLocalDir)
		if err != nil {
			logger.Fatal("init local artifact store", zap.Error(err))
		}
		return store, func() {}
	default:
		logger.Fatal("invalid STORAGE_BACKEND (use gcs or local)", zap.String("backend", cfg.StorageBackend))
	}
	return nil, func() {}
}

func readinessHandler(pool *pgxpool.Pool, artifacts artifactstorage.ArtifactStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			logger.Warn("readiness: database unreachable", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if err := artifacts.Check(ctx); err != nil {
			logger.Warn("readiness: artifact store unreachable", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
