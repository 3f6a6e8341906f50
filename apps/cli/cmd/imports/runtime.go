package imports

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	importsrepo "github.com/zenGate-Global/palmyra-roster/domains/imports/be/repo"
	importsservice "github.com/zenGate-Global/palmyra-roster/domains/imports/be/service"
	"github.com/zenGate-Global/palmyra-roster/platform/go/gcp"
	"github.com/zenGate-Global/palmyra-roster/platform/go/identity"
	platformlogging "github.com/zenGate-Global/palmyra-roster/platform/go/logging"
	"github.com/zenGate-Global/palmyra-roster/platform/go/notify"
	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
	artifactstorage "github.com/zenGate-Global/palmyra-roster/platform/go/storage"
)

// runtimeConfig mirrors the subset of the api server environment the import commands need.
type runtimeConfig struct {
	DatabaseURL     string `env:"DATABASE_URL,required"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string `env:"LOG_FORMAT" envDefault:"console"`
	IdentityBackend string `env:"IDENTITY_PROVIDER" envDefault:"firebase"`
	StorageBackend  string `env:"STORAGE_BACKEND" envDefault:"gcs"`
	StorageBucket   string `env:"STORAGE_BUCKET"`
	StoragePrefix   string `env:"STORAGE_PREFIX"`
	StorageLocalDir string `env:"STORAGE_LOCAL_DIR" envDefault:"./.data/storage"`
	ProfileMode     string `env:"IMPORT_PROFILE_MODE" envDefault:"inline"`
	NotifyEndpoint  string `env:"NOTIFY_ENDPOINT"`
	NotifyAPIKey    string `env:"NOTIFY_API_KEY"`
	NotifyFrom      string `env:"NOTIFY_FROM" envDefault:"roster@localhost"`
}

type runtime struct {
	service importsservice.Service
	logger  *zap.Logger
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	_ = r.logger.Sync()
}

func newRuntime(ctx context.Context) (*runtime, error) {
	var cfg runtimeConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{Component: "rosterctl", Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &runtime{logger: logger}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL, ApplicationName: "rosterctl"})
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}
	rt.closers = append(rt.closers, func() { persistence.ClosePool(pool) })

	svc, err := rt.buildService(ctx, cfg, pool)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.service = svc
	return rt, nil
}

func (r *runtime) buildService(ctx context.Context, cfg runtimeConfig, pool *pgxpool.Pool) (importsservice.Service, error) {
	jobStore, err := persistence.NewImportJobStore(pool)
	if err != nil {
		return nil, fmt.Errorf("init import job store: %w", err)
	}
	rosterStore, err := persistence.NewRosterStore(pool)
	if err != nil {
		return nil, fmt.Errorf("init roster store: %w", err)
	}

	var artifacts artifactstorage.ArtifactStore
	switch cfg.StorageBackend {
	case "gcs":
		if cfg.StorageBucket == "" {
			return nil, fmt.Errorf("STORAGE_BUCKET is required when STORAGE_BACKEND=gcs")
		}
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		r.closers = append(r.closers, func() { _ = client.Close() })
		artifacts = artifactstorage.NewGCSStore(client, cfg.StorageBucket, cfg.StoragePrefix)
	case "local":
		local, err := artifactstorage.NewLocalStore(cfg.StorageLocalDir)
		if err != nil {
			return nil, fmt.Errorf("init local artifact store: %w", err)
		}
		artifacts = local
	default:
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q (use gcs or local)", cfg.StorageBackend)
	}

	var identities identity.Provider
	switch cfg.IdentityBackend {
	case "firebase":
		_, fbAuth, err := gcp.InitFirebaseAuth(ctx)
		if err != nil {
			return nil, err
		}
		identities = identity.NewFirebaseProvider(fbAuth)
	case "none":
		identities = identity.NewMemoryProvider()
	default:
		return nil, fmt.Errorf("unsupported IDENTITY_PROVIDER %q", cfg.IdentityBackend)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(r.logger)
	if cfg.NotifyEndpoint != "" {
		httpNotifier, err := notify.NewHTTPNotifier(notify.HTTPConfig{
			Endpoint: cfg.NotifyEndpoint,
			APIKey:   cfg.NotifyAPIKey,
			From:     cfg.NotifyFrom,
		}, r.logger)
		if err != nil {
			return nil, fmt.Errorf("init notifier: %w", err)
		}
		notifier = httpNotifier
	}

	serviceCfg := importsservice.DefaultConfig()
	serviceCfg.ProfileMode = importsservice.ProfileMode(cfg.ProfileMode)

	jobRepo := importsrepo.NewPostgresJobRepository(jobStore)
	rosterRepo := importsrepo.NewPostgresRosterRepository(rosterStore)
	processor := importsservice.NewProcessor(importsservice.ProcessorDeps{
		Jobs:       jobRepo,
		Roster:     rosterRepo,
		Identities: identities,
		Artifacts:  artifacts,
		Notifier:   notifier,
		Logger:     r.logger,
	}, serviceCfg)
	r.closers = append(r.closers, processor.Wait)

	return importsservice.New(jobRepo, rosterRepo, artifacts, processor, serviceCfg, r.logger), nil
}
