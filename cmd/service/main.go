package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/audit"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/cache"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/config"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/domain/repository"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/claimmap"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/flow"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/health"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/idtoken"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/provider"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/resolver"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/federation/state"
	httpserver "github.com/LoganSeven/publik-famille-demo-sub018/internal/http"
	federationctrl "github.com/LoganSeven/publik-famille-demo-sub018/internal/http/controllers/federation"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/http/router"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/http/session"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/metrics"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/observability/logger"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/store/memory"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/store/pg"
	migrations "github.com/LoganSeven/publik-famille-demo-sub018/migrations/postgres"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		// the configured logger is not available yet
		logger.L().Fatal("cannot load configuration", logger.Err(err))
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       os.Getenv("LOG_LEVEL"),
		ServiceName: "fedlogin",
		Version:     cfg.App.Version,
	})
	defer logger.Sync()
	log := logger.L()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", logger.Err(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.New(cache.Config{
		Kind:     cfg.Cache.Kind,
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		Prefix:   cfg.Cache.Redis.Prefix,
	})
	if err != nil {
		log.Fatal("cannot open cache", logger.Err(err))
	}
	defer store.Close()

	var repo repository.AccountRepository
	switch cfg.Storage.Driver {
	case "postgres":
		pgStore, err := pg.New(ctx, cfg.Storage.DSN, pg.Config{
			MaxConns: int32(cfg.Storage.Postgres.MaxOpenConns),
			MinConns: int32(cfg.Storage.Postgres.MaxIdleConns),
			ConnMaxLifetime: func() time.Duration {
				d, _ := time.ParseDuration(cfg.Storage.Postgres.ConnMaxLifetime)
				return d
			}(),
		})
		if err != nil {
			log.Fatal("cannot open database", logger.Err(err))
		}
		defer pgStore.Close()
		if cfg.Storage.Migrate {
			if err := pgStore.RunMigrations(ctx, migrations.FS); err != nil {
				log.Fatal("migrations failed", logger.Err(err))
			}
		}
		repo = pgStore
	default:
		log.Warn("using the in-memory account store, data will not survive restarts")
		repo = memory.New()
	}

	providers, err := cfg.ProviderConfigs()
	if err != nil {
		log.Fatal("invalid provider configuration", logger.Err(err))
	}
	source, err := provider.NewStaticSource(providers)
	if err != nil {
		log.Fatal("invalid provider configuration", logger.Err(err))
	}
	registry := provider.NewRegistry(source)

	journal := audit.NewZapJournal()
	refresher := provider.NewRefresher(source, registry, journal, nil)
	if err := refresher.RefreshAll(ctx); err != nil {
		log.Warn("initial key refresh incomplete", logger.Err(err))
	}
	go refresher.Run(ctx, cfg.JWKSRefresh())

	if err := metrics.RegisterFederation(nil); err != nil {
		log.Fatal("cannot register metrics", logger.Err(err))
	}

	healthCache := health.New(store, journal)
	sessions := session.NewManager(store, session.Config{
		CookieName: cfg.Session.CookieName,
		TTL:        cfg.SessionTTL(),
		Secure:     cfg.Session.Secure,
	})

	loginFlow := flow.New(flow.Deps{
		Registry:    registry,
		States:      state.New([]byte(cfg.Federation.StateSecret)),
		Tokens:      idtoken.New(),
		Claims:      claimmap.New(journal),
		Accounts:    resolver.New(repo, journal),
		Repo:        repo,
		Health:      healthCache,
		Sessions:    sessions,
		Journal:     journal,
		Store:       store,
		CallbackURL: cfg.CallbackURL(),
	})

	controller := federationctrl.New(loginFlow, registry, sessions, federationctrl.Config{
		CookiePrefix: cfg.Federation.CookiePrefix,
		CallbackPath: cfg.Federation.CallbackPath,
		Secure:       cfg.Session.Secure,
	})

	handler := router.New(router.Deps{
		Federation: controller,
		Healthy: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(pingCtx)
		},
	})

	log.Info("starting federated login service",
		logger.String("addr", cfg.Server.Addr),
		logger.Count(len(providers)),
	)
	if err := httpserver.Start(ctx, cfg.Server.Addr, handler); err != nil && err != http.ErrServerClosed {
		log.Fatal("server stopped", logger.Err(err))
	}
}
