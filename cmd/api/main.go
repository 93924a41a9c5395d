package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/handlers"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/payments"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/auth"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/cache"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/config"
	pfirestore "github.com/emwebdesign1/ceracotta1-sub000/internal/platform/firestore"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/idempotency"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/jobs"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/observability"
	ppostgres "github.com/emwebdesign1/ceracotta1-sub000/internal/platform/postgres"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/requestctx"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/platform/secrets"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
	pgrepo "github.com/emwebdesign1/ceracotta1-sub000/internal/repositories/postgres"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(envValues["API_FIREBASE_PROJECT_ID"]),
		secrets.WithFallbackFile(envValues["API_SECRET_FALLBACK_FILE"]),
		secrets.WithMeter(otel.Meter("ceracotta/secrets")),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	if cfg.Database.AutoMigrate {
		if err := ppostgres.Migrate(cfg.Database.URL); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
	}
	db, err := ppostgres.NewProvider(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Idempotency.Backend == "firestore" {
		firestoreProvider = pfirestore.NewProvider(cfg.GCP.ProjectID, pfirestore.WithEmulatorHost(cfg.GCP.FirestoreEmulatorURL))
		defer func() {
			if err := firestoreProvider.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
	}

	userRepo, err := pgrepo.NewUserRepository(db)
	if err != nil {
		logger.Fatal("failed to initialise user repository", zap.Error(err))
	}
	cartRepo, err := pgrepo.NewCartRepository(db)
	if err != nil {
		logger.Fatal("failed to initialise cart repository", zap.Error(err))
	}
	orderRepo, err := pgrepo.NewOrderRepository(db)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	stockRepo, err := pgrepo.NewStockRepository(db)
	if err != nil {
		logger.Fatal("failed to initialise stock repository", zap.Error(err))
	}
	twintRepo, err := pgrepo.NewTwintPaymentRepository(db)
	if err != nil {
		logger.Fatal("failed to initialise twint repository", zap.Error(err))
	}
	pgCatalog, err := pgrepo.NewCatalogRepository(db)
	if err != nil {
		logger.Fatal("failed to initialise catalog repository", zap.Error(err))
	}

	var catalogRepo repositories.CatalogRepository = pgCatalog
	if redisClient != nil {
		cached, err := cache.NewCachedCatalog(pgCatalog, cache.NewProductCache(redisClient, cfg.Redis.CatalogCacheTTL), observability.NewEventLogger(logger.Named("cache")))
		if err != nil {
			logger.Fatal("failed to initialise catalog cache", zap.Error(err))
		}
		catalogRepo = cached
	}

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal("failed to initialise token issuer", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(tokens, userRepo)

	paymentsLogger := observability.NewEventLogger(logger.Named("payments"))
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:    cfg.Payments.StripeSecretKey,
		Timeout:   cfg.Payments.Timeout,
		ReturnURL: cfg.Payments.ClientURL,
		Logger:    payments.StripeLogger(paymentsLogger),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}
	webhookVerifier, err := payments.NewStripeWebhookVerifier(cfg.Payments.StripeWebhookSecret, cfg.Payments.WebhookTolerance)
	if err != nil {
		logger.Fatal("failed to initialise stripe webhook verifier", zap.Error(err))
	}

	providers := []payments.Provider{stripeProvider}
	var twintProvider *payments.TwintProvider
	if cfg.Twint.Enabled {
		twintProvider, err = payments.NewTwintProvider(twintRepo, payments.WithTwintLogger(paymentsLogger))
		if err != nil {
			logger.Fatal("failed to initialise twint provider", zap.Error(err))
		}
		providers = append(providers, twintProvider)
	}
	paymentManager, err := payments.NewManager(providers)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	var orderEvents services.OrderEventPublisher
	var pubsubClient *pubsub.Client
	var orderTopic *pubsub.Topic
	if topic := strings.TrimSpace(cfg.Events.OrderTopic); topic != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.GCP.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		orderTopic = pubsubClient.Topic(topic)
		publisher, err := jobs.NewPubSubOrderPublisher(orderTopic)
		if err != nil {
			logger.Fatal("failed to initialise order publisher", zap.Error(err))
		}
		orderEvents = publisher
	}

	accountService, err := services.NewAccountService(services.AccountServiceDeps{
		Users:  userRepo,
		Tokens: tokens,
		Clock:  time.Now,
		Logger: observability.NewEventLogger(logger.Named("account")),
	})
	if err != nil {
		logger.Fatal("failed to initialise account service", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Carts:      cartRepo,
		Catalog:    catalogRepo,
		UnitOfWork: db,
		Clock:      time.Now,
		Logger:     observability.NewEventLogger(logger.Named("cart")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     orderRepo,
		Carts:      cartRepo,
		Stock:      stockRepo,
		UnitOfWork: db,
		Intents:    paymentManager,
		Events:     orderEvents,
		Currency:   cfg.Payments.Currency,
		Clock:      time.Now,
		Logger:     observability.NewEventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	paymentDeps := services.PaymentServiceDeps{
		Carts:          cartRepo,
		Intents:        paymentManager,
		Verifier:       webhookVerifier,
		Events:         orderService,
		PublishableKey: cfg.Payments.StripePublishableKey,
		Currency:       cfg.Payments.Currency,
		Logger:         paymentsLogger,
	}
	if twintProvider != nil {
		paymentDeps.Twint = twintProvider
	}
	paymentService, err := services.NewPaymentService(paymentDeps)
	if err != nil {
		logger.Fatal("failed to initialise payment service", zap.Error(err))
	}

	idempotencyStore := newIdempotencyStore(cfg, redisClient, firestoreProvider)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewEventLogger(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			runIdempotencyCleanup(cleanupCtx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
		}()
	}

	var draining atomic.Bool
	systemService, err := newSystemService(db, redisClient, firestoreProvider, buildInfo, draining.Load)
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	authHandlers := handlers.NewAuthHandlers(accountService)
	cartHandlers := handlers.NewCartHandlers(authenticator, cartService)
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService, handlers.WithOrderIdempotency(idempotencyMiddleware))

	paymentOpts := []handlers.PaymentOption{
		handlers.WithPaymentIdempotency(idempotencyMiddleware),
		handlers.WithStripeSignatureHeader(cfg.Payments.SignatureHeader),
	}
	if cfg.Twint.Enabled {
		paymentOpts = append(paymentOpts,
			handlers.WithTwintWebhookGuard(buildTwintGuard(logger.Named("auth"), cfg.Twint, redisClient)),
			handlers.WithTwintSimulator(cfg.Twint.SimulatorEnabled),
		)
	}
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, paymentService, paymentOpts...)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	router := handlers.NewRouter(
		handlers.WithBasePath(cfg.Server.BasePath),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithCORSOrigins(cfg.CORS.AllowedOrigins...),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithAuthRoutes(authHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("ceracotta api listening", zap.String("environment", cfg.Environment), zap.String("basePath", cfg.Server.BasePath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")
	draining.Store(true)

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	if orderTopic != nil {
		orderTopic.Stop()
	}
	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func newIdempotencyStore(cfg config.Config, client redis.UniversalClient, fs *pfirestore.Provider) idempotency.Store {
	switch cfg.Idempotency.Backend {
	case "redis":
		return idempotency.NewRedisStore(client)
	case "firestore":
		return idempotency.NewFirestoreStore(fs, "")
	default:
		return idempotency.NewMemoryStore()
	}
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.Purge(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildTwintGuard(logger *zap.Logger, cfg config.TwintConfig, client redis.UniversalClient) func(http.Handler) http.Handler {
	var nonces auth.NonceStore = auth.NewInMemoryNonceStore()
	if client != nil {
		nonces = auth.NewRedisNonceStore(client)
	}
	validator := auth.NewHMACValidator("twint", cfg.WebhookSecret, nonces,
		auth.WithHMACLogger(observability.NewEventLogger(logger)),
		auth.WithHMACHeaders(cfg.SignatureHeader, cfg.TimestampHeader, cfg.NonceHeader),
		auth.WithHMACClockSkew(cfg.ClockSkew),
		auth.WithHMACNonceTTL(cfg.NonceTTL),
	)
	return validator.RequireHMAC()
}

func newSystemService(db *ppostgres.Provider, client redis.UniversalClient, fs *pfirestore.Provider, build services.BuildInfo, draining func() bool) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{{
		Name:     "postgres",
		Critical: true,
		Timeout:  1500 * time.Millisecond,
		Check:    db.Ping,
	}}
	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: 500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	if fs != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				c, err := fs.Client(ctx)
				if err != nil {
					return err
				}
				_, err = c.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		Health:   repo,
		Clock:    time.Now,
		Build:    build,
		Draining: draining,
	})
}
