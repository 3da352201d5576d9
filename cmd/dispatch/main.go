package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetops/ride-dispatch/internal/admission"
	"github.com/fleetops/ride-dispatch/internal/dispatch"
	"github.com/fleetops/ride-dispatch/internal/dispatchstore"
	"github.com/fleetops/ride-dispatch/internal/notify"
	"github.com/fleetops/ride-dispatch/internal/presence"
	"github.com/fleetops/ride-dispatch/pkg/common"
	"github.com/fleetops/ride-dispatch/pkg/config"
	"github.com/fleetops/ride-dispatch/pkg/database"
	"github.com/fleetops/ride-dispatch/pkg/errors"
	"github.com/fleetops/ride-dispatch/pkg/eventbus"
	"github.com/fleetops/ride-dispatch/pkg/health"
	"github.com/fleetops/ride-dispatch/pkg/httpclient"
	"github.com/fleetops/ride-dispatch/pkg/jwtkeys"
	"github.com/fleetops/ride-dispatch/pkg/logger"
	"github.com/fleetops/ride-dispatch/pkg/middleware"
	"github.com/fleetops/ride-dispatch/pkg/ratelimit"
	redisclient "github.com/fleetops/ride-dispatch/pkg/redis"
	"github.com/fleetops/ride-dispatch/pkg/resilience"
	"github.com/fleetops/ride-dispatch/pkg/tracing"
)

const (
	serviceName = "dispatch-service"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	rootCtx, cancelKeys := context.WithCancel(context.Background())
	defer cancelKeys()

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting dispatch service",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
	)

	sentryConfig := errors.DefaultSentryConfig()
	sentryConfig.ServerName = serviceName
	sentryConfig.Release = version
	if err := errors.InitSentry(sentryConfig); err != nil {
		logger.Warn("Failed to initialize Sentry, continuing without error tracking", zap.Error(err))
	} else {
		defer errors.Flush(2 * time.Second)
		logger.Info("Sentry error tracking initialized successfully")
	}

	tracerEnabled := os.Getenv("OTEL_ENABLED") == "true"
	if tracerEnabled {
		tracerCfg := tracing.Config{
			ServiceName:    os.Getenv("OTEL_SERVICE_NAME"),
			ServiceVersion: os.Getenv("OTEL_SERVICE_VERSION"),
			Environment:    cfg.Server.Environment,
			OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Enabled:        true,
		}

		tp, err := tracing.InitTracer(tracerCfg, logger.Get())
		if err != nil {
			logger.Warn("Failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to shutdown tracer", zap.Error(err))
				}
			}()
			logger.Info("OpenTelemetry tracing initialized successfully")
		}
	}

	db, err := database.NewPostgresPool(&cfg.Database, cfg.Timeout.DatabaseQueryTimeout)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)
	logger.Info("Connected to database")

	redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}()
	logger.Info("Connected to redis")

	jwtProvider, err := jwtkeys.NewManagerFromConfig(rootCtx, cfg.JWT, true)
	if err != nil {
		logger.Fatal("Failed to initialize JWT key manager", zap.Error(err))
	}
	jwtProvider.StartAutoRefresh(rootCtx, 0)

	// Dispatch core: store, queue, presence index wired over the same
	// redis connection, engine wired over store/queue/notifier, timer
	// wired back into the engine after construction.
	store := dispatchstore.NewStore(redisClient.Client, cfg.Dispatch)
	queue := dispatchstore.NewQueue(redisClient.Client, cfg.Dispatch)
	reader := dispatchstore.NewReader(store)
	presenceIdx := presence.NewIndex(redisClient, cfg.Dispatch)

	var breaker *resilience.CircuitBreaker
	if cfg.Resilience.CircuitBreaker.Enabled {
		breakerCfg := cfg.Resilience.CircuitBreaker.SettingsFor("user-service")
		breaker = resilience.NewCircuitBreaker(resilience.Settings{
			Name:             "user-service",
			Interval:         time.Duration(breakerCfg.IntervalSeconds) * time.Second,
			Timeout:          time.Duration(breakerCfg.TimeoutSeconds) * time.Second,
			FailureThreshold: uint32(breakerCfg.FailureThreshold),
			SuccessThreshold: uint32(breakerCfg.SuccessThreshold),
		}, nil)
		logger.Info("Circuit breaker configured for user service",
			zap.Int("failure_threshold", breakerCfg.FailureThreshold),
			zap.Int("timeout_seconds", breakerCfg.TimeoutSeconds),
		)
	}

	userServiceURL := os.Getenv("USER_SERVICE_URL")
	if userServiceURL == "" {
		userServiceURL = "http://localhost:8081"
	}
	userClient := httpclient.NewClient(userServiceURL, cfg.Timeout.HTTPClientTimeoutDuration())
	userStore := admission.NewHTTPUserStore(userClient, breaker)

	var pushClient notify.PushClient
	if cfg.Firebase.Enabled {
		var firebase *notify.FirebaseClient
		var ferr error
		if cfg.Firebase.CredentialsJSON != "" {
			firebase, ferr = notify.NewFirebaseClientFromJSON(rootCtx, []byte(cfg.Firebase.CredentialsJSON))
		} else {
			firebase, ferr = notify.NewFirebaseClient(rootCtx, cfg.Firebase.CredentialsPath)
		}
		if ferr != nil {
			logger.Warn("Failed to initialize firebase push client, notifications disabled", zap.Error(ferr))
		} else {
			pushClient = notify.NewResilientPushClient(firebase, nil)
			logger.Info("Firebase push notifications enabled")
		}
	}
	if pushClient == nil {
		logger.Warn("Push notifications disabled: no firebase credentials configured")
		pushClient = noopPushClient{}
	}
	notifier := notify.NewDispatcher(pushClient, userStore)

	engine := dispatch.NewEngine(store, queue, notifier)
	timer := dispatch.NewOfferTimer(engine, store, cfg.Dispatch)
	engine.SetTimer(timer)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go timer.RunSweeper(sweepCtx)
	defer stopSweeper()

	busCfg := eventbus.DefaultConfig()
	busCfg.URL = cfg.EventBus.URL
	if cfg.EventBus.StreamName != "" {
		busCfg.StreamName = cfg.EventBus.StreamName
	}
	bus, err := eventbus.New(busCfg)
	if err != nil {
		logger.Warn("Failed to connect to event bus, continuing without event publishing", zap.Error(err))
	} else {
		defer bus.Close()
		logger.Info("Connected to event bus")
	}

	rides := admission.NewPgRideStore(db)
	// A typed-nil *eventbus.Bus passed through the eventPublisher interface
	// would defeat Service's nil check, so only wire it in when it's real.
	var service *admission.Service
	if bus != nil {
		service = admission.NewService(store, reader, engine, presenceIdx, rides, bus, cfg.Dispatch)
	} else {
		service = admission.NewService(store, reader, engine, presenceIdx, rides, nil, cfg.Dispatch)
	}
	handler := admission.NewHandler(service)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryWithSentry())
	router.Use(middleware.SentryMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestTimeout(cfg.Timeout.DefaultRequestTimeoutDuration()))
	router.Use(middleware.RequestLogger(serviceName))
	router.Use(middleware.SanitizeRequest())
	if tracerEnabled {
		router.Use(middleware.TracingMiddleware(serviceName))
	}
	router.Use(middleware.ErrorHandler())

	router.GET("/healthz", common.HealthCheck(serviceName, version))
	router.GET("/health/live", common.LivenessProbe(serviceName, version))

	healthChecks := map[string]func() error{
		"database": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
		"redis": health.RedisChecker(redisClient.Client),
	}
	if userServiceURL != "" {
		healthChecks["user-service"] = health.HTTPEndpointChecker(userServiceURL)
	}
	router.GET("/health/ready", common.ReadinessProbe(serviceName, version, healthChecks))

	deepCheckerCfg := health.DefaultDeepCheckerConfig()
	deepCheckerCfg.Version = version
	deepChecker := health.NewDeepChecker(deepCheckerCfg)
	deepChecker.SetDatabase(db)
	deepChecker.SetRedis(redisClient.Client)
	if breaker != nil {
		deepChecker.AddCircuitBreaker("user-service", breaker)
	}
	if userServiceURL != "" {
		deepChecker.AddEndpoint("user-service", userServiceURL)
	}
	router.GET("/health/deep", middleware.InternalAPIKey(), func(c *gin.Context) { deepChecker.GinHandler()(c) })

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": serviceName, "version": version})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddlewareWithProvider(jwtProvider))
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit)
		api.Use(middleware.RateLimit(limiter, cfg.RateLimit))
		logger.Info("Rate limiting enabled",
			zap.Int("default_limit", cfg.RateLimit.DefaultLimit),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}
	api.Use(middleware.Idempotency(redisClient))
	handler.Register(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// noopPushClient discards sends when no push transport is configured,
// so dispatch still works (without driver notifications) in environments
// without firebase credentials.
type noopPushClient struct{}

func (noopPushClient) SendPushNotification(ctx context.Context, token, title, body string, data map[string]string) (string, error) {
	return "", nil
}
