package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/ai"
	"github.com/lalithlochan/notifylab/internal/api"
	"github.com/lalithlochan/notifylab/internal/auth"
	"github.com/lalithlochan/notifylab/internal/bandit"
	"github.com/lalithlochan/notifylab/internal/circuitbreaker"
	"github.com/lalithlochan/notifylab/internal/config"
	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/experiment"
	"github.com/lalithlochan/notifylab/internal/generator"
	"github.com/lalithlochan/notifylab/internal/metrics"
	"github.com/lalithlochan/notifylab/internal/observ"
	"github.com/lalithlochan/notifylab/internal/redis"
	"github.com/lalithlochan/notifylab/internal/sns"
	"github.com/lalithlochan/notifylab/internal/sqs"
	"github.com/lalithlochan/notifylab/internal/stats"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notifylab gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Generator chain: transport -> circuit breaker -> local call budget
	gen, err := buildGenerator(cfg, logger)
	if err != nil {
		return err
	}

	// SNS publisher for variant lifecycle events
	var publisher experiment.VariantPublisher
	if cfg.SNSTopicARN != "" {
		client, err := sns.NewClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			logger.Warn("sns unavailable, variant events will not be published", zap.Error(err))
		} else {
			publisher = sns.NewPublisher(client, cfg.SNSTopicARN)
		}
	}

	selector := bandit.NewSelector(bandit.Config{
		ExplorationThreshold: cfg.ExplorationThreshold,
		ExplorationRate:      cfg.ExplorationRate,
	})
	orchestrator := experiment.NewOrchestrator(experiment.Config{
		MaxRetries:       cfg.MaxRetries,
		GeneratorTimeout: cfg.GeneratorTimeout,
		GenerationBudget: cfg.GenerationBudget,
		RewardEvent:      db.EventType(cfg.RewardEvent),
	}, selector, gen, publisher, logger)

	var opts []api.Option

	// Initialize Redis for idempotency and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency disabled and rate limits are per instance",
			zap.Error(err),
			zap.String("addr", cfg.RedisAddr()),
		)
		redisClient = nil
	}

	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		defer redisClient.Close()
		opts = append(opts, api.WithIdempotency(redis.NewIdempotencyService(redisClient, cfg.IdempotencyTTL, logger)))
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	// Initialize SQS producer
	if cfg.SQSQueueURL != "" {
		client, err := sqs.NewClient(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		})
		if err != nil {
			logger.Warn("sqs producer unavailable, async events disabled", zap.Error(err))
		} else {
			opts = append(opts, api.WithEventQueue(sqs.NewProducer(client, cfg.SQSQueueURL, logger)))
		}
	}

	handler := api.NewHandler(logger, store,
		orchestrator,
		experiment.NewEventRecorder(logger),
		stats.NewAggregator(cfg.StatsConcurrency, logger),
		db.EventType(cfg.RewardEvent),
		opts...,
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout()))
	r.Use(api.CORS(cfg.CORSOrigins()))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(api.AuthMiddleware(auth.NewManager(store, auth.DefaultCost, logger), logger))
		} else {
			logger.Warn("api key authentication disabled")
		}

		if rateLimiter != nil {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.APIKeyKeyFunc))
		} else {
			r.Use(api.FallbackRateLimit(cfg.RateLimitPerMinute, time.Minute))
		}

		handler.Routes(r)

		if cfg.OpenAIAPIKey != "" {
			variants, err := newVariantGenerator(cfg, logger)
			if err != nil {
				logger.Warn("candidate previews disabled", zap.Error(err))
			} else {
				r.Post("/intents/{intent_id}/candidates", ai.NewHandler(variants, logger).HandleCandidates)
			}
		}
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// openStore connects the configured store and returns its close function
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (db.Store, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory store, data is lost on restart and a failed transaction rolls back the whole store")
		return db.NewMemoryStore(), func() {}, nil
	}

	dbConfig := cfg.DBConfig()
	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", dbConfig.Host),
		zap.Int("port", dbConfig.Port),
		zap.String("database", dbConfig.Database),
	)

	statsCtx, stopStats := context.WithCancel(ctx)
	go reportPoolStats(statsCtx, database)

	return db.NewRepository(database, logger), func() {
		stopStats()
		database.Close()
	}, nil
}

func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
		}
	}
}

// buildGenerator picks the resolver webhook, then the LLM, then nothing, and
// wraps the choice in a circuit breaker and a call budget
func buildGenerator(cfg *config.Config, logger *zap.Logger) (generator.Generator, error) {
	var (
		base generator.Generator
		name string
	)

	switch {
	case cfg.ResolverWebhookURL != "":
		headers := map[string]string{}
		if cfg.ResolverWebhookToken != "" {
			headers["Authorization"] = "Bearer " + cfg.ResolverWebhookToken
		}
		webhook, err := generator.NewWebhook(generator.WebhookConfig{
			URL:     cfg.ResolverWebhookURL,
			Timeout: cfg.GeneratorTimeout,
			Headers: headers,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create resolver webhook: %w", err)
		}
		base, name = webhook, "resolver"

	case cfg.OpenAIAPIKey != "":
		variants, err := newVariantGenerator(cfg, logger)
		if err != nil {
			return nil, err
		}
		base, name = variants, "llm"

	default:
		logger.Warn("no generator configured, every exploration serves the base message")
		return generator.Disabled{}, nil
	}

	logger.Info("generator configured", zap.String("generator", name))

	breakerCfg := circuitbreaker.DefaultConfig(name)
	breakerCfg.MaxFailures = cfg.BreakerMaxFailures
	breakerCfg.RecoveryTimeout = cfg.BreakerRecovery
	breakerCfg.OnStateChange = func(name string, _, to gobreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	metrics.SetBreakerState(name, int(gobreaker.StateClosed))

	protected := circuitbreaker.NewProtectedGenerator(base, breakerCfg, logger)
	return generator.NewThrottled(protected, cfg.GeneratorRatePerSecond, cfg.GeneratorBurst), nil
}

func newVariantGenerator(cfg *config.Config, logger *zap.Logger) (*ai.VariantGenerator, error) {
	client, err := ai.NewClient(ai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.GeneratorTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	return ai.NewVariantGenerator(client, logger), nil
}
