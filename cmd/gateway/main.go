package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/absence"
	"github.com/lalithlochan/flock/internal/api"
	"github.com/lalithlochan/flock/internal/campaign"
	"github.com/lalithlochan/flock/internal/circuitbreaker"
	"github.com/lalithlochan/flock/internal/config"
	"github.com/lalithlochan/flock/internal/db"
	"github.com/lalithlochan/flock/internal/dispatch"
	"github.com/lalithlochan/flock/internal/events"
	"github.com/lalithlochan/flock/internal/metrics"
	"github.com/lalithlochan/flock/internal/observ"
	"github.com/lalithlochan/flock/internal/redis"
	"github.com/lalithlochan/flock/internal/scheduler"
	"github.com/lalithlochan/flock/internal/sqs"
	"github.com/lalithlochan/flock/internal/transport"
	"github.com/lalithlochan/flock/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting flock gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis carries the send lock and the rate limiter; both are optional.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, send lock and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	t, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(repo, t, dispatch.NewRenderer(dispatch.Branding{
		SiteName:     cfg.SiteName,
		SiteURL:      cfg.SiteURL,
		ContactEmail: cfg.ContactEmail,
	}), logger)

	tracker := absence.NewTracker(repo, dispatcher, absence.Config{
		Threshold:          cfg.AbsenceThreshold,
		FallbackChurchName: cfg.SiteName,
	}, logger)

	engine := campaign.NewEngine(repo, campaign.NewResolver(repo, logger), dispatcher, campaign.Config{
		Concurrency: cfg.CampaignConcurrency,
	}, logger)
	if redisClient != nil {
		engine.SetLocker(redis.NewSendLock(redisClient, logger))
	}

	if cfg.EventsTopicARN != "" {
		publisher, err := events.NewPublisher(ctx, cfg.AWSRegion, cfg.EventsTopicARN, cfg.AWSEndpoint, logger)
		if err != nil {
			logger.Warn("event publisher unavailable", zap.Error(err))
		} else {
			engine.SetPublisher(publisher)
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	var workerDone chan struct{}
	if cfg.SQSQueueURL != "" {
		queue, err := sqs.New(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL}, logger)
		if err != nil {
			logger.Warn("sqs unavailable, campaigns fan out in-process", zap.Error(err))
		} else {
			engine.SetQueue(queue)
			w := worker.New(queue, engine, worker.Config{Consumers: cfg.CampaignConcurrency}, logger)
			workerDone = make(chan struct{})
			go func() {
				w.Start(bgCtx)
				close(workerDone)
			}()
			logger.Info("campaign worker started")
		}
	}

	sched, err := scheduler.New(repo, engine, scheduler.Config{
		DueSpec:        cfg.SchedulerSpec,
		ReconcileSpec:  cfg.ReconcileSpec,
		ReconcileAfter: cfg.ReconcileAfter,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	go reportPoolStats(bgCtx, database, redisClient)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// a nil *RateLimiter must not reach the middleware as a non-nil interface
	var limiter api.Limiter
	if redisClient != nil {
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	handler := api.NewHandler(logger, tracker, engine, dispatcher, repo)
	r.Group(func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(limiter, cfg.RateLimitPerMinute, logger, api.IPKeyFunc))
		handler.Mount(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second, // in-process campaign sends answer after the fan-out
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		bgCancel()
		if workerDone != nil {
			<-workerDone
		}
		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildTransport selects the email and SMS providers from config and wraps
// each in a circuit breaker when enabled.
func buildTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	var email, sms transport.Transport

	switch cfg.EmailProvider {
	case "ses":
		ses, err := transport.NewSESTransport(ctx, transport.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		email = ses
	case "smtp":
		email = transport.NewSMTPTransport(transport.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger)
	default:
		email = transport.NewLogTransport(logger, db.ChannelEmail)
	}

	switch cfg.SMSProvider {
	case "sns":
		sns, err := transport.NewSNSTransport(ctx, transport.SNSConfig{
			Region:   cfg.SNSRegion,
			SenderID: cfg.SNSSenderID,
		}, logger)
		if err != nil {
			logger.Warn("SNS transport unavailable, SMS will be logged only", zap.Error(err))
			sms = transport.NewLogTransport(logger, db.ChannelSMS)
		} else {
			sms = sns
		}
	default:
		sms = transport.NewLogTransport(logger, db.ChannelSMS)
	}

	if cfg.BreakerEnabled {
		email = protect(email, cfg.EmailProvider, cfg, logger)
		sms = protect(sms, cfg.SMSProvider, cfg, logger)
	}

	logger.Info("transports initialized",
		zap.String("email_provider", cfg.EmailProvider),
		zap.String("sms_provider", cfg.SMSProvider),
		zap.Bool("breaker_enabled", cfg.BreakerEnabled),
	)

	return transport.NewMultiTransport(logger, email, sms), nil
}

func protect(t transport.Transport, name string, cfg *config.Config, logger *zap.Logger) transport.Transport {
	bc := circuitbreaker.DefaultConfig(name)
	bc.MaxFailures = cfg.BreakerMaxFailures
	bc.RecoveryTimeout = cfg.BreakerRecoveryTimeout
	bc.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	metrics.SetBreakerState(name, int(circuitbreaker.StateClosed))
	return circuitbreaker.NewProtectedTransport(t, circuitbreaker.New(bc, logger), logger)
}

func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.AcquiredConns())
			if redisClient != nil {
				metrics.SetRedisConnections(redisClient.TotalConns())
			}
		}
	}
}
