package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/buzzbook/coupon-service/internal/domain/issuance"
	"github.com/buzzbook/coupon-service/internal/domain/policy"
	"github.com/buzzbook/coupon-service/internal/handler"
	"github.com/buzzbook/coupon-service/internal/repository"
	"github.com/buzzbook/coupon-service/internal/welcome"
	"github.com/buzzbook/coupon-service/pkg/health"
	"github.com/buzzbook/coupon-service/pkg/httpmiddleware"
)

// hintFPRate is the false-positive rate for the issued-coupon bloom hint.
// False positives only cost one extra lookup, so a loose rate keeps it small.
const hintFPRate = 0.01

// Run creates all dependencies, starts the HTTP server and the welcome
// coupon consumer, and handles graceful shutdown. It is the single wiring
// point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	if len(cfg.Kafka.Brokers) > 0 {
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, health.TCPDialCheck(cfg.Kafka.Brokers[0]))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories and transaction runner.
	policyRepo := repository.NewPolicyRepository(pool)
	couponRepo := repository.NewCouponRepository(pool)
	txRunner := repository.NewTxRunner(pool)

	// Domain services.
	policyService := policy.NewService(policyRepo)
	resolver := policy.NewResolver(policyRepo, policyRepo)
	coordinator := issuance.NewCoordinator(policyRepo, couponRepo, txRunner).
		WithIssuedHint(issuance.NewBloomHint(cfg.Welcome.HintCapacity, hintFPRate))

	// Welcome coupon workflow over Kafka. Each consumer worker opens its own
	// group reader; the workers close them.
	newReader := func() welcome.MessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.RequestTopic,
		})
	}

	responseWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.ResponseTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer responseWriter.Close()

	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.DLQTopic,
		RequiredAcks: kafka.RequireAll,
	}
	defer dlqWriter.Close()

	workflow := welcome.NewWorkflow(
		policyRepo,
		coordinator,
		welcome.NewKafkaPublisher(responseWriter),
		txRunner,
	)
	consumer := welcome.NewConsumer(newReader, dlqWriter, workflow, welcome.ConsumerConfig{
		Workers:      cfg.Welcome.Workers,
		RetryBackoff: cfg.Welcome.RetryBackoff,
		MaxBackoff:   cfg.Welcome.MaxBackoff,
	})

	// HTTP surface: health endpoints + API routes on one server.
	h := handler.NewHandler(policyService, resolver, coordinator)
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", http.StripPrefix("/api", h.Routes()))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument("coupon-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Run(ctx)
	})

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		<-shutdownDone
		return nil
	})

	return g.Wait()
}
