package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/joao-fontenele/licenseflow/internal/catalog"
	"github.com/joao-fontenele/licenseflow/internal/config"
	"github.com/joao-fontenele/licenseflow/internal/identity"
	"github.com/joao-fontenele/licenseflow/internal/licenses"
	"github.com/joao-fontenele/licenseflow/internal/messaging"
	"github.com/joao-fontenele/licenseflow/internal/orders"
	"github.com/joao-fontenele/licenseflow/internal/outbox"
	"github.com/joao-fontenele/licenseflow/internal/telemetry"
)

const serviceName = "orders"

func main() {
	cfg, err := config.Load[config.Orders]()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(serviceName, cfg.Log.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := telemetry.Service{Name: serviceName, Version: cfg.Telemetry.ServiceVersion, Environment: cfg.Telemetry.Environment}
	shutdownTracer, err := telemetry.InitTracerProvider(ctx, svc, telemetry.TraceExport{
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(svc)
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	instruments, err := telemetry.NewInstruments()
	if err != nil {
		logger.Error("failed to register instruments", "error", err)
		os.Exit(1)
	}

	db, err := telemetry.OpenPostgres(ctx, cfg.Postgres.URL, cfg.Postgres.SearchPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	registry, err := config.LoadGateways(cfg.GatewaysFile)
	if err != nil {
		logger.Error("failed to load payment gateways", "error", err, "file", cfg.GatewaysFile)
		os.Exit(1)
	}
	logger.Info("payment gateways loaded", "gateways", registry.IDs())

	outboxRepo := outbox.NewRepository(db)
	ledger := orders.NewLedger(db, licenses.NewIssuer(logger), outboxRepo, logger)
	resolver := identity.NewResolver(db, outboxRepo, logger)
	checkout := orders.NewCheckout(ledger, catalog.NewProductRepository(db), resolver, registry,
		orders.CheckoutConfig{TaxRate: cfg.TaxRate, Currency: cfg.Currency}, logger)

	handler := orders.NewHandler(
		ledger,
		checkout,
		orders.NewWebhooks(ledger, registry, logger),
		orders.NewGuestDownloads(ledger),
		rate.NewLimiter(rate.Limit(cfg.CheckoutRPS), cfg.CheckoutBurst),
		instruments,
		orders.HandlerConfig{WebhookTimeout: cfg.WebhookTimeout, AccountURL: cfg.AccountURL},
		logger,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(handler.HandleCheckout))
	mux.HandleFunc("POST /webhooks/{gateway}", telemetry.WithHTTPRoute(handler.HandleWebhook))
	mux.HandleFunc("GET /orders/{orderNumber}", telemetry.WithHTTPRoute(handler.HandleGetOrder))
	mux.HandleFunc("GET /downloads/guest", telemetry.WithHTTPRoute(handler.HandleGuestDownload))
	mux.HandleFunc("GET /healthz", handler.HandleHealth)
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(mux, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.WebhookTimeout + 5*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting orders service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if len(cfg.Kafka.Brokers) > 0 {
		producer := messaging.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic)
		defer func() { _ = producer.Close() }()

		relay := outbox.NewRelay(outboxRepo, producer, outbox.RelayConfig{
			PollInterval:   cfg.Outbox.PollInterval,
			BatchSize:      cfg.Outbox.BatchSize,
			MaxAttempts:    cfg.Outbox.MaxAttempts,
			BreakerTimeout: cfg.Outbox.BreakerTimeout,
		}, logger)
		g.Go(func() error { return relay.Run(gctx) })
	} else {
		logger.Warn("KAFKA_BROKERS not set, notifications stay in the outbox")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("orders service stopped with error", "error", err)
		os.Exit(1)
	}
}
