package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/licenseflow/internal/config"
	"github.com/joao-fontenele/licenseflow/internal/licenses"
	"github.com/joao-fontenele/licenseflow/internal/telemetry"
)

const serviceName = "licenses"

func main() {
	cfg, err := config.Load[config.Licenses]()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(serviceName, cfg.Log.SlogLevel())
	ctx := context.Background()

	svc := telemetry.Service{Name: serviceName, Version: cfg.Telemetry.ServiceVersion, Environment: cfg.Telemetry.Environment}
	shutdownTracer, err := telemetry.InitTracerProvider(ctx, svc, telemetry.TraceExport{
		Endpoint:    cfg.Telemetry.Endpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(svc)
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	db, err := telemetry.OpenPostgres(ctx, cfg.Postgres.URL, cfg.Postgres.SearchPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	handler := licenses.NewHandler(licenses.NewLicenseRepository(db), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{userId}/licenses", telemetry.WithHTTPRoute(handler.HandleListForUser))
	mux.HandleFunc("GET /licenses/{id}", telemetry.WithHTTPRoute(handler.HandleGet))
	mux.HandleFunc("GET /licenses/{id}/renewals", telemetry.WithHTTPRoute(handler.HandleRenewals))
	mux.HandleFunc("POST /licenses/{id}/downloads", telemetry.WithHTTPRoute(handler.HandleConsumeDownload))
	mux.HandleFunc("POST /licenses/{id}/extend", telemetry.WithHTTPRoute(handler.HandleExtend))
	mux.HandleFunc("POST /licenses/{id}/deactivate", telemetry.WithHTTPRoute(handler.HandleDeactivate))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
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
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting licenses service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
