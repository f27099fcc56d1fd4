package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/licenseflow/internal/config"
	"github.com/joao-fontenele/licenseflow/internal/gateway"
	"github.com/joao-fontenele/licenseflow/internal/telemetry"
)

const serviceName = "gateway"

func main() {
	cfg, err := config.Load[config.Gateway]()
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

	httpClient := &http.Client{
		Timeout:   cfg.UpstreamTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	ordersProxy := gateway.NewServiceProxy(cfg.OrdersServiceURL, httpClient)
	licensesProxy := gateway.NewServiceProxy(cfg.LicensesServiceURL, httpClient)
	handler := gateway.NewHandler(ordersProxy, licensesProxy, logger)

	// License administration (extend, deactivate) is only reachable inside the network.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("POST /webhooks/{gateway}", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("GET /orders/{orderNumber}", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("GET /downloads/guest", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("GET /users/{userId}/licenses", telemetry.WithHTTPRoute(handler.HandleLicenses))
	mux.HandleFunc("GET /licenses/{id}", telemetry.WithHTTPRoute(handler.HandleLicenses))
	mux.HandleFunc("GET /licenses/{id}/renewals", telemetry.WithHTTPRoute(handler.HandleLicenses))
	mux.HandleFunc("POST /licenses/{id}/downloads", telemetry.WithHTTPRoute(handler.HandleLicenses))

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
		WriteTimeout: cfg.UpstreamTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("starting gateway service", "port", cfg.Port)
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
