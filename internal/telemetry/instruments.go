package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/joao-fontenele/licenseflow"

// Instruments are the business counters exported on /metrics.
type Instruments struct {
	ordersCreated    metric.Int64Counter
	ordersCompleted  metric.Int64Counter
	ordersFailed     metric.Int64Counter
	webhooksRejected metric.Int64Counter
	licensesIssued   metric.Int64Counter
}

// NewInstruments registers the counters on the global MeterProvider.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(meterName)

	ordersCreated, err := meter.Int64Counter("licenseflow.orders.created",
		metric.WithDescription("Orders created at checkout"))
	if err != nil {
		return nil, err
	}
	ordersCompleted, err := meter.Int64Counter("licenseflow.orders.completed",
		metric.WithDescription("Orders moved to completed, replays excluded"))
	if err != nil {
		return nil, err
	}
	ordersFailed, err := meter.Int64Counter("licenseflow.orders.failed",
		metric.WithDescription("Orders moved to failed"))
	if err != nil {
		return nil, err
	}
	webhooksRejected, err := meter.Int64Counter("licenseflow.webhooks.rejected",
		metric.WithDescription("Webhook deliveries refused before touching an order"))
	if err != nil {
		return nil, err
	}
	licensesIssued, err := meter.Int64Counter("licenseflow.licenses.issued",
		metric.WithDescription("License grants written, by kind"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		ordersCreated:    ordersCreated,
		ordersCompleted:  ordersCompleted,
		ordersFailed:     ordersFailed,
		webhooksRejected: webhooksRejected,
		licensesIssued:   licensesIssued,
	}, nil
}

// The recording methods accept a nil receiver so tests can skip metrics.

func (i *Instruments) OrderCreated(ctx context.Context, paymentMethod string) {
	if i == nil {
		return
	}
	i.ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", paymentMethod)))
}

func (i *Instruments) OrderCompleted(ctx context.Context, gateway string, grantKinds []string) {
	if i == nil {
		return
	}
	i.ordersCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway", gateway)))
	for _, kind := range grantKinds {
		i.licensesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (i *Instruments) OrderFailed(ctx context.Context, gateway string) {
	if i == nil {
		return
	}
	i.ordersFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway", gateway)))
}

func (i *Instruments) WebhookRejected(ctx context.Context, gateway, reason string) {
	if i == nil {
		return
	}
	i.webhooksRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("reason", reason),
	))
}
