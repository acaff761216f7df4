package nostr

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var relayFailures metric.Int64Counter

func init() {
	meter := otel.Meter("github.com/chebizarro/nostrdm/internal/nostr")

	var err error
	relayFailures, err = meter.Int64Counter("nostrdm.relay.failures",
		metric.WithDescription("Relay operations that failed, by relay and operation"))
	if err != nil {
		otel.Handle(err)
	}
}

func recordRelayFailure(ctx context.Context, url, op string) {
	if relayFailures == nil {
		return
	}
	relayFailures.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("relay", url),
		attribute.String("op", op),
	))
}
