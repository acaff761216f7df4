package events

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	cacheLookups metric.Int64Counter
	relayFetches metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/chebizarro/nostrdm/internal/events")

	var err error
	cacheLookups, err = meter.Int64Counter("nostrdm.events.cache_lookups",
		metric.WithDescription("Event cache lookups, by result (hit or miss)"))
	if err != nil {
		otel.Handle(err)
	}
	relayFetches, err = meter.Int64Counter("nostrdm.events.fetches",
		metric.WithDescription("Filter queries sent to the relay pool"))
	if err != nil {
		otel.Handle(err)
	}
}

func recordCache(ctx context.Context, hit bool) {
	if cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("result", result)))
}

func recordFetch(ctx context.Context) {
	if relayFetches == nil {
		return
	}
	relayFetches.Add(context.WithoutCancel(ctx), 1)
}
