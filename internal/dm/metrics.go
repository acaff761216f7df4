package dm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	messagesSent    metric.Int64Counter
	messagesSkipped metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/chebizarro/nostrdm/internal/dm")

	var err error
	messagesSent, err = meter.Int64Counter("nostrdm.dm.sent",
		metric.WithDescription("Direct messages published"))
	if err != nil {
		otel.Handle(err)
	}
	messagesSkipped, err = meter.Int64Counter("nostrdm.dm.undecryptable",
		metric.WithDescription("Direct messages skipped because they could not be decrypted"))
	if err != nil {
		otel.Handle(err)
	}
}

func recordSent(ctx context.Context) {
	if messagesSent != nil {
		messagesSent.Add(context.WithoutCancel(ctx), 1)
	}
}

func recordSkipped(ctx context.Context) {
	if messagesSkipped != nil {
		messagesSkipped.Add(context.WithoutCancel(ctx), 1)
	}
}
