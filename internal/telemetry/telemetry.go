// Package telemetry installs the OpenTelemetry meter provider that backs the
// counters recorded by the relay, event and dm packages.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"

	"github.com/chebizarro/nostrdm/internal/log"
)

// EndpointEnv enables OTLP metric export when set.
const EndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// ExportInterval is how often metrics are pushed.
const ExportInterval = 30 * time.Second

// Shutdown flushes and stops the meter provider.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init exports metrics over OTLP/HTTP when EndpointEnv is set. Otherwise
// instruments stay on the global no-op provider.
func Init(ctx context.Context, serviceName string) (Shutdown, error) {
	if os.Getenv(EndpointEnv) == "" {
		return noopShutdown, nil
	}

	exporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return noopShutdown, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(ExportInterval))
	shutdown := Install(serviceName, reader)

	log.Named("telemetry").Info("exporting metrics", zap.String("endpoint", os.Getenv(EndpointEnv)))
	return shutdown, nil
}

// Install sets a global meter provider reading through reader.
func Install(serviceName string, reader sdkmetric.Reader) Shutdown {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown
}
