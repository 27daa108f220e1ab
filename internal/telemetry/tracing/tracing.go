package tracing

import (
	"fmt"

	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/otel"
)

var GlobalTracer = otel.Tracer("portal-backend")

// HoneycombSetup configures the OpenTelemetry SDK via the honeycomb
// distro (exporter endpoint and api key come from OTEL_* / HONEYCOMB_*
// env vars) and instruments the redis client. Returns a shutdown func.
func HoneycombSetup(enabled bool, serviceName string, rdb *redis.Client) (func(), error) {
	if !enabled {
		return func() {}, nil
	}

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(serviceName),
	)
	if err != nil {
		return nil, fmt.Errorf("configure opentelemetry: %w", err)
	}

	rdb.AddHook(redisotel.NewTracingHook())

	return otelShutdown, nil
}
