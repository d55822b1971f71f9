package metrics

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"

	"github.com/acsk/AppCheckin-sub006/internal/config"
)

// Config carries the low-cardinality labels attached to every metric.
type Config struct {
	ServiceName string
	Environment string
}

func (c Config) serviceName() string {
	name := strings.TrimSpace(c.ServiceName)
	if name == "" {
		return "appcheckin"
	}
	return name
}

// NewMeterProvider bridges otel instruments into the prometheus registry.
func NewMeterProvider(registry *prometheus.Registry) (metric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)), nil
}

// NewRegistry creates the process prometheus registry with Go runtime
// collectors installed.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return registry
}

// Handler exposes the registry on a gin route.
func Handler(registry *prometheus.Registry) gin.HandlerFunc {
	h := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

var Module = fx.Module("metrics",
	fx.Provide(NewRegistry),
	fx.Provide(NewMeterProvider),
	fx.Provide(func(cfg config.Config) Config {
		return Config{ServiceName: cfg.Tracing.ServiceName, Environment: cfg.Environment}
	}),
	fx.Provide(NewHTTPMetrics),
	fx.Provide(NewPipelineMetrics),
)
