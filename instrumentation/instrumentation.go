package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is the service name used when none is provided
	DefaultServiceName = "oauth-authserver"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// scopePrefix is prepended to every meter and tracer scope
	scopePrefix = "github.com/giantswarm/oauth-authserver/"
)

// Metric exporter names accepted by Config.MetricExporter.
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (default "oauth-authserver")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// MetricExporter selects how metrics leave the process when no MeterProvider
	// is supplied: "prometheus" registers an exporter with the default Prometheus
	// registry (serve it with promhttp.Handler), "none" or empty keeps metrics
	// in-process only.
	MetricExporter string

	// PrometheusRegisterer is the registry the prometheus exporter registers
	// with. Defaults to prometheus.DefaultRegisterer.
	PrometheusRegisterer prometheus.Registerer

	// MeterProvider overrides the meter provider built from MetricExporter.
	MeterProvider metric.MeterProvider

	// TracerProvider is the tracer provider to use. Defaults to a no-op provider.
	TracerProvider trace.TracerProvider

	// LogClientIPs controls whether client IP addresses are included in traces and metrics.
	// Client IP addresses may be considered personal data under GDPR and similar regulations.
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (must be registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders initializes metric and trace providers based on configuration
func (i *Instrumentation) initializeProviders() error {
	switch {
	case i.config.MeterProvider != nil:
		i.meterProvider = i.config.MeterProvider
	case i.config.MetricExporter == ExporterPrometheus:
		var opts []otelprom.Option
		if i.config.PrometheusRegisterer != nil {
			opts = append(opts, otelprom.WithRegisterer(i.config.PrometheusRegisterer))
		}
		exporter, err := otelprom.New(opts...)
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(i.resource),
			sdkmetric.WithReader(exporter),
		)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	case i.config.MetricExporter == "" || i.config.MetricExporter == ExporterNone:
		i.meterProvider = noop.NewMeterProvider()
	default:
		return fmt.Errorf("unsupported metric exporter %q", i.config.MetricExporter)
	}

	if i.config.TracerProvider != nil {
		i.tracerProvider = i.config.TracerProvider
	} else {
		i.tracerProvider = tracenoop.NewTracerProvider()
	}

	return nil
}

// Shutdown gracefully shuts down all instrumentation providers
// This should be called when the application is terminating
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				// Capture first error, but continue shutting down other components
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope
// Scopes are layer names like "http", "server", "storage", "keys", "security"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// StorageSizeCallbacks groups the size callbacks a store can report.
// Nil callbacks are skipped.
type StorageSizeCallbacks struct {
	Clients       StorageSizeCallback
	Codes         StorageSizeCallback
	PendingFlows  StorageSizeCallback
	RefreshTokens StorageSizeCallback
	Consents      StorageSizeCallback
	Revocations   StorageSizeCallback
}

// RegisterStorageSizeCallbacks registers callbacks for storage size metrics.
// Storage implementations call this from SetInstrumentation.
func (i *Instrumentation) RegisterStorageSizeCallbacks(cb StorageSizeCallbacks) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")
	m := i.metrics

	_, err := meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observe := func(g metric.Int64ObservableGauge, fn StorageSizeCallback) {
				if fn != nil {
					observer.ObserveInt64(g, fn())
				}
			}
			observe(m.StorageClientsCount, cb.Clients)
			observe(m.StorageCodesCount, cb.Codes)
			observe(m.StorageFlowsCount, cb.PendingFlows)
			observe(m.StorageRefreshTokensCount, cb.RefreshTokens)
			observe(m.StorageConsentsCount, cb.Consents)
			observe(m.StorageRevocationsCount, cb.Revocations)
			return nil
		},
		m.StorageClientsCount,
		m.StorageCodesCount,
		m.StorageFlowsCount,
		m.StorageRefreshTokensCount,
		m.StorageConsentsCount,
		m.StorageRevocationsCount,
	)

	return err
}
