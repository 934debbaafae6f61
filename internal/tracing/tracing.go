// Package tracing provides OpenTelemetry tracing setup for Colony processes.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
	ProtocolNone = "none"
)

// Config holds configuration for tracing setup
type Config struct {
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" json:"service_version"`
	Environment    string  `yaml:"environment" json:"environment"`
	Protocol       string  `yaml:"protocol" json:"protocol"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" json:"otlp_endpoint"` // host:port, the exporter adds the path
	Insecure       bool    `yaml:"insecure" json:"insecure"`
	SampleRatio    float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// DefaultConfig returns a development configuration that exports over OTLP/HTTP
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Protocol:       ProtocolHTTP,
		OTLPEndpoint:   "127.0.0.1:4318",
		Insecure:       true,
		SampleRatio:    1.0,
	}
}

// Validate checks the protocol and sample ratio
func (c Config) Validate() error {
	switch strings.ToLower(c.Protocol) {
	case ProtocolHTTP, ProtocolGRPC, ProtocolNone, "":
	default:
		return fmt.Errorf("unknown tracing protocol %q", c.Protocol)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample ratio must be within [0, 1], got %v", c.SampleRatio)
	}
	return nil
}

// Setup installs a global tracer provider exporting over OTLP and the W3C
// trace context propagator. The returned function flushes and shuts the
// provider down. With protocol "none" nothing is installed.
func Setup(ctx context.Context, config Config, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	protocol := strings.ToLower(config.Protocol)
	if protocol == ProtocolNone || protocol == "" {
		logger.Debug("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	logger.Info("Setting up tracing",
		zap.String("service_name", config.ServiceName),
		zap.String("protocol", protocol),
		zap.String("otlp_endpoint", config.OTLPEndpoint),
		zap.String("environment", config.Environment))

	exporter, err := newExporter(ctx, protocol, config)
	if err != nil {
		logger.Error("Failed to create OTLP exporter", zap.Error(err))
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		logger.Error("Failed to create resource", zap.Error(err))
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Tracing setup completed successfully")
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, protocol string, config Config) (*otlptrace.Exporter, error) {
	if protocol == ProtocolGRPC {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("colony/" + config.ServiceVersion)),
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

// Shutdown flushes pending spans, waiting at most timeout.
func Shutdown(shutdown func(context.Context) error, timeout time.Duration, logger *zap.Logger) error {
	if shutdown == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown tracing", zap.Error(err))
		return err
	}
	logger.Info("Tracing shutdown completed successfully")
	return nil
}
