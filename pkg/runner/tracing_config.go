package runner

import (
	"context"

	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/Daedalus/internal/tracing"
)

// TracingConfig is the public tracing configuration of the pipeline.
// It mirrors the internal tracing configuration but keeps the implementation private.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRatio    float64
}

// DefaultTracingConfig returns a development-friendly tracing configuration.
func DefaultTracingConfig(serviceName string) TracingConfig {
	return fromInternalConfig(internaltracing.DefaultConfig(serviceName))
}

// SetupTracing installs the global tracer provider used by the run spans.
// Call the returned function on exit.
func SetupTracing(ctx context.Context, cfg TracingConfig, logger *zap.Logger) (func(), error) {
	shutdown, err := internaltracing.SetupTracing(ctx, cfg.toInternalConfig(), logger)
	if err != nil {
		return nil, err
	}
	return func() { _ = internaltracing.ShutdownTracing(shutdown, logger) }, nil
}

func (c TracingConfig) toInternalConfig() internaltracing.TracingConfig {
	return internaltracing.TracingConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		SampleRatio:    c.SampleRatio,
	}
}

func fromInternalConfig(cfg internaltracing.TracingConfig) TracingConfig {
	return TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.SampleRatio,
	}
}
