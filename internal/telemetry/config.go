// Package telemetry provides OpenTelemetry instrumentation for gitbridge.
// Metrics are exposed to Prometheus and, like traces, optionally pushed to an
// OTLP collector.
package telemetry

import (
	"fmt"

	"github.com/stacklok/gitbridge/internal/versions"
)

const (
	// DefaultServiceName identifies gitbridge in exported telemetry
	DefaultServiceName = "gitbridge"

	// DefaultEndpoint is the OTLP/HTTP collector address
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the share of root spans recorded when none is configured
	DefaultSampling = 0.05
)

// Config is the telemetry section of the gitbridge configuration.
//
// Enabled switches OTLP export as a whole; Tracing and Metrics select the
// signals pushed to Endpoint. Prometheus exposition on /metrics does not
// depend on Enabled.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// ServiceName defaults to DefaultServiceName
	ServiceName string `yaml:"service-name,omitempty"`
	// ServiceVersion defaults to the build version
	ServiceVersion string `yaml:"service-version,omitempty"`

	// Endpoint is "host:port"; the exporters append /v1/traces and /v1/metrics
	Endpoint string `yaml:"endpoint,omitempty"`
	// Insecure sends telemetry over plain HTTP
	Insecure bool `yaml:"insecure,omitempty"`

	Prometheus bool `yaml:"prometheus"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig selects span export
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the ratio of root spans recorded, between 0 and 1. Zero
	// means DefaultSampling since YAML cannot tell unset from 0.
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig selects metric push
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the configured version or the build version
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return versions.Version
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetInsecure returns the insecure flag
func (c *Config) GetInsecure() bool {
	return c.Insecure
}

// GetSampling returns the sampling ratio
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0 {
		return DefaultSampling
	}
	return c.Sampling
}

// Validate checks the settings that take effect. A nil or disabled config is
// always valid.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled || c.Tracing == nil || !c.Tracing.Enabled {
		return nil
	}
	if s := c.Tracing.Sampling; s < 0 || s > 1 {
		return fmt.Errorf("tracing: sampling must be between 0.0 and 1.0, got %f", s)
	}
	return nil
}
