// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"fmt"
	"time"

	"github.com/kadirpekel/acp"
)

// Trace exporters.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

// DefaultExportTimeout bounds a single OTLP export.
const DefaultExportTimeout = 10 * time.Second

// Config is the observability section of the server config. Both parts
// are off unless enabled.
type Config struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig selects where the request, invoke and send spans of the
// server go.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter is "otlp" (gRPC, the default) or "stdout", which pretty
	// prints spans and ignores the connection settings below.
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector address, host:port without scheme.
	// Defaults to localhost:4317.
	Endpoint string `yaml:"endpoint,omitempty"`

	// SamplingRate is the sampled fraction of new traces, 0 to 1.
	// Defaults to 1. Spans under a sampled remote parent are kept.
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`

	// ServiceName and ServiceVersion go on the trace resource. They
	// default to acp and the build version.
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`

	// Insecure dials the collector without TLS. Defaults to true.
	Insecure *bool `yaml:"insecure,omitempty"`

	// Headers are sent with every OTLP export, e.g. collector auth.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Timeout bounds a single OTLP export. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint the HTTP server mounts
// next to the ACP routes.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the scrape path. Defaults to /metrics.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Namespace prefixes the request, run, session and notification
	// series. Defaults to acp.
	Namespace string `yaml:"namespace,omitempty"`

	// RuntimeMetrics also exports the Go runtime and process collectors.
	RuntimeMetrics bool `yaml:"runtime_metrics,omitempty"`
}

// SetDefaults applies default values to Config.
func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks the Config for errors.
func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// SetDefaults applies default values to TracingConfig.
func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = DefaultSamplingRate
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = acp.Version
	}
	if c.Exporter == "" {
		c.Exporter = ExporterOTLP
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultOTLPEndpoint
	}
	if c.Insecure == nil {
		insecure := true
		c.Insecure = &insecure
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultExportTimeout
	}
}

// Validate checks TracingConfig for errors.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exporter == ExporterOTLP && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when tracing is enabled")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	switch c.Exporter {
	case ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("invalid exporter %q (valid: otlp, stdout)", c.Exporter)
	}
	return nil
}

// IsInsecure reports whether the OTLP exporter dials without TLS.
func (c *TracingConfig) IsInsecure() bool {
	if c.Insecure == nil {
		return true
	}
	return *c.Insecure
}

// SetDefaults applies default values to MetricsConfig.
func (c *MetricsConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultMetricsPath
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
}

// Validate checks MetricsConfig for errors.
func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" || c.Endpoint[0] != '/' {
		return fmt.Errorf("endpoint must be an absolute path, got %q", c.Endpoint)
	}
	return nil
}
