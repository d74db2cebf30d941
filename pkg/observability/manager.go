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
	"context"
	"errors"
	"net/http"
	"sync"
)

// Manager owns the tracer and metrics built from a Config. All methods are
// safe on a nil *Manager.
type Manager struct {
	mu      sync.RWMutex
	tracer  *Tracer
	metrics *Metrics
	config  Config
}

// NewManager builds tracing and metrics from cfg. Disabled parts stay nil
// and record nothing.
func NewManager(ctx context.Context, cfg Config, opts ...TracerOption) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracer, err := NewTracer(ctx, &cfg.Tracing, opts...)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(&cfg.Metrics)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	return &Manager{tracer: tracer, metrics: metrics, config: cfg}, nil
}

// NoopManager returns a Manager with tracing and metrics disabled.
func NoopManager() *Manager {
	return &Manager{}
}

func (m *Manager) Tracer() *Tracer {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracer
}

func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// MetricsPath is where the metrics handler should be mounted, or "" when
// metrics are disabled.
func (m *Manager) MetricsPath() string {
	if m.Metrics() == nil {
		return ""
	}
	return m.config.Metrics.Endpoint
}

// Middleware returns HTTP middleware bound to the manager's tracer and metrics.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return HTTPMiddleware(m.Tracer(), m.Metrics())
}

// Shutdown flushes pending spans and stops both providers.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if err := m.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	m.tracer, m.metrics = nil, nil
	return errors.Join(errs...)
}
