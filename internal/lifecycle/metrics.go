// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/tickhost/internal/session"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	Transitions   *prometheus.CounterVec
	HookDuration  *prometheus.HistogramVec
	HookFailures  *prometheus.CounterVec
	PluginInfo    *prometheus.GaugeVec
	LoadedPlugins prometheus.Gauge
}

// NewMetrics creates the lifecycle collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickhost_extension_transitions_total",
				Help: "Extension state transitions by plugin and target state",
			},
			[]string{"plugin", "state"},
		),
		HookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickhost_extension_hook_duration_seconds",
				Help:    "Extension lifecycle hook duration by phase",
				Buckets: []float64{.001, .005, .025, .1, .5, 1, 2.5, 5},
			},
			[]string{"phase"},
		),
		HookFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickhost_extension_hook_failures_total",
				Help: "Extension lifecycle hook failures by phase and reason",
			},
			[]string{"phase", "reason"},
		),
		PluginInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tickhost_plugin_info",
				Help: "Started plugins that declare a metrics id",
			},
			[]string{"plugin", "metrics_id"},
		),
		LoadedPlugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickhost_loaded_plugins",
			Help: "Number of started plugins",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Transitions)
		reg.MustRegister(m.HookDuration)
		reg.MustRegister(m.HookFailures)
		reg.MustRegister(m.PluginInfo)
		reg.MustRegister(m.LoadedPlugins)
	}
	return m
}

func (m *Metrics) transition(pluginName string, to State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(pluginName, to.String()).Inc()
}

func (m *Metrics) hook(phase Phase, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.HookDuration.WithLabelValues(string(phase)).Observe(took.Seconds())
	if err == nil {
		return
	}
	reason := "error"
	if errors.Is(err, session.ErrTimeout) {
		reason = "timeout"
	}
	m.HookFailures.WithLabelValues(string(phase), reason).Inc()
}

func (m *Metrics) cascade(phase Phase, n int) {
	if m == nil || n == 0 {
		return
	}
	m.HookFailures.WithLabelValues(string(phase), "dependency").Add(float64(n))
}

func (m *Metrics) pluginStarted(name string, metricsID *int) {
	if m == nil {
		return
	}
	m.LoadedPlugins.Inc()
	if metricsID != nil {
		m.PluginInfo.WithLabelValues(name, strconv.Itoa(*metricsID)).Set(1)
	}
}

func (m *Metrics) pluginUnloaded(name string, metricsID *int, wasStarted bool) {
	if m == nil {
		return
	}
	if wasStarted {
		m.LoadedPlugins.Dec()
	}
	if metricsID != nil {
		m.PluginInfo.DeleteLabelValues(name, strconv.Itoa(*metricsID))
	}
}
