/*
Copyright 2025 The OpenStack CI Runner Manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openstack-ci/runner-manager/pkg/params"
)

// Metrics is the prometheus instrumentation of the manager process.
type Metrics struct {
	registry *prometheus.Registry

	Runners           *prometheus.GaugeVec
	ReconcileDuration prometheus.Histogram
	ReconcileTotal    *prometheus.CounterVec
	ConsumerSpawns    prometheus.Counter
}

// NewMetrics builds the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runner_manager_runners",
			Help: "Runners per platform state as of the last fleet listing.",
		}, []string{"state"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runner_manager_reconcile_duration_seconds",
			Help:    "Wall time of one reconcile tick.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_manager_reconcile_total",
			Help: "Reconcile ticks by outcome.",
		}, []string{"status"}),
		ConsumerSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_manager_consumer_spawns_total",
			Help: "Reactive consumer processes started.",
		}),
	}
	m.registry.MustRegister(m.Runners, m.ReconcileDuration, m.ReconcileTotal, m.ConsumerSpawns)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFleet resets and repopulates the per-state runner gauge.
func (m *Metrics) ObserveFleet(runners []params.RunnerInstance) {
	m.Runners.Reset()
	for _, state := range []params.PlatformState{
		params.PlatformStateIdle, params.PlatformStateBusy,
		params.PlatformStateOffline, params.PlatformStateUnknown,
	} {
		m.Runners.WithLabelValues(strings.ToLower(string(state))).Set(0)
	}
	for _, runner := range runners {
		m.Runners.WithLabelValues(strings.ToLower(string(runner.PlatformState))).Inc()
	}
}
