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

// Package scaler is the reconcile façade: one Reconcile call cleans the
// fleet up and converges it on the configured size, in base-quantity mode or
// queue-driven reactive mode, and emits one Reconciliation event per tick.
package scaler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/openstack-ci/runner-manager/pkg/manager"
	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/record"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// FleetManager is the slice of the runner manager the scaler drives.
type FleetManager interface {
	GetRunners(ctx context.Context) ([]params.RunnerInstance, error)
	CreateRunners(ctx context.Context, n int, metadata params.RunnerMetadata, reactive bool) ([]params.InstanceID, error)
	DeleteRunners(ctx context.Context, n int) (manager.Stats, error)
	CleanupRunners(ctx context.Context) (manager.Stats, error)
}

// ProcessManager is the consumer process supervisor the reactive mode sizes.
type ProcessManager interface {
	SetTarget(n int)
	Running() int
}

// Options wires a Scaler together.
type Options struct {
	Log      logr.Logger
	Manager  FleetManager
	Recorder record.Recorder

	// Mutex serializes Reconcile with the pressure reconciler and the admin
	// endpoints.
	Mutex *sync.Mutex

	// Flavor names the fleet in emitted events.
	Flavor string

	// BaseQuantity is the non-reactive fleet size.
	BaseQuantity int

	// MaxQuantity caps the reactive fleet; only used with Processes set.
	MaxQuantity int
	// Processes, when set, switches Reconcile into reactive mode.
	Processes ProcessManager
}

// Scaler reconciles the fleet to its configured size.
type Scaler struct {
	log      logr.Logger
	manager  FleetManager
	recorder record.Recorder
	mu       *sync.Mutex

	flavor       string
	baseQuantity int
	maxQuantity  int
	processes    ProcessManager
}

// New builds a Scaler.
func New(opts Options) *Scaler {
	mu := opts.Mutex
	if mu == nil {
		mu = &sync.Mutex{}
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = record.Discard
	}
	return &Scaler{
		log:          opts.Log.WithName("scaler"),
		manager:      opts.Manager,
		recorder:     recorder,
		mu:           mu,
		flavor:       opts.Flavor,
		baseQuantity: opts.BaseQuantity,
		maxQuantity:  opts.MaxQuantity,
		processes:    opts.Processes,
	}
}

// Reconcile runs one reconciliation tick under the shared mutex. A cloud
// failure aborts the tick with a ReconcileError; per-runner trouble inside
// the manager does not.
func (s *Scaler) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if _, err := s.manager.CleanupRunners(ctx); err != nil {
		return s.wrap(err)
	}

	runners, err := s.manager.GetRunners(ctx)
	if err != nil {
		return s.wrap(err)
	}
	idle, busy, offlineHealthy := countStates(runners)

	var expected int
	if s.processes != nil {
		expected, err = s.reconcileReactive(ctx, idle+busy)
	} else {
		expected, err = s.reconcileBase(ctx, len(runners))
	}
	if err != nil {
		return s.wrap(err)
	}

	event := record.Reconciliation{
		Flavor:         s.flavor,
		IdleRunners:    idle,
		BusyRunners:    busy,
		OfflineHealthy: offlineHealthy,
		Expected:       expected,
		Duration:       time.Since(start).Seconds(),
	}
	if err := s.recorder.Record(event); err != nil {
		s.log.Error(err, "recording reconciliation event")
	}
	return nil
}

// reconcileBase converges the fleet on BaseQuantity.
func (s *Scaler) reconcileBase(ctx context.Context, current int) (int, error) {
	diff := s.baseQuantity - current
	switch {
	case diff > 0:
		s.log.Info("creating runners", "count", diff)
		if _, err := s.manager.CreateRunners(ctx, diff, params.RunnerMetadata{}, false); err != nil {
			return 0, err
		}
	case diff < 0:
		s.log.Info("deleting surplus runners", "count", -diff)
		if _, err := s.manager.DeleteRunners(ctx, -diff); err != nil {
			return 0, err
		}
	}
	return s.baseQuantity, nil
}

// reconcileReactive sizes the consumer process pool to the headroom left
// under MaxQuantity. When the pool would shrink, surplus online runners are
// deleted first and no consumers are kept running this tick.
func (s *Scaler) reconcileReactive(ctx context.Context, online int) (int, error) {
	target := s.maxQuantity - online
	if target < 0 {
		target = 0
	}

	if target < s.processes.Running() {
		surplus := online - s.maxQuantity
		if surplus > 0 {
			s.log.Info("deleting surplus runners", "count", surplus)
			if _, err := s.manager.DeleteRunners(ctx, surplus); err != nil {
				return 0, err
			}
		}
		target = 0
	}
	s.processes.SetTarget(target)
	return s.maxQuantity, nil
}

// wrap turns cloud failures into ReconcileErrors; everything else passes
// through.
func (s *Scaler) wrap(err error) error {
	if rmerrors.IsCloud(err) {
		return &rmerrors.ReconcileError{Err: err}
	}
	return err
}

func countStates(runners []params.RunnerInstance) (idle, busy, offlineHealthy int) {
	for _, runner := range runners {
		switch runner.PlatformState {
		case params.PlatformStateIdle:
			idle++
		case params.PlatformStateBusy:
			busy++
		case params.PlatformStateOffline:
			if runner.Health != nil && runner.Health.RunnerInPlatform && !runner.Health.Deletable {
				offlineHealthy++
			}
		}
	}
	return idle, busy, offlineHealthy
}
