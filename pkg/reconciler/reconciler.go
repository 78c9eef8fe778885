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

// Package reconciler drives the fleet from the planner's pressure signal.
// Two loops share one mutex: a stream-driven create loop that reacts to
// pressure updates, and a timer-driven loop that cleans up dead runners and
// tops the fleet back up. The timer loop never deletes healthy runners;
// scale-down happens as cleanup collects finished and stuck ones.
package reconciler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/openstack-ci/runner-manager/pkg/manager"
	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/planner"
)

// streamRetryDelay is the pause before reconnecting a failed pressure stream.
const streamRetryDelay = 5 * time.Second

// FleetManager is the slice of the runner manager the reconciler drives.
type FleetManager interface {
	GetRunners(ctx context.Context) ([]params.RunnerInstance, error)
	CreateRunners(ctx context.Context, n int, metadata params.RunnerMetadata, reactive bool) ([]params.InstanceID, error)
	CleanupRunners(ctx context.Context) (manager.Stats, error)
}

// PressureSource is the slice of the planner client the reconciler consumes.
type PressureSource interface {
	GetFlavor(ctx context.Context, name string) (planner.Flavor, error)
	StreamPressure(ctx context.Context, name string, fn func(pressure float64)) error
}

// Options wires a Reconciler together.
type Options struct {
	Log     logr.Logger
	Manager FleetManager
	Planner PressureSource

	// Mutex serializes fleet mutation with other actors (admin endpoints).
	Mutex *sync.Mutex

	// Flavor is the planner flavor this reconciler tracks.
	Flavor string
	// FallbackRunners is the desired total applied while the stream is down.
	FallbackRunners int
	// Interval is the delete-loop period.
	Interval time.Duration
}

// Reconciler runs the two pressure loops.
type Reconciler struct {
	log     logr.Logger
	manager FleetManager
	planner PressureSource
	mu      *sync.Mutex

	flavor   string
	fallback int
	interval time.Duration

	// minimumPressure comes from the flavor descriptor, read once at startup.
	minimumPressure int

	pressureMu   sync.Mutex
	lastPressure float64
	pressureSeen bool
}

// New builds a Reconciler.
func New(opts Options) *Reconciler {
	mu := opts.Mutex
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Reconciler{
		log:      opts.Log.WithName("reconciler"),
		manager:  opts.Manager,
		planner:  opts.Planner,
		mu:       mu,
		flavor:   opts.Flavor,
		fallback: opts.FallbackRunners,
		interval: opts.Interval,
	}
}

// RunCreateLoop streams pressure updates and scales the fleet up to match,
// reconnecting on stream failure after applying the fallback size. Returns
// when the context ends.
func (r *Reconciler) RunCreateLoop(ctx context.Context) error {
	flavor, err := r.planner.GetFlavor(ctx, r.flavor)
	if err != nil {
		return err
	}
	r.minimumPressure = flavor.MinimumPressure

	for {
		err := r.planner.StreamPressure(ctx, r.flavor, func(pressure float64) {
			r.applyPressure(ctx, pressure)
		})
		if ctx.Err() != nil {
			return nil
		}
		r.log.Error(err, "pressure stream lost, applying fallback", "fallback", r.fallback)
		r.topUp(ctx, r.fallback)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(streamRetryDelay):
		}
	}
}

// applyPressure converts one pressure update into a scale-up decision.
func (r *Reconciler) applyPressure(ctx context.Context, pressure float64) {
	desired := r.desiredTotal(pressure)
	r.topUp(ctx, desired)

	r.pressureMu.Lock()
	r.lastPressure = pressure
	r.pressureSeen = true
	r.pressureMu.Unlock()
}

// desiredTotal is max(floor(pressure), minimum_pressure, 0).
func (r *Reconciler) desiredTotal(pressure float64) int {
	desired := int(math.Floor(pressure))
	if desired < r.minimumPressure {
		desired = r.minimumPressure
	}
	if desired < 0 {
		desired = 0
	}
	return desired
}

// topUp creates the runners missing from the desired total. It never deletes.
func (r *Reconciler) topUp(ctx context.Context, desired int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topUpLocked(ctx, desired)
}

// topUpLocked is topUp for callers already holding the shared mutex.
func (r *Reconciler) topUpLocked(ctx context.Context, desired int) {
	runners, err := r.manager.GetRunners(ctx)
	if err != nil {
		r.log.Error(err, "listing runners")
		return
	}
	missing := desired - len(runners)
	if missing <= 0 {
		return
	}
	r.log.Info("scaling up", "desired", desired, "current", len(runners))
	if _, err := r.manager.CreateRunners(ctx, missing, params.RunnerMetadata{}, false); err != nil {
		r.log.Error(err, "creating runners")
	}
}

// RunDeleteLoop periodically cleans up dead runners and tops the fleet back
// up to the last-seen pressure. Ticks before the first pressure update are
// skipped so a cold start cannot shrink a fleet it has not measured yet.
func (r *Reconciler) RunDeleteLoop(ctx context.Context) error {
	interval := r.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	r.pressureMu.Lock()
	seen := r.pressureSeen
	pressure := r.lastPressure
	r.pressureMu.Unlock()
	if !seen {
		r.log.V(1).Info("no pressure seen yet, skipping cleanup tick")
		return
	}

	// Cleanup and the follow-up top-up form one critical section: no other
	// actor may see the fleet between shrink and regrow.
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.manager.CleanupRunners(ctx); err != nil {
		r.log.Error(err, "cleaning up runners")
	}
	r.topUpLocked(ctx, r.desiredTotal(pressure))
}
