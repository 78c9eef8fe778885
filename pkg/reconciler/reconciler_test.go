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

package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	. "github.com/onsi/gomega"

	"github.com/openstack-ci/runner-manager/pkg/manager"
	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/planner"
)

// fakeFleet tracks a runner count instead of real runners. When fleetMu is
// set, every call checks that the caller holds it.
type fakeFleet struct {
	mu           sync.Mutex
	count        int
	created      []int
	cleanupCalls int

	fleetMu   *sync.Mutex
	unguarded int
}

func (f *fakeFleet) checkGuard() {
	if f.fleetMu != nil && f.fleetMu.TryLock() {
		f.fleetMu.Unlock()
		f.unguarded++
	}
}

func (f *fakeFleet) GetRunners(context.Context) ([]params.RunnerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkGuard()
	return make([]params.RunnerInstance, f.count), nil
}

func (f *fakeFleet) CreateRunners(_ context.Context, n int, _ params.RunnerMetadata, _ bool) ([]params.InstanceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkGuard()
	f.count += n
	f.created = append(f.created, n)
	return make([]params.InstanceID, n), nil
}

func (f *fakeFleet) CleanupRunners(context.Context) (manager.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkGuard()
	f.cleanupCalls++
	return manager.Stats{}, nil
}

// fakePlanner replays a pressure sequence and then fails the stream.
type fakePlanner struct {
	flavor    planner.Flavor
	pressures []float64
	streamErr error
	streams   int
}

func (f *fakePlanner) GetFlavor(context.Context, string) (planner.Flavor, error) {
	return f.flavor, nil
}

func (f *fakePlanner) StreamPressure(_ context.Context, _ string, fn func(float64)) error {
	f.streams++
	for _, p := range f.pressures {
		fn(p)
	}
	if f.streamErr != nil {
		return f.streamErr
	}
	return errors.New("stream closed")
}

func newTestReconciler(fleet *fakeFleet, src *fakePlanner) *Reconciler {
	return New(Options{
		Log:             logr.Discard(),
		Manager:         fleet,
		Planner:         src,
		Mutex:           &sync.Mutex{},
		Flavor:          "small",
		FallbackRunners: 2,
	})
}

func TestDesiredTotal(t *testing.T) {
	tests := []struct {
		name     string
		pressure float64
		minimum  int
		want     int
	}{
		{name: "floor", pressure: 3.7, minimum: 0, want: 3},
		{name: "zero", pressure: 0, minimum: 0, want: 0},
		{name: "negative clamps", pressure: -1.0, minimum: 0, want: 0},
		{name: "minimum wins", pressure: 1.2, minimum: 4, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			r := newTestReconciler(&fakeFleet{}, &fakePlanner{})
			r.minimumPressure = tt.minimum
			g.Expect(r.desiredTotal(tt.pressure)).To(Equal(tt.want))
		})
	}
}

func TestApplyPressureScalesUpOnly(t *testing.T) {
	g := NewWithT(t)

	fleet := &fakeFleet{count: 1}
	r := newTestReconciler(fleet, &fakePlanner{})

	r.applyPressure(context.Background(), 3.0)
	g.Expect(fleet.count).To(Equal(3))
	g.Expect(fleet.created).To(Equal([]int{2}))

	// Pressure dropping never deletes.
	r.applyPressure(context.Background(), 0)
	g.Expect(fleet.count).To(Equal(3))
	g.Expect(fleet.created).To(Equal([]int{2}))
}

func TestCreateLoopAppliesFallbackOnStreamLoss(t *testing.T) {
	g := NewWithT(t)

	fleet := &fakeFleet{}
	src := &fakePlanner{
		flavor:    planner.Flavor{Name: "small"},
		pressures: []float64{1},
	}
	r := newTestReconciler(fleet, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.RunCreateLoop(ctx)
	}()

	// The stream delivers pressure 1 then dies; the loop tops up to the
	// fallback of 2 before backing off.
	g.Eventually(func() int {
		fleet.mu.Lock()
		defer fleet.mu.Unlock()
		return fleet.count
	}).Should(Equal(2))

	cancel()
	g.Eventually(done).Should(BeClosed())
	g.Expect(src.streams).To(BeNumerically(">=", 1))
}

func TestDeleteTickSkipsUntilFirstPressure(t *testing.T) {
	g := NewWithT(t)

	fleet := &fakeFleet{count: 5}
	r := newTestReconciler(fleet, &fakePlanner{})

	r.tick(context.Background())
	g.Expect(fleet.cleanupCalls).To(BeZero())

	r.applyPressure(context.Background(), 4.0)
	r.tick(context.Background())
	g.Expect(fleet.cleanupCalls).To(Equal(1))
}

func TestDeleteTickHoldsMutexThroughout(t *testing.T) {
	g := NewWithT(t)

	var fleetMu sync.Mutex
	fleet := &fakeFleet{count: 2, fleetMu: &fleetMu}
	r := New(Options{
		Log:             logr.Discard(),
		Manager:         fleet,
		Planner:         &fakePlanner{},
		Mutex:           &fleetMu,
		Flavor:          "small",
		FallbackRunners: 2,
	})
	r.applyPressure(context.Background(), 4.0)

	r.tick(context.Background())
	g.Expect(fleet.cleanupCalls).To(Equal(1))
	g.Expect(fleet.count).To(Equal(4))
	g.Expect(fleet.unguarded).To(BeZero())
}

func TestDeleteTickTopsUpAfterCleanup(t *testing.T) {
	g := NewWithT(t)

	fleet := &fakeFleet{count: 4}
	r := newTestReconciler(fleet, &fakePlanner{})
	r.applyPressure(context.Background(), 4.0)

	// Simulate cleanup having collected two dead runners.
	fleet.mu.Lock()
	fleet.count = 2
	fleet.mu.Unlock()

	r.tick(context.Background())
	g.Expect(fleet.count).To(Equal(4))
	g.Expect(fleet.cleanupCalls).To(Equal(1))
}
