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

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	. "github.com/onsi/gomega"

	"github.com/openstack-ci/runner-manager/pkg/config"
	"github.com/openstack-ci/runner-manager/pkg/metrics"
	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/record"
	"github.com/openstack-ci/runner-manager/pkg/ssh"
)

// fakeCloud keeps its VM set in memory.
type fakeCloud struct {
	vms map[string]params.VM

	launchErr    error
	launched     []string
	deleted      []string
	cleanupCalls int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{vms: map[string]params.VM{}}
}

func (f *fakeCloud) LaunchInstance(_ context.Context, identity params.RunnerIdentity, cfg params.VMConfig, _ string, _ []int) (params.VM, error) {
	if f.launchErr != nil {
		return params.VM{}, f.launchErr
	}
	vm := params.VM{
		ID:        identity.ID,
		Metadata:  identity.Metadata,
		Config:    cfg,
		State:     params.VMStateActive,
		Addresses: []string{"10.0.0.5"},
		CreatedAt: time.Now(),
	}
	f.vms[identity.ID.Name()] = vm
	f.launched = append(f.launched, identity.ID.Name())
	return vm, nil
}

func (f *fakeCloud) GetInstances(context.Context) ([]params.VM, error) {
	var vms []params.VM
	for _, vm := range f.vms {
		vms = append(vms, vm)
	}
	return vms, nil
}

func (f *fakeCloud) DeleteInstances(_ context.Context, ids []params.InstanceID, _ bool, _ time.Duration) ([]params.InstanceID, error) {
	var deleted []params.InstanceID
	for _, id := range ids {
		if _, ok := f.vms[id.Name()]; !ok {
			continue
		}
		delete(f.vms, id.Name())
		f.deleted = append(f.deleted, id.Name())
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (f *fakeCloud) GetSSHConnection(context.Context, params.VM) (*ssh.Connection, error) {
	return nil, errors.New("no ssh in tests")
}

func (f *fakeCloud) Cleanup(context.Context) error {
	f.cleanupCalls++
	return nil
}

// fakePlatform serves canned health and records registrations/deletions.
type fakePlatform struct {
	health  map[string]params.PlatformRunnerHealth
	strays  []params.RunnerIdentity
	deleted []string

	contextErr error
	registered []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{health: map[string]params.PlatformRunnerHealth{}}
}

func (f *fakePlatform) Name() string                    { return "fake" }
func (f *fakePlatform) MatchesJobURL(string) bool       { return false }

func (f *fakePlatform) GetRunnerContext(_ context.Context, _ params.RunnerMetadata, id params.InstanceID, _ []string) (params.RunnerContext, params.RunnerInstance, error) {
	if f.contextErr != nil {
		return params.RunnerContext{}, params.RunnerInstance{}, f.contextErr
	}
	f.registered = append(f.registered, id.Name())
	metadata := params.RunnerMetadata{PlatformName: "fake", RunnerID: "p-" + id.Suffix}
	return params.RunnerContext{Script: "#!/bin/bash\n./run.sh\n"},
		params.RunnerInstance{Name: id.Name(), ID: id, Metadata: metadata}, nil
}

func (f *fakePlatform) GetRunnerHealth(_ context.Context, identity params.RunnerIdentity) (params.PlatformRunnerHealth, error) {
	if health, ok := f.health[identity.ID.Name()]; ok {
		return health, nil
	}
	return params.PlatformRunnerHealth{Identity: identity, Deletable: true}, nil
}

func (f *fakePlatform) GetRunnersHealth(_ context.Context, identities []params.RunnerIdentity) (params.RunnersHealthResponse, error) {
	response := params.RunnersHealthResponse{NonRequested: f.strays}
	for _, identity := range identities {
		health, _ := f.GetRunnerHealth(context.Background(), identity)
		response.Requested = append(response.Requested, health)
	}
	return response, nil
}

func (f *fakePlatform) DeleteRunner(_ context.Context, identity params.RunnerIdentity) error {
	f.deleted = append(f.deleted, identity.ID.Name())
	return nil
}

func (f *fakePlatform) CheckJobBeenPickedUp(context.Context, params.RunnerMetadata, string) (bool, error) {
	return false, nil
}

func (f *fakePlatform) GetJobInfo(context.Context, params.RunnerMetadata, string, string, params.InstanceID) (params.JobInfo, error) {
	return params.JobInfo{}, nil
}

type fixture struct {
	manager  *Manager
	cloud    *fakeCloud
	platform *fakePlatform
	storage  *metrics.Storage
	recorder *record.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage, err := metrics.NewStorage(afero.NewMemMapFs(), "/metrics", "/quarantine")
	if err != nil {
		t.Fatal(err)
	}
	cloud := newFakeCloud()
	platform := newFakePlatform()
	recorder := &record.Fake{}
	mgr := New(Options{
		Log:             logr.Discard(),
		Prefix:          "pool",
		Platform:        platform,
		Cloud:           cloud,
		Storage:         storage,
		Recorder:        recorder,
		VMConfig:        params.VMConfig{Image: "noble", Flavor: "small"},
		Labels:          []string{"small", "self-hosted"},
		DefaultPlatform: "fake",
	})
	return &fixture{manager: mgr, cloud: cloud, platform: platform, storage: storage, recorder: recorder}
}

// addVM seeds a running VM plus its health and metric storage.
func (f *fixture) addVM(t *testing.T, name string, state params.VMState, createdAt time.Time, health *params.PlatformRunnerHealth) params.VM {
	t.Helper()
	id, err := params.ParseInstanceID("pool", name)
	if err != nil {
		t.Fatal(err)
	}
	metadata := params.RunnerMetadata{PlatformName: "fake", RunnerID: "p-" + id.Suffix}
	vm := params.VM{
		ID:        id,
		Metadata:  metadata,
		Config:    params.VMConfig{Image: "noble", Flavor: "small"},
		State:     state,
		CreatedAt: createdAt,
	}
	f.cloud.vms[name] = vm
	if health != nil {
		health.Identity = params.RunnerIdentity{ID: id, Metadata: metadata}
		f.platform.health[name] = *health
	}
	if err := f.storage.Create(id); err != nil {
		t.Fatal(err)
	}
	return vm
}

func TestCreateRunners(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	created, err := f.manager.CreateRunners(context.Background(), 3, params.RunnerMetadata{}, true)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(created).To(HaveLen(3))
	g.Expect(f.cloud.launched).To(HaveLen(3))
	g.Expect(f.platform.registered).To(HaveLen(3))

	for _, id := range created {
		g.Expect(id.Prefix).To(Equal("pool"))
		g.Expect(id.Reactive).To(Equal(params.ReactiveYes))
		exists, err := f.storage.Exists(id)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(exists).To(BeTrue())
	}
	g.Expect(f.recorder.Kinds()).To(Equal([]string{"runner_installed", "runner_installed", "runner_installed"}))
}

func TestCreateRunnersPlatformFailureRollsBack(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.platform.contextErr = errors.New("registration down")

	created, err := f.manager.CreateRunners(context.Background(), 2, params.RunnerMetadata{}, false)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(created).To(BeEmpty())
	g.Expect(f.cloud.launched).To(BeEmpty())

	// Metric storage was rolled back.
	names, err := f.storage.List()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(names).To(BeEmpty())
}

func TestCreateRunnersLaunchFailureDeregisters(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)
	f.cloud.launchErr = errors.New("quota exceeded")

	created, err := f.manager.CreateRunners(context.Background(), 1, params.RunnerMetadata{}, false)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(created).To(BeEmpty())
	g.Expect(f.platform.deleted).To(HaveLen(1))

	names, err := f.storage.List()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(names).To(BeEmpty())
}

func TestGetRunnersJoinsHealth(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	f.addVM(t, "pool-r-aaa111", params.VMStateActive, time.Now(), &params.PlatformRunnerHealth{Online: true, Busy: true, RunnerInPlatform: true})
	f.addVM(t, "pool-r-bbb222", params.VMStateActive, time.Now(), &params.PlatformRunnerHealth{Online: true, RunnerInPlatform: true})

	runners, err := f.manager.GetRunners(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(runners).To(HaveLen(2))

	byName := map[string]params.RunnerInstance{}
	for _, runner := range runners {
		byName[runner.Name] = runner
	}
	g.Expect(byName["pool-r-aaa111"].PlatformState).To(Equal(params.PlatformStateBusy))
	g.Expect(byName["pool-r-bbb222"].PlatformState).To(Equal(params.PlatformStateIdle))
}

func TestCleanupRunners(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	now := time.Now()
	f.addVM(t, "pool-n-error0", params.VMStateError, now, nil)
	f.addVM(t, "pool-n-gone00", params.VMStateActive, now.Add(-2*time.Hour), &params.PlatformRunnerHealth{Deletable: true, RunnerInPlatform: false})
	f.addVM(t, "pool-n-stuck0", params.VMStateInitializing, now.Add(-2*time.Hour), nil)
	f.addVM(t, "pool-n-young0", params.VMStateInitializing, now.Add(-time.Minute), nil)
	f.addVM(t, "pool-n-alive0", params.VMStateActive, now, &params.PlatformRunnerHealth{Online: true, RunnerInPlatform: true})

	stats, err := f.manager.CleanupRunners(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Deleted).To(Equal(3))
	g.Expect(f.cloud.deleted).To(ConsistOf("pool-n-error0", "pool-n-gone00", "pool-n-stuck0"))
	g.Expect(f.cloud.vms).To(HaveKey("pool-n-alive0"))
	g.Expect(f.cloud.vms).To(HaveKey("pool-n-young0"))
	g.Expect(f.cloud.cleanupCalls).To(Equal(1))

	// Second pass on the unchanged fleet deletes nothing.
	f.platform.deleted = nil
	stats, err = f.manager.CleanupRunners(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Deleted).To(BeZero())
}

func TestCleanupSparesBootingRunners(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	// A freshly launched runner reads as deletable until its agent connects.
	f.addVM(t, "pool-r-boot00", params.VMStateInitializing, time.Now().Add(-time.Minute),
		&params.PlatformRunnerHealth{Deletable: true, RunnerInPlatform: false})
	f.addVM(t, "pool-r-boot01", params.VMStateActive, time.Now().Add(-time.Minute),
		&params.PlatformRunnerHealth{Deletable: true, RunnerInPlatform: true})

	stats, err := f.manager.CleanupRunners(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Deleted).To(BeZero())
	g.Expect(f.cloud.vms).To(HaveKey("pool-r-boot00"))
	g.Expect(f.cloud.vms).To(HaveKey("pool-r-boot01"))
}

func TestCleanupDeletesFinishedRunnerSeenOnline(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	name := "pool-r-fin000"
	f.addVM(t, name, params.VMStateActive, time.Now().Add(-time.Minute),
		&params.PlatformRunnerHealth{Online: true, RunnerInPlatform: true})

	// One fleet pass observes the runner online.
	_, err := f.manager.GetRunners(context.Background())
	g.Expect(err).NotTo(HaveOccurred())

	// The job finishes and the ephemeral runner deregisters; the next
	// cleanup may delete it without waiting out the build window.
	health := f.platform.health[name]
	health.Online = false
	health.RunnerInPlatform = false
	health.Deletable = true
	f.platform.health[name] = health

	stats, err := f.manager.CleanupRunners(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Deleted).To(Equal(1))
	g.Expect(f.cloud.deleted).To(ConsistOf(name))
}

func TestCleanupRunnersDeletesStrays(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	strayID, _ := params.ParseInstanceID("pool", "pool-n-stray0")
	f.platform.strays = []params.RunnerIdentity{{
		ID:       strayID,
		Metadata: params.RunnerMetadata{PlatformName: "fake", RunnerID: "p-stray0"},
	}}

	_, err := f.manager.CleanupRunners(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(f.platform.deleted).To(ConsistOf("pool-n-stray0"))
}

func TestCleanupExtractsMetrics(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	vm := f.addVM(t, "pool-r-done00", params.VMStateShutoff, time.Now(), nil)
	g.Expect(f.storage.WriteFile(vm.ID, metrics.InstalledFile, []byte("1000"))).To(Succeed())
	g.Expect(f.storage.WriteFile(vm.ID, metrics.PreJobFile,
		[]byte(`{"timestamp": 1060, "workflow": "ci", "repository": "acme/widget", "event": "push"}`))).To(Succeed())
	g.Expect(f.storage.WriteFile(vm.ID, metrics.PostJobFile,
		[]byte(`{"timestamp": 1300, "status": "normal"}`))).To(Succeed())

	stats, err := f.manager.CleanupRunners(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Deleted).To(Equal(1))
	g.Expect(stats.MetricEvents).To(Equal(2))
	g.Expect(f.recorder.Kinds()).To(Equal([]string{"runner_start", "runner_stop"}))

	// Storage is gone after extraction.
	exists, err := f.storage.Exists(vm.ID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(exists).To(BeFalse())
}

func TestCleanupQuarantinesCorruptMetrics(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	vm := f.addVM(t, "pool-r-evil00", params.VMStateShutoff, time.Now(), nil)
	g.Expect(f.storage.WriteFile(vm.ID, metrics.PreJobFile, []byte("not json at all"))).To(Succeed())

	stats, err := f.manager.CleanupRunners(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Quarantined).To(Equal(1))
	g.Expect(stats.MetricEvents).To(BeZero())
	g.Expect(f.recorder.Events).To(BeEmpty())
}

func TestDeleteRunnersOldestIdleFirst(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	now := time.Now()
	f.addVM(t, "pool-n-old000", params.VMStateActive, now.Add(-3*time.Hour), &params.PlatformRunnerHealth{Online: true, RunnerInPlatform: true})
	f.addVM(t, "pool-n-mid000", params.VMStateActive, now.Add(-2*time.Hour), &params.PlatformRunnerHealth{Online: true, RunnerInPlatform: true})
	f.addVM(t, "pool-n-new000", params.VMStateActive, now.Add(-time.Hour), &params.PlatformRunnerHealth{Online: true, RunnerInPlatform: true})
	f.addVM(t, "pool-n-busy00", params.VMStateActive, now.Add(-4*time.Hour), &params.PlatformRunnerHealth{Online: true, Busy: true, RunnerInPlatform: true})

	stats, err := f.manager.DeleteRunners(context.Background(), 2)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Deleted).To(Equal(2))
	g.Expect(f.cloud.deleted).To(Equal([]string{"pool-n-old000", "pool-n-mid000"}))
	g.Expect(f.cloud.vms).To(HaveKey("pool-n-busy00"))
}

func TestFlushRunners(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t)

	now := time.Now()
	f.addVM(t, "pool-n-idle00", params.VMStateActive, now, &params.PlatformRunnerHealth{Online: true, RunnerInPlatform: true})
	f.addVM(t, "pool-n-busy00", params.VMStateActive, now, &params.PlatformRunnerHealth{Online: true, Busy: true, RunnerInPlatform: true})

	stats, err := f.manager.FlushRunners(context.Background(), params.FlushIdle)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Deleted).To(Equal(1))
	g.Expect(f.cloud.vms).To(HaveKey("pool-n-busy00"))

	stats, err = f.manager.FlushRunners(context.Background(), params.FlushBusy)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stats.Deleted).To(Equal(1))
	g.Expect(f.cloud.vms).To(BeEmpty())
}

func TestUserDataBuilderEnvExports(t *testing.T) {
	g := NewWithT(t)

	svc := config.ServiceConfig{
		Proxy:           &config.ProxyConfig{HTTP: "http://proxy:3128"},
		RunnerProxy:     "http://proxy:3128",
		UseAproxy:       true,
		DockerhubMirror: "https://mirror.internal",
	}
	build := NewUserDataBuilder(svc)
	out, err := build(params.RunnerContext{Script: "./run.sh --jitconfig abc\n"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(ContainSubstring("export http_proxy='http://proxy:3128'"))
	g.Expect(out).To(ContainSubstring("export USE_APROXY=true"))
	g.Expect(out).To(ContainSubstring("export RUNNER_HTTP_PROXY='http://proxy:3128'"))
	g.Expect(out).To(ContainSubstring("export DOCKERHUB_MIRROR='https://mirror.internal'"))
	g.Expect(out).To(HaveSuffix("./run.sh --jitconfig abc\n"))

	_, err = build(params.RunnerContext{})
	g.Expect(err).To(HaveOccurred())
}
