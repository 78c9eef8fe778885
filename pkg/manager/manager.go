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

// Package manager owns the runner fleet: it correlates cloud VMs with
// platform runners and exposes the bulk operations the reconcilers drive.
// Callers are expected to serialize mutating operations behind one shared
// mutex; the manager itself holds no fleet lock.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/openstack-ci/runner-manager/pkg/metrics"
	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/platform"
	"github.com/openstack-ci/runner-manager/pkg/record"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
	"github.com/openstack-ci/runner-manager/pkg/services"
	"github.com/openstack-ci/runner-manager/pkg/ssh"
)

// DefaultBuildTimeout is how long a VM may stay INITIALIZING before cleanup
// treats it as a stuck build.
const DefaultBuildTimeout = time.Hour

// Options wires a Manager together.
type Options struct {
	Log      logr.Logger
	Prefix   string
	Platform platform.Provider
	Cloud    services.CloudService
	Storage  *metrics.Storage
	Recorder record.Recorder

	// VMConfig is the image/flavor pair new runners are launched with.
	VMConfig params.VMConfig
	// Labels are attached to every runner registered with the platform.
	Labels []string
	// DefaultPlatform names the backend used when a create request carries
	// no platform name.
	DefaultPlatform string
	// UserData renders the opaque cloud-init payload from a RunnerContext.
	UserData UserDataBuilder
	// BuildTimeout overrides DefaultBuildTimeout when positive.
	BuildTimeout time.Duration
}

// Manager implements the fleet operations.
type Manager struct {
	log      logr.Logger
	prefix   string
	platform platform.Provider
	cloud    services.CloudService
	storage  *metrics.Storage
	recorder record.Recorder

	vmConfig        params.VMConfig
	labels          []string
	defaultPlatform string
	userData        UserDataBuilder
	buildTimeout    time.Duration

	strayMu sync.Mutex
	strays  []params.RunnerIdentity

	// onlineSeen remembers instances observed online at least once, so a
	// later deletable report can be read as "finished" instead of "not
	// booted yet".
	onlineMu   sync.Mutex
	onlineSeen map[string]struct{}
}

// New builds a Manager.
func New(opts Options) *Manager {
	buildTimeout := opts.BuildTimeout
	if buildTimeout <= 0 {
		buildTimeout = DefaultBuildTimeout
	}
	userData := opts.UserData
	if userData == nil {
		userData = PlainUserData
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = record.Discard
	}
	return &Manager{
		log:             opts.Log.WithName("manager"),
		prefix:          opts.Prefix,
		platform:        opts.Platform,
		cloud:           opts.Cloud,
		storage:         opts.Storage,
		recorder:        recorder,
		vmConfig:        opts.VMConfig,
		labels:          opts.Labels,
		defaultPlatform: opts.DefaultPlatform,
		userData:        userData,
		buildTimeout:    buildTimeout,
		onlineSeen:      map[string]struct{}{},
	}
}

// Prefix returns the manager's VM name prefix.
func (m *Manager) Prefix() string { return m.prefix }

// Recorder returns the event recorder the manager emits to.
func (m *Manager) Recorder() record.Recorder { return m.recorder }

// Stats aggregates the outcome of one bulk operation.
type Stats struct {
	Created      int
	Deleted      int
	MetricEvents int
	Quarantined  int
}

// Merge folds another Stats into this one.
func (s *Stats) Merge(other Stats) {
	s.Created += other.Created
	s.Deleted += other.Deleted
	s.MetricEvents += other.MetricEvents
	s.Quarantined += other.Quarantined
}

// CreateRunners allocates n fresh InstanceIDs, registers them with the
// platform and launches one VM per registration. Partial success is normal:
// the returned IDs are the launches that worked, per-runner failures are
// logged and skipped. Each success emits one RunnerInstalled event.
func (m *Manager) CreateRunners(ctx context.Context, n int, metadata params.RunnerMetadata, reactive bool) ([]params.InstanceID, error) {
	mode := params.ReactiveNo
	if reactive {
		mode = params.ReactiveYes
	}
	if metadata.PlatformName == "" {
		metadata.PlatformName = m.defaultPlatform
	}

	var created []params.InstanceID
	for range n {
		id := params.NewInstanceID(m.prefix, mode)
		log := m.log.WithValues("instance", id.Name())

		if err := m.storage.Create(id); err != nil {
			log.Error(err, "creating metric storage")
			continue
		}

		runnerCtx, instance, err := m.platform.GetRunnerContext(ctx, metadata, id, m.labels)
		if err != nil {
			log.Error(err, "registering runner with platform")
			m.dropStorage(id)
			continue
		}

		userData, err := m.userData(runnerCtx)
		if err != nil {
			log.Error(err, "rendering user data")
			m.deregister(ctx, params.RunnerIdentity{ID: id, Metadata: instance.Metadata})
			m.dropStorage(id)
			continue
		}

		identity := params.RunnerIdentity{ID: id, Metadata: instance.Metadata}
		launchStart := time.Now()
		vm, err := m.cloud.LaunchInstance(ctx, identity, m.vmConfig, userData, runnerCtx.ExtraIngressPorts)
		if err != nil {
			log.Error(err, "launching instance")
			m.deregister(ctx, identity)
			m.dropStorage(id)
			continue
		}

		if err := m.recorder.Record(record.RunnerInstalled{
			Flavor:   m.vmConfig.Flavor,
			Image:    m.vmConfig.Image,
			Duration: time.Since(launchStart).Seconds(),
		}); err != nil {
			log.Error(err, "recording installed event")
		}
		log.V(1).Info("created runner", "state", vm.State)
		created = append(created, id)
	}
	return created, nil
}

func (m *Manager) dropStorage(id params.InstanceID) {
	if err := m.storage.Delete(id); err != nil {
		m.log.Error(err, "deleting metric storage", "instance", id.Name())
	}
}

// deregister removes a platform registration that will never boot.
func (m *Manager) deregister(ctx context.Context, identity params.RunnerIdentity) {
	if err := m.platform.DeleteRunner(ctx, identity); err != nil {
		m.log.Error(err, "deleting platform runner", "instance", identity.ID.Name())
	}
}

// fleetEntry is the internal joined view of one runner.
type fleetEntry struct {
	VM     params.VM
	Health *params.PlatformRunnerHealth
}

func (e fleetEntry) platformState() params.PlatformState {
	return params.PlatformStateFromHealth(e.Health)
}

// getFleet lists the cloud's VMs and joins them with platform health by
// InstanceID. Strays reported by the platforms are remembered for the next
// cleanup pass. Only a cloud-wide failure aborts; platform trouble degrades
// individual entries to unknown health.
func (m *Manager) getFleet(ctx context.Context) ([]fleetEntry, error) {
	vms, err := m.cloud.GetInstances(ctx)
	if err != nil {
		return nil, err
	}

	var identities []params.RunnerIdentity
	for _, vm := range vms {
		if vm.Metadata.PlatformName == "" {
			continue
		}
		identities = append(identities, params.RunnerIdentity{ID: vm.ID, Metadata: vm.Metadata})
	}

	healthByName := map[string]*params.PlatformRunnerHealth{}
	response, err := m.platform.GetRunnersHealth(ctx, identities)
	if err != nil {
		m.log.Error(err, "fetching runner health, joining with unknown state")
	} else {
		for i := range response.Requested {
			health := response.Requested[i]
			healthByName[health.Identity.ID.Name()] = &response.Requested[i]
			if health.Online {
				m.markOnline(health.Identity.ID.Name())
			}
		}
		m.rememberStrays(response.NonRequested)
	}

	entries := make([]fleetEntry, 0, len(vms))
	for _, vm := range vms {
		entries = append(entries, fleetEntry{VM: vm, Health: healthByName[vm.ID.Name()]})
	}
	return entries, nil
}

func (m *Manager) rememberStrays(strays []params.RunnerIdentity) {
	m.strayMu.Lock()
	defer m.strayMu.Unlock()
	m.strays = strays
}

func (m *Manager) takeStrays() []params.RunnerIdentity {
	m.strayMu.Lock()
	defer m.strayMu.Unlock()
	strays := m.strays
	m.strays = nil
	return strays
}

func (m *Manager) markOnline(name string) {
	m.onlineMu.Lock()
	defer m.onlineMu.Unlock()
	m.onlineSeen[name] = struct{}{}
}

func (m *Manager) wasOnline(name string) bool {
	m.onlineMu.Lock()
	defer m.onlineMu.Unlock()
	_, ok := m.onlineSeen[name]
	return ok
}

func (m *Manager) forgetOnline(name string) {
	m.onlineMu.Lock()
	defer m.onlineMu.Unlock()
	delete(m.onlineSeen, name)
}

// GetRunners returns the joined fleet view.
func (m *Manager) GetRunners(ctx context.Context) ([]params.RunnerInstance, error) {
	entries, err := m.getFleet(ctx)
	if err != nil {
		return nil, err
	}
	instances := make([]params.RunnerInstance, 0, len(entries))
	for _, entry := range entries {
		instances = append(instances, params.RunnerInstance{
			Name:          entry.VM.ID.Name(),
			ID:            entry.VM.ID,
			Metadata:      entry.VM.Metadata,
			CloudState:    entry.VM.State,
			PlatformState: entry.platformState(),
			Health:        entry.Health,
		})
	}
	return instances, nil
}

// CleanupRunners deletes terminal, platform-deletable and stuck-build VMs,
// extracting their metrics first, then reclaims stray platform runners and
// orphan keypairs. Running it twice on an unchanged cloud is a no-op the
// second time.
func (m *Manager) CleanupRunners(ctx context.Context) (Stats, error) {
	entries, err := m.getFleet(ctx)
	if err != nil {
		return Stats{}, err
	}

	var doomed []fleetEntry
	for _, entry := range entries {
		switch {
		case entry.VM.State.IsTerminal():
			doomed = append(doomed, entry)
		// A deletable report inside the build window is ambiguous: a
		// JIT-registered runner reads as absent-or-offline until its agent
		// connects. Trust it only once the runner was seen online or the
		// build window has passed.
		case entry.Health != nil && entry.Health.Deletable &&
			(m.wasOnline(entry.VM.ID.Name()) || entry.VM.IsOlderThan(m.buildTimeout)):
			doomed = append(doomed, entry)
		case entry.VM.State == params.VMStateInitializing && entry.VM.IsOlderThan(m.buildTimeout):
			m.log.Info("deleting stuck build", "instance", entry.VM.ID.Name(), "age", time.Since(entry.VM.CreatedAt).String())
			doomed = append(doomed, entry)
		}
	}

	stats := m.deleteEntries(ctx, doomed)

	for _, stray := range m.takeStrays() {
		m.log.Info("deleting stray platform runner", "runner", stray.ID.Name())
		if err := m.platform.DeleteRunner(ctx, stray); err != nil {
			m.log.Error(err, "deleting stray platform runner", "runner", stray.ID.Name())
		}
	}

	if err := m.cloud.Cleanup(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

// DeleteRunners removes up to n idle runners, oldest first.
func (m *Manager) DeleteRunners(ctx context.Context, n int) (Stats, error) {
	if n <= 0 {
		return Stats{}, nil
	}
	entries, err := m.getFleet(ctx)
	if err != nil {
		return Stats{}, err
	}

	var idle []fleetEntry
	for _, entry := range entries {
		if entry.platformState() == params.PlatformStateIdle {
			idle = append(idle, entry)
		}
	}
	sortEntries(idle)
	if len(idle) > n {
		idle = idle[:n]
	}
	return m.deleteEntries(ctx, idle), nil
}

// FlushRunners removes idle runners, and busy ones too in FlushBusy mode.
func (m *Manager) FlushRunners(ctx context.Context, mode params.FlushMode) (Stats, error) {
	entries, err := m.getFleet(ctx)
	if err != nil {
		return Stats{}, err
	}

	var doomed []fleetEntry
	for _, entry := range entries {
		state := entry.platformState()
		if state == params.PlatformStateIdle || (mode == params.FlushBusy && state == params.PlatformStateBusy) {
			doomed = append(doomed, entry)
		}
	}
	sortEntries(doomed)
	return m.deleteEntries(ctx, doomed), nil
}

// sortEntries orders by (created-at ascending, name ascending) so deletion
// picks are deterministic.
func sortEntries(entries []fleetEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].VM.CreatedAt.Equal(entries[j].VM.CreatedAt) {
			return entries[i].VM.CreatedAt.Before(entries[j].VM.CreatedAt)
		}
		return entries[i].VM.ID.Name() < entries[j].VM.ID.Name()
	})
}

// deleteEntries extracts metrics from each doomed runner, deletes the VMs in
// one parallel bulk call, then tears down platform registrations and metric
// storage for the VMs that actually went away.
func (m *Manager) deleteEntries(ctx context.Context, entries []fleetEntry) Stats {
	var stats Stats
	if len(entries) == 0 {
		return stats
	}

	byName := map[string]fleetEntry{}
	ids := make([]params.InstanceID, 0, len(entries))
	for _, entry := range entries {
		byName[entry.VM.ID.Name()] = entry
		ids = append(ids, entry.VM.ID)
		stats.Merge(m.extractMetrics(ctx, entry.VM))
	}

	deleted, err := m.cloud.DeleteInstances(ctx, ids, false, services.DefaultDeleteTimeout)
	if err != nil {
		m.log.Error(err, "bulk instance deletion")
	}
	stats.Deleted = len(deleted)

	for _, id := range deleted {
		entry := byName[id.Name()]
		m.deregister(ctx, params.RunnerIdentity{ID: id, Metadata: entry.VM.Metadata})
		m.forgetOnline(id.Name())
		if exists, _ := m.storage.Exists(id); exists {
			m.dropStorage(id)
		}
	}
	return stats
}

// extractMetrics pulls the metric files off a VM, turns them into events and
// emits them. Corruption quarantines the storage and emits nothing; SSH
// trouble just skips the pull and extracts whatever already landed on disk.
func (m *Manager) extractMetrics(ctx context.Context, vm params.VM) Stats {
	var stats Stats
	id := vm.ID
	exists, err := m.storage.Exists(id)
	if err != nil || !exists {
		return stats
	}

	if vm.State == params.VMStateActive {
		if err := m.pullMetricFiles(ctx, vm); err != nil {
			if rmerrors.IsCorruptMetric(err) {
				m.quarantine(id, &stats)
				return stats
			}
			m.log.V(1).Info("skipping metric pull", "instance", id.Name(), "err", err.Error())
		}
	}

	events, err := metrics.Extract(m.storage, id, m.vmConfig.Flavor)
	if err != nil {
		if rmerrors.IsCorruptMetric(err) {
			m.quarantine(id, &stats)
			return stats
		}
		m.log.Error(err, "extracting metrics", "instance", id.Name())
		return stats
	}
	for _, event := range events {
		if err := m.recorder.Record(event); err != nil {
			m.log.Error(err, "recording metric event", "instance", id.Name())
			continue
		}
		stats.MetricEvents++
	}
	return stats
}

func (m *Manager) quarantine(id params.InstanceID, stats *Stats) {
	m.log.Info("quarantining corrupt metric storage", "instance", id.Name())
	if err := m.storage.MoveToQuarantine(id); err != nil {
		m.log.Error(err, "quarantining metric storage", "instance", id.Name())
		return
	}
	stats.Quarantined++
}

// remoteMetricsDir is where the runner image drops its metric files.
const remoteMetricsDir = "/home/ubuntu/metrics"

func (m *Manager) pullMetricFiles(ctx context.Context, vm params.VM) error {
	conn, err := m.cloud.GetSSHConnection(ctx, vm)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, name := range []string{metrics.InstalledFile, metrics.PreJobFile, metrics.PostJobFile} {
		data, err := conn.PullFile(ctx, remoteMetricsDir+"/"+name, metrics.MaxFileSize)
		if err != nil {
			if ssh.IsTooLarge(err) {
				return &rmerrors.CorruptMetricError{Instance: vm.ID.Name(), Reason: name + " exceeds the size cap"}
			}
			// Missing files are normal: a runner that never took a job has
			// no pre-job record.
			continue
		}
		if err := m.storage.WriteFile(vm.ID, name, data); err != nil {
			return err
		}
	}
	return nil
}

// ResolveVM looks a live VM up by InstanceID.
func (m *Manager) ResolveVM(ctx context.Context, id params.InstanceID) (params.VM, error) {
	vms, err := m.cloud.GetInstances(ctx)
	if err != nil {
		return params.VM{}, err
	}
	for _, vm := range vms {
		if vm.ID == id {
			return vm, nil
		}
	}
	return params.VM{}, errors.Errorf("no VM for instance %s", id.Name())
}
