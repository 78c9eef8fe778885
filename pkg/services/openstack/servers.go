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

package openstack

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
	"github.com/openstack-ci/runner-manager/pkg/services"
)

// LaunchInstance creates a server named after the identity's InstanceID.
// Preconditions: no VM with the same InstanceID exists. On a wait timeout
// the half-created server is deleted before the failure is returned; on any
// SDK error after keypair creation the keypair and key file are removed.
func (s *Service) LaunchInstance(ctx context.Context, identity params.RunnerIdentity, config params.VMConfig, userData string, extraIngressPorts []int) (params.VM, error) {
	name := identity.ID.Name()
	log := s.log.WithValues("instance", name)

	imageID, err := s.resolveImageID(ctx, config.Image)
	if err != nil {
		return params.VM{}, err
	}
	flavorID, err := s.resolveFlavorID(ctx, config.Flavor)
	if err != nil {
		return params.VM{}, err
	}
	networkID, err := s.resolveNetworkID(ctx, s.network)
	if err != nil {
		return params.VM{}, err
	}

	groupName, err := s.EnsureSecurityGroup(ctx, extraIngressPorts)
	if err != nil {
		return params.VM{}, err
	}

	if err := s.ensureKeyPair(ctx, name); err != nil {
		return params.VM{}, err
	}

	createOpts := servers.CreateOpts{
		Name:      name,
		ImageRef:  imageID,
		FlavorRef: flavorID,
		UserData:  []byte(userData),
		Networks:  []servers.Network{{UUID: networkID}},
		Metadata: map[string]string{
			metaPlatformName: identity.Metadata.PlatformName,
			metaRunnerID:     identity.Metadata.RunnerID,
			metaRunnerURL:    identity.Metadata.URL,
		},
		SecurityGroups: []string{groupName},
	}
	withKey := keypairs.CreateOptsExt{
		CreateOptsBuilder: createOpts,
		KeyName:           name,
	}

	server, err := servers.Create(ctx, s.session.Compute, withKey, nil).Extract()
	if err != nil {
		s.deleteKeyPair(ctx, name)
		return params.VM{}, rmerrors.NewCloudError("creating server", err)
	}

	vm, err := s.waitForServer(ctx, server.ID)
	if err != nil {
		// A server stuck in BUILD or fallen into ERROR never becomes a
		// runner; tear it down so the InstanceID is not half-occupied.
		log.Error(err, "server did not come up, deleting it")
		if delErr := servers.Delete(ctx, s.session.Compute, server.ID).ExtractErr(); delErr != nil {
			log.Error(delErr, "deleting failed server")
		}
		s.deleteKeyPair(ctx, name)
		return params.VM{}, err
	}

	log.V(1).Info("launched instance", "state", vm.State)
	return vm, nil
}

// waitForServer polls until the server reaches ACTIVE, returning early with
// an error on ERROR state or timeout.
func (s *Service) waitForServer(ctx context.Context, serverID string) (params.VM, error) {
	deadline := time.Now().Add(createTimeout)
	for {
		server, err := servers.Get(ctx, s.session.Compute, serverID).Extract()
		if err != nil {
			return params.VM{}, rmerrors.NewCloudError("polling server", err)
		}
		vm, err := s.vmFromServer(*server)
		if err != nil {
			return params.VM{}, err
		}
		switch vm.State {
		case params.VMStateActive:
			return vm, nil
		case params.VMStateError:
			return params.VM{}, rmerrors.NewCloudError("creating server", errors.Errorf("server %s fell into ERROR", serverID))
		}
		if time.Now().After(deadline) {
			return params.VM{}, rmerrors.NewCloudError("creating server", errors.Errorf("timed out waiting for server %s", serverID))
		}
		select {
		case <-ctx.Done():
			return params.VM{}, rmerrors.NewCloudError("creating server", ctx.Err())
		case <-time.After(createPollInterval):
		}
	}
}

// Nova treats the ListOpts name filter as a regular expression, so literal
// names have to be quoted before anchoring.
func prefixPattern(prefix string) string {
	return "^" + regexp.QuoteMeta(prefix) + "-"
}

func exactPattern(name string) string {
	return "^" + regexp.QuoteMeta(name) + "$"
}

// GetInstances returns the VMs whose names carry the configured prefix.
// Duplicate names are a cloud inconsistency: the most recently created
// server wins and the losers get a best-effort delete request.
func (s *Service) GetInstances(ctx context.Context) ([]params.VM, error) {
	pages, err := servers.List(s.session.Compute, servers.ListOpts{Name: prefixPattern(s.prefix)}).AllPages(ctx)
	if err != nil {
		return nil, rmerrors.NewCloudError("listing servers", err)
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, rmerrors.NewCloudError("extracting servers", err)
	}

	var vms []params.VM
	for _, server := range all {
		if !params.HasPrefix(s.prefix, server.Name) {
			continue
		}
		vm, err := s.vmFromServer(server)
		if err != nil {
			s.log.Error(err, "skipping unparsable server", "server", server.Name)
			continue
		}
		vms = append(vms, vm)
	}

	winners, losers := resolveDuplicates(vms, all)
	for _, loserUUID := range losers {
		// Best effort: a failure here is retried by the next cleanup tick.
		if err := servers.Delete(ctx, s.session.Compute, loserUUID).ExtractErr(); err != nil {
			s.log.Error(err, "requesting deletion of duplicate server", "uuid", loserUUID)
		}
	}
	return winners, nil
}

// resolveDuplicates keeps the most recently created VM per name and returns
// the server UUIDs of the older duplicates.
func resolveDuplicates(vms []params.VM, raw []servers.Server) ([]params.VM, []string) {
	newest := map[string]params.VM{}
	for _, vm := range vms {
		current, seen := newest[vm.ID.Name()]
		if !seen || vm.CreatedAt.After(current.CreatedAt) {
			newest[vm.ID.Name()] = vm
		}
	}

	var winners []params.VM
	seen := map[string]bool{}
	for _, vm := range vms {
		name := vm.ID.Name()
		if !seen[name] {
			winners = append(winners, newest[name])
			seen[name] = true
		}
	}

	var losers []string
	for _, server := range raw {
		winner, ok := newest[server.Name]
		if !ok {
			continue
		}
		if !server.Created.Equal(winner.CreatedAt) {
			losers = append(losers, server.ID)
		}
	}
	return winners, losers
}

// DeleteInstances deletes the given VMs with a bounded worker pool. Per-VM
// failures are logged and excluded from the returned list; the call never
// fails as a whole. Stragglers past the pool timeout are abandoned.
func (s *Service) DeleteInstances(ctx context.Context, ids []params.InstanceID, wait bool, timeout time.Duration) ([]params.InstanceID, error) {
	if timeout <= 0 {
		timeout = services.DefaultDeleteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		deleted []params.InstanceID
	)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxDeleteWorkers)

	for _, id := range ids {
		group.Go(func() error {
			if err := s.deleteInstance(ctx, id, wait); err != nil {
				s.log.Error(err, "deleting instance", "instance", id.Name())
				return nil // per-VM failures never abort the pool
			}
			mu.Lock()
			deleted = append(deleted, id)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return deleted, nil
}

func (s *Service) deleteInstance(ctx context.Context, id params.InstanceID, wait bool) error {
	name := id.Name()
	serverID, err := s.findServerID(ctx, name)
	if err != nil {
		return err
	}
	if serverID != "" {
		if err := servers.Delete(ctx, s.session.Compute, serverID).ExtractErr(); err != nil {
			return rmerrors.NewCloudError("deleting server", err)
		}
		if wait {
			if err := s.waitForGone(ctx, serverID); err != nil {
				return err
			}
		}
	}
	s.deleteKeyPair(ctx, name)
	return nil
}

func (s *Service) findServerID(ctx context.Context, name string) (string, error) {
	pages, err := servers.List(s.session.Compute, servers.ListOpts{Name: exactPattern(name)}).AllPages(ctx)
	if err != nil {
		return "", rmerrors.NewCloudError("listing servers", err)
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return "", rmerrors.NewCloudError("extracting servers", err)
	}
	for _, server := range all {
		if server.Name == name {
			return server.ID, nil
		}
	}
	return "", nil
}

func (s *Service) waitForGone(ctx context.Context, serverID string) error {
	for {
		_, err := servers.Get(ctx, s.session.Compute, serverID).Extract()
		if err != nil {
			// Any lookup failure after a delete request is treated as gone;
			// a still-live server resurfaces in the next GetInstances.
			return nil
		}
		select {
		case <-ctx.Done():
			return rmerrors.NewCloudError("waiting for server deletion", ctx.Err())
		case <-time.After(createPollInterval):
		}
	}
}

func (s *Service) vmFromServer(server servers.Server) (params.VM, error) {
	id, err := params.ParseInstanceID(s.prefix, server.Name)
	if err != nil {
		return params.VM{}, err
	}
	return params.VM{
		ID: id,
		Metadata: params.RunnerMetadata{
			PlatformName: server.Metadata[metaPlatformName],
			RunnerID:     server.Metadata[metaRunnerID],
			URL:          server.Metadata[metaRunnerURL],
		},
		State:     params.VMStateFromStatus(server.Status),
		Addresses: extractAddresses(server.Addresses),
		CreatedAt: server.Created,
	}, nil
}

// extractAddresses flattens the Nova addresses document into a plain list,
// fixed-network addresses first.
func extractAddresses(raw map[string]any) []string {
	var addrs []string
	for _, entries := range raw {
		list, ok := entries.([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			fields, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if addr, ok := fields["addr"].(string); ok && addr != "" {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}
