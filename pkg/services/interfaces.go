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

// Package services defines the contracts between the runner manager and its
// infrastructure collaborators.
package services

import (
	"context"
	"time"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/ssh"
)

// DefaultDeleteTimeout bounds one bulk DeleteInstances call.
const DefaultDeleteTimeout = 10 * time.Minute

// CloudService owns VM, keypair and security-group lifecycle in one cloud
// project, plus SSH access to running VMs.
type CloudService interface {
	// LaunchInstance creates a VM named after the identity's InstanceID,
	// booted with the given user data and reachable through an ephemeral
	// keypair persisted on local disk. On success the VM is ACTIVE or
	// INITIALIZING.
	LaunchInstance(ctx context.Context, identity params.RunnerIdentity, config params.VMConfig, userData string, extraIngressPorts []int) (params.VM, error)

	// GetInstances returns all VMs whose names carry the configured prefix.
	GetInstances(ctx context.Context) ([]params.VM, error)

	// DeleteInstances deletes the given VMs in parallel and returns the IDs
	// that were actually deleted. Per-VM failures are logged, not returned.
	DeleteInstances(ctx context.Context, ids []params.InstanceID, wait bool, timeout time.Duration) ([]params.InstanceID, error)

	// GetSSHConnection returns a live SSH connection to the VM, probing its
	// addresses in order.
	GetSSHConnection(ctx context.Context, vm params.VM) (*ssh.Connection, error)

	// Cleanup reclaims orphaned keypairs and key files not referenced by
	// any live VM.
	Cleanup(ctx context.Context) error
}
