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
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
	"github.com/openstack-ci/runner-manager/pkg/ssh"
)

// probeSentinel is echoed through each candidate address; an address counts
// as reachable only when the echo comes back intact.
const probeSentinel = "hello-runner"

// sshDialTimeout bounds one connection attempt per address.
const sshDialTimeout = 10 * time.Second

// GetSSHConnection tries each address on the VM in order and returns the
// first connection whose echo probe answers. A missing key file is a
// permanent failure for this VM.
func (s *Service) GetSSHConnection(ctx context.Context, vm params.VM) (*ssh.Connection, error) {
	key, err := s.readPrivateKey(vm.ID.Name())
	if err != nil {
		return nil, err
	}
	if len(vm.Addresses) == 0 {
		return nil, &rmerrors.SSHError{Err: errors.Errorf("instance %s has no addresses", vm.ID)}
	}

	var probeErrs *multierror.Error
	for _, addr := range vm.Addresses {
		conn, err := ssh.Dial(ctx, addr, s.sshUser, key, sshDialTimeout)
		if err != nil {
			probeErrs = multierror.Append(probeErrs, err)
			continue
		}
		out, err := conn.Run(ctx, "echo "+probeSentinel)
		if err != nil || !strings.Contains(out, probeSentinel) {
			if err == nil {
				err = errors.Errorf("probe echoed %q", strings.TrimSpace(out))
			}
			probeErrs = multierror.Append(probeErrs, err)
			_ = conn.Close()
			continue
		}
		return conn, nil
	}
	return nil, &rmerrors.SSHError{Err: errors.Wrapf(probeErrs.ErrorOrNil(), "no reachable address on %s", vm.ID)}
}
