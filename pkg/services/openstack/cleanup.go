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

	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/spf13/afero"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// Cleanup reclaims keypairs and key files that no live VM references.
// Nova keypairs carry no creation time, so the age gate runs on the key
// file's mtime: a keypair younger than keypairMinAge may belong to a VM
// still inside its create window and is left alone.
func (s *Service) Cleanup(ctx context.Context) error {
	vms, err := s.GetInstances(ctx)
	if err != nil {
		return err
	}
	live := map[string]bool{}
	for _, vm := range vms {
		live[vm.ID.Name()] = true
	}

	pages, err := keypairs.List(s.session.Compute, nil).AllPages(ctx)
	if err != nil {
		return rmerrors.NewCloudError("listing keypairs", err)
	}
	all, err := keypairs.ExtractKeyPairs(pages)
	if err != nil {
		return rmerrors.NewCloudError("extracting keypairs", err)
	}

	for _, keypair := range all {
		if !params.HasPrefix(s.prefix, keypair.Name) || live[keypair.Name] {
			continue
		}
		if !s.keyFileOlderThan(keypair.Name, keypairMinAge) {
			continue
		}
		s.log.V(1).Info("reclaiming orphan keypair", "keypair", keypair.Name)
		s.deleteKeyPair(ctx, keypair.Name)
	}

	s.cleanupKeyFiles(live)
	return nil
}

// keyFileOlderThan reports whether the key file for name is older than age.
// A missing key file counts as old: there is no create window to protect.
func (s *Service) keyFileOlderThan(name string, age time.Duration) bool {
	info, err := s.fs.Stat(s.keyFilePath(name))
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > age
}

// cleanupKeyFiles removes key files whose keypair and VM are both gone.
func (s *Service) cleanupKeyFiles(live map[string]bool) {
	entries, err := afero.ReadDir(s.fs, s.keysDir)
	if err != nil {
		s.log.V(1).Info("listing key files", "err", err.Error())
		return
	}
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".key")
		if !ok || !params.HasPrefix(s.prefix, name) || live[name] {
			continue
		}
		if time.Since(entry.ModTime()) <= keypairMinAge {
			continue
		}
		if err := s.fs.Remove(s.keyFilePath(name)); err != nil {
			s.log.V(1).Info("removing orphan key file", "file", entry.Name(), "err", err.Error())
		}
	}
}
