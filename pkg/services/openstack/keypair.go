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
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// keyFilePath is where the private key for an instance lives. The keypair
// name always equals the instance name.
func (s *Service) keyFilePath(name string) string {
	return filepath.Join(s.keysDir, name+".key")
}

// ensureKeyPair creates an ephemeral keypair for the instance and persists
// its private key with mode 0o400, owned by the configured system user.
func (s *Service) ensureKeyPair(ctx context.Context, name string) error {
	if err := s.fs.MkdirAll(s.keysDir, 0o700); err != nil {
		return errors.Wrap(err, "creating keys directory")
	}

	keypair, err := keypairs.Create(ctx, s.session.Compute, keypairs.CreateOpts{Name: name}).Extract()
	if err != nil {
		return rmerrors.NewCloudError("creating keypair", err)
	}

	path := s.keyFilePath(name)
	if err := afero.WriteFile(s.fs, path, []byte(keypair.PrivateKey), 0o400); err != nil {
		s.deleteKeyPair(ctx, name)
		return errors.Wrapf(err, "persisting private key for %s", name)
	}
	s.chownKeyFile(path)
	return nil
}

// deleteKeyPair removes the keypair and its key file; both are best effort
// because deletion races with cleanup are harmless.
func (s *Service) deleteKeyPair(ctx context.Context, name string) {
	if err := keypairs.Delete(ctx, s.session.Compute, name, nil).ExtractErr(); err != nil {
		s.log.V(1).Info("deleting keypair", "keypair", name, "err", err.Error())
	}
	if err := s.fs.Remove(s.keyFilePath(name)); err != nil && !os.IsNotExist(err) {
		s.log.V(1).Info("removing key file", "keypair", name, "err", err.Error())
	}
}

// readPrivateKey loads the key file for an instance. A missing file is a
// permanent SSH failure for that VM.
func (s *Service) readPrivateKey(name string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.keyFilePath(name))
	if err != nil {
		return nil, &rmerrors.SSHError{Err: errors.Wrapf(err, "no key file for %s", name)}
	}
	return data, nil
}

// chownKeyFile hands the key file to the configured owner. Only meaningful
// on a real filesystem running as root; failures are logged and ignored.
func (s *Service) chownKeyFile(path string) {
	if s.keysOwner == "" {
		return
	}
	owner, err := user.Lookup(s.keysOwner)
	if err != nil {
		s.log.V(1).Info("looking up keys owner", "owner", s.keysOwner, "err", err.Error())
		return
	}
	uid, _ := strconv.Atoi(owner.Uid)
	gid, _ := strconv.Atoi(owner.Gid)
	if err := os.Chown(path, uid, gid); err != nil {
		s.log.V(1).Info("chowning key file", "path", path, "err", err.Error())
	}
}
