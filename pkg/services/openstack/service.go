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

// Package openstack implements the CloudService contract against the
// OpenStack compute and network v2 APIs.
package openstack

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/openstack-ci/runner-manager/pkg/config"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
	"github.com/openstack-ci/runner-manager/pkg/services"
	"github.com/openstack-ci/runner-manager/pkg/session"
)

const (
	// maxDeleteWorkers caps concurrent server deletions.
	maxDeleteWorkers = 30

	// createTimeout bounds the wait for a server to leave BUILD.
	createTimeout = 10 * time.Minute

	// createPollInterval is the poll period while waiting on a server.
	createPollInterval = 5 * time.Second

	// keypairMinAge guards Cleanup against deleting a keypair whose VM is
	// still inside the create window.
	keypairMinAge = time.Hour
)

// Metadata keys persisted on each server so GetInstances can reconstruct the
// RunnerMetadata recorded at creation time.
const (
	metaPlatformName = "platform-name"
	metaRunnerID     = "runner-id"
	metaRunnerURL    = "runner-url"
)

// Service implements services.CloudService for one OpenStack project.
type Service struct {
	session *session.Session
	log     logr.Logger

	prefix    string
	network   string
	keysDir   string
	keysOwner string
	sshUser   string

	fs afero.Fs
}

var _ services.CloudService = &Service{}

// NewService builds a Service on an authenticated session.
func NewService(sess *session.Session, log logr.Logger, osCfg config.OpenStackConfig, storage config.StorageConfig, fs afero.Fs) *Service {
	return &Service{
		session:   sess,
		log:       log.WithName("openstack"),
		prefix:    osCfg.VMPrefix,
		network:   osCfg.Network,
		keysDir:   storage.KeysDir,
		keysOwner: storage.KeysOwner,
		sshUser:   "ubuntu",
		fs:        fs,
	}
}

// Prefix returns the VM name prefix this service is scoped to.
func (s *Service) Prefix() string {
	return s.prefix
}

func (s *Service) resolveImageID(ctx context.Context, name string) (string, error) {
	pages, err := images.List(s.session.Image, images.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return "", rmerrors.NewCloudError("listing images", err)
	}
	all, err := images.ExtractImages(pages)
	if err != nil {
		return "", rmerrors.NewCloudError("extracting images", err)
	}
	if len(all) == 0 {
		return "", rmerrors.NewCloudError("resolving image", errors.Errorf("no image named %q", name))
	}
	return all[0].ID, nil
}

func (s *Service) resolveFlavorID(ctx context.Context, name string) (string, error) {
	pages, err := flavors.ListDetail(s.session.Compute, nil).AllPages(ctx)
	if err != nil {
		return "", rmerrors.NewCloudError("listing flavors", err)
	}
	all, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return "", rmerrors.NewCloudError("extracting flavors", err)
	}
	for _, flavor := range all {
		if flavor.Name == name {
			return flavor.ID, nil
		}
	}
	return "", rmerrors.NewCloudError("resolving flavor", errors.Errorf("no flavor named %q", name))
}

func (s *Service) resolveNetworkID(ctx context.Context, name string) (string, error) {
	pages, err := networks.List(s.session.Network, networks.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return "", rmerrors.NewCloudError("listing networks", err)
	}
	all, err := networks.ExtractNetworks(pages)
	if err != nil {
		return "", rmerrors.NewCloudError("extracting networks", err)
	}
	if len(all) == 0 {
		return "", rmerrors.NewCloudError("resolving network", errors.Errorf("no network named %q", name))
	}
	return all[0].ID, nil
}
