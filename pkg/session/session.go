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

// Package session caches authenticated OpenStack sessions keyed by
// (auth URL, username, project) so repeated reconcile ticks reuse one token
// instead of hitting keystone every time.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	gophercloud "github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	osutils "github.com/gophercloud/gophercloud/v2/openstack/utils"
	"github.com/pkg/errors"

	"github.com/openstack-ci/runner-manager/pkg/config"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// MaxComputeMicroversion is the newest compute API microversion this code
// has been tested against. Clouds advertising more are pinned to it.
const MaxComputeMicroversion = "2.79"

// authAttempts is how often keystone auth is retried before giving up.
const authAttempts = 3

var sessionCache = map[string]*Session{}
var sessionMU sync.Mutex

// Session bundles the per-project service clients.
type Session struct {
	Compute *gophercloud.ServiceClient
	Network *gophercloud.ServiceClient
	Image   *gophercloud.ServiceClient
}

// GetOrCreate gets a cached session or authenticates a new one if none
// exists for the credential set. Token renewal is handled by the SDK's
// reauth support, so a cached session stays valid across token expiry.
func GetOrCreate(ctx context.Context, creds config.OpenStackCredentials) (*Session, error) {
	logger := logr.FromContextOrDiscard(ctx).WithName("session")
	sessionMU.Lock()
	defer sessionMU.Unlock()

	sessionKey := creds.AuthURL + creds.Username + creds.ProjectName
	if cached, ok := sessionCache[sessionKey]; ok {
		logger.V(2).Info("found cached OpenStack session", "authURL", creds.AuthURL, "project", creds.ProjectName)
		return cached, nil
	}

	opts := gophercloud.AuthOptions{
		IdentityEndpoint: creds.AuthURL,
		Username:         creds.Username,
		Password:         creds.Password,
		DomainName:       creds.UserDomainName,
		AllowReauth:      true,
		Scope: &gophercloud.AuthScope{
			ProjectName: creds.ProjectName,
			DomainName:  creds.ProjectDomainName,
		},
	}

	// Keystone hiccups are common during control-plane restarts; retry a
	// couple of times before declaring the cloud unreachable.
	var provider *gophercloud.ProviderClient
	authenticate := func() error {
		var err error
		provider, err = openstack.AuthenticatedClient(ctx, opts)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), authAttempts-1), ctx)
	if err := backoff.Retry(authenticate, policy); err != nil {
		return nil, rmerrors.NewCloudError("keystone auth", err)
	}

	endpointOpts := gophercloud.EndpointOpts{Region: creds.RegionName}
	compute, err := openstack.NewComputeV2(provider, endpointOpts)
	if err != nil {
		return nil, rmerrors.NewCloudError("building compute client", err)
	}
	network, err := openstack.NewNetworkV2(provider, endpointOpts)
	if err != nil {
		return nil, rmerrors.NewCloudError("building network client", err)
	}
	image, err := openstack.NewImageV2(provider, endpointOpts)
	if err != nil {
		return nil, rmerrors.NewCloudError("building image client", err)
	}

	microversion, err := negotiateComputeVersion(ctx, compute)
	if err != nil {
		return nil, err
	}
	compute.Microversion = microversion
	logger.V(1).Info("negotiated compute microversion", "microversion", microversion)

	session := &Session{Compute: compute, Network: network, Image: image}
	sessionCache[sessionKey] = session

	logger.V(2).Info("cached OpenStack session", "authURL", creds.AuthURL, "project", creds.ProjectName)
	return session, nil
}

// ClearCache drops every cached session; the next GetOrCreate
// re-authenticates. Used after credential rotation.
func ClearCache() {
	sessionMU.Lock()
	defer sessionMU.Unlock()
	sessionCache = map[string]*Session{}
}

func negotiateComputeVersion(ctx context.Context, compute *gophercloud.ServiceClient) (string, error) {
	supported, err := osutils.GetSupportedMicroversions(ctx, compute)
	if err != nil {
		return "", rmerrors.NewCloudError("reading compute API versions", err)
	}
	return chooseMicroversion(fmt.Sprintf("%d.%d", supported.MaxMajor, supported.MaxMinor))
}

// chooseMicroversion picks min(advertised max, tested ceiling), comparing by
// numeric major.minor value: 2.100 is newer than 2.79 even though it sorts
// lower lexicographically.
func chooseMicroversion(advertisedMax string) (string, error) {
	advertised, err := parseMicroversion(advertisedMax)
	if err != nil {
		return "", err
	}
	ceiling, err := parseMicroversion(MaxComputeMicroversion)
	if err != nil {
		return "", err
	}
	if advertised.GT(ceiling) {
		return MaxComputeMicroversion, nil
	}
	return advertisedMax, nil
}

func parseMicroversion(version string) (semver.Version, error) {
	parts := strings.SplitN(version, ".", 2)
	if len(parts) != 2 {
		return semver.Version{}, errors.Errorf("malformed microversion %q", version)
	}
	major, majErr := strconv.ParseUint(parts[0], 10, 64)
	minor, minErr := strconv.ParseUint(parts[1], 10, 64)
	if majErr != nil || minErr != nil {
		return semver.Version{}, errors.Errorf("malformed microversion %q", version)
	}
	return semver.Version{Major: major, Minor: minor}, nil
}
