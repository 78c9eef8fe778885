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

package platform

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// Multiplexer federates several platform backends behind the Provider
// contract, routing each call by the runner metadata's platform name.
type Multiplexer struct {
	providers map[string]Provider
	order     []string
}

var _ Provider = &Multiplexer{}

// NewMultiplexer builds a multiplexer over the given backends.
func NewMultiplexer(providers ...Provider) *Multiplexer {
	m := &Multiplexer{providers: map[string]Provider{}}
	for _, provider := range providers {
		m.providers[provider.Name()] = provider
		m.order = append(m.order, provider.Name())
	}
	return m
}

// Name implements Provider; the multiplexer itself has no platform name.
func (m *Multiplexer) Name() string { return "multiplexer" }

// MatchesJobURL reports whether any backend recognizes the URL.
func (m *Multiplexer) MatchesJobURL(jobURL string) bool {
	for _, name := range m.order {
		if m.providers[name].MatchesJobURL(jobURL) {
			return true
		}
	}
	return false
}

// MetadataForJobURL builds the RunnerMetadata selecting the backend that
// owns the job URL.
func (m *Multiplexer) MetadataForJobURL(jobURL string) (params.RunnerMetadata, error) {
	for _, name := range m.order {
		if m.providers[name].MatchesJobURL(jobURL) {
			return params.RunnerMetadata{PlatformName: name, URL: jobURL}, nil
		}
	}
	return params.RunnerMetadata{}, &rmerrors.NotFoundError{Kind: "platform", Name: jobURL}
}

func (m *Multiplexer) route(metadata params.RunnerMetadata) (Provider, error) {
	provider, ok := m.providers[metadata.PlatformName]
	if !ok {
		return nil, &rmerrors.PlatformAPIError{
			Platform: metadata.PlatformName,
			Err:      errors.Errorf("no backend registered for platform %q", metadata.PlatformName),
		}
	}
	return provider, nil
}

func (m *Multiplexer) GetRunnerContext(ctx context.Context, metadata params.RunnerMetadata, id params.InstanceID, labels []string) (params.RunnerContext, params.RunnerInstance, error) {
	provider, err := m.route(metadata)
	if err != nil {
		return params.RunnerContext{}, params.RunnerInstance{}, err
	}
	return provider.GetRunnerContext(ctx, metadata, id, labels)
}

func (m *Multiplexer) GetRunnerHealth(ctx context.Context, identity params.RunnerIdentity) (params.PlatformRunnerHealth, error) {
	provider, err := m.route(identity.Metadata)
	if err != nil {
		return params.PlatformRunnerHealth{}, err
	}
	return provider.GetRunnerHealth(ctx, identity)
}

// GetRunnersHealth splits the requested set by backend and issues one call
// per registered backend, including backends with nothing in the request:
// an idle backend may still know stray runners that must surface in
// NonRequested. Results are concatenated in registration order.
func (m *Multiplexer) GetRunnersHealth(ctx context.Context, identities []params.RunnerIdentity) (params.RunnersHealthResponse, error) {
	byBackend := map[string][]params.RunnerIdentity{}
	for _, identity := range identities {
		name := identity.Metadata.PlatformName
		if _, ok := m.providers[name]; !ok {
			return params.RunnersHealthResponse{}, &rmerrors.PlatformAPIError{
				Platform: name,
				Err:      errors.Errorf("no backend registered for platform %q", name),
			}
		}
		byBackend[name] = append(byBackend[name], identity)
	}

	var merged params.RunnersHealthResponse
	for _, name := range m.order {
		response, err := m.providers[name].GetRunnersHealth(ctx, byBackend[name])
		if err != nil {
			return params.RunnersHealthResponse{}, err
		}
		merged.Requested = append(merged.Requested, response.Requested...)
		merged.FailedRequested = append(merged.FailedRequested, response.FailedRequested...)
		merged.NonRequested = append(merged.NonRequested, response.NonRequested...)
	}
	return merged, nil
}

func (m *Multiplexer) DeleteRunner(ctx context.Context, identity params.RunnerIdentity) error {
	provider, err := m.route(identity.Metadata)
	if err != nil {
		return err
	}
	return provider.DeleteRunner(ctx, identity)
}

func (m *Multiplexer) CheckJobBeenPickedUp(ctx context.Context, metadata params.RunnerMetadata, jobURL string) (bool, error) {
	provider, err := m.route(metadata)
	if err != nil {
		return false, err
	}
	return provider.CheckJobBeenPickedUp(ctx, metadata, jobURL)
}

func (m *Multiplexer) GetJobInfo(ctx context.Context, metadata params.RunnerMetadata, repo, workflowRunID string, id params.InstanceID) (params.JobInfo, error) {
	provider, err := m.route(metadata)
	if err != nil {
		return params.JobInfo{}, err
	}
	return provider.GetJobInfo(ctx, metadata, repo, workflowRunID, id)
}
