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

// Package jobmanager implements the platform provider contract against the
// job-manager REST API.
package jobmanager

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/platform"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// PlatformName is the metadata key routing calls to this backend.
const PlatformName = "jobmanager"

const requestTimeout = 30 * time.Second

// Provider talks to one job-manager endpoint.
type Provider struct {
	client *resty.Client
	log    logr.Logger

	baseURL string
	host    string
	prefix  string
}

var _ platform.Provider = &Provider{}

// NewProvider builds the backend against the given job-manager base URL.
func NewProvider(log logr.Logger, baseURL, vmPrefix string) (*Provider, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, &rmerrors.ConfigError{Field: "jobmanager url", Reason: "not a valid absolute URL"}
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(requestTimeout)

	return &Provider{
		client:  client,
		log:     log.WithName("jobmanager"),
		baseURL: baseURL,
		host:    parsed.Host,
		prefix:  vmPrefix,
	}, nil
}

func (p *Provider) Name() string { return PlatformName }

// MatchesJobURL recognizes job URLs on the job-manager's own host.
func (p *Provider) MatchesJobURL(jobURL string) bool {
	parsed, err := url.Parse(jobURL)
	if err != nil {
		return false
	}
	return parsed.Host == p.host && parsed.Path != ""
}

type registerResponse struct {
	ID     string `json:"id"`
	Token  string `json:"token"`
	Script string `json:"script"`
}

func (p *Provider) GetRunnerContext(ctx context.Context, metadata params.RunnerMetadata, id params.InstanceID, labels []string) (params.RunnerContext, params.RunnerInstance, error) {
	var registered registerResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"name": id.Name(), "labels": labels}).
		SetResult(&registered).
		Post("/v1/runners/register")
	if err != nil {
		return params.RunnerContext{}, params.RunnerInstance{}, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if err := platform.StatusToError(PlatformName, resp.StatusCode(), id.Name()); err != nil {
		return params.RunnerContext{}, params.RunnerInstance{}, err
	}

	runnerMetadata := params.RunnerMetadata{
		PlatformName: PlatformName,
		RunnerID:     registered.ID,
		URL:          p.baseURL,
	}
	instance := params.RunnerInstance{
		Name:          id.Name(),
		ID:            id,
		Metadata:      runnerMetadata,
		PlatformState: params.PlatformStateOffline, // registered but not booted yet
	}
	return params.RunnerContext{Script: registered.Script}, instance, nil
}

type healthResponse struct {
	Online    bool `json:"online"`
	Busy      bool `json:"busy"`
	Deletable bool `json:"deletable"`
	Exists    bool `json:"exists"`
}

func (p *Provider) GetRunnerHealth(ctx context.Context, identity params.RunnerIdentity) (params.PlatformRunnerHealth, error) {
	if identity.Metadata.RunnerID == "" {
		// Never registered: the platform cannot know it.
		return params.PlatformRunnerHealth{Identity: identity, Deletable: true}, nil
	}

	var health healthResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&health).
		Get("/v1/runners/" + identity.Metadata.RunnerID + "/health")
	if err != nil {
		return params.PlatformRunnerHealth{}, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if resp.StatusCode() == 404 {
		return params.PlatformRunnerHealth{Identity: identity, Deletable: true}, nil
	}
	if err := platform.StatusToError(PlatformName, resp.StatusCode(), identity.ID.Name()); err != nil {
		return params.PlatformRunnerHealth{}, err
	}
	return params.PlatformRunnerHealth{
		Identity:         identity,
		Online:           health.Online,
		Busy:             health.Busy,
		Deletable:        health.Deletable,
		RunnerInPlatform: health.Exists,
	}, nil
}

type listRunnersResponse struct {
	Runners []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"runners"`
}

// GetRunnersHealth fans out per-runner health calls and lists the platform's
// runner set once to surface strays. Per-runner failures land in
// FailedRequested instead of failing the bulk call.
func (p *Provider) GetRunnersHealth(ctx context.Context, identities []params.RunnerIdentity) (params.RunnersHealthResponse, error) {
	var response params.RunnersHealthResponse
	requested := map[string]bool{}
	for _, identity := range identities {
		requested[identity.ID.Name()] = true
		health, err := p.GetRunnerHealth(ctx, identity)
		if err != nil {
			if rmerrors.IsToken(err) {
				return params.RunnersHealthResponse{}, err
			}
			p.log.Error(err, "fetching runner health", "runner", identity.ID.Name())
			response.FailedRequested = append(response.FailedRequested, identity)
			continue
		}
		response.Requested = append(response.Requested, health)
	}

	var listed listRunnersResponse
	resp, err := p.client.R().SetContext(ctx).SetResult(&listed).Get("/v1/runners")
	if err != nil || resp.IsError() {
		// Stray detection is best effort; the requested partition stands.
		p.log.V(1).Info("listing runners for stray detection failed")
		return response, nil
	}
	for _, runner := range listed.Runners {
		if requested[runner.Name] || !params.HasPrefix(p.prefix, runner.Name) {
			continue
		}
		id, err := params.ParseInstanceID(p.prefix, runner.Name)
		if err != nil {
			continue
		}
		response.NonRequested = append(response.NonRequested, params.RunnerIdentity{
			ID: id,
			Metadata: params.RunnerMetadata{
				PlatformName: PlatformName,
				RunnerID:     runner.ID,
				URL:          p.baseURL,
			},
		})
	}
	return response, nil
}

func (p *Provider) DeleteRunner(ctx context.Context, identity params.RunnerIdentity) error {
	if identity.Metadata.RunnerID == "" {
		return nil
	}
	resp, err := p.client.R().SetContext(ctx).Delete("/v1/runners/" + identity.Metadata.RunnerID)
	if err != nil {
		return &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if resp.StatusCode() == 404 {
		return nil
	}
	return platform.StatusToError(PlatformName, resp.StatusCode(), identity.ID.Name())
}

type jobResponse struct {
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at"`
}

// jobIDFromURL extracts the trailing path segment as the job ID.
func jobIDFromURL(jobURL string) (string, error) {
	parsed, err := url.Parse(jobURL)
	if err != nil {
		return "", &rmerrors.PlatformAPIError{Platform: PlatformName, Err: errors.Wrap(err, "parsing job URL")}
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	jobID := segments[len(segments)-1]
	if jobID == "" {
		return "", &rmerrors.PlatformAPIError{Platform: PlatformName, Err: errors.Errorf("job URL %q has no job id", jobURL)}
	}
	return jobID, nil
}

func (p *Provider) CheckJobBeenPickedUp(ctx context.Context, metadata params.RunnerMetadata, jobURL string) (bool, error) {
	jobID, err := jobIDFromURL(jobURL)
	if err != nil {
		return false, err
	}

	var job jobResponse
	resp, err := p.client.R().SetContext(ctx).SetResult(&job).Get("/v1/jobs/" + jobID)
	if err != nil {
		return false, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if resp.StatusCode() == 404 {
		return false, &rmerrors.NotFoundError{Kind: "job", Name: jobURL}
	}
	if err := platform.StatusToError(PlatformName, resp.StatusCode(), jobURL); err != nil {
		return false, err
	}
	return jobPickedUp(job.Status), nil
}

// jobPickedUp: a job still PENDING or QUEUED has not been taken yet.
func jobPickedUp(status string) bool {
	switch strings.ToUpper(status) {
	case "PENDING", "QUEUED":
		return false
	default:
		return true
	}
}

func (p *Provider) GetJobInfo(ctx context.Context, metadata params.RunnerMetadata, repo, workflowRunID string, id params.InstanceID) (params.JobInfo, error) {
	var job jobResponse
	resp, err := p.client.R().SetContext(ctx).SetResult(&job).Get("/v1/jobs/" + workflowRunID)
	if err != nil {
		return params.JobInfo{}, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if resp.StatusCode() == 404 {
		return params.JobInfo{}, &rmerrors.NotFoundError{Kind: "job", Name: workflowRunID}
	}
	if err := platform.StatusToError(PlatformName, resp.StatusCode(), workflowRunID); err != nil {
		return params.JobInfo{}, err
	}
	return params.JobInfo{
		CreatedAt: job.CreatedAt,
		StartedAt: job.StartedAt,
		Status:    job.Status,
	}, nil
}
