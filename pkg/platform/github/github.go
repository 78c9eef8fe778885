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

// Package github implements the platform provider contract against the
// GitHub Actions self-hosted runner API using JIT runner registration.
package github

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"

	"github.com/openstack-ci/runner-manager/pkg/config"
	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/platform"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// PlatformName is the metadata key routing calls to this backend.
const PlatformName = "github"

const (
	defaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
	requestTimeout = 30 * time.Second
	perPage        = 100
)

// Provider talks to the GitHub Actions runner API for one org+group or one
// repository.
type Provider struct {
	client *resty.Client
	log    logr.Logger

	org    string
	group  string
	repo   string
	prefix string
}

var _ platform.Provider = &Provider{}

// NewProvider builds the backend. baseURL overrides the public API endpoint
// for GitHub Enterprise installs and tests; empty means api.github.com.
func NewProvider(log logr.Logger, cfg config.GitHubConfig, vmPrefix, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(cfg.Token).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("X-GitHub-Api-Version", apiVersion).
		SetTimeout(requestTimeout)

	return &Provider{
		client: client,
		log:    log.WithName("github"),
		org:    cfg.Org,
		group:  cfg.Group,
		repo:   cfg.Repo,
		prefix: vmPrefix,
	}
}

func (p *Provider) Name() string { return PlatformName }

func (p *Provider) MatchesJobURL(jobURL string) bool { return matchesJobURL(jobURL) }

// runnersBase is the API prefix for runner operations in the configured
// namespace.
func (p *Provider) runnersBase() string {
	if p.org != "" {
		return fmt.Sprintf("/orgs/%s/actions/runners", p.org)
	}
	return fmt.Sprintf("/repos/%s/actions/runners", p.repo)
}

type apiRunner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

type jitConfigResponse struct {
	Runner           apiRunner `json:"runner"`
	EncodedJITConfig string    `json:"encoded_jit_config"`
}

// GetRunnerContext registers a JIT runner and returns the boot script that
// starts it with the one-time credentials embedded.
func (p *Provider) GetRunnerContext(ctx context.Context, metadata params.RunnerMetadata, id params.InstanceID, labels []string) (params.RunnerContext, params.RunnerInstance, error) {
	body := map[string]any{
		"name":        id.Name(),
		"labels":      labels,
		"work_folder": "_work",
	}
	if p.org != "" {
		groupID, err := p.runnerGroupID(ctx)
		if err != nil {
			return params.RunnerContext{}, params.RunnerInstance{}, err
		}
		body["runner_group_id"] = groupID
	}

	var jit jitConfigResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&jit).
		Post(p.runnersBase() + "/generate-jitconfig")
	if err != nil {
		return params.RunnerContext{}, params.RunnerInstance{}, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if err := platform.StatusToError(PlatformName, resp.StatusCode(), id.Name()); err != nil {
		return params.RunnerContext{}, params.RunnerInstance{}, err
	}

	runnerMetadata := params.RunnerMetadata{
		PlatformName: PlatformName,
		RunnerID:     strconv.FormatInt(jit.Runner.ID, 10),
	}
	instance := params.RunnerInstance{
		Name:     id.Name(),
		ID:       id,
		Metadata: runnerMetadata,
		PlatformState: params.PlatformStateFromHealth(&params.PlatformRunnerHealth{
			Online: jit.Runner.Status == "online",
			Busy:   jit.Runner.Busy,
		}),
	}
	runnerCtx := params.RunnerContext{Script: bootScript(jit.EncodedJITConfig)}
	return runnerCtx, instance, nil
}

// bootScript renders the shell script a VM runs at boot. The encoded JIT
// config is the only secret it carries.
func bootScript(encodedJITConfig string) string {
	return fmt.Sprintf(`#!/bin/bash
set -euo pipefail
cd /home/ubuntu/actions-runner
su ubuntu -c './run.sh --jitconfig %s'
`, encodedJITConfig)
}

type runnerGroupsResponse struct {
	RunnerGroups []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"runner_groups"`
}

func (p *Provider) runnerGroupID(ctx context.Context) (int64, error) {
	var groups runnerGroupsResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("per_page", strconv.Itoa(perPage)).
		SetResult(&groups).
		Get(fmt.Sprintf("/orgs/%s/actions/runner-groups", p.org))
	if err != nil {
		return 0, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if err := platform.StatusToError(PlatformName, resp.StatusCode(), p.group); err != nil {
		return 0, err
	}
	for _, group := range groups.RunnerGroups {
		if group.Name == p.group {
			return group.ID, nil
		}
	}
	return 0, &rmerrors.NotFoundError{Kind: "runner", Name: "group " + p.group}
}

type listRunnersResponse struct {
	TotalCount int         `json:"total_count"`
	Runners    []apiRunner `json:"runners"`
}

func (p *Provider) listRunners(ctx context.Context) ([]apiRunner, error) {
	var all []apiRunner
	for page := 1; ; page++ {
		var body listRunnersResponse
		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"per_page": strconv.Itoa(perPage),
				"page":     strconv.Itoa(page),
			}).
			SetResult(&body).
			Get(p.runnersBase())
		if err != nil {
			return nil, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
		}
		if err := platform.StatusToError(PlatformName, resp.StatusCode(), "runners"); err != nil {
			return nil, err
		}
		all = append(all, body.Runners...)
		if len(body.Runners) < perPage {
			return all, nil
		}
	}
}

func healthFromRunner(identity params.RunnerIdentity, runner *apiRunner) params.PlatformRunnerHealth {
	if runner == nil {
		// Never seen by the platform: safe to destroy.
		return params.PlatformRunnerHealth{Identity: identity, Deletable: true}
	}
	online := runner.Status == "online"
	return params.PlatformRunnerHealth{
		Identity:         identity,
		Online:           online,
		Busy:             runner.Busy,
		Deletable:        !online && !runner.Busy,
		RunnerInPlatform: true,
	}
}

func (p *Provider) GetRunnerHealth(ctx context.Context, identity params.RunnerIdentity) (params.PlatformRunnerHealth, error) {
	runners, err := p.listRunners(ctx)
	if err != nil {
		return params.PlatformRunnerHealth{}, err
	}
	for i := range runners {
		if runners[i].Name == identity.ID.Name() {
			return healthFromRunner(identity, &runners[i]), nil
		}
	}
	return healthFromRunner(identity, nil), nil
}

// GetRunnersHealth answers a bulk health request from a single runner
// listing. A listing failure fails the whole requested set as temporary.
// Runners the platform lists under our prefix but the caller did not ask
// about are reported as strays.
func (p *Provider) GetRunnersHealth(ctx context.Context, identities []params.RunnerIdentity) (params.RunnersHealthResponse, error) {
	runners, err := p.listRunners(ctx)
	if err != nil {
		if rmerrors.IsToken(err) {
			return params.RunnersHealthResponse{}, err
		}
		p.log.Error(err, "listing runners, marking requested set as failed")
		return params.RunnersHealthResponse{FailedRequested: identities}, nil
	}

	byName := map[string]*apiRunner{}
	for i := range runners {
		byName[runners[i].Name] = &runners[i]
	}

	requested := map[string]bool{}
	var response params.RunnersHealthResponse
	for _, identity := range identities {
		name := identity.ID.Name()
		requested[name] = true
		response.Requested = append(response.Requested, healthFromRunner(identity, byName[name]))
	}

	for _, runner := range runners {
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
				RunnerID:     strconv.FormatInt(runner.ID, 10),
			},
		})
	}
	return response, nil
}

// DeleteRunner removes the runner from GitHub. A runner GitHub no longer
// knows counts as successfully deleted.
func (p *Provider) DeleteRunner(ctx context.Context, identity params.RunnerIdentity) error {
	runnerID := identity.Metadata.RunnerID
	if runnerID == "" {
		health, err := p.GetRunnerHealth(ctx, identity)
		if err != nil {
			return err
		}
		if !health.RunnerInPlatform {
			return nil
		}
		runners, err := p.listRunners(ctx)
		if err != nil {
			return err
		}
		for _, runner := range runners {
			if runner.Name == identity.ID.Name() {
				runnerID = strconv.FormatInt(runner.ID, 10)
				break
			}
		}
	}
	if runnerID == "" {
		return nil
	}

	resp, err := p.client.R().SetContext(ctx).Delete(p.runnersBase() + "/" + runnerID)
	if err != nil {
		return &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if resp.StatusCode() == 404 {
		return nil
	}
	return platform.StatusToError(PlatformName, resp.StatusCode(), identity.ID.Name())
}

type apiJob struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	RunnerName string    `json:"runner_name"`
}

// CheckJobBeenPickedUp reports whether the job behind the URL left the
// queued state. A 404 is a NotFoundError for the job.
func (p *Provider) CheckJobBeenPickedUp(ctx context.Context, metadata params.RunnerMetadata, jobURL string) (bool, error) {
	ref, err := parseJobURL(jobURL)
	if err != nil {
		return false, err
	}

	var job apiJob
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&job).
		Get(fmt.Sprintf("/repos/%s/%s/actions/jobs/%d", ref.Owner, ref.Repo, ref.JobID))
	if err != nil {
		return false, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if resp.StatusCode() == 404 {
		return false, &rmerrors.NotFoundError{Kind: "job", Name: jobURL}
	}
	if err := platform.StatusToError(PlatformName, resp.StatusCode(), jobURL); err != nil {
		return false, err
	}
	return job.Status != "queued", nil
}

type listJobsResponse struct {
	Jobs []apiJob `json:"jobs"`
}

// GetJobInfo finds the job a given runner executed within a workflow run.
func (p *Provider) GetJobInfo(ctx context.Context, metadata params.RunnerMetadata, repo, workflowRunID string, id params.InstanceID) (params.JobInfo, error) {
	var body listJobsResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("per_page", strconv.Itoa(perPage)).
		SetResult(&body).
		Get(fmt.Sprintf("/repos/%s/actions/runs/%s/jobs", repo, workflowRunID))
	if err != nil {
		return params.JobInfo{}, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: err}
	}
	if resp.StatusCode() == 404 {
		return params.JobInfo{}, &rmerrors.NotFoundError{Kind: "job", Name: workflowRunID}
	}
	if err := platform.StatusToError(PlatformName, resp.StatusCode(), workflowRunID); err != nil {
		return params.JobInfo{}, err
	}

	for _, job := range body.Jobs {
		if job.RunnerName == id.Name() {
			return params.JobInfo{
				CreatedAt:  job.CreatedAt,
				StartedAt:  job.StartedAt,
				Status:     job.Status,
				Conclusion: job.Conclusion,
			}, nil
		}
	}
	return params.JobInfo{}, &rmerrors.NotFoundError{
		Kind: "job",
		Name: fmt.Sprintf("run %s on runner %s", workflowRunID, id.Name()),
	}
}
