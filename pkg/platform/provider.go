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

// Package platform defines the uniform contract every job platform backend
// implements, and the multiplexer that federates several backends behind it.
package platform

import (
	"context"
	"strconv"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// Provider is the capability set of one job platform backend.
type Provider interface {
	// Name is the platform name runners carry in their metadata.
	Name() string

	// MatchesJobURL reports whether a job URL belongs to this platform.
	MatchesJobURL(jobURL string) bool

	// GetRunnerContext registers a runner with the platform and returns the
	// boot script embedding its one-time credentials, together with the
	// platform's view of the freshly registered runner.
	GetRunnerContext(ctx context.Context, metadata params.RunnerMetadata, id params.InstanceID, labels []string) (params.RunnerContext, params.RunnerInstance, error)

	// GetRunnerHealth fetches the health of a single runner.
	GetRunnerHealth(ctx context.Context, identity params.RunnerIdentity) (params.PlatformRunnerHealth, error)

	// GetRunnersHealth fetches health in bulk, partitioning the requested
	// set into known, temporarily-failed and stray runners.
	GetRunnersHealth(ctx context.Context, identities []params.RunnerIdentity) (params.RunnersHealthResponse, error)

	// DeleteRunner removes the runner from the platform. Idempotent: after
	// a successful return the platform no longer lists the runner.
	DeleteRunner(ctx context.Context, identity params.RunnerIdentity) error

	// CheckJobBeenPickedUp reports whether the job behind the URL has been
	// taken by some runner already.
	CheckJobBeenPickedUp(ctx context.Context, metadata params.RunnerMetadata, jobURL string) (bool, error)

	// GetJobInfo fetches the platform's record of the job the given runner
	// executed within a workflow run.
	GetJobInfo(ctx context.Context, metadata params.RunnerMetadata, repo, workflowRunID string, id params.InstanceID) (params.JobInfo, error)
}

// StatusToError maps an HTTP status from a platform API onto the error
// taxonomy. It composes as a plain function around every backend call.
func StatusToError(platform string, status int, subject string) error {
	switch {
	case status < 400:
		return nil
	case status == 401 || status == 403:
		return &rmerrors.TokenError{Platform: platform, Err: errStatus(status)}
	case status == 404:
		return &rmerrors.NotFoundError{Kind: "runner", Name: subject}
	default:
		return &rmerrors.PlatformAPIError{Platform: platform, Status: status, Err: errStatus(status)}
	}
}

type errStatus int

func (e errStatus) Error() string {
	return "unexpected HTTP status " + strconv.Itoa(int(e))
}
