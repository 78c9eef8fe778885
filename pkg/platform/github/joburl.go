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

package github

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// jobRef locates one workflow job inside a repository.
type jobRef struct {
	Owner string
	Repo  string
	JobID int64
}

func (r jobRef) fullRepo() string {
	return r.Owner + "/" + r.Repo
}

// parseJobURL accepts the two URL shapes GitHub hands out for a job:
//
//	https://api.github.com/repos/{owner}/{repo}/actions/jobs/{job_id}
//	https://github.com/{owner}/{repo}/actions/runs/{run_id}/job/{job_id}
//
// Anything else is a platform error: unknown host, missing owner/repo or a
// non-numeric job id.
func parseJobURL(jobURL string) (jobRef, error) {
	parsed, err := url.Parse(jobURL)
	if err != nil {
		return jobRef{}, &rmerrors.PlatformAPIError{Platform: PlatformName, Err: errors.Wrap(err, "parsing job URL")}
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	switch parsed.Host {
	case "api.github.com":
		// repos/{owner}/{repo}/actions/jobs/{job_id}
		if len(segments) == 6 && segments[0] == "repos" && segments[3] == "actions" && segments[4] == "jobs" {
			return newJobRef(segments[1], segments[2], segments[5])
		}
	case "github.com":
		// {owner}/{repo}/actions/runs/{run_id}/job/{job_id}
		if len(segments) == 7 && segments[2] == "actions" && segments[3] == "runs" && segments[5] == "job" {
			return newJobRef(segments[0], segments[1], segments[6])
		}
	}
	return jobRef{}, &rmerrors.PlatformAPIError{
		Platform: PlatformName,
		Err:      errors.Errorf("job URL %q does not match a known GitHub format", jobURL),
	}
}

func newJobRef(owner, repo, rawID string) (jobRef, error) {
	jobID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || owner == "" || repo == "" {
		return jobRef{}, &rmerrors.PlatformAPIError{
			Platform: PlatformName,
			Err:      errors.Errorf("job reference %s/%s/%s is malformed", owner, repo, rawID),
		}
	}
	return jobRef{Owner: owner, Repo: repo, JobID: jobID}, nil
}

// matchesJobURL is the cheap pre-check used for routing.
func matchesJobURL(jobURL string) bool {
	parsed, err := url.Parse(jobURL)
	if err != nil {
		return false
	}
	return (parsed.Host == "github.com" || parsed.Host == "api.github.com") && parsed.Path != ""
}
