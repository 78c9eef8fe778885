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

package metrics

import (
	"encoding/json"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/record"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// Extract turns the metric files of one runner into ordered events: a
// RunnerStart if a pre-job record exists, then a RunnerStop if a post-job
// record exists too. Timestamps may be skewed between the VM and the
// manager, so negative durations clamp to zero.
//
// A parse failure or oversized file returns a CorruptMetricError; the caller
// is expected to quarantine the storage and emit nothing.
func Extract(storage *Storage, id params.InstanceID, flavor string) ([]record.Event, error) {
	preRaw, err := storage.ReadFile(id, PreJobFile)
	if IsNotExist(err) {
		// Runner never took a job; nothing to emit.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var pre params.PreJobMetrics
	if err := json.Unmarshal(preRaw, &pre); err != nil {
		return nil, &rmerrors.CorruptMetricError{Instance: id.Name(), Reason: "pre-job record is not valid JSON"}
	}
	if pre.Timestamp < 0 {
		return nil, &rmerrors.CorruptMetricError{Instance: id.Name(), Reason: "pre-job timestamp is negative"}
	}

	var idle float64
	if installEnd, err := storage.InstallEnd(id); err == nil {
		idle = clampSeconds(pre.Timestamp - installEnd)
	} else if !IsNotExist(err) {
		return nil, err
	}

	events := []record.Event{record.RunnerStart{
		Flavor:      flavor,
		Workflow:    pre.Workflow,
		Repo:        pre.Repository,
		GitHubEvent: pre.Event,
		Idle:        idle,
	}}

	postRaw, err := storage.ReadFile(id, PostJobFile)
	if IsNotExist(err) {
		return events, nil
	}
	if err != nil {
		return nil, err
	}

	var post params.PostJobMetrics
	if err := json.Unmarshal(postRaw, &post); err != nil {
		return nil, &rmerrors.CorruptMetricError{Instance: id.Name(), Reason: "post-job record is not valid JSON"}
	}
	switch post.Status {
	case params.PostJobStatusNormal, params.PostJobStatusAbnormal, params.PostJobStatusRepoPolicyCheck:
	default:
		return nil, &rmerrors.CorruptMetricError{Instance: id.Name(), Reason: "post-job status is not recognized"}
	}

	stop := record.RunnerStop{
		Flavor:      flavor,
		Workflow:    pre.Workflow,
		Repo:        pre.Repository,
		GitHubEvent: pre.Event,
		Status:      string(post.Status),
		JobDuration: clampSeconds(post.Timestamp - pre.Timestamp),
	}
	if post.StatusInfo != nil {
		code := post.StatusInfo.Code
		stop.StatusInfo = &code
	}
	return append(events, stop), nil
}

func clampSeconds(delta int64) float64 {
	if delta < 0 {
		return 0
	}
	return float64(delta)
}
