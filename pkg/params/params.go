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

// Package params holds the shared data model of the runner fleet: VM views,
// platform health, metric records and queue messages.
package params

import (
	"strings"
	"time"
)

// RunnerMetadata selects the platform backend that owns a runner. RunnerID is
// an opaque string assigned by the platform at registration time; URL is set
// for platforms addressed by endpoint rather than by well-known host.
type RunnerMetadata struct {
	PlatformName string `json:"platform_name"`
	RunnerID     string `json:"runner_id"`
	URL          string `json:"url,omitempty"`
}

// RunnerIdentity is the unit of identity passed to platform calls.
type RunnerIdentity struct {
	ID       InstanceID     `json:"id"`
	Metadata RunnerMetadata `json:"metadata"`
}

// RunnerContext is the per-runner bootstrap data produced by the platform:
// a shell script the VM runs at boot (carries the registration token) and
// extra TCP ports the VM needs ingress for.
type RunnerContext struct {
	Script            string
	ExtraIngressPorts []int
}

// VMConfig is immutable for the VM's lifetime.
type VMConfig struct {
	Image  string `json:"image"`
	Flavor string `json:"flavor"`
}

// VMState is the normalized cloud state of a VM.
type VMState string

const (
	VMStateInitializing VMState = "INITIALIZING"
	VMStateActive       VMState = "ACTIVE"
	VMStateShutoff      VMState = "SHUTOFF"
	VMStateError        VMState = "ERROR"
	VMStateDeleted      VMState = "DELETED"
	VMStateUnknown      VMState = "UNKNOWN"
)

// VMStateFromStatus maps a Nova server status onto the fixed VMState set.
func VMStateFromStatus(status string) VMState {
	switch strings.ToUpper(status) {
	case "BUILD", "BUILDING", "REBUILD":
		return VMStateInitializing
	case "ACTIVE":
		return VMStateActive
	case "SHUTOFF", "STOPPED", "SUSPENDED", "PAUSED":
		return VMStateShutoff
	case "ERROR":
		return VMStateError
	case "DELETED", "SOFT_DELETED":
		return VMStateDeleted
	default:
		return VMStateUnknown
	}
}

// IsTerminal reports whether a VM in this state can never run a job again.
func (s VMState) IsTerminal() bool {
	return s == VMStateShutoff || s == VMStateError || s == VMStateDeleted
}

// VM is the cloud's view of a runner instance. Metadata is the
// RunnerMetadata recorded on the server at creation time.
type VM struct {
	ID        InstanceID
	Metadata  RunnerMetadata
	Config    VMConfig
	State     VMState
	Addresses []string
	CreatedAt time.Time
}

// IsOlderThan reports whether the VM was created more than d ago.
func (vm VM) IsOlderThan(d time.Duration) bool {
	return time.Since(vm.CreatedAt) > d
}

// PlatformRunnerHealth is the platform's view of one runner. Busy and Online
// are independent; a runner may be offline-but-busy transiently. Deletable
// means the platform considers the runner safe to destroy.
type PlatformRunnerHealth struct {
	Identity         RunnerIdentity
	Online           bool
	Busy             bool
	Deletable        bool
	RunnerInPlatform bool
}

// RunnersHealthResponse partitions a bulk health request. FailedRequested
// holds runners whose health could not be fetched right now (retry later);
// NonRequested holds runners the platform knows about but the caller did not
// ask about (strays).
type RunnersHealthResponse struct {
	Requested       []PlatformRunnerHealth
	FailedRequested []RunnerIdentity
	NonRequested    []RunnerIdentity
}

// PlatformState is the job-level state of a runner derived from health.
type PlatformState string

const (
	PlatformStateBusy    PlatformState = "BUSY"
	PlatformStateIdle    PlatformState = "IDLE"
	PlatformStateOffline PlatformState = "OFFLINE"
	PlatformStateUnknown PlatformState = "UNKNOWN"
)

// PlatformStateFromHealth derives the job-level state from a health record.
// A nil record means the platform returned nothing for this runner.
func PlatformStateFromHealth(health *PlatformRunnerHealth) PlatformState {
	switch {
	case health == nil:
		return PlatformStateUnknown
	case health.Online && health.Busy:
		return PlatformStateBusy
	case health.Online:
		return PlatformStateIdle
	default:
		return PlatformStateOffline
	}
}

// RunnerInstance is the joined view of a VM and its platform health.
type RunnerInstance struct {
	Name          string                `json:"name"`
	ID            InstanceID            `json:"-"`
	Metadata      RunnerMetadata        `json:"metadata"`
	CloudState    VMState               `json:"cloud_state"`
	PlatformState PlatformState         `json:"platform_state"`
	Health        *PlatformRunnerHealth `json:"-"`
}

// JobInfo is the platform's record of one CI job. A job counts as picked up
// once its status leaves the queued state.
type JobInfo struct {
	CreatedAt  time.Time
	StartedAt  time.Time
	Status     string
	Conclusion string
}

// PostJobStatus enumerates how a job ended on the runner.
type PostJobStatus string

const (
	PostJobStatusNormal          PostJobStatus = "normal"
	PostJobStatusAbnormal        PostJobStatus = "abnormal"
	PostJobStatusRepoPolicyCheck PostJobStatus = "repo-policy-check-failure"
)

// PreJobMetrics is written by the runner right before it takes a job.
// Timestamps are non-negative seconds since epoch.
type PreJobMetrics struct {
	Timestamp     int64  `json:"timestamp"`
	Workflow      string `json:"workflow"`
	WorkflowRunID string `json:"workflow_run_id"`
	Repository    string `json:"repository"`
	Event         string `json:"event"`
}

// PostJobStatusInfo carries an optional numeric detail for abnormal exits.
type PostJobStatusInfo struct {
	Code int `json:"code"`
}

// PostJobMetrics is written by the runner right after the job finishes.
type PostJobMetrics struct {
	Timestamp  int64              `json:"timestamp"`
	Status     PostJobStatus      `json:"status"`
	StatusInfo *PostJobStatusInfo `json:"status_info,omitempty"`
}

// FlushMode selects which runners FlushRunners removes.
type FlushMode string

const (
	FlushIdle FlushMode = "FLUSH_IDLE"
	FlushBusy FlushMode = "FLUSH_BUSY"
)

// QueueMessage is the payload of one reactive job message.
type QueueMessage struct {
	Labels []string `json:"labels"`
	URL    string   `json:"url"`
}

// EndMessage is the sentinel payload that tells a consumer to exit.
const EndMessage = "__END__"

// ProcessCountHeader is the out-of-band header carrying the per-message
// retry count. A missing header means 0.
const ProcessCountHeader = "X-Process-Count"
