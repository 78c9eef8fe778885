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

// Package rmerrors defines the error taxonomy shared across the fleet
// manager. Expected failure modes are modelled as typed errors so callers
// can branch with errors.As; panics stay reserved for programmer errors.
package rmerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// CloudError is an error from the OpenStack SDK or API. A CloudError
// reaching the scaler aborts the whole reconcile tick.
type CloudError struct {
	Op  string
	Err error
}

func (e *CloudError) Error() string {
	return fmt.Sprintf("cloud error during %s: %v", e.Op, e.Err)
}

func (e *CloudError) Unwrap() error { return e.Err }

// NewCloudError wraps an SDK error with the failing operation.
func NewCloudError(op string, err error) *CloudError {
	return &CloudError{Op: op, Err: err}
}

// PlatformAPIError is a generic platform failure: transient for health
// queries, fatal for registration.
type PlatformAPIError struct {
	Platform string
	Status   int
	Err      error
}

func (e *PlatformAPIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("platform %s API error (status %d): %v", e.Platform, e.Status, e.Err)
	}
	return fmt.Sprintf("platform %s API error: %v", e.Platform, e.Err)
}

func (e *PlatformAPIError) Unwrap() error { return e.Err }

// NotFoundError means the platform does not know the runner or job asked
// about. Jobs: the consumer rejects without requeue. Runners: the manager
// treats them as deletable.
type NotFoundError struct {
	Kind string // "runner", "job" or "platform"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// TokenError means credentials were rejected; fatal for the calling
// operation so operators can rotate credentials.
type TokenError struct {
	Platform string
	Err      error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("platform %s rejected credentials: %v", e.Platform, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// SSHError is a failure to connect to a VM or run a command over SSH.
type SSHError struct {
	Addr string
	Err  error
}

func (e *SSHError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("ssh error: %v", e.Err)
	}
	return fmt.Sprintf("ssh error on %s: %v", e.Addr, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// CorruptMetricError marks a metric storage whose contents failed parsing or
// exceeded the size cap; the storage gets quarantined and no events are
// emitted for that runner.
type CorruptMetricError struct {
	Instance string
	Reason   string
}

func (e *CorruptMetricError) Error() string {
	return fmt.Sprintf("corrupt metrics for %s: %s", e.Instance, e.Reason)
}

// QueueError is a broker communication failure; the consumer process exits
// on it so the supervisor can restart it cleanly.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("queue error: %v", e.Err)
	}
	return fmt.Sprintf("queue error during %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// ConfigError is a malformed configuration; surfaced at startup, fatal.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// ReconcileError is what the scaler raises when a CloudError aborted a
// reconcile tick.
type ReconcileError struct {
	Err error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile failed: %v", e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// IsCloud reports whether err is or wraps a CloudError.
func IsCloud(err error) bool {
	var target *CloudError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsToken reports whether err is or wraps a TokenError.
func IsToken(err error) bool {
	var target *TokenError
	return errors.As(err, &target)
}

// IsSSH reports whether err is or wraps an SSHError.
func IsSSH(err error) bool {
	var target *SSHError
	return errors.As(err, &target)
}

// IsCorruptMetric reports whether err is or wraps a CorruptMetricError.
func IsCorruptMetric(err error) bool {
	var target *CorruptMetricError
	return errors.As(err, &target)
}
