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

// Package reactive turns queued job messages into runner spawns. One
// consumer handles one message at a time; scaling out means running more
// consumer processes, which the supervisor in this package takes care of.
package reactive

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/queue"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

const (
	// DefaultRetryLimit is how many deliveries a message gets before it is
	// dropped as poisonous.
	DefaultRetryLimit = 5

	// DefaultWaitTime is the pause between job-picked-up probes after a
	// runner was spawned.
	DefaultWaitTime = 60 * time.Second

	// pickupProbes is how many times a spawned runner's job is probed before
	// the message goes back to the queue.
	pickupProbes = 5

	backoffBase = 10 * time.Second
	backoffMax  = 300 * time.Second
)

// JobQueue is the consumer's view of the durable queue.
type JobQueue interface {
	Get(ctx context.Context) (queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Reject(ctx context.Context, msg queue.Message, requeue bool) error
}

// RunnerSpawner spawns runners on demand; satisfied by the runner manager.
type RunnerSpawner interface {
	CreateRunners(ctx context.Context, n int, metadata params.RunnerMetadata, reactive bool) ([]params.InstanceID, error)
}

// JobPlatform resolves job URLs and answers pickup queries; satisfied by the
// platform multiplexer.
type JobPlatform interface {
	MetadataForJobURL(jobURL string) (params.RunnerMetadata, error)
	CheckJobBeenPickedUp(ctx context.Context, metadata params.RunnerMetadata, jobURL string) (bool, error)
}

// Options wires a Consumer together.
type Options struct {
	Log      logr.Logger
	Queue    JobQueue
	Spawner  RunnerSpawner
	Platform JobPlatform

	// SupportedLabels is the label set this manager serves; matching is
	// case-insensitive.
	SupportedLabels []string
	// RetryLimit overrides DefaultRetryLimit when positive.
	RetryLimit int
	// WaitTime overrides DefaultWaitTime when positive.
	WaitTime time.Duration
	// MaxMessages bounds the consumer's lifetime; 0 means unlimited. The
	// supervisor uses this to recycle consumer processes.
	MaxMessages int
}

// Consumer processes queue messages one at a time.
type Consumer struct {
	log      logr.Logger
	queue    JobQueue
	spawner  RunnerSpawner
	platform JobPlatform

	supported   map[string]bool
	retryLimit  int
	waitTime    time.Duration
	maxMessages int

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewConsumer builds a Consumer.
func NewConsumer(opts Options) *Consumer {
	retryLimit := opts.RetryLimit
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	waitTime := opts.WaitTime
	if waitTime <= 0 {
		waitTime = DefaultWaitTime
	}
	supported := make(map[string]bool, len(opts.SupportedLabels))
	for _, label := range opts.SupportedLabels {
		supported[strings.ToLower(label)] = true
	}
	return &Consumer{
		log:         opts.Log.WithName("consumer"),
		queue:       opts.Queue,
		spawner:     opts.Spawner,
		platform:    opts.Platform,
		supported:   supported,
		retryLimit:  retryLimit,
		waitTime:    waitTime,
		maxMessages: opts.MaxMessages,
		sleep:       sleepCtx,
	}
}

// Run consumes messages until the sentinel arrives, the message budget is
// spent or the context ends. A queue failure is returned so the process
// exits non-zero and the broker returns any un-acked message.
func (c *Consumer) Run(ctx context.Context) error {
	processed := 0
	for {
		msg, err := c.queue.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		exit, err := c.handleMessage(ctx, msg)
		if err != nil {
			return err
		}
		if exit {
			return nil
		}

		processed++
		if c.maxMessages > 0 && processed >= c.maxMessages {
			c.log.Info("message budget spent, exiting", "processed", processed)
			return nil
		}
	}
}

// handleMessage runs the per-message decision chain. The returned exit flag
// means the consumer should stop cleanly; an error means the process should
// die with the message still claimed, and the broker redelivers it once the
// claim expires.
func (c *Consumer) handleMessage(ctx context.Context, msg queue.Message) (bool, error) {
	if msg.Payload == params.EndMessage {
		return true, c.queue.Ack(ctx, msg)
	}

	count := msg.ProcessCount() + 1
	log := c.log.WithValues("attempt", count)

	var job params.QueueMessage
	if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
		log.Info("dropping unparseable message")
		return false, c.queue.Reject(ctx, msg, false)
	}
	log = log.WithValues("job", job.URL)

	if count > c.retryLimit {
		log.Info("dropping message past the retry limit")
		return false, c.queue.Reject(ctx, msg, false)
	}

	if count > 1 {
		if err := c.sleep(ctx, retryBackoff(count)); err != nil {
			return false, err
		}
	}

	if !c.labelsSupported(job.Labels) {
		log.Info("dropping message with unsupported labels", "labels", job.Labels)
		return false, c.queue.Reject(ctx, msg, false)
	}

	metadata, err := c.platform.MetadataForJobURL(job.URL)
	if err != nil {
		log.Info("dropping message for unrecognized platform")
		return false, c.queue.Reject(ctx, msg, false)
	}

	picked, err := c.platform.CheckJobBeenPickedUp(ctx, metadata, job.URL)
	if err != nil {
		if rmerrors.IsNotFound(err) {
			log.Info("dropping message for vanished job")
			return false, c.queue.Reject(ctx, msg, false)
		}
		log.Error(err, "probing job, requeueing")
		return false, c.queue.Reject(ctx, msg, true)
	}
	if picked {
		log.V(1).Info("job already picked up")
		return false, c.queue.Ack(ctx, msg)
	}

	if _, err := c.spawner.CreateRunners(ctx, 1, metadata, true); err != nil {
		log.Error(err, "spawning runner, requeueing")
		return false, c.queue.Reject(ctx, msg, true)
	}

	for range pickupProbes {
		if err := c.sleep(ctx, c.waitTime); err != nil {
			return false, err
		}
		picked, err := c.platform.CheckJobBeenPickedUp(ctx, metadata, job.URL)
		if err != nil {
			log.Error(err, "probing job pickup")
			continue
		}
		if picked {
			return false, c.queue.Ack(ctx, msg)
		}
	}

	log.Info("job not picked up, requeueing")
	return false, c.queue.Reject(ctx, msg, true)
}

func (c *Consumer) labelsSupported(labels []string) bool {
	for _, label := range labels {
		if !c.supported[strings.ToLower(label)] {
			return false
		}
	}
	return true
}

// retryBackoff is min(10s * 2^(count-1), 300s) for the second and later
// deliveries of a message.
func retryBackoff(count int) time.Duration {
	if count < 2 {
		return 0
	}
	d := backoffBase << (count - 1)
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
