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

// Package record emits reconciliation events to an append-only JSON-lines
// log, one event per line. Events within one reconcile tick are ordered
// because the recorder serializes writes behind a mutex and each tick emits
// from a single goroutine.
package record

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Event is one metric event. Kind returns the wire name of the event.
type Event interface {
	Kind() string
}

// RunnerInstalled is emitted once per successfully launched VM. Duration is
// launch-end minus launch-start in seconds.
type RunnerInstalled struct {
	Flavor   string  `json:"flavor"`
	Image    string  `json:"image,omitempty"`
	Duration float64 `json:"duration"`
}

func (RunnerInstalled) Kind() string { return "runner_installed" }

// RunnerStart is emitted when a runner's pre-job record shows it took a job.
// Idle is the seconds between install-end and the pre-job timestamp, clamped
// to zero on clock skew.
type RunnerStart struct {
	Flavor      string  `json:"flavor"`
	Workflow    string  `json:"workflow"`
	Repo        string  `json:"repo"`
	GitHubEvent string  `json:"github_event"`
	Idle        float64 `json:"idle"`
}

func (RunnerStart) Kind() string { return "runner_start" }

// RunnerStop is emitted when a runner's post-job record shows the job ended.
// JobDuration is post minus pre timestamps, clamped to zero on skew.
type RunnerStop struct {
	Flavor      string  `json:"flavor"`
	Workflow    string  `json:"workflow"`
	Repo        string  `json:"repo"`
	GitHubEvent string  `json:"github_event"`
	Status      string  `json:"status"`
	StatusInfo  *int    `json:"status_info,omitempty"`
	JobDuration float64 `json:"job_duration"`
}

func (RunnerStop) Kind() string { return "runner_stop" }

// Reconciliation is emitted last in every reconcile tick.
type Reconciliation struct {
	Flavor         string  `json:"flavor"`
	IdleRunners    int     `json:"idle_runners"`
	BusyRunners    int     `json:"busy_runners"`
	OfflineHealthy int     `json:"offline_healthy_runners"`
	Expected       int     `json:"expected_runners"`
	Duration       float64 `json:"duration"`
}

func (Reconciliation) Kind() string { return "reconciliation" }

// Recorder appends events to the metric log.
type Recorder interface {
	Record(event Event) error
}

// jsonRecorder writes one JSON object per line to a shared writer.
type jsonRecorder struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// New returns a Recorder writing JSON lines to w.
func New(w io.Writer) Recorder {
	return &jsonRecorder{w: w, now: time.Now}
}

// NewFile returns a Recorder backed by a size-rotated log file at path.
func NewFile(path string) Recorder {
	return New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MiB per chunk
		MaxBackups: 10,
	})
}

func (r *jsonRecorder) Record(event Event) error {
	// Flatten the envelope and the event fields into one object.
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshaling event")
	}
	fields := map[string]any{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return errors.Wrap(err, "flattening event")
	}
	fields["event"] = event.Kind()
	fields["timestamp"] = r.now().Unix()

	out, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "marshaling event line")
	}
	out = append(out, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.w.Write(out)
	return errors.Wrap(err, "writing event line")
}

// Discard is a Recorder that drops every event; used in tests and in
// consumers that do not own the event log.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Event) error { return nil }

// Fake is a Recorder capturing events in memory for assertions.
type Fake struct {
	mu     sync.Mutex
	Events []Event
}

func (f *Fake) Record(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = append(f.Events, event)
	return nil
}

// Kinds returns the recorded event kinds in emission order.
func (f *Fake) Kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, 0, len(f.Events))
	for _, e := range f.Events {
		kinds = append(kinds, e.Kind())
	}
	return kinds
}
