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

package record_test

import (
	"bytes"
	"encoding/json"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openstack-ci/runner-manager/pkg/record"
)

var _ = Describe("JSON lines recorder", func() {
	var (
		buf      *bytes.Buffer
		recorder record.Recorder
	)

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		recorder = record.New(buf)
	})

	decodeLines := func() []map[string]any {
		var out []map[string]any
		for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			fields := map[string]any{}
			Expect(json.Unmarshal([]byte(raw), &fields)).To(Succeed())
			out = append(out, fields)
		}
		return out
	}

	It("writes one flattened object per event", func() {
		Expect(recorder.Record(record.RunnerInstalled{Flavor: "m1.small", Duration: 42.5})).To(Succeed())

		lines := decodeLines()
		Expect(lines).To(HaveLen(1))
		Expect(lines[0]["event"]).To(Equal("runner_installed"))
		Expect(lines[0]["flavor"]).To(Equal("m1.small"))
		Expect(lines[0]["duration"]).To(BeNumerically("==", 42.5))
		Expect(lines[0]).To(HaveKey("timestamp"))
	})

	It("keeps emission order inside a tick", func() {
		Expect(recorder.Record(record.RunnerInstalled{Flavor: "f"})).To(Succeed())
		Expect(recorder.Record(record.RunnerStart{Flavor: "f", Workflow: "build", Repo: "o/r"})).To(Succeed())
		Expect(recorder.Record(record.RunnerStop{Flavor: "f", Status: "normal", JobDuration: 10})).To(Succeed())
		Expect(recorder.Record(record.Reconciliation{Flavor: "f", IdleRunners: 1, Expected: 2})).To(Succeed())

		lines := decodeLines()
		Expect(lines).To(HaveLen(4))
		Expect(lines[0]["event"]).To(Equal("runner_installed"))
		Expect(lines[1]["event"]).To(Equal("runner_start"))
		Expect(lines[2]["event"]).To(Equal("runner_stop"))
		Expect(lines[3]["event"]).To(Equal("reconciliation"))
	})

	It("omits status_info unless set", func() {
		code := 137
		Expect(recorder.Record(record.RunnerStop{Flavor: "f", Status: "abnormal", StatusInfo: &code})).To(Succeed())
		Expect(recorder.Record(record.RunnerStop{Flavor: "f", Status: "normal"})).To(Succeed())

		lines := decodeLines()
		Expect(lines[0]["status_info"]).To(BeNumerically("==", 137))
		Expect(lines[1]).NotTo(HaveKey("status_info"))
	})
})
