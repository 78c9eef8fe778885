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

package params

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestInstanceIDRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		mode ReactiveMode
	}{
		{name: "reactive", mode: ReactiveYes},
		{name: "non-reactive", mode: ReactiveNo},
		{name: "unknown mode", mode: ReactiveUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)

			id := NewInstanceID("runner-pool", tt.mode)
			g.Expect(id.Suffix).To(HaveLen(12))

			parsed, err := ParseInstanceID("runner-pool", id.Name())
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(parsed).To(Equal(id))
		})
	}
}

func TestInstanceIDName(t *testing.T) {
	g := NewWithT(t)

	id := InstanceID{Prefix: "pool", Reactive: ReactiveYes, Suffix: "abc123"}
	g.Expect(id.Name()).To(Equal("pool-r-abc123"))

	id.Reactive = ReactiveNo
	g.Expect(id.Name()).To(Equal("pool-n-abc123"))

	id.Reactive = ReactiveUnknown
	g.Expect(id.Name()).To(Equal("pool-abc123"))
}

func TestParseInstanceIDRejectsForeignPrefix(t *testing.T) {
	g := NewWithT(t)

	_, err := ParseInstanceID("pool", "otherpool-r-abc123")
	g.Expect(err).To(HaveOccurred())

	_, err = ParseInstanceID("pool", "pool-")
	g.Expect(err).To(HaveOccurred())
}

func TestParseInstanceIDUnknownMode(t *testing.T) {
	g := NewWithT(t)

	// A bare suffix without a mode marker parses as ReactiveUnknown.
	id, err := ParseInstanceID("pool", "pool-deadbeef0123")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(id.Reactive).To(Equal(ReactiveUnknown))
	g.Expect(id.Suffix).To(Equal("deadbeef0123"))
}

func TestVMStateFromStatus(t *testing.T) {
	g := NewWithT(t)

	g.Expect(VMStateFromStatus("BUILD")).To(Equal(VMStateInitializing))
	g.Expect(VMStateFromStatus("active")).To(Equal(VMStateActive))
	g.Expect(VMStateFromStatus("SHUTOFF")).To(Equal(VMStateShutoff))
	g.Expect(VMStateFromStatus("ERROR")).To(Equal(VMStateError))
	g.Expect(VMStateFromStatus("SOFT_DELETED")).To(Equal(VMStateDeleted))
	g.Expect(VMStateFromStatus("MIGRATING")).To(Equal(VMStateUnknown))
}

func TestPlatformStateFromHealth(t *testing.T) {
	g := NewWithT(t)

	g.Expect(PlatformStateFromHealth(nil)).To(Equal(PlatformStateUnknown))
	g.Expect(PlatformStateFromHealth(&PlatformRunnerHealth{Online: true, Busy: true})).To(Equal(PlatformStateBusy))
	g.Expect(PlatformStateFromHealth(&PlatformRunnerHealth{Online: true})).To(Equal(PlatformStateIdle))
	g.Expect(PlatformStateFromHealth(&PlatformRunnerHealth{Busy: true})).To(Equal(PlatformStateOffline))
}
