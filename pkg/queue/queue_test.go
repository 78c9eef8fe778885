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

package queue

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/openstack-ci/runner-manager/pkg/params"
)

// A claim must expire: a consumer killed mid-message leaves its document
// with available=false, and only the claim filter's stale branch can ever
// hand that message to another consumer.
func TestClaimReclaimsExpiredClaims(t *testing.T) {
	g := NewWithT(t)
	now := time.Now().UTC()

	branches, ok := claimFilter(now)["$or"].([]bson.M)
	g.Expect(ok).To(BeTrue())
	g.Expect(branches).To(HaveLen(2))
	g.Expect(branches[0]).To(Equal(bson.M{"available": true}))

	stale := branches[1]
	g.Expect(stale["available"]).To(Equal(false))
	cutoff, ok := stale["claimed_at"].(bson.M)["$lt"].(time.Time)
	g.Expect(ok).To(BeTrue())
	g.Expect(cutoff).To(Equal(now.Add(-claimTimeout)))

	// Claiming stamps the claim time so the lease restarts for the new
	// consumer.
	set, ok := claimUpdate(now)["$set"].(bson.M)
	g.Expect(ok).To(BeTrue())
	g.Expect(set["available"]).To(Equal(false))
	g.Expect(set["claimed_at"]).To(Equal(now))
}

func TestProcessCount(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "no headers", headers: nil, want: 0},
		{name: "missing header", headers: map[string]string{"other": "1"}, want: 0},
		{name: "set", headers: map[string]string{params.ProcessCountHeader: "3"}, want: 3},
		{name: "malformed", headers: map[string]string{params.ProcessCountHeader: "many"}, want: 0},
		{name: "negative", headers: map[string]string{params.ProcessCountHeader: "-2"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			g.Expect(Message{Headers: tt.headers}.ProcessCount()).To(Equal(tt.want))
		})
	}
}
