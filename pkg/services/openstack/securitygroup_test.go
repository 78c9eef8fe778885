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

package openstack

import (
	"testing"

	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/rules"

	. "github.com/onsi/gomega"
)

func cloudRule(rule securityRule) rules.SecGroupRule {
	return rules.SecGroupRule{
		Direction:    string(rule.Direction),
		EtherType:    string(rule.EtherType),
		Protocol:     string(rule.Protocol),
		PortRangeMin: rule.PortRangeMin,
		PortRangeMax: rule.PortRangeMax,
	}
}

func TestRequiredRules(t *testing.T) {
	g := NewWithT(t)

	base := requiredRules(nil)
	g.Expect(base).To(HaveLen(3))

	withExtra := requiredRules([]int{8080, 9090})
	g.Expect(withExtra).To(HaveLen(5))
	g.Expect(withExtra[3].PortRangeMin).To(Equal(8080))
	g.Expect(withExtra[3].PortRangeMax).To(Equal(8080))
	g.Expect(withExtra[3].Direction).To(Equal(rules.DirIngress))
}

func TestMissingRulesEmptyGroup(t *testing.T) {
	g := NewWithT(t)

	missing := missingRules(nil, requiredRules([]int{8080}))
	g.Expect(missing).To(HaveLen(4))
}

func TestMissingRulesIsIdempotent(t *testing.T) {
	g := NewWithT(t)

	required := requiredRules([]int{8080})
	var existing []rules.SecGroupRule
	for _, rule := range required {
		existing = append(existing, cloudRule(rule))
	}

	// With all required rules present, a second ensure creates nothing.
	g.Expect(missingRules(existing, required)).To(BeEmpty())
}

func TestMissingRulesIgnoresUnrelatedRules(t *testing.T) {
	g := NewWithT(t)

	// Operator-added rules never count as matches for the policy.
	existing := []rules.SecGroupRule{
		{Direction: "ingress", EtherType: "IPv4", Protocol: "tcp", PortRangeMin: 443, PortRangeMax: 443},
		{Direction: "ingress", EtherType: "IPv6", Protocol: "tcp", PortRangeMin: 22, PortRangeMax: 22},
	}
	missing := missingRules(existing, requiredRules(nil))
	g.Expect(missing).To(HaveLen(3))
}

func TestRuleMatchesChecksEveryField(t *testing.T) {
	g := NewWithT(t)

	want := securityRule{Direction: rules.DirIngress, EtherType: rules.EtherType4, Protocol: rules.ProtocolTCP, PortRangeMin: 22, PortRangeMax: 22}
	have := cloudRule(want)
	g.Expect(ruleMatches(have, want)).To(BeTrue())

	wrongPort := have
	wrongPort.PortRangeMax = 23
	g.Expect(ruleMatches(wrongPort, want)).To(BeFalse())

	wrongDir := have
	wrongDir.Direction = "egress"
	g.Expect(ruleMatches(wrongDir, want)).To(BeFalse())
}
