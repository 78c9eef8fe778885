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
	"context"

	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/groups"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/rules"

	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// SecurityGroupName is the project-scoped group every runner VM joins.
const SecurityGroupName = "github-runner-v1"

// securityRule is the comparable shape of one required rule. A cloud rule
// matches iff protocol, direction, ethertype and both port-range endpoints
// are equal.
type securityRule struct {
	Direction    rules.RuleDirection
	EtherType    rules.RuleEtherType
	Protocol     rules.RuleProtocol
	PortRangeMin int
	PortRangeMax int
}

// requiredRules is the fixed policy plus one ingress rule per extra port:
// ICMP and SSH in, tmate out.
func requiredRules(extraIngressPorts []int) []securityRule {
	required := []securityRule{
		{Direction: rules.DirIngress, EtherType: rules.EtherType4, Protocol: rules.ProtocolICMP},
		{Direction: rules.DirIngress, EtherType: rules.EtherType4, Protocol: rules.ProtocolTCP, PortRangeMin: 22, PortRangeMax: 22},
		{Direction: rules.DirEgress, EtherType: rules.EtherType4, Protocol: rules.ProtocolTCP, PortRangeMin: 10022, PortRangeMax: 10022},
	}
	for _, port := range extraIngressPorts {
		required = append(required, securityRule{
			Direction:    rules.DirIngress,
			EtherType:    rules.EtherType4,
			Protocol:     rules.ProtocolTCP,
			PortRangeMin: port,
			PortRangeMax: port,
		})
	}
	return required
}

func ruleMatches(existing rules.SecGroupRule, required securityRule) bool {
	return existing.Direction == string(required.Direction) &&
		existing.EtherType == string(required.EtherType) &&
		existing.Protocol == string(required.Protocol) &&
		existing.PortRangeMin == required.PortRangeMin &&
		existing.PortRangeMax == required.PortRangeMax
}

// missingRules returns the required rules not yet present on the group.
func missingRules(existing []rules.SecGroupRule, required []securityRule) []securityRule {
	var missing []securityRule
	for _, want := range required {
		found := false
		for _, have := range existing {
			if ruleMatches(have, want) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	return missing
}

// EnsureSecurityGroup makes sure the fleet's security group exists and
// carries all required rules. It only ever creates missing rules; rules
// already present, including ones added by operators, are left alone.
// Calling it twice in a row produces no change on the second call.
func (s *Service) EnsureSecurityGroup(ctx context.Context, extraIngressPorts []int) (string, error) {
	group, err := s.findSecurityGroup(ctx)
	if err != nil {
		return "", err
	}
	if group == nil {
		created, err := groups.Create(ctx, s.session.Network, groups.CreateOpts{
			Name:        SecurityGroupName,
			Description: "runner fleet ingress/egress policy",
		}).Extract()
		if err != nil {
			return "", rmerrors.NewCloudError("creating security group", err)
		}
		group = created
		s.log.Info("created security group", "group", SecurityGroupName)
	}

	for _, rule := range missingRules(group.Rules, requiredRules(extraIngressPorts)) {
		createOpts := rules.CreateOpts{
			SecGroupID: group.ID,
			Direction:  rules.RuleDirection(rule.Direction),
			EtherType:  rules.RuleEtherType(rule.EtherType),
			Protocol:   rules.RuleProtocol(rule.Protocol),
		}
		if rule.PortRangeMin != 0 {
			createOpts.PortRangeMin = rule.PortRangeMin
			createOpts.PortRangeMax = rule.PortRangeMax
		}
		if _, err := rules.Create(ctx, s.session.Network, createOpts).Extract(); err != nil {
			return "", rmerrors.NewCloudError("creating security group rule", err)
		}
		s.log.V(1).Info("added security group rule",
			"direction", rule.Direction, "protocol", rule.Protocol, "portMin", rule.PortRangeMin, "portMax", rule.PortRangeMax)
	}
	return SecurityGroupName, nil
}

func (s *Service) findSecurityGroup(ctx context.Context) (*groups.SecGroup, error) {
	pages, err := groups.List(s.session.Network, groups.ListOpts{Name: SecurityGroupName}).AllPages(ctx)
	if err != nil {
		return nil, rmerrors.NewCloudError("listing security groups", err)
	}
	all, err := groups.ExtractGroups(pages)
	if err != nil {
		return nil, rmerrors.NewCloudError("extracting security groups", err)
	}
	for i := range all {
		if all[i].Name == SecurityGroupName {
			return &all[i], nil
		}
	}
	return nil, nil
}
