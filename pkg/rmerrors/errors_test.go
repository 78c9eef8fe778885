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

package rmerrors

import (
	"testing"

	"github.com/pkg/errors"

	. "github.com/onsi/gomega"
)

func TestTaxonomySurvivesWrapping(t *testing.T) {
	g := NewWithT(t)

	cloudErr := errors.Wrap(NewCloudError("server create", errors.New("quota exceeded")), "launching instance")
	g.Expect(IsCloud(cloudErr)).To(BeTrue())
	g.Expect(IsNotFound(cloudErr)).To(BeFalse())

	nfErr := errors.Wrap(&NotFoundError{Kind: "job", Name: "runs/42"}, "checking job")
	g.Expect(IsNotFound(nfErr)).To(BeTrue())
	g.Expect(IsToken(nfErr)).To(BeFalse())

	tokErr := &TokenError{Platform: "github", Err: errors.New("401")}
	g.Expect(IsToken(tokErr)).To(BeTrue())

	sshErr := errors.Wrap(&SSHError{Addr: "10.0.0.4", Err: errors.New("timeout")}, "probing")
	g.Expect(IsSSH(sshErr)).To(BeTrue())

	corrupt := &CorruptMetricError{Instance: "pool-r-abc", Reason: "file too large"}
	g.Expect(IsCorruptMetric(corrupt)).To(BeTrue())
}

func TestReconcileErrorUnwrapsToCloud(t *testing.T) {
	g := NewWithT(t)

	err := &ReconcileError{Err: NewCloudError("list servers", errors.New("401"))}
	g.Expect(IsCloud(err)).To(BeTrue())
	g.Expect(err.Error()).To(ContainSubstring("reconcile failed"))
}
