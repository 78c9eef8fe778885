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
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ReactiveMode records whether an instance was spawned on demand by the
// reactive consumer, by the non-reactive reconciler, or by an unknown caller
// (e.g. a VM observed in the cloud whose name carries no mode marker).
type ReactiveMode string

const (
	ReactiveUnknown ReactiveMode = ""
	ReactiveYes     ReactiveMode = "r"
	ReactiveNo      ReactiveMode = "n"
)

// suffixLen is the number of hex characters taken from a UUID for the random
// part of an instance name.
const suffixLen = 12

// InstanceID identifies one VM owned by a manager. The prefix names the
// owning manager, the suffix is a random token. Two InstanceIDs are equal
// iff all three components match.
type InstanceID struct {
	Prefix   string       `json:"prefix"`
	Reactive ReactiveMode `json:"reactive"`
	Suffix   string       `json:"suffix"`
}

// NewInstanceID allocates a fresh InstanceID under the given prefix.
func NewInstanceID(prefix string, mode ReactiveMode) InstanceID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return InstanceID{Prefix: prefix, Reactive: mode, Suffix: suffix}
}

// Name renders the stable textual form used as the VM name:
// <prefix>-r-<suffix>, <prefix>-n-<suffix> or <prefix>-<suffix>.
func (id InstanceID) Name() string {
	if id.Reactive == ReactiveUnknown {
		return fmt.Sprintf("%s-%s", id.Prefix, id.Suffix)
	}
	return fmt.Sprintf("%s-%s-%s", id.Prefix, id.Reactive, id.Suffix)
}

func (id InstanceID) String() string {
	return id.Name()
}

// ParseInstanceID inverts Name for names under the given prefix, so that
// ParseInstanceID(prefix, id.Name()) == id.
func ParseInstanceID(prefix, name string) (InstanceID, error) {
	rest, found := strings.CutPrefix(name, prefix+"-")
	if !found || rest == "" {
		return InstanceID{}, errors.Errorf("instance name %q does not carry prefix %q", name, prefix)
	}
	id := InstanceID{Prefix: prefix, Reactive: ReactiveUnknown, Suffix: rest}
	for _, mode := range []ReactiveMode{ReactiveYes, ReactiveNo} {
		if suffix, ok := strings.CutPrefix(rest, string(mode)+"-"); ok && suffix != "" {
			id.Reactive = mode
			id.Suffix = suffix
			break
		}
	}
	return id, nil
}

// HasPrefix reports whether the VM name belongs to the given manager prefix.
func HasPrefix(prefix, name string) bool {
	return strings.HasPrefix(name, prefix+"-")
}
