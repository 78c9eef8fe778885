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

package manager

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/openstack-ci/runner-manager/pkg/config"
	"github.com/openstack-ci/runner-manager/pkg/params"
)

// UserDataBuilder renders the cloud-init payload a VM boots with from the
// platform's bootstrap context.
type UserDataBuilder func(runnerCtx params.RunnerContext) (string, error)

// PlainUserData passes the platform script through unchanged.
func PlainUserData(runnerCtx params.RunnerContext) (string, error) {
	if runnerCtx.Script == "" {
		return "", errors.New("platform returned an empty bootstrap script")
	}
	return runnerCtx.Script, nil
}

// NewUserDataBuilder wraps the platform script in a shell preamble exporting
// the service environment: proxies, dockerhub mirror, aproxy toggle and the
// repo-policy/ssh-debug settings the runner image reads at boot.
func NewUserDataBuilder(svc config.ServiceConfig) UserDataBuilder {
	return func(runnerCtx params.RunnerContext) (string, error) {
		if runnerCtx.Script == "" {
			return "", errors.New("platform returned an empty bootstrap script")
		}

		var b strings.Builder
		b.WriteString("#!/bin/bash\nset -e\n\n")

		if svc.Proxy != nil {
			writeExport(&b, "http_proxy", svc.Proxy.HTTP)
			writeExport(&b, "https_proxy", svc.Proxy.HTTPS)
			writeExport(&b, "no_proxy", svc.Proxy.NoProxy)
		}
		writeExport(&b, "RUNNER_HTTP_PROXY", svc.RunnerProxy)
		if svc.UseAproxy {
			b.WriteString("export USE_APROXY=true\n")
		}
		writeExport(&b, "DOCKERHUB_MIRROR", svc.DockerhubMirror)
		if svc.RepoPolicy != nil {
			writeExport(&b, "REPO_POLICY_COMPLIANCE_URL", svc.RepoPolicy.URL)
			writeExport(&b, "REPO_POLICY_COMPLIANCE_TOKEN", svc.RepoPolicy.Token)
		}
		if len(svc.SSHDebugConnections) > 0 {
			encoded, err := json.Marshal(svc.SSHDebugConnections)
			if err != nil {
				return "", errors.Wrap(err, "encoding ssh debug connections")
			}
			writeExport(&b, "SSH_DEBUG_INFO", string(encoded))
		}

		b.WriteString("\n")
		b.WriteString(runnerCtx.Script)
		if !strings.HasSuffix(runnerCtx.Script, "\n") {
			b.WriteString("\n")
		}
		return b.String(), nil
	}
}

func writeExport(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "export %s=%s\n", name, shellQuote(value))
}

// shellQuote single-quotes a value for safe interpolation into the preamble.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
