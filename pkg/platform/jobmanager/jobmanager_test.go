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

package jobmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"

	. "github.com/onsi/gomega"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

func newTestProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	provider, err := NewProvider(logr.Discard(), server.URL, "pool")
	if err != nil {
		t.Fatal(err)
	}
	return provider
}

func TestRegisterRunner(t *testing.T) {
	g := NewWithT(t)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runners/register", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		g.Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
		g.Expect(body["name"]).To(Equal("pool-r-abc123"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "runner-77",
			"token":  "tok-secret",
			"script": "#!/bin/bash\n./agent --token tok-secret\n",
		})
	})
	provider := newTestProvider(t, mux)
	id, _ := params.ParseInstanceID("pool", "pool-r-abc123")

	runnerCtx, instance, err := provider.GetRunnerContext(context.Background(), params.RunnerMetadata{}, id, []string{"small"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(runnerCtx.Script).To(ContainSubstring("./agent"))
	g.Expect(instance.Metadata.RunnerID).To(Equal("runner-77"))
	g.Expect(instance.Metadata.PlatformName).To(Equal(PlatformName))
}

func TestGetRunnerHealth(t *testing.T) {
	g := NewWithT(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runners/runner-77/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"online": true, "busy": false, "deletable": false, "exists": true,
		})
	})
	provider := newTestProvider(t, mux)

	id, _ := params.ParseInstanceID("pool", "pool-r-abc123")
	identity := params.RunnerIdentity{ID: id, Metadata: params.RunnerMetadata{PlatformName: PlatformName, RunnerID: "runner-77"}}

	health, err := provider.GetRunnerHealth(context.Background(), identity)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(health.Online).To(BeTrue())
	g.Expect(health.RunnerInPlatform).To(BeTrue())

	// A runner the platform no longer knows is deletable.
	identity.Metadata.RunnerID = "runner-gone"
	health, err = provider.GetRunnerHealth(context.Background(), identity)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(health.Deletable).To(BeTrue())
	g.Expect(health.RunnerInPlatform).To(BeFalse())
}

func TestJobPickedUp(t *testing.T) {
	g := NewWithT(t)

	g.Expect(jobPickedUp("PENDING")).To(BeFalse())
	g.Expect(jobPickedUp("queued")).To(BeFalse())
	g.Expect(jobPickedUp("RUNNING")).To(BeTrue())
	g.Expect(jobPickedUp("COMPLETED")).To(BeTrue())
}

func TestCheckJobBeenPickedUp(t *testing.T) {
	g := NewWithT(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/42", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "RUNNING"})
	})
	provider := newTestProvider(t, mux)

	picked, err := provider.CheckJobBeenPickedUp(context.Background(), params.RunnerMetadata{}, provider.baseURL+"/v1/jobs/42")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(picked).To(BeTrue())

	_, err = provider.CheckJobBeenPickedUp(context.Background(), params.RunnerMetadata{}, provider.baseURL+"/v1/jobs/404")
	g.Expect(rmerrors.IsNotFound(err)).To(BeTrue())
}

func TestMatchesJobURL(t *testing.T) {
	g := NewWithT(t)
	provider := newTestProvider(t, http.NewServeMux())

	g.Expect(provider.MatchesJobURL(provider.baseURL + "/v1/jobs/42")).To(BeTrue())
	g.Expect(provider.MatchesJobURL("https://github.com/acme/widget/actions/runs/1/job/2")).To(BeFalse())
}
