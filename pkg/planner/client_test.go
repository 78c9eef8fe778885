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

package planner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"

	. "github.com/onsi/gomega"
)

func TestGetFlavor(t *testing.T) {
	g := NewWithT(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/flavors/small", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name": "small", "labels": ["small"], "minimum_pressure": 2}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewClient(logr.Discard(), server.URL)
	flavor, err := client.GetFlavor(context.Background(), "small")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(flavor.Name).To(Equal("small"))
	g.Expect(flavor.MinimumPressure).To(Equal(2))
}

func TestGetFlavorRetriesTransientFailures(t *testing.T) {
	g := NewWithT(t)

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/flavors/small", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name": "small"}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewClient(logr.Discard(), server.URL)
	flavor, err := client.GetFlavor(context.Background(), "small")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(flavor.Name).To(Equal("small"))
	g.Expect(calls.Load()).To(BeEquivalentTo(3))
}

func TestStreamPressureSkipsMalformedLines(t *testing.T) {
	g := NewWithT(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/flavors/small/pressure", func(w http.ResponseWriter, r *http.Request) {
		g.Expect(r.URL.Query().Get("stream")).To(Equal("true"))
		fmt.Fprintln(w, `{"pressure": 3.2}`)
		fmt.Fprintln(w, `garbage line`)
		fmt.Fprintln(w, `{"other": 1}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"pressure": 0}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewClient(logr.Discard(), server.URL)
	var seen []float64
	err := client.StreamPressure(context.Background(), "small", func(pressure float64) {
		seen = append(seen, pressure)
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(seen).To(Equal([]float64{3.2, 0}))
}

func TestStreamPressureErrorStatus(t *testing.T) {
	g := NewWithT(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client := NewClient(logr.Discard(), server.URL)
	err := client.StreamPressure(context.Background(), "small", func(float64) {})
	g.Expect(err).To(HaveOccurred())
}
