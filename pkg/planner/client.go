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

// Package planner is the client for the capacity planner's flavor API: a
// one-shot flavor descriptor lookup and a line-delimited JSON pressure
// stream per flavor.
package planner

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const (
	requestTimeout = 30 * time.Second

	retryAttempts    = 3
	retryBackoffBase = 300 * time.Millisecond
)

// Flavor is the planner's descriptor of one VM class.
type Flavor struct {
	Name            string   `json:"name"`
	Labels          []string `json:"labels,omitempty"`
	Priority        int      `json:"priority,omitempty"`
	IsDisabled      bool     `json:"is_disabled,omitempty"`
	MinimumPressure int      `json:"minimum_pressure,omitempty"`
}

// Client talks to one planner endpoint. The pressure stream runs on its own
// HTTP client because a client-level timeout would sever long-lived streams.
type Client struct {
	client *resty.Client
	stream *resty.Client
	log    logr.Logger
}

// NewClient builds a planner client against baseURL.
func NewClient(log logr.Logger, baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	return &Client{
		client: resty.New().SetBaseURL(base).SetTimeout(requestTimeout),
		stream: resty.New().SetBaseURL(base),
		log:    log.WithName("planner"),
	}
}

// GetFlavor fetches a flavor descriptor, retrying transient failures with
// exponential backoff.
func (c *Client) GetFlavor(ctx context.Context, name string) (Flavor, error) {
	var flavor Flavor

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(retryBackoffBase),
		), retryAttempts-1),
		ctx,
	)
	err := backoff.Retry(func() error {
		resp, err := c.client.R().
			SetContext(ctx).
			SetResult(&flavor).
			Get("/api/v1/flavors/" + name)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return errors.Errorf("planner returned status %d for flavor %q", resp.StatusCode(), name)
		}
		return nil
	}, policy)
	if err != nil {
		return Flavor{}, errors.Wrapf(err, "fetching flavor %q", name)
	}
	return flavor, nil
}

type pressureLine struct {
	Pressure *float64 `json:"pressure"`
}

// StreamPressure consumes the flavor's pressure stream, invoking fn for
// every well-formed update until the stream ends or the context is
// cancelled. Malformed lines are skipped. Returns the stream error; a
// cleanly closed stream returns nil, so callers reconnect in a loop either
// way.
func (c *Client) StreamPressure(ctx context.Context, name string, fn func(pressure float64)) error {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParam("stream", "true").
		Get("/api/v1/flavors/" + name + "/pressure")
	if err != nil {
		return errors.Wrapf(err, "opening pressure stream for %q", name)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return errors.Errorf("planner returned status %d for pressure stream %q", resp.StatusCode(), name)
	}

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var update pressureLine
		if err := json.Unmarshal([]byte(line), &update); err != nil || update.Pressure == nil {
			c.log.V(1).Info("skipping malformed pressure line", "flavor", name)
			continue
		}
		fn(*update.Pressure)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrapf(err, "reading pressure stream for %q", name)
	}
	return ctx.Err()
}
