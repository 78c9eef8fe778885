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

// Package config loads and validates the fleet manager configuration from a
// single YAML document. Unknown fields are rejected at parse time; every
// section validates itself so misconfiguration fails at startup, not during
// a reconcile tick.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

// Config is the root document.
type Config struct {
	Name        string   `json:"name"`
	ExtraLabels []string `json:"extra_labels,omitempty"`

	GitHubConfig    *GitHubConfig     `json:"github_config,omitempty"`
	JobManager      *JobManagerConfig `json:"jobmanager_config,omitempty"`
	ServiceConfig   ServiceConfig     `json:"service_config,omitempty"`
	NonReactive     *NonReactive      `json:"non_reactive_configuration,omitempty"`
	Reactive        *Reactive         `json:"reactive_configuration,omitempty"`
	OpenStackConfig OpenStackConfig   `json:"openstack_configuration"`
	PlannerConfig   *PlannerConfig    `json:"planner_config,omitempty"`
	AdminConfig     AdminConfig       `json:"admin_config,omitempty"`
	StorageConfig   StorageConfig     `json:"storage_config,omitempty"`
}

// GitHubConfig selects the GitHub runner namespace: either an organization
// plus runner group, or a single owner/repo path.
type GitHubConfig struct {
	Token string `json:"token"`
	Org   string `json:"org,omitempty"`
	Group string `json:"group,omitempty"`
	Repo  string `json:"repo,omitempty"` // "owner/repo"
}

// JobManagerConfig points at a job-manager platform endpoint.
type JobManagerConfig struct {
	URL string `json:"url"`
}

// ProxyConfig is the classic http/https/no-proxy triple.
type ProxyConfig struct {
	HTTP    string `json:"http,omitempty"`
	HTTPS   string `json:"https,omitempty"`
	NoProxy string `json:"no_proxy,omitempty"`
}

// SSHDebugConnection describes one tmate-style debug relay runners may use.
type SSHDebugConnection struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	RSAFingerprint     string `json:"rsa_fingerprint"`
	ED25519Fingerprint string `json:"ed25519_fingerprint"`
	UseRunnerHTTPProxy bool   `json:"use_runner_http_proxy,omitempty"`
	LocalProxyHost     string `json:"local_proxy_host,omitempty"`
	LocalProxyPort     int    `json:"local_proxy_port,omitempty"`
}

// RepoPolicyCompliance points at the repo-policy-compliance service.
type RepoPolicyCompliance struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// ServiceConfig carries the runner-facing service settings baked into each
// VM's boot environment.
type ServiceConfig struct {
	Proxy               *ProxyConfig          `json:"proxy,omitempty"`
	RunnerProxy         string                `json:"runner_proxy,omitempty"`
	UseAproxy           bool                  `json:"use_aproxy,omitempty"`
	DockerhubMirror     string                `json:"dockerhub_mirror,omitempty"`
	SSHDebugConnections []SSHDebugConnection  `json:"ssh_debug_connections,omitempty"`
	RepoPolicy          *RepoPolicyCompliance `json:"repo_policy_compliance,omitempty"`
}

// ImageRef names a cloud image and the labels it provides.
type ImageRef struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels,omitempty"`
}

// FlavorRef names a cloud flavor and the labels it provides.
type FlavorRef struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels,omitempty"`
}

// Combination pairs an image with a flavor and the base number of VMs kept
// alive for it.
type Combination struct {
	Image               ImageRef  `json:"image"`
	Flavor              FlavorRef `json:"flavor"`
	BaseVirtualMachines int       `json:"base_virtual_machines"`
}

// NonReactive is the pressure/base-quantity driven mode.
type NonReactive struct {
	Combinations []Combination `json:"combinations"`
}

// QueueConfig points at the durable job queue.
type QueueConfig struct {
	MongoDBURI string `json:"mongodb_uri"`
	QueueName  string `json:"queue_name"`
}

// Reactive is the queue-driven mode.
type Reactive struct {
	Queue                   QueueConfig `json:"queue"`
	MaxTotalVirtualMachines int         `json:"max_total_virtual_machines"`
	Images                  []ImageRef  `json:"images,omitempty"`
	Flavors                 []FlavorRef `json:"flavors,omitempty"`
}

// OpenStackCredentials is a keystone v3 credential set.
type OpenStackCredentials struct {
	AuthURL           string `json:"auth_url"`
	ProjectName       string `json:"project_name"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	UserDomainName    string `json:"user_domain_name"`
	ProjectDomainName string `json:"project_domain_name"`
	RegionName        string `json:"region_name"`
}

// OpenStackConfig scopes the manager to one OpenStack project and network.
type OpenStackConfig struct {
	VMPrefix    string               `json:"vm_prefix"`
	Network     string               `json:"network"`
	Credentials OpenStackCredentials `json:"credentials"`
}

// PlannerConfig points at the pressure planner for one flavor.
type PlannerConfig struct {
	URL                      string `json:"url"`
	Flavor                   string `json:"flavor"`
	FallbackRunners          int    `json:"fallback_runners"`
	ReconcileIntervalMinutes int    `json:"reconcile_interval_minutes,omitempty"`
}

// ReconcileInterval returns the delete-loop period, defaulting to 5 minutes.
func (p *PlannerConfig) ReconcileInterval() time.Duration {
	if p.ReconcileIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.ReconcileIntervalMinutes) * time.Minute
}

// AdminConfig is the bind address of the admin HTTP server.
type AdminConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Addr renders host:port with defaults applied.
func (a AdminConfig) Addr() string {
	host := a.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := a.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// StorageConfig is the on-disk layout: key files, metric scratch dirs and
// the append-only event log.
type StorageConfig struct {
	KeysDir       string `json:"keys_dir,omitempty"`
	KeysOwner     string `json:"keys_owner,omitempty"`
	MetricsDir    string `json:"metrics_dir,omitempty"`
	QuarantineDir string `json:"quarantine_dir,omitempty"`
	EventsLog     string `json:"events_log,omitempty"`
}

func (s *StorageConfig) applyDefaults() {
	if s.KeysDir == "" {
		s.KeysDir = "/var/lib/runner-manager/keys"
	}
	if s.MetricsDir == "" {
		s.MetricsDir = "/var/lib/runner-manager/metrics"
	}
	if s.QuarantineDir == "" {
		s.QuarantineDir = "/var/lib/runner-manager/metrics-quarantine"
	}
	if s.EventsLog == "" {
		s.EventsLog = "/var/log/runner-manager/events.jsonl"
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	return Parse(raw)
}

// Parse unmarshals a YAML document, rejecting unknown fields, and validates
// the result.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, &rmerrors.ConfigError{Field: "document", Reason: err.Error()}
	}
	cfg.StorageConfig.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies the cross-field rules on a parsed document.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &rmerrors.ConfigError{Field: "name", Reason: "must not be empty"}
	}
	if err := c.OpenStackConfig.validate(); err != nil {
		return err
	}
	if err := c.ServiceConfig.validate(); err != nil {
		return err
	}
	if c.GitHubConfig != nil {
		if err := c.GitHubConfig.validate(); err != nil {
			return err
		}
	}
	if c.JobManager != nil && c.JobManager.URL == "" {
		return &rmerrors.ConfigError{Field: "jobmanager_config.url", Reason: "must not be empty"}
	}
	if c.NonReactive != nil && len(c.NonReactive.Combinations) == 0 {
		return &rmerrors.ConfigError{Field: "non_reactive_configuration.combinations", Reason: "must not be empty"}
	}
	if c.NonReactive != nil {
		for i, comb := range c.NonReactive.Combinations {
			if comb.Image.Name == "" || comb.Flavor.Name == "" {
				return &rmerrors.ConfigError{
					Field:  fmt.Sprintf("non_reactive_configuration.combinations[%d]", i),
					Reason: "image and flavor names must be set",
				}
			}
			if comb.BaseVirtualMachines < 0 {
				return &rmerrors.ConfigError{
					Field:  fmt.Sprintf("non_reactive_configuration.combinations[%d].base_virtual_machines", i),
					Reason: "must not be negative",
				}
			}
		}
	}
	if c.Reactive != nil {
		if c.Reactive.Queue.MongoDBURI == "" || c.Reactive.Queue.QueueName == "" {
			return &rmerrors.ConfigError{Field: "reactive_configuration.queue", Reason: "mongodb_uri and queue_name must be set"}
		}
		if c.Reactive.MaxTotalVirtualMachines <= 0 {
			return &rmerrors.ConfigError{Field: "reactive_configuration.max_total_virtual_machines", Reason: "must be positive"}
		}
	}
	if c.PlannerConfig != nil {
		if c.PlannerConfig.URL == "" || c.PlannerConfig.Flavor == "" {
			return &rmerrors.ConfigError{Field: "planner_config", Reason: "url and flavor must be set"}
		}
		if c.PlannerConfig.FallbackRunners < 0 {
			return &rmerrors.ConfigError{Field: "planner_config.fallback_runners", Reason: "must not be negative"}
		}
	}
	return nil
}

func (g *GitHubConfig) validate() error {
	if g.Token == "" {
		return &rmerrors.ConfigError{Field: "github_config.token", Reason: "must not be empty"}
	}
	hasOrg := g.Org != ""
	hasRepo := g.Repo != ""
	if hasOrg == hasRepo {
		return &rmerrors.ConfigError{Field: "github_config", Reason: "exactly one of org or repo must be set"}
	}
	if hasOrg && g.Group == "" {
		return &rmerrors.ConfigError{Field: "github_config.group", Reason: "required with org"}
	}
	return nil
}

func (s *ServiceConfig) validate() error {
	if s.UseAproxy && s.RunnerProxy == "" {
		return &rmerrors.ConfigError{Field: "service_config.use_aproxy", Reason: "requires a runner_proxy"}
	}
	for i, conn := range s.SSHDebugConnections {
		if ip := net.ParseIP(conn.Host); ip == nil || ip.To4() == nil {
			return &rmerrors.ConfigError{
				Field:  fmt.Sprintf("service_config.ssh_debug_connections[%d].host", i),
				Reason: "must be an IPv4 address",
			}
		}
		if conn.Port < 1 || conn.Port > 65535 {
			return &rmerrors.ConfigError{
				Field:  fmt.Sprintf("service_config.ssh_debug_connections[%d].port", i),
				Reason: "must be in 1-65535",
			}
		}
	}
	if s.RepoPolicy != nil && (s.RepoPolicy.Token == "" || s.RepoPolicy.URL == "") {
		return &rmerrors.ConfigError{Field: "service_config.repo_policy_compliance", Reason: "token and url must both be set"}
	}
	return nil
}

func (o *OpenStackConfig) validate() error {
	if o.VMPrefix == "" {
		return &rmerrors.ConfigError{Field: "openstack_configuration.vm_prefix", Reason: "must not be empty"}
	}
	if o.Network == "" {
		return &rmerrors.ConfigError{Field: "openstack_configuration.network", Reason: "must not be empty"}
	}
	creds := o.Credentials
	missing := ""
	switch {
	case creds.AuthURL == "":
		missing = "auth_url"
	case creds.ProjectName == "":
		missing = "project_name"
	case creds.Username == "":
		missing = "username"
	case creds.Password == "":
		missing = "password"
	case creds.UserDomainName == "":
		missing = "user_domain_name"
	case creds.ProjectDomainName == "":
		missing = "project_domain_name"
	}
	if missing != "" {
		return &rmerrors.ConfigError{Field: "openstack_configuration.credentials." + missing, Reason: "must not be empty"}
	}
	return nil
}

// SupportedLabels is the union of the manager name, extra labels and (for
// reactive mode) all image/flavor labels. The reactive consumer matches job
// labels against this set case-insensitively.
func (c *Config) SupportedLabels() []string {
	labels := []string{c.Name}
	labels = append(labels, c.ExtraLabels...)
	if c.Reactive != nil {
		for _, img := range c.Reactive.Images {
			labels = append(labels, img.Labels...)
		}
		for _, flv := range c.Reactive.Flavors {
			labels = append(labels, flv.Labels...)
		}
	}
	if c.NonReactive != nil {
		for _, comb := range c.NonReactive.Combinations {
			labels = append(labels, comb.Image.Labels...)
			labels = append(labels, comb.Flavor.Labels...)
		}
	}
	return labels
}
