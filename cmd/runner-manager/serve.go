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

package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openstack-ci/runner-manager/pkg/config"
	"github.com/openstack-ci/runner-manager/pkg/manager"
	"github.com/openstack-ci/runner-manager/pkg/metrics"
	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/planner"
	"github.com/openstack-ci/runner-manager/pkg/platform"
	"github.com/openstack-ci/runner-manager/pkg/platform/github"
	"github.com/openstack-ci/runner-manager/pkg/platform/jobmanager"
	"github.com/openstack-ci/runner-manager/pkg/reactive"
	"github.com/openstack-ci/runner-manager/pkg/reconciler"
	"github.com/openstack-ci/runner-manager/pkg/record"
	"github.com/openstack-ci/runner-manager/pkg/scaler"
	"github.com/openstack-ci/runner-manager/pkg/server"
	"github.com/openstack-ci/runner-manager/pkg/services/openstack"
	"github.com/openstack-ci/runner-manager/pkg/session"
)

const githubAPIBase = "https://api.github.com"

// Consumers exit after this many messages and the supervisor respawns them,
// so a slow leak in one child never outlives its batch.
const consumerMaxMessages = 64

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet manager: reconcilers, admin API and consumer supervisor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(opts.debug)
			if err != nil {
				return err
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, log, cfg, opts.configPath)
		},
	}
}

func serve(ctx context.Context, log logr.Logger, cfg *config.Config, configPath string) error {
	mgr, _, err := buildManager(ctx, log, cfg)
	if err != nil {
		return err
	}

	// One mutex serializes every fleet-mutating actor: both reconciler
	// loops, scaler ticks and admin flushes.
	var fleetMu sync.Mutex

	group, ctx := errgroup.WithContext(ctx)

	var processes *reactive.Supervisor
	if cfg.Reactive != nil {
		executable, err := os.Executable()
		if err != nil {
			return errors.Wrap(err, "resolving own executable")
		}
		processes = reactive.NewSupervisor(log, executable,
			"consume", "--config", configPath, "--max-messages", strconv.Itoa(consumerMaxMessages))
		group.Go(func() error { return processes.Run(ctx) })
	}

	sc := scaler.New(scaler.Options{
		Log:          log,
		Manager:      mgr,
		Recorder:     mgr.Recorder(),
		Mutex:        &fleetMu,
		Flavor:       scalerFlavor(cfg),
		BaseQuantity: baseQuantity(cfg),
		MaxQuantity:  maxQuantity(cfg),
		Processes:    scalerProcesses(processes),
	})

	if cfg.PlannerConfig != nil {
		rec := reconciler.New(reconciler.Options{
			Log:             log,
			Manager:         mgr,
			Planner:         planner.NewClient(log, cfg.PlannerConfig.URL),
			Mutex:           &fleetMu,
			Flavor:          cfg.PlannerConfig.Flavor,
			FallbackRunners: cfg.PlannerConfig.FallbackRunners,
			Interval:        cfg.PlannerConfig.ReconcileInterval(),
		})
		group.Go(func() error { return rec.RunCreateLoop(ctx) })
		group.Go(func() error { return rec.RunDeleteLoop(ctx) })
	} else {
		group.Go(func() error { return reconcileLoop(ctx, log, sc, 5*time.Minute) })
	}

	admin := server.New(server.Options{
		Log:    log,
		Fleet:  mgr,
		Scaler: sc,
		Mutex:  &fleetMu,
	})
	group.Go(func() error { return admin.Run(ctx, cfg.AdminConfig.Addr()) })

	log.Info("runner manager started", "name", cfg.Name, "prefix", cfg.OpenStackConfig.VMPrefix)
	return group.Wait()
}

// buildManager wires the cloud, platform and storage layers into a Manager.
func buildManager(ctx context.Context, log logr.Logger, cfg *config.Config) (*manager.Manager, *platform.Multiplexer, error) {
	sess, err := session.GetOrCreate(logr.NewContext(ctx, log), cfg.OpenStackConfig.Credentials)
	if err != nil {
		return nil, nil, err
	}

	fs := afero.NewOsFs()
	cloud := openstack.NewService(sess, log, cfg.OpenStackConfig, cfg.StorageConfig, fs)

	storage, err := metrics.NewStorage(fs, cfg.StorageConfig.MetricsDir, cfg.StorageConfig.QuarantineDir)
	if err != nil {
		return nil, nil, err
	}

	var providers []platform.Provider
	if cfg.GitHubConfig != nil {
		providers = append(providers, github.NewProvider(log, *cfg.GitHubConfig, cfg.OpenStackConfig.VMPrefix, githubAPIBase))
	}
	if cfg.JobManager != nil {
		jm, err := jobmanager.NewProvider(log, cfg.JobManager.URL, cfg.OpenStackConfig.VMPrefix)
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, jm)
	}
	if len(providers) == 0 {
		return nil, nil, errors.New("no platform backend configured")
	}
	mux := platform.NewMultiplexer(providers...)

	mgr := manager.New(manager.Options{
		Log:             log,
		Prefix:          cfg.OpenStackConfig.VMPrefix,
		Platform:        mux,
		Cloud:           cloud,
		Storage:         storage,
		Recorder:        record.NewFile(cfg.StorageConfig.EventsLog),
		VMConfig:        vmConfig(cfg),
		Labels:          cfg.SupportedLabels(),
		DefaultPlatform: providers[0].Name(),
		UserData:        manager.NewUserDataBuilder(cfg.ServiceConfig),
	})
	return mgr, mux, nil
}

// reconcileLoop drives periodic scaler ticks when no planner is configured.
func reconcileLoop(ctx context.Context, log logr.Logger, sc *scaler.Scaler, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := sc.Reconcile(ctx); err != nil {
			log.Error(err, "reconcile tick failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// vmConfig picks the fleet's image/flavor pair from the configuration.
func vmConfig(cfg *config.Config) params.VMConfig {
	if cfg.NonReactive != nil && len(cfg.NonReactive.Combinations) > 0 {
		comb := cfg.NonReactive.Combinations[0]
		return params.VMConfig{Image: comb.Image.Name, Flavor: comb.Flavor.Name}
	}
	if cfg.Reactive != nil && len(cfg.Reactive.Images) > 0 && len(cfg.Reactive.Flavors) > 0 {
		return params.VMConfig{Image: cfg.Reactive.Images[0].Name, Flavor: cfg.Reactive.Flavors[0].Name}
	}
	return params.VMConfig{}
}

func scalerFlavor(cfg *config.Config) string {
	if cfg.PlannerConfig != nil {
		return cfg.PlannerConfig.Flavor
	}
	return vmConfig(cfg).Flavor
}

func baseQuantity(cfg *config.Config) int {
	total := 0
	if cfg.NonReactive != nil {
		for _, comb := range cfg.NonReactive.Combinations {
			total += comb.BaseVirtualMachines
		}
	}
	return total
}

func maxQuantity(cfg *config.Config) int {
	if cfg.Reactive != nil {
		return cfg.Reactive.MaxTotalVirtualMachines
	}
	return 0
}

// scalerProcesses keeps the nil interface nil when no supervisor exists.
func scalerProcesses(s *reactive.Supervisor) scaler.ProcessManager {
	if s == nil {
		return nil
	}
	return s
}
