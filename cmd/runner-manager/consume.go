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
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/openstack-ci/runner-manager/pkg/config"
	"github.com/openstack-ci/runner-manager/pkg/queue"
	"github.com/openstack-ci/runner-manager/pkg/reactive"
)

func newConsumeCommand(opts *rootOptions) *cobra.Command {
	var maxMessages int

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run one reactive queue consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(opts.debug)
			if err != nil {
				return err
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Reactive == nil {
				return errors.New("consume requires a reactive_configuration section")
			}

			// SIGTERM cancels the context; the consumer aborts its critical
			// section and the claimed message is redelivered once its claim
			// expires broker-side.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mgr, mux, err := buildManager(ctx, log, cfg)
			if err != nil {
				return err
			}

			q, err := queue.Connect(ctx, cfg.Reactive.Queue.MongoDBURI, cfg.Reactive.Queue.QueueName)
			if err != nil {
				return err
			}
			defer func() {
				if err := q.Close(context.Background()); err != nil {
					log.Error(err, "closing queue")
				}
			}()

			consumer := reactive.NewConsumer(reactive.Options{
				Log:             log,
				Queue:           q,
				Spawner:         mgr,
				Platform:        mux,
				SupportedLabels: cfg.SupportedLabels(),
				MaxMessages:     maxMessages,
			})
			return consumer.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&maxMessages, "max-messages", 0, "exit after processing this many messages (0 = unlimited)")
	return cmd
}
