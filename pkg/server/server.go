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

// Package server is the admin HTTP surface: health, fleet inspection,
// flush/reconcile triggers and prometheus metrics. Mutating endpoints take
// the same mutex as the reconcilers, so an operator action never races a
// tick.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openstack-ci/runner-manager/pkg/manager"
	"github.com/openstack-ci/runner-manager/pkg/params"
)

const shutdownGrace = 10 * time.Second

// Fleet is the slice of the runner manager the admin API exposes.
type Fleet interface {
	GetRunners(ctx context.Context) ([]params.RunnerInstance, error)
	FlushRunners(ctx context.Context, mode params.FlushMode) (manager.Stats, error)
}

// Reconciler triggers one reconcile tick; it locks the shared mutex itself.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Options wires a Server together.
type Options struct {
	Log     logr.Logger
	Fleet   Fleet
	Scaler  Reconciler
	Metrics *Metrics

	// Mutex serializes flushes with the reconcilers.
	Mutex *sync.Mutex
}

// Server is the admin HTTP server.
type Server struct {
	log     logr.Logger
	engine  *gin.Engine
	fleet   Fleet
	scaler  Reconciler
	metrics *Metrics
	mu      *sync.Mutex
}

// New builds the Server and its routes.
func New(opts Options) *Server {
	mu := opts.Mutex
	if mu == nil {
		mu = &sync.Mutex{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		log:     opts.Log.WithName("admin"),
		engine:  engine,
		fleet:   opts.Fleet,
		scaler:  opts.Scaler,
		metrics: metrics,
		mu:      mu,
	}

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	v1 := engine.Group("/v1")
	v1.GET("/runners", s.handleListRunners)
	v1.POST("/flush", s.handleFlush)
	v1.POST("/reconcile", s.handleReconcile)
	return s
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until the context ends, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("admin server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListRunners(c *gin.Context) {
	runners, err := s.fleet.GetRunners(c.Request.Context())
	if err != nil {
		s.log.Error(err, "listing runners")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.metrics.ObserveFleet(runners)
	c.JSON(http.StatusOK, gin.H{"runners": runners})
}

type flushRequest struct {
	FlushBusy bool `json:"flush_busy"`
}

func (s *Server) handleFlush(c *gin.Context) {
	var req flushRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	mode := params.FlushIdle
	if req.FlushBusy {
		mode = params.FlushBusy
	}

	s.mu.Lock()
	stats, err := s.fleet.FlushRunners(c.Request.Context(), mode)
	s.mu.Unlock()
	if err != nil {
		s.log.Error(err, "flushing runners")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": stats.Deleted})
}

func (s *Server) handleReconcile(c *gin.Context) {
	start := time.Now()
	err := s.scaler.Reconcile(c.Request.Context())
	s.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.ReconcileTotal.WithLabelValues("error").Inc()
		s.log.Error(err, "reconciling")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.metrics.ReconcileTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
}
