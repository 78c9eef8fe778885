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

package reactive

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
)

const (
	// restartDelay keeps a crash-looping consumer from spinning.
	restartDelay = 5 * time.Second

	// stopGrace is how long a consumer gets to finish its message after
	// SIGTERM before it is killed.
	stopGrace = 30 * time.Second

	superviseTick = time.Second
)

// Supervisor keeps a target number of consumer child processes alive.
// Consumers run as separate OS processes so a crashed consumer never takes
// the reconciler down with it.
type Supervisor struct {
	log     logr.Logger
	command string
	args    []string

	mu       sync.Mutex
	target   int
	children map[int]*child
	lastExit time.Time
}

// child is one running consumer; done closes once the process is reaped.
type child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewSupervisor builds a Supervisor spawning `command args...` per consumer.
func NewSupervisor(log logr.Logger, command string, args ...string) *Supervisor {
	return &Supervisor{
		log:      log.WithName("supervisor"),
		command:  command,
		args:     args,
		children: map[int]*child{},
	}
}

// SetTarget changes the desired consumer count; the run loop converges on
// it within a tick.
func (s *Supervisor) SetTarget(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = n
}

// Target returns the desired consumer count.
func (s *Supervisor) Target() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Running returns the number of live children.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Run converges the child set on the target until the context ends, then
// stops every child with SIGTERM and a kill after the grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(superviseTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
			s.converge()
		}
	}
}

func (s *Supervisor) converge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.children) > s.target {
		for pid, ch := range s.children {
			s.terminate(pid, ch)
			delete(s.children, pid)
			break
		}
	}

	if len(s.children) < s.target && time.Since(s.lastExit) >= restartDelay {
		if err := s.spawnLocked(); err != nil {
			s.log.Error(err, "spawning consumer")
			s.lastExit = time.Now()
		}
	}
}

// spawnLocked starts one child; the caller holds the mutex.
func (s *Supervisor) spawnLocked() error {
	cmd := exec.Command(s.command, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid
	ch := &child{cmd: cmd, done: make(chan struct{})}
	s.children[pid] = ch
	s.log.Info("started consumer", "pid", pid)

	go func() {
		err := cmd.Wait()
		close(ch.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.children[pid]; ok {
			delete(s.children, pid)
			s.lastExit = time.Now()
			s.log.Info("consumer exited", "pid", pid, "err", errString(err))
		}
	}()
	return nil
}

// terminate SIGTERMs one child and arranges a kill if it lingers past the
// grace period. The caller removes it from the set.
func (s *Supervisor) terminate(pid int, ch *child) {
	s.log.Info("stopping consumer", "pid", pid)
	if err := ch.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	go func() {
		select {
		case <-ch.done:
		case <-time.After(stopGrace):
			_ = ch.cmd.Process.Kill()
		}
	}()
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, ch := range s.children {
		s.terminate(pid, ch)
		delete(s.children, pid)
	}
}

func errString(err error) string {
	if err == nil {
		return "clean exit"
	}
	return err.Error()
}
