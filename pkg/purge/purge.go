// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package purge physically removes tombstoned projects and repositories once
// they stayed removed longer than the configured age. The scheduler runs on
// the leader only; every purge goes through the command executor so all
// replicas delete the same data in the same order.
package purge

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antgroup/omega/pkg/executor"
	"github.com/antgroup/omega/pkg/omega"
	"github.com/antgroup/omega/pkg/project"
)

const DefaultInterval = time.Minute

type Scheduler struct {
	manager  *project.Manager
	exec     *executor.Executor
	maxAge   time.Duration
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a stopped scheduler. A non-positive maxAge disables
// purging entirely; Start becomes a no-op.
func NewScheduler(manager *project.Manager, exec *executor.Executor, maxAge, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{manager: manager, exec: exec, maxAge: maxAge, interval: interval}
}

// Start begins scanning. It is called from the take-leadership callback and
// is idempotent; the loop ends when ctx does or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if s.maxAge <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	logrus.Infof("purge scheduler started (max age: %s)", s.maxAge)
}

// Stop ends scanning and waits for an in-flight sweep to finish. It is
// called from the release-leadership callback.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	logrus.Info("purge scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep purges everything tombstoned before the cutoff. Failures are logged
// and retried on the next tick.
func (s *Scheduler) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	for _, c := range s.manager.RemovedBefore(cutoff) {
		if ctx.Err() != nil {
			return
		}
		var cmd *executor.Command
		if c.Repository == "" {
			cmd = executor.NewPurgeProject(omega.System, c.Project)
		} else {
			cmd = executor.NewPurgeRepository(omega.System, c.Project, c.Repository)
		}
		if _, err := s.exec.Execute(ctx, cmd); err != nil {
			logrus.Warnf("purge of %s failed: %v", cmd, err)
			continue
		}
		logrus.Infof("purged %s (removed at %s)", cmd, c.RemovedAt.Format(time.RFC3339))
	}
}
