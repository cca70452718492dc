// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package serve

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antgroup/omega/pkg/executor"
	"github.com/antgroup/omega/pkg/project"
	"github.com/antgroup/omega/pkg/purge"
	"github.com/antgroup/omega/pkg/quota"
	"github.com/antgroup/omega/pkg/replication"
	"github.com/antgroup/omega/pkg/serve/httpserver"
	"github.com/antgroup/omega/pkg/storage"
	"github.com/antgroup/omega/pkg/version"
)

const statusFileName = "_server_status.json"

// Server owns every long-lived component: the store, the project manager,
// the replication backend, the executor, the purge scheduler and the HTTP
// listener. Lifecycle is start, serve, stop; Shutdown is idempotent.
type Server struct {
	config   *ServerConfig
	store    *storage.Store
	manager  *project.Manager
	backend  replication.Backend
	gate     *quota.Gate
	sessions *Sessions
	exec     *executor.Executor
	reader   *executor.Reader
	purger   *purge.Scheduler
	hs       *httpserver.Server

	closeOnce sync.Once
}

func NewServer(sc *ServerConfig) (*Server, error) {
	store, err := storage.NewStore(&storage.StoreOptions{
		NumWorkers:   sc.NumRepositoryWorkers,
		MaxFileBytes: sc.MaxFileBytes,
		Cache:        sc.Cache.Spec(),
	})
	if err != nil {
		return nil, err
	}
	manager, err := project.Load(sc.DataDir, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Server{config: sc, store: store, manager: manager}
	replicated := sc.Replication.Enabled()
	if replicated {
		s.backend, err = replication.NewEtcd(&replication.EtcdOptions{
			Endpoints: sc.Replication.Servers,
			Password:  sc.Replication.Secret,
			Prefix:    sc.Replication.Prefix,
			Timeout:   sc.Replication.Timeout(),
		})
		if err != nil {
			manager.Close()
			store.Close()
			return nil, err
		}
	} else {
		s.backend = replication.NewStandalone()
	}

	var shared replication.Counter
	if replicated {
		shared = s.backend.Counter()
	}
	s.gate = quota.New(sc.WriteQuotaPerRepository, shared)
	if sc.Auth != nil {
		s.sessions = NewSessions(sc.Auth.Secret, sc.Auth.TokenTTL.Duration)
	}

	var sessions executor.SessionHandler
	if s.sessions != nil {
		sessions = s.sessions
	}
	serverID := sc.Replication.ServerID
	s.exec = executor.New(&executor.Options{
		Manager:     manager,
		Backend:     s.backend,
		Gate:        s.gate,
		Sessions:    sessions,
		ServerID:    serverID,
		LockTimeout: sc.Replication.Timeout(),
		MaxLogCount: sc.Replication.MaxLogCount,
		MinLogAge:   sc.Replication.MinLogAge(),
		LeaderCallbacks: replication.LeaderCallbacks{
			OnTakeLeadership: func(ctx context.Context) {
				s.purger.Start(ctx)
				s.writeStatus()
			},
			OnReleaseLeadership: func() {
				s.purger.Stop()
				s.writeStatus()
			},
		},
	})
	s.reader = executor.NewReader(manager)
	s.purger = purge.NewScheduler(manager, s.exec, sc.MaxRemovedRepositoryAge.Duration, 0)

	s.hs = httpserver.NewServer(&httpserver.Options{
		Listen:       sc.Listen,
		ReadTimeout:  sc.ReadTimeout.Duration,
		WriteTimeout: sc.WriteTimeout.Duration,
		IdleTimeout:  sc.IdleTimeout.Duration,
		ServerName:   version.GetServerVersion(),
		Manager:      manager,
		Executor:     s.exec,
		Reader:       s.reader,
		Auth:         NewAccess(sc.Auth, s.sessions, s.exec),
	})
	return s, nil
}

// Start replays the replication log, joins the election and begins serving
// HTTP. It returns once the replica is caught up and the listener is up.
func (s *Server) Start(ctx context.Context) error {
	if err := s.exec.Start(ctx); err != nil {
		return err
	}
	s.writeStatus()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.hs.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	if s.config.Zone != nil && s.config.Zone.CurrentZone != "" {
		logrus.Infof("serving zone %s", s.config.Zone.CurrentZone)
	}
	return nil
}

// serverStatus is persisted across restarts so an operator can see the last
// known mode of a dead replica.
type serverStatus struct {
	Writable    bool `json:"writable"`
	Replicating bool `json:"replicating"`
}

func (s *Server) writeStatus() {
	st := &serverStatus{
		Writable:    s.exec.Writable(),
		Replicating: s.config.Replication.Enabled(),
	}
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	target := filepath.Join(s.config.DataDir, statusFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		logrus.Warnf("failed to write server status: %v", err)
		return
	}
	if err := os.Rename(tmp, target); err != nil {
		logrus.Warnf("failed to write server status: %v", err)
	}
}

// Shutdown stops serving: quiet period first so in-flight watches settle,
// then the listener is forced down, then every component closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		time.Sleep(s.config.GracefulShutdown.QuietPeriod.Duration)
		stopCtx, cancel := context.WithTimeout(ctx, s.config.GracefulShutdown.Timeout.Duration)
		defer cancel()
		if err := s.hs.Shutdown(stopCtx); err != nil {
			logrus.Errorf("shutdown http server: %v", err)
		}
		s.exec.Stop()
		s.writeStatus()
		s.manager.Close()
		if err := s.backend.Close(); err != nil {
			logrus.Errorf("close replication backend: %v", err)
		}
		s.store.Close()
	})
	return nil
}
