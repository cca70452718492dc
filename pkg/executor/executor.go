// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package executor serializes every mutation of the store into a single
// totally-ordered command stream. A replica executes a command locally and
// appends it to the replication log; every other replica replays the log in
// order. Normalizing pushes are replicated as their normalized outcome so
// followers never rerun conflict resolution.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antgroup/omega/pkg/omega"
	"github.com/antgroup/omega/pkg/project"
	"github.com/antgroup/omega/pkg/quota"
	"github.com/antgroup/omega/pkg/replication"
	"github.com/antgroup/omega/pkg/storage"
)

const (
	DefaultLockTimeout = 10 * time.Second
	DefaultMinLogAge   = 24 * time.Hour

	resultCacheSize = 1024
)

// Result is the outcome of an executed command. Commit is set for pushes.
type Result struct {
	Index    uint64
	Revision omega.Revision
	Commit   *storage.CommitResult
}

// SessionHandler applies replicated session commands. It is optional; a nil
// handler ignores them.
type SessionHandler interface {
	CreateSession(id string) error
	RemoveSession(id string) error
}

type Options struct {
	Manager  *project.Manager
	Backend  replication.Backend
	Gate     *quota.Gate
	Sessions SessionHandler
	// ServerID identifies this replica in the log and the progress keys.
	ServerID string
	// LockTimeout bounds how long a command waits for its repository lock.
	LockTimeout time.Duration
	// MaxLogCount bounds the replicated log: once the log grows past it the
	// leader prunes the oldest entries. Zero disables pruning.
	MaxLogCount uint64
	// MinLogAge protects recent entries from pruning even when the log is
	// over its count bound: an entry is removed only once it is older than
	// MinLogAge AND more than MaxLogCount entries behind the tip. Zero means
	// the one-day default.
	MinLogAge time.Duration
	// LeaderCallbacks fire after the executor updated its own leadership
	// state; the purge scheduler hooks in here.
	LeaderCallbacks replication.LeaderCallbacks
}

// Executor owns the write path. Reads go straight to the project manager and
// the repositories; every mutation must pass through Execute.
type Executor struct {
	manager     *project.Manager
	backend     replication.Backend
	gate        *quota.Gate
	sessions    SessionHandler
	serverID    string
	lockTimeout time.Duration
	maxLogCount uint64
	minLogAge   time.Duration
	extra       replication.LeaderCallbacks

	leading  atomic.Bool
	caughtUp atomic.Bool
	stopped  atomic.Bool

	results resultCache

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts *Options) *Executor {
	e := &Executor{
		manager:     opts.Manager,
		backend:     opts.Backend,
		gate:        opts.Gate,
		sessions:    opts.Sessions,
		serverID:    opts.ServerID,
		lockTimeout: opts.LockTimeout,
		maxLogCount: opts.MaxLogCount,
		minLogAge:   opts.MinLogAge,
		extra:       opts.LeaderCallbacks,
	}
	if e.serverID == "" {
		e.serverID = "standalone"
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = DefaultLockTimeout
	}
	if e.minLogAge <= 0 {
		e.minLogAge = DefaultMinLogAge
	}
	e.results.init(resultCacheSize)
	return e
}

// Start loads persisted quotas, replays the log until this replica caught up
// and begins campaigning for leadership. It blocks until the replica is
// caught up or ctx ends.
func (e *Executor) Start(ctx context.Context) error {
	if err := e.loadQuotas(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	last, err := e.backend.LastApplied(ctx, e.serverID)
	if err != nil {
		return omega.WrapError(omega.ReplicationError, err, "failed to read replay progress")
	}
	target, err := e.backend.Log().LastIndex(ctx)
	if err != nil {
		return omega.WrapError(omega.ReplicationError, err, "failed to read the log index")
	}
	ready := make(chan struct{})
	if target <= last {
		e.caughtUp.Store(true)
		close(ready)
	}

	e.wg.Add(2)
	go e.replayLoop(runCtx, last, target, ready)
	go e.electionLoop(runCtx)
	if e.maxLogCount > 0 {
		e.wg.Add(1)
		go e.pruneLoop(runCtx)
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends replay and resigns leadership. It is idempotent.
func (e *Executor) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Writable reports whether this replica accepts mutations: it must lead the
// cluster and have replayed the log to its tip at least once.
func (e *Executor) Writable() bool {
	return !e.stopped.Load() && e.leading.Load() && e.caughtUp.Load()
}

func (e *Executor) electionLoop(ctx context.Context) {
	defer e.wg.Done()
	err := e.backend.RunElection(ctx, e.serverID, replication.LeaderCallbacks{
		OnTakeLeadership: func(leaderCtx context.Context) {
			e.leading.Store(true)
			logrus.Infof("replica %s took leadership", e.serverID)
			if e.extra.OnTakeLeadership != nil {
				e.extra.OnTakeLeadership(leaderCtx)
			}
		},
		OnReleaseLeadership: func() {
			e.leading.Store(false)
			logrus.Infof("replica %s released leadership", e.serverID)
			if e.extra.OnReleaseLeadership != nil {
				e.extra.OnReleaseLeadership()
			}
		},
	})
	if err != nil && ctx.Err() == nil {
		logrus.Errorf("replica %s: election failed: %v", e.serverID, err)
	}
}

// replayLoop consumes the replication log forever, re-watching from the last
// applied index whenever the stream breaks. Entries this replica appended are
// skipped: they were applied locally before the append.
func (e *Executor) replayLoop(ctx context.Context, last, target uint64, ready chan struct{}) {
	defer e.wg.Done()
	for ctx.Err() == nil {
		ch, err := e.backend.Log().Watch(ctx, last)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.Errorf("replica %s: log watch failed, retrying: %v", e.serverID, err)
			time.Sleep(time.Second)
			continue
		}
		for entry := range ch {
			if entry.Origin != e.serverID && entry.Payload != nil {
				if err := e.replayEntry(ctx, &entry); err != nil {
					logrus.Errorf("replica %s: failed to replay entry %d: %v", e.serverID, entry.Index, err)
				}
			}
			last = entry.Index
			if err := e.backend.SetLastApplied(ctx, e.serverID, last); err != nil && ctx.Err() == nil {
				logrus.Errorf("replica %s: failed to record progress %d: %v", e.serverID, last, err)
			}
			if !e.caughtUp.Load() && last >= target {
				e.caughtUp.Store(true)
				close(ready)
			}
		}
	}
}

// pruneLoop trims the replicated log on the leader so it cannot grow without
// bound. An entry is removed only when both retention conditions hold: it is
// more than MaxLogCount entries behind the tip AND older than MinLogAge. A
// replica further behind than the pruned range must resync from a snapshot.
func (e *Executor) pruneLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !e.Writable() {
			continue
		}
		e.pruneOnce(ctx)
	}
}

func (e *Executor) pruneOnce(ctx context.Context) {
	last, err := e.backend.Log().LastIndex(ctx)
	if err != nil || last <= e.maxLogCount {
		return
	}
	olderThan := time.Now().Add(-e.minLogAge)
	if err := e.backend.Log().Prune(ctx, last-e.maxLogCount, olderThan); err != nil && ctx.Err() == nil {
		logrus.Warnf("replica %s: log prune failed: %v", e.serverID, err)
	}
}

func (e *Executor) replayEntry(ctx context.Context, entry *replication.Entry) error {
	cmd, err := UnmarshalCommand(entry.Payload)
	if err != nil {
		return err
	}
	_, _, err = e.apply(cmd)
	// replays are idempotent by construction; a conflict here means the
	// entry was already applied before a crash
	if err != nil && omega.IsConflict(err) {
		logrus.Warnf("replica %s: entry %d (%s) already applied: %v", e.serverID, entry.Index, cmd, err)
		return nil
	}
	return err
}

// Execute runs one command: admit it against the write quota, acquire its
// repository lock, apply it locally and append the replicated form to the
// log. Only a caught-up leader may execute.
func (e *Executor) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	if cmd.Type == PushAsIs {
		return nil, omega.NewError(omega.ReplicationError, "PUSH_AS_IS arrives via the replication log only")
	}
	if !e.Writable() {
		return nil, omega.NewErrorf(omega.ReplicationError,
			"replica %s is in read-only mode", e.serverID)
	}
	if cmd.TimestampMillis == 0 {
		cmd.TimestampMillis = time.Now().UnixMilli()
	}
	if cmd.Type == NormalizingPush && e.gate != nil {
		if err := e.gate.Admit(ctx, cmd.LockKey()); err != nil {
			return nil, err
		}
	}
	if cmd.Project != "" {
		release, err := e.lock(ctx, cmd.LockKey())
		if err != nil {
			return nil, err
		}
		defer release()
	}
	res, rep, err := e.apply(cmd)
	if err != nil {
		return nil, err
	}
	payload, err := rep.Marshal()
	if err != nil {
		return nil, omega.WrapError(omega.ReplicationError, err, "failed to encode %s", cmd)
	}
	index, err := e.backend.Log().Append(ctx, e.serverID, payload)
	if err != nil {
		// the command is applied locally but not replicated; the replica
		// must not accept further writes until the operator intervenes
		logrus.Errorf("replica %s: failed to append %s, entering read-only mode: %v", e.serverID, cmd, err)
		e.caughtUp.Store(false)
		return nil, omega.WrapError(omega.ReplicationError, err, "failed to replicate %s", cmd)
	}
	res.Index = index
	e.results.put(index, res)
	return res, nil
}

// ResultAt returns the cached result of a recently executed command.
func (e *Executor) ResultAt(index uint64) (*Result, bool) {
	return e.results.get(index)
}

func (e *Executor) lock(ctx context.Context, key string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	release, err := e.backend.Locker().Acquire(lockCtx, key)
	if err != nil {
		return nil, omega.WrapError(omega.ReplicationError, err,
			"failed to acquire a lock for %s in %d seconds", key, int(e.lockTimeout.Seconds()))
	}
	return release, nil
}

// apply executes the command against the local store. It returns the result
// and the form of the command to replicate, which differs from cmd only for
// normalizing pushes.
func (e *Executor) apply(cmd *Command) (*Result, *Command, error) {
	ts := time.UnixMilli(cmd.TimestampMillis).UTC()
	switch cmd.Type {
	case CreateProject:
		return &Result{}, cmd, e.manager.CreateProject(cmd.Project, cmd.Author, ts)
	case RemoveProject:
		return &Result{}, cmd, e.manager.RemoveProject(cmd.Project, ts)
	case UnremoveProject:
		return &Result{}, cmd, e.manager.UnremoveProject(cmd.Project)
	case PurgeProject:
		return &Result{}, cmd, e.manager.PurgeProject(cmd.Project)
	case CreateRepository:
		return &Result{}, cmd, e.manager.CreateRepository(cmd.Project, cmd.Repository, ts)
	case RemoveRepository:
		return &Result{}, cmd, e.manager.RemoveRepository(cmd.Project, cmd.Repository, ts)
	case UnremoveRepository:
		return &Result{}, cmd, e.manager.UnremoveRepository(cmd.Project, cmd.Repository)
	case PurgeRepository:
		return &Result{}, cmd, e.manager.PurgeRepository(cmd.Project, cmd.Repository)
	case NormalizingPush:
		repo, err := e.manager.Repository(cmd.Project, cmd.Repository)
		if err != nil {
			return nil, nil, err
		}
		res, err := repo.Commit(&storage.CommitRequest{
			BaseRevision: cmd.BaseRevision,
			PushedAt:     ts,
			Author:       cmd.Author,
			Summary:      cmd.Summary,
			Detail:       cmd.Detail,
			Markup:       cmd.Markup,
			Changes:      cmd.Changes,
		})
		if err != nil {
			return nil, nil, err
		}
		rep := &Command{
			Type: PushAsIs, Author: cmd.Author, TimestampMillis: cmd.TimestampMillis,
			Project: cmd.Project, Repository: cmd.Repository,
			Summary: cmd.Summary, Detail: cmd.Detail, Markup: cmd.Markup,
			CommitResult: res,
		}
		return &Result{Revision: res.Revision, Commit: res}, rep, nil
	case PushAsIs:
		repo, err := e.manager.Repository(cmd.Project, cmd.Repository)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.Replay(cmd.Author, cmd.Summary, cmd.Detail, cmd.Markup, cmd.CommitResult); err != nil {
			return nil, nil, err
		}
		return &Result{Revision: cmd.CommitResult.Revision, Commit: cmd.CommitResult}, cmd, nil
	case CreateSession:
		if e.sessions != nil {
			return &Result{}, cmd, e.sessions.CreateSession(cmd.SessionID)
		}
		return &Result{}, cmd, nil
	case RemoveSession:
		if e.sessions != nil {
			return &Result{}, cmd, e.sessions.RemoveSession(cmd.SessionID)
		}
		return &Result{}, cmd, nil
	case SetWriteQuota:
		if err := e.setWriteQuota(cmd, ts); err != nil {
			return nil, nil, err
		}
		return &Result{}, cmd, nil
	default:
		return nil, nil, omega.NewErrorf(omega.ReplicationError, "unknown command type %q", cmd.Type)
	}
}

const quotaPrefix = "/repos/"

// setWriteQuota updates the in-memory gate and persists the quota as a JSON
// file in the meta repository so it survives restarts.
func (e *Executor) setWriteQuota(cmd *Command, ts time.Time) error {
	key := cmd.LockKey()
	meta, err := e.manager.MetaRepository(cmd.Project)
	if err != nil {
		return err
	}
	if _, err := e.manager.Repository(cmd.Project, cmd.Repository); err != nil {
		return err
	}
	path := quotaPrefix + cmd.Repository + "/quota.json"
	var change omega.Change
	if cmd.Quota == nil {
		ok, err := meta.Exists(omega.Head, path)
		if err != nil {
			return err
		}
		if !ok {
			if e.gate != nil {
				e.gate.SetQuota(key, nil)
			}
			return nil
		}
		change = omega.NewRemove(path)
	} else {
		content, err := json.Marshal(cmd.Quota)
		if err != nil {
			return err
		}
		change = omega.NewUpsertJSON(path, content)
	}
	_, err = meta.Commit(&storage.CommitRequest{
		BaseRevision: omega.Head,
		PushedAt:     ts,
		Author:       cmd.Author,
		Summary:      fmt.Sprintf("Update the write quota of %s", key),
		Changes:      []omega.Change{change},
	})
	if err != nil && !omega.IsKind(err, omega.RedundantChange) {
		return err
	}
	if e.gate != nil {
		e.gate.SetQuota(key, cmd.Quota)
	}
	return nil
}

// loadQuotas primes the gate from the quota files persisted in every meta
// repository.
func (e *Executor) loadQuotas() error {
	if e.gate == nil {
		return nil
	}
	for _, name := range e.manager.ListProjects() {
		meta, err := e.manager.MetaRepository(name)
		if err != nil {
			continue
		}
		entries, err := meta.Find(omega.Head, "/repos/*/quota.json")
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Type != omega.JSON {
				continue
			}
			q := new(quota.WriteQuota)
			if err := json.Unmarshal(entry.Content, q); err != nil {
				logrus.Warnf("project %s: ignoring corrupt quota file %s: %v", name, entry.Path, err)
				continue
			}
			repo := repoOfQuotaPath(entry.Path)
			e.gate.SetQuota(name+"/"+repo, q)
		}
	}
	return nil
}

func repoOfQuotaPath(path string) string {
	rest := strings.TrimPrefix(path, quotaPrefix)
	repo, _, _ := strings.Cut(rest, "/")
	return repo
}

// resultCache keeps the results of the newest commands so a reply lost
// between the executor and the caller can be recovered by log index.
type resultCache struct {
	mu      sync.Mutex
	byIndex map[uint64]*Result
	order   []uint64
	limit   int
}

func (c *resultCache) init(limit int) {
	c.byIndex = make(map[uint64]*Result)
	c.limit = limit
}

func (c *resultCache) put(index uint64, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) >= c.limit {
		delete(c.byIndex, c.order[0])
		c.order = c.order[1:]
	}
	c.byIndex[index] = r
	c.order = append(c.order, index)
}

func (c *resultCache) get(index uint64) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.byIndex[index]
	return r, ok
}
