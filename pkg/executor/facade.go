// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"time"

	"github.com/antgroup/omega/pkg/omega"
	"github.com/antgroup/omega/pkg/project"
	"github.com/antgroup/omega/pkg/storage"
)

const (
	// DefaultWatchTimeout applies when a watch request names no timeout.
	DefaultWatchTimeout = 1 * time.Minute
	// MaxWatchTimeout caps every watch so a client cannot pin a goroutine
	// forever. Longer requests are clamped, not rejected.
	MaxWatchTimeout = 2 * time.Minute
)

// Reader is the read-side facade: point-in-time queries and long-lived
// watches against live repositories. Mutations never pass through it.
type Reader struct {
	manager *project.Manager
}

func NewReader(manager *project.Manager) *Reader {
	return &Reader{manager: manager}
}

func (r *Reader) repo(projectName, repoName string) (storage.Repository, error) {
	return r.manager.Repository(projectName, repoName)
}

// GetFile evaluates q at rev.
func (r *Reader) GetFile(projectName, repoName string, rev omega.Revision, q *omega.Query) (*omega.Entry, error) {
	repo, err := r.repo(projectName, repoName)
	if err != nil {
		return nil, err
	}
	return repo.Get(rev, q)
}

// FindFiles lists the entries matching pattern at rev, directories included.
func (r *Reader) FindFiles(projectName, repoName string, rev omega.Revision, pattern string) ([]*omega.Entry, error) {
	repo, err := r.repo(projectName, repoName)
	if err != nil {
		return nil, err
	}
	return repo.Find(rev, pattern)
}

// History lists the commits between two revisions that touch pattern.
func (r *Reader) History(projectName, repoName string, from, to omega.Revision, pattern string) ([]*omega.Commit, error) {
	repo, err := r.repo(projectName, repoName)
	if err != nil {
		return nil, err
	}
	return repo.History(from, to, pattern)
}

// Diff renders the difference between two revisions, restricted to pattern.
func (r *Reader) Diff(projectName, repoName string, from, to omega.Revision, pattern string, mode storage.DiffMode) ([]omega.Change, error) {
	repo, err := r.repo(projectName, repoName)
	if err != nil {
		return nil, err
	}
	return repo.Diff(from, to, pattern, mode)
}

// clampTimeout bounds a client supplied watch timeout.
func clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultWatchTimeout
	}
	if timeout > MaxWatchTimeout {
		return MaxWatchTimeout
	}
	return timeout
}

// WatchRepository blocks until a commit newer than lastKnown touches pattern.
// A zero revision result means the timeout elapsed with no change; callers
// translate it to their protocol's no-change reply.
func (r *Reader) WatchRepository(ctx context.Context, projectName, repoName string,
	lastKnown omega.Revision, pattern string, timeout time.Duration) (omega.Revision, error) {
	repo, err := r.repo(projectName, repoName)
	if err != nil {
		return 0, err
	}
	watchCtx, cancel := context.WithTimeout(ctx, clampTimeout(timeout))
	defer cancel()
	rev, err := repo.Watch(watchCtx, lastKnown, pattern)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return 0, nil
	}
	return rev, err
}

// WatchFile blocks until the query result differs from its value at
// lastKnown. A nil entry means the timeout elapsed with no change. When
// errorOnEntryNotFound is set and the file is missing at lastKnown, the
// watch fails immediately instead of waiting for the file to appear.
func (r *Reader) WatchFile(ctx context.Context, projectName, repoName string,
	lastKnown omega.Revision, q *omega.Query, timeout time.Duration,
	errorOnEntryNotFound bool) (*omega.Entry, error) {
	repo, err := r.repo(projectName, repoName)
	if err != nil {
		return nil, err
	}
	if errorOnEntryNotFound {
		if _, err := repo.Get(lastKnown, q); err != nil {
			return nil, err
		}
	}
	watchCtx, cancel := context.WithTimeout(ctx, clampTimeout(timeout))
	defer cancel()
	entry, err := repo.WatchQuery(watchCtx, lastKnown, q)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, nil
	}
	return entry, err
}
