// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/antgroup/omega/pkg/omega"
)

const (
	DefaultNumWorkers   = 16
	DefaultMaxFileBytes = 4 << 20
)

// Store opens and creates repositories. All of them share one tree cache and
// one worker pool bounding concurrent journal I/O.
type Store struct {
	cache        *treeCache
	workers      *semaphore.Weighted
	maxFileBytes int64
}

type StoreOptions struct {
	NumWorkers   int64
	MaxFileBytes int64
	Cache        *CacheSpec
}

func NewStore(opts *StoreOptions) (*Store, error) {
	if opts == nil {
		opts = &StoreOptions{}
	}
	numWorkers := opts.NumWorkers
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}
	maxFileBytes := opts.MaxFileBytes
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	cache, err := newTreeCache(opts.Cache)
	if err != nil {
		return nil, err
	}
	return &Store{
		cache:        cache,
		workers:      semaphore.NewWeighted(numWorkers),
		maxFileBytes: maxFileBytes,
	}, nil
}

// withWorker runs fn inside the repository worker pool so that callers are
// bounded by NumWorkers when they hit the disk.
func (s *Store) withWorker(fn func() error) error {
	if err := s.workers.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.workers.Release(1)
	return fn()
}

// Create initializes a repository at dir with the initial empty commit at
// revision 1.
func (s *Store) Create(dir, project, name string, createdAt time.Time) (Repository, error) {
	initial := &omega.Commit{
		Revision: omega.Init,
		Author:   omega.System,
		PushedAt: createdAt.UTC(),
		Summary:  "Create a new repository",
	}
	var j *journal
	err := s.withWorker(func() error {
		var err error
		j, err = createJournal(dir, initial)
		return err
	})
	if err != nil {
		return nil, omega.WrapError(omega.StorageFault, err, "failed to create repository %s/%s", project, name)
	}
	return &repository{
		store:     s,
		project:   project,
		name:      name,
		key:       repoKey(project, name),
		createdAt: createdAt,
		watchers:  newCommitWatchers(),
		j:         j,
		commits:   []*omega.Commit{initial},
		headTree:  tree{},
	}, nil
}

// Open loads a repository from disk, replaying its journal. ErrNotExist is
// surfaced as RepositoryNotFound; anything else is a storage fault.
func (s *Store) Open(dir, project, name string) (Repository, error) {
	var j *journal
	var commits []*omega.Commit
	err := s.withWorker(func() error {
		var err error
		j, commits, err = openJournal(dir)
		return err
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, omega.NewErrorf(omega.RepositoryNotFound, "repository %s/%s does not exist", project, name)
		}
		return nil, omega.WrapError(omega.StorageFault, err, "failed to open repository %s/%s", project, name)
	}
	if len(commits) == 0 {
		_ = j.close()
		return nil, omega.NewErrorf(omega.StorageFault, "repository %s/%s has no initial commit", project, name)
	}
	head := tree{}
	for _, c := range commits[1:] {
		next, err := applyNormalized(head, c.Changes)
		if err != nil {
			_ = j.close()
			return nil, omega.WrapError(omega.StorageFault, err, "failed to replay repository %s/%s", project, name)
		}
		head = next
	}
	return &repository{
		store:     s,
		project:   project,
		name:      name,
		key:       repoKey(project, name),
		createdAt: commits[0].PushedAt,
		watchers:  newCommitWatchers(),
		j:         j,
		commits:   commits,
		headTree:  head,
	}, nil
}

// Close releases the shared cache. Repositories are closed individually by
// their owners.
func (s *Store) Close() {
	s.cache.close()
}
