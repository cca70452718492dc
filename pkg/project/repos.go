// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antgroup/omega/pkg/omega"
	"github.com/antgroup/omega/pkg/storage"
)

// Repository resolves a live repository. Tombstoned projects and
// repositories are reported as missing.
func (m *Manager) Repository(project, name string) (storage.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.project(project)
	if err != nil {
		return nil, err
	}
	slot, ok := p.repos[name]
	if !ok || slot.repo == nil {
		return nil, omega.NewErrorf(omega.RepositoryNotFound, "repository %s/%s does not exist", project, name)
	}
	return slot.repo, nil
}

// MetaRepository resolves the reserved metadata repository of a project.
func (m *Manager) MetaRepository(project string) (storage.Repository, error) {
	return m.Repository(project, MetaRepository)
}

func (m *Manager) CreateRepository(project, name string, ts time.Time) error {
	if err := validateName(name); err != nil {
		return omega.NewErrorf(omega.RepositoryNotFound, "invalid repository name: %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(project)
	if err != nil {
		return err
	}
	return m.createRepositoryLocked(p, name, ts)
}

func (m *Manager) createRepositoryLocked(p *Project, name string, ts time.Time) error {
	if _, ok := p.repos[name]; ok {
		return omega.NewErrorf(omega.RepositoryExists, "repository %s/%s already exists", p.Name, name)
	}
	repo, err := m.store.Create(filepath.Join(m.root, p.Name, name), p.Name, name, ts)
	if err != nil {
		return err
	}
	p.repos[name] = &Repo{Name: name, repo: repo}
	logrus.Infof("created repository %s/%s", p.Name, name)
	return nil
}

// RemoveRepository tombstones a repository, waking its watchers with a
// terminal failure. The meta repository is not removable.
func (m *Manager) RemoveRepository(project, name string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(project)
	if err != nil {
		return err
	}
	if name == MetaRepository {
		return omega.NewErrorf(omega.ChangeConflict, "cannot remove reserved repository %s/%s", project, name)
	}
	slot, ok := p.repos[name]
	if !ok || slot.repo == nil {
		return omega.NewErrorf(omega.RepositoryNotFound, "repository %s/%s does not exist", project, name)
	}
	if err := writeRemovedMarker(filepath.Join(m.root, project, name), ts); err != nil {
		return omega.WrapError(omega.StorageFault, err, "failed to remove repository %s/%s", project, name)
	}
	_ = slot.repo.Close(omega.NewErrorf(omega.RepositoryNotFound,
		"repository %s/%s has been removed", project, name))
	slot.repo = nil
	slot.RemovedAt = ts
	return nil
}

func (m *Manager) UnremoveRepository(project, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(project)
	if err != nil {
		return err
	}
	slot, ok := p.repos[name]
	if !ok {
		return omega.NewErrorf(omega.RepositoryNotFound, "repository %s/%s does not exist", project, name)
	}
	if slot.RemovedAt.IsZero() {
		return nil
	}
	if err := os.Remove(filepath.Join(m.root, project, name, removedMarker)); err != nil && !os.IsNotExist(err) {
		return omega.WrapError(omega.StorageFault, err, "failed to unremove repository %s/%s", project, name)
	}
	repo, err := m.store.Open(filepath.Join(m.root, project, name), project, name)
	if err != nil {
		return err
	}
	slot.repo = repo
	slot.RemovedAt = time.Time{}
	return nil
}

// PurgeRepository physically removes a tombstoned repository; irreversible.
func (m *Manager) PurgeRepository(project, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[project]
	if !ok {
		return omega.NewErrorf(omega.ProjectNotFound, "project %s does not exist", project)
	}
	slot, ok := p.repos[name]
	if !ok {
		return omega.NewErrorf(omega.RepositoryNotFound, "repository %s/%s does not exist", project, name)
	}
	if slot.RemovedAt.IsZero() {
		return omega.NewErrorf(omega.ChangeConflict, "cannot purge live repository %s/%s", project, name)
	}
	if err := os.RemoveAll(filepath.Join(m.root, project, name)); err != nil {
		return omega.WrapError(omega.StorageFault, err, "failed to purge repository %s/%s", project, name)
	}
	delete(p.repos, name)
	logrus.Infof("purged repository %s/%s", project, name)
	return nil
}

// ListRepositories lists live repositories of a project with their heads.
func (m *Manager) ListRepositories(project string) (map[string]omega.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.project(project)
	if err != nil {
		return nil, err
	}
	out := make(map[string]omega.Revision)
	for name, slot := range p.repos {
		if slot.repo != nil {
			out[name] = slot.repo.Head()
		}
	}
	return out, nil
}

func (m *Manager) ListRemovedRepositories(project string) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.project(project)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time)
	for name, slot := range p.repos {
		if !slot.RemovedAt.IsZero() {
			out[name] = slot.RemovedAt
		}
	}
	return out, nil
}

// PurgeCandidate names one tombstoned project or repository whose removal
// time is older than the purge threshold.
type PurgeCandidate struct {
	Project    string
	Repository string
	RemovedAt  time.Time
}

// RemovedBefore enumerates everything tombstoned before cutoff. The purge
// scheduler turns these into purge commands.
func (m *Manager) RemovedBefore(cutoff time.Time) []PurgeCandidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PurgeCandidate
	for name, p := range m.projects {
		if !p.RemovedAt.IsZero() {
			if p.RemovedAt.Before(cutoff) {
				out = append(out, PurgeCandidate{Project: name, RemovedAt: p.RemovedAt})
			}
			continue
		}
		for repoName, slot := range p.repos {
			if !slot.RemovedAt.IsZero() && slot.RemovedAt.Before(cutoff) {
				out = append(out, PurgeCandidate{Project: name, Repository: repoName, RemovedAt: slot.RemovedAt})
			}
		}
	}
	return out
}
