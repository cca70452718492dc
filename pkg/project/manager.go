// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package project owns the lifecycle of projects and their repositories:
// create, remove, unremove and purge, plus the reserved internal project and
// the per-project meta repository.
package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antgroup/omega/pkg/omega"
	"github.com/antgroup/omega/pkg/storage"
)

const (
	// InternalProject is created at first start and can never be removed.
	InternalProject = "dogma"
	// MetaRepository stores per-project credentials, mirror configuration
	// and quota metadata as JSON files. Every project has one.
	MetaRepository = "meta"

	projectMetaName = "project.json"
	removedMarker   = ".removed"
)

var nameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type projectMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Author    string    `json:"author,omitempty"`
}

// Repo is one repository slot inside a project. A removed repository keeps
// its slot (and its bytes on disk) until it is purged; its handle is closed.
type Repo struct {
	Name      string
	RemovedAt time.Time
	repo      storage.Repository
}

type Project struct {
	Name      string
	CreatedAt time.Time
	RemovedAt time.Time
	repos     map[string]*Repo
}

// Manager exclusively owns the set of projects. Mutations arrive from the
// command executor only; reads may come from any goroutine.
type Manager struct {
	root  string
	store *storage.Store

	mu       sync.RWMutex
	projects map[string]*Project
	closed   bool
}

// Load scans the data directory, reopens every live repository and makes
// sure the reserved internal project exists.
func Load(root string, store *storage.Store) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	m := &Manager{root: root, store: store, projects: make(map[string]*Project)}
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if !d.IsDir() || !nameRE.MatchString(d.Name()) {
			continue
		}
		p, err := m.loadProject(d.Name())
		if err != nil {
			return nil, err
		}
		if p != nil {
			m.projects[p.Name] = p
		}
	}
	if _, ok := m.projects[InternalProject]; !ok {
		if err := m.CreateProject(InternalProject, omega.System, time.Now()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) loadProject(name string) (*Project, error) {
	dir := filepath.Join(m.root, name)
	b, err := os.ReadFile(filepath.Join(dir, projectMetaName))
	if os.IsNotExist(err) {
		// not a project directory, skip
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta projectMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, err
	}
	p := &Project{Name: name, CreatedAt: meta.CreatedAt, repos: make(map[string]*Repo)}
	p.RemovedAt, _ = readRemovedMarker(dir)
	repoDirs, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, rd := range repoDirs {
		if !rd.IsDir() || !nameRE.MatchString(rd.Name()) {
			continue
		}
		repoDir := filepath.Join(dir, rd.Name())
		slot := &Repo{Name: rd.Name()}
		if removedAt, ok := readRemovedMarker(repoDir); ok {
			slot.RemovedAt = removedAt
		} else if p.RemovedAt.IsZero() {
			repo, err := m.store.Open(repoDir, name, rd.Name())
			if err != nil {
				return nil, err
			}
			slot.repo = repo
		}
		p.repos[rd.Name()] = slot
	}
	logrus.Infof("loaded project %s (%d repositories)", name, len(p.repos))
	return p, nil
}

func readRemovedMarker(dir string) (time.Time, bool) {
	b, err := os.ReadFile(filepath.Join(dir, removedMarker))
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return time.Now(), true
	}
	return ts, true
}

func writeRemovedMarker(dir string, ts time.Time) error {
	return os.WriteFile(filepath.Join(dir, removedMarker), []byte(ts.UTC().Format(time.RFC3339Nano)), 0644)
}

func validateName(name string) error {
	if !nameRE.MatchString(name) {
		return omega.NewErrorf(omega.ProjectNotFound, "invalid name: %q", name)
	}
	return nil
}

func (m *Manager) project(name string) (*Project, error) {
	p, ok := m.projects[name]
	if !ok || !p.RemovedAt.IsZero() {
		return nil, omega.NewErrorf(omega.ProjectNotFound, "project %s does not exist", name)
	}
	return p, nil
}

// CreateProject creates a live project with its meta repository.
func (m *Manager) CreateProject(name string, author omega.Author, ts time.Time) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return omega.NewError(omega.ShuttingDown, "server is shutting down")
	}
	if _, ok := m.projects[name]; ok {
		return omega.NewErrorf(omega.ProjectExists, "project %s already exists", name)
	}
	dir := filepath.Join(m.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return omega.WrapError(omega.StorageFault, err, "failed to create project %s", name)
	}
	meta, err := json.Marshal(&projectMeta{Name: name, CreatedAt: ts.UTC(), Author: author.Name})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, projectMetaName), meta, 0644); err != nil {
		return omega.WrapError(omega.StorageFault, err, "failed to create project %s", name)
	}
	p := &Project{Name: name, CreatedAt: ts, repos: make(map[string]*Repo)}
	m.projects[name] = p
	return m.createRepositoryLocked(p, MetaRepository, ts)
}

// RemoveProject tombstones a project. Every live repository in it closes,
// which wakes its watchers with a terminal failure.
func (m *Manager) RemoveProject(name string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == InternalProject {
		return omega.NewErrorf(omega.ChangeConflict, "cannot remove reserved project %s", name)
	}
	p, err := m.project(name)
	if err != nil {
		return err
	}
	for _, slot := range p.repos {
		if slot.repo != nil {
			_ = slot.repo.Close(omega.NewErrorf(omega.RepositoryNotFound,
				"repository %s/%s has been removed", name, slot.Name))
			slot.repo = nil
		}
	}
	if err := writeRemovedMarker(filepath.Join(m.root, name), ts); err != nil {
		return omega.WrapError(omega.StorageFault, err, "failed to remove project %s", name)
	}
	p.RemovedAt = ts
	return nil
}

// UnremoveProject brings a tombstoned project back, reopening every
// repository that was live when the project was removed.
func (m *Manager) UnremoveProject(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[name]
	if !ok {
		return omega.NewErrorf(omega.ProjectNotFound, "project %s does not exist", name)
	}
	if p.RemovedAt.IsZero() {
		return nil
	}
	if err := os.Remove(filepath.Join(m.root, name, removedMarker)); err != nil && !os.IsNotExist(err) {
		return omega.WrapError(omega.StorageFault, err, "failed to unremove project %s", name)
	}
	p.RemovedAt = time.Time{}
	for _, slot := range p.repos {
		if !slot.RemovedAt.IsZero() {
			continue
		}
		repo, err := m.store.Open(filepath.Join(m.root, name, slot.Name), name, slot.Name)
		if err != nil {
			return err
		}
		slot.repo = repo
	}
	return nil
}

// PurgeProject physically removes a tombstoned project. Purging a live
// project is rejected.
func (m *Manager) PurgeProject(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[name]
	if !ok {
		return omega.NewErrorf(omega.ProjectNotFound, "project %s does not exist", name)
	}
	if p.RemovedAt.IsZero() {
		return omega.NewErrorf(omega.ChangeConflict, "cannot purge live project %s", name)
	}
	if err := os.RemoveAll(filepath.Join(m.root, name)); err != nil {
		return omega.WrapError(omega.StorageFault, err, "failed to purge project %s", name)
	}
	delete(m.projects, name)
	logrus.Infof("purged project %s", name)
	return nil
}

func (m *Manager) ListProjects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, p := range m.projects {
		if p.RemovedAt.IsZero() {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) ListRemovedProjects() map[string]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time)
	for name, p := range m.projects {
		if !p.RemovedAt.IsZero() {
			out[name] = p.RemovedAt
		}
	}
	return out
}

// Close shuts every live repository down with a shutting-down failure.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, p := range m.projects {
		for _, slot := range p.repos {
			if slot.repo != nil {
				_ = slot.repo.Close(nil)
				slot.repo = nil
			}
		}
	}
}
