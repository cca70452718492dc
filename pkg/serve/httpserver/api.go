// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/antgroup/omega/pkg/executor"
	"github.com/antgroup/omega/pkg/omega"
	"github.com/antgroup/omega/pkg/quota"
	"github.com/antgroup/omega/pkg/storage"
)

var anonymous = omega.Author{Name: "anonymous"}

// wireEntry is the JSON shape of an entry: raw JSON content for JSON
// entries, a plain string for text, nothing for directories.
type wireEntry struct {
	Revision omega.Revision  `json:"revision"`
	Path     string          `json:"path"`
	Type     omega.EntryType `json:"type"`
	Content  any             `json:"content,omitempty"`
}

func toWireEntry(e *omega.Entry) *wireEntry {
	out := &wireEntry{Revision: e.Revision, Path: e.Path, Type: e.Type}
	switch e.Type {
	case omega.JSON:
		out.Content = json.RawMessage(e.Content)
	case omega.Text:
		out.Content = string(e.Content)
	}
	return out
}

func toWireEntries(entries []*omega.Entry, withContent bool) []*wireEntry {
	out := make([]*wireEntry, 0, len(entries))
	for _, e := range entries {
		we := toWireEntry(e)
		if !withContent {
			we.Content = nil
		}
		out = append(out, we)
	}
	return out
}

type wireChange struct {
	Type    omega.ChangeType `json:"type"`
	Path    string           `json:"path"`
	Content json.RawMessage  `json:"content,omitempty"`
}

func toWireChange(c *omega.Change) *wireChange {
	out := &wireChange{Type: c.Type, Path: c.Path}
	switch c.Type {
	case omega.UpsertJSON, omega.ApplyJSONPatch:
		out.Content = json.RawMessage(c.Content)
	case omega.UpsertText, omega.Rename, omega.ApplyTextPatch:
		out.Content, _ = json.Marshal(string(c.Content))
	}
	return out
}

func toWireChanges(changes []omega.Change) []*wireChange {
	out := make([]*wireChange, 0, len(changes))
	for i := range changes {
		out = append(out, toWireChange(&changes[i]))
	}
	return out
}

func fromWireChange(wc *wireChange) (omega.Change, error) {
	c := omega.Change{Type: wc.Type, Path: wc.Path}
	switch wc.Type {
	case omega.UpsertJSON, omega.ApplyJSONPatch:
		c.Content = []byte(wc.Content)
	case omega.UpsertText, omega.Rename, omega.ApplyTextPatch:
		var s string
		if err := json.Unmarshal(wc.Content, &s); err != nil {
			return c, omega.NewErrorf(omega.ChangeConflict, "content of a %s change must be a string", wc.Type)
		}
		c.Content = []byte(s)
	case omega.Remove:
	default:
		return c, omega.NewErrorf(omega.ChangeConflict, "unknown change type")
	}
	return c, nil
}

func fromWireChanges(wcs []*wireChange) ([]omega.Change, error) {
	out := make([]omega.Change, 0, len(wcs))
	for _, wc := range wcs {
		c, err := fromWireChange(wc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func revisionParam(r *http.Request, name string, fallback omega.Revision) (omega.Revision, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return omega.ParseRevision(v)
}

func patternParam(r *http.Request) string {
	if p := r.URL.Query().Get("pathPattern"); p != "" {
		return p
	}
	return "/**"
}

// queryOf builds the query for a single-path read: a JSON-path projection
// when ?jsonpath= expressions are present, the text form with ?textOnly.
func queryOf(r *http.Request, path string) *omega.Query {
	q := r.URL.Query()
	if exprs, ok := q["jsonpath"]; ok && len(exprs) > 0 {
		return omega.NewJSONPathQuery(path, exprs...)
	}
	if q.Get("textOnly") == "true" {
		return omega.NewTextQuery(path)
	}
	return omega.NewQuery(path)
}

type nameRequest struct {
	Name   string        `json:"name"`
	Author *omega.Author `json:"author,omitempty"`
}

func (n *nameRequest) author() omega.Author {
	if n.Author != nil {
		return *n.Author
	}
	return anonymous
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, cmd *executor.Command) (*executor.Result, bool) {
	res, err := s.exec.Execute(r.Context(), cmd)
	if err != nil {
		s.renderError(w, r, err)
		return nil, false
	}
	return res, true
}

func (s *Server) ListProjects(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("status") == "removed" {
		out := make([]string, 0)
		for name := range s.manager.ListRemovedProjects() {
			out = append(out, name)
		}
		JsonEncode(w, out)
		return
	}
	JsonEncode(w, s.manager.ListProjects())
}

func (s *Server) CreateProject(w http.ResponseWriter, r *http.Request) {
	req := new(nameRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.Name == "" {
		renderFailure(w, r, http.StatusBadRequest, "BAD_REQUEST", "name is required")
		return
	}
	if _, ok := s.execute(w, r, executor.NewCreateProject(req.author(), req.Name)); !ok {
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) RemoveProject(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	if _, ok := s.execute(w, r, executor.NewRemoveProject(anonymous, project)); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) UnremoveProject(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	if _, ok := s.execute(w, r, executor.NewUnremoveProject(anonymous, project)); !ok {
		return
	}
	w.WriteHeader(http.StatusOK)
}

type wireRepository struct {
	Name         string         `json:"name"`
	HeadRevision omega.Revision `json:"headRevision,omitempty"`
	RemovedAt    *time.Time     `json:"removedAt,omitempty"`
}

func (s *Server) ListRepositories(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	if r.URL.Query().Get("status") == "removed" {
		removed, err := s.manager.ListRemovedRepositories(project)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		out := make([]*wireRepository, 0, len(removed))
		for name, ts := range removed {
			at := ts
			out = append(out, &wireRepository{Name: name, RemovedAt: &at})
		}
		JsonEncode(w, out)
		return
	}
	repos, err := s.manager.ListRepositories(project)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	out := make([]*wireRepository, 0, len(repos))
	for name, head := range repos {
		out = append(out, &wireRepository{Name: name, HeadRevision: head})
	}
	JsonEncode(w, out)
}

func (s *Server) CreateRepository(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	req := new(nameRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.Name == "" {
		renderFailure(w, r, http.StatusBadRequest, "BAD_REQUEST", "name is required")
		return
	}
	if _, ok := s.execute(w, r, executor.NewCreateRepository(req.author(), project, req.Name)); !ok {
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) RemoveRepository(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	if _, ok := s.execute(w, r, executor.NewRemoveRepository(anonymous, mv["project"], mv["repo"])); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) UnremoveRepository(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	if _, ok := s.execute(w, r, executor.NewUnremoveRepository(anonymous, mv["project"], mv["repo"])); !ok {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) SetWriteQuota(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	q := new(quota.WriteQuota)
	if err := json.NewDecoder(r.Body).Decode(q); err != nil {
		renderFailure(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed quota")
		return
	}
	if q.RequestQuota <= 0 {
		q = nil
	}
	if _, ok := s.execute(w, r, executor.NewSetWriteQuota(anonymous, mv["project"], mv["repo"], q)); !ok {
		return
	}
	w.WriteHeader(http.StatusOK)
}

type revisionResponse struct {
	Revision omega.Revision `json:"revision"`
}

func (s *Server) NormalizeRevision(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	repo, err := s.manager.Repository(mv["project"], mv["repo"])
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	rev, err := omega.ParseRevision(mv["revision"])
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	abs, err := repo.Normalize(rev)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	JsonEncode(w, &revisionResponse{Revision: abs})
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request, withContent bool) {
	mv := mux.Vars(r)
	rev, err := revisionParam(r, "revision", omega.Head)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	entries, err := s.reader.FindFiles(mv["project"], mv["repo"], rev, mv["pattern"])
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	JsonEncode(w, toWireEntries(entries, withContent))
}

func (s *Server) ListFiles(w http.ResponseWriter, r *http.Request) {
	s.listEntries(w, r, false)
}

func (s *Server) GetFiles(w http.ResponseWriter, r *http.Request) {
	s.listEntries(w, r, true)
}

func (s *Server) GetFile(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	rev, err := revisionParam(r, "revision", omega.Head)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	entry, err := s.reader.GetFile(mv["project"], mv["repo"], rev, queryOf(r, mv["path"]))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	JsonEncode(w, toWireEntry(entry))
}

type pushRequest struct {
	Author        *omega.Author `json:"author,omitempty"`
	CommitMessage struct {
		Summary string `json:"summary"`
		Detail  string `json:"detail,omitempty"`
		Markup  string `json:"markup,omitempty"`
	} `json:"commitMessage"`
	Changes []*wireChange `json:"changes"`
}

func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	base, err := revisionParam(r, "revision", omega.Head)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	req := new(pushRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		renderFailure(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed push request")
		return
	}
	if req.CommitMessage.Summary == "" {
		renderFailure(w, r, http.StatusBadRequest, "BAD_REQUEST", "commitMessage.summary is required")
		return
	}
	changes, err := fromWireChanges(req.Changes)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	author := anonymous
	if req.Author != nil {
		author = *req.Author
	}
	markup := omega.Plaintext
	if req.CommitMessage.Markup == omega.Markdown.String() {
		markup = omega.Markdown
	}
	res, ok := s.execute(w, r, executor.NewNormalizingPush(author, mv["project"], mv["repo"],
		base, req.CommitMessage.Summary, req.CommitMessage.Detail, markup, changes))
	if !ok {
		return
	}
	JsonEncode(w, &omega.PushResult{Revision: res.Revision, PushedAt: res.Commit.PushedAt})
}

type wireCommit struct {
	Revision omega.Revision `json:"revision"`
	Author   omega.Author   `json:"author"`
	PushedAt time.Time      `json:"pushedAt"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Markup   omega.Markup   `json:"markup,omitempty"`
	Changes  []*wireChange  `json:"changes,omitempty"`
}

func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	from, err := omega.ParseRevision(mv["from"])
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	to, err := revisionParam(r, "to", omega.Init)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	commits, err := s.reader.History(mv["project"], mv["repo"], from, to, patternParam(r))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	out := make([]*wireCommit, 0, len(commits))
	for _, c := range commits {
		out = append(out, &wireCommit{
			Revision: c.Revision, Author: c.Author, PushedAt: c.PushedAt,
			Summary: c.Summary, Detail: c.Detail, Markup: c.Markup,
			Changes: toWireChanges(c.Changes),
		})
	}
	JsonEncode(w, out)
}

func (s *Server) GetDiffs(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	from, err := revisionParam(r, "from", omega.Init)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	to, err := revisionParam(r, "to", omega.Head)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		repo, err := s.manager.Repository(mv["project"], mv["repo"])
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		change, err := repo.DiffQuery(from, to, queryOf(r, path))
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		JsonEncode(w, toWireChange(change))
		return
	}
	mode := storage.DiffModePatch
	if r.URL.Query().Get("diffMode") == "upsert" {
		mode = storage.DiffModeUpsert
	}
	changes, err := s.reader.Diff(mv["project"], mv["repo"], from, to, patternParam(r), mode)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	JsonEncode(w, toWireChanges(changes))
}

type previewRequest struct {
	Changes []*wireChange `json:"changes"`
}

func (s *Server) PreviewDiffs(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	base, err := revisionParam(r, "revision", omega.Head)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	req := new(previewRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		renderFailure(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed preview request")
		return
	}
	changes, err := fromWireChanges(req.Changes)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	repo, err := s.manager.Repository(mv["project"], mv["repo"])
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	preview, err := repo.PreviewDiff(base, changes...)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	JsonEncode(w, toWireChanges(preview))
}
