// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package httpserver exposes the store over HTTP: project and repository
// management, content reads, pushes and long-poll watches under /api/v1. The
// wire shapes are plain camelCase JSON; the core stays transport-agnostic.
package httpserver

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/antgroup/omega/pkg/executor"
	"github.com/antgroup/omega/pkg/project"
)

// Authenticator validates bearer tokens. A disabled authenticator admits
// every request as anonymous.
type Authenticator interface {
	Enabled() bool
	Validate(token string) (string, error)
}

// TokenIssuer mints and revokes session tokens. The serve layer implements
// it on top of the command executor so sessions replicate.
type TokenIssuer interface {
	Login(ctx context.Context, user, credential string) (string, error)
	Logout(ctx context.Context, token string) error
}

type Options struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	ServerName   string

	Manager  *project.Manager
	Executor *executor.Executor
	Reader   *executor.Reader
	Auth     Authenticator
}

type Server struct {
	srv        *http.Server
	r          *mux.Router
	manager    *project.Manager
	exec       *executor.Executor
	reader     *executor.Reader
	auth       Authenticator
	serverName string
}

func NewServer(opts *Options) *Server {
	s := &Server{
		srv: &http.Server{
			Addr:         opts.Listen,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
		manager:    opts.Manager,
		exec:       opts.Executor,
		reader:     opts.Reader,
		auth:       opts.Auth,
		serverName: opts.ServerName,
	}
	s.initialize()
	return s
}

func (s *Server) initialize() {
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/monitor/l7check", s.HealthCheck).Methods("GET")
	r.HandleFunc("/api/v1/login", s.Login).Methods("POST")
	r.HandleFunc("/api/v1/logout", s.guard(s.Logout)).Methods("POST")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/projects", s.guard(s.ListProjects)).Methods("GET")
	api.HandleFunc("/projects", s.guard(s.CreateProject)).Methods("POST")
	api.HandleFunc("/projects/{project}", s.guard(s.RemoveProject)).Methods("DELETE")
	api.HandleFunc("/projects/{project}/unremove", s.guard(s.UnremoveProject)).Methods("POST")

	api.HandleFunc("/projects/{project}/repos", s.guard(s.ListRepositories)).Methods("GET")
	api.HandleFunc("/projects/{project}/repos", s.guard(s.CreateRepository)).Methods("POST")
	api.HandleFunc("/projects/{project}/repos/{repo}", s.guard(s.RemoveRepository)).Methods("DELETE")
	api.HandleFunc("/projects/{project}/repos/{repo}/unremove", s.guard(s.UnremoveRepository)).Methods("POST")
	api.HandleFunc("/projects/{project}/repos/{repo}/quota", s.guard(s.SetWriteQuota)).Methods("PUT")

	api.HandleFunc("/projects/{project}/repos/{repo}/revision/{revision}", s.guard(s.NormalizeRevision)).Methods("GET")
	api.HandleFunc("/projects/{project}/repos/{repo}/list{pattern:/.*}", s.guard(s.ListFiles)).Methods("GET")
	api.HandleFunc("/projects/{project}/repos/{repo}/files{pattern:/.*}", s.guard(s.GetFiles)).Methods("GET")
	api.HandleFunc("/projects/{project}/repos/{repo}/contents{path:/.*}", s.guard(s.GetFile)).Methods("GET")
	api.HandleFunc("/projects/{project}/repos/{repo}/contents", s.guard(s.Push)).Methods("POST")
	api.HandleFunc("/projects/{project}/repos/{repo}/commits/{from}", s.guard(s.GetHistory)).Methods("GET")
	api.HandleFunc("/projects/{project}/repos/{repo}/compare", s.guard(s.GetDiffs)).Methods("GET")
	api.HandleFunc("/projects/{project}/repos/{repo}/preview", s.guard(s.PreviewDiffs)).Methods("POST")
	api.HandleFunc("/projects/{project}/repos/{repo}/watch{path:/.*}", s.guard(s.Watch)).Methods("GET")
	s.r = r
	s.srv.Handler = s
}

func (s *Server) ListenAndServe() error {
	logrus.Infof("http server listening on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// remove multiple slash and ./..
	if r.URL != nil {
		r.URL.Path = path.Clean(r.URL.Path)
	}
	if s.serverName != "" {
		w.Header().Set("Server", s.serverName)
	}
	now := time.Now()
	hw := NewResponseWriter(w, r)
	s.r.ServeHTTP(hw, r)
	logResponse(hw, r, time.Since(now))
}

func logResponse(hw *ResponseWriter, r *http.Request, spent time.Duration) {
	message := r.Header.Get(ErrorMessageKey)
	statusCode := hw.StatusCode()
	switch {
	case statusCode >= http.StatusInternalServerError:
		logrus.Errorf("[%s] %s %s status: %d written: %d spent: %v message: %s",
			hw.RemoteAddr(), r.Method, r.RequestURI, statusCode, hw.Written(), spent, message)
	case len(message) != 0:
		logrus.Warnf("[%s] %s %s status: %d written: %d spent: %v message: %s",
			hw.RemoteAddr(), r.Method, r.RequestURI, statusCode, hw.Written(), spent, message)
	default:
		logrus.Infof("[%s] %s %s status: %d written: %d spent: %v",
			hw.RemoteAddr(), r.Method, r.RequestURI, statusCode, hw.Written(), spent)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
