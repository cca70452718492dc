// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/antgroup/omega/pkg/omega"
)

const (
	ErrorMessageKey = "X-Omega-Error-Message"
	JSON_MIME       = "application/json"
)

// ResponseWriter shadow ResponseWriter
type ResponseWriter struct {
	http.ResponseWriter
	written    int64
	statusCode int
	remoteAddr string
}

// NewResponseWriter bind ResponseWriter
func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, statusCode: http.StatusOK, remoteAddr: parseRemoteAddress(r)}
}

func (w *ResponseWriter) Write(data []byte) (int, error) {
	written, err := w.ResponseWriter.Write(data)
	w.written += int64(written)
	return written, err
}

func (w *ResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *ResponseWriter) StatusCode() int {
	return w.statusCode
}

func (w *ResponseWriter) Written() int64 {
	return w.written
}

func (w *ResponseWriter) RemoteAddr() string {
	return w.remoteAddr
}

func parseRemoteAddress(r *http.Request) string {
	xForwardedFor := r.Header.Get("X-Forwarded-For")
	if addr := strings.TrimSpace(strings.Split(xForwardedFor, ",")[0]); len(addr) != 0 {
		return addr
	}
	if addr := strings.TrimSpace(r.Header.Get("X-Real-Ip")); len(addr) != 0 {
		return addr
	}
	addr, _, _ := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	return addr
}

// errorBody is the JSON error shape: a stable kind plus a human message.
type errorBody struct {
	Exception string `json:"exception"`
	Message   string `json:"message"`
}

func renderFailure(w http.ResponseWriter, r *http.Request, code int, kind, message string) {
	w.Header().Set("Content-Type", JSON_MIME)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(&errorBody{Exception: kind, Message: message})
	r.Header.Set(ErrorMessageKey, message)
}

func renderFailureFormat(w http.ResponseWriter, r *http.Request, code int, kind, format string, a ...any) {
	renderFailure(w, r, code, kind, fmt.Sprintf(format, a...))
}

func statusOf(kind omega.ErrorKind) int {
	switch kind {
	case omega.ProjectNotFound, omega.RepositoryNotFound, omega.RevisionNotFound, omega.EntryNotFound:
		return http.StatusNotFound
	case omega.ProjectExists, omega.RepositoryExists,
		omega.ChangeConflict, omega.JSONPatchConflict, omega.TextPatchConflict, omega.RedundantChange:
		return http.StatusConflict
	case omega.TooManyRequests:
		return http.StatusTooManyRequests
	case omega.ReplicationError, omega.ShuttingDown:
		return http.StatusServiceUnavailable
	case omega.QueryExecution:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	renderFailure(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	kind := omega.KindOf(err)
	if kind == 0 {
		renderFailure(w, r, http.StatusInternalServerError, "UNKNOWN", "internal server error")
		r.Header.Set(ErrorMessageKey, err.Error())
		return
	}
	renderFailure(w, r, statusOf(kind), kind.String(), err.Error())
}

func JsonEncode(w http.ResponseWriter, a any) {
	w.Header().Set("Content-Type", JSON_MIME)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(a); err != nil {
		logrus.Errorf("encode response error: %v", err)
	}
}
