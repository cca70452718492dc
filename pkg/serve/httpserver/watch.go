// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/antgroup/omega/pkg/omega"
)

// parsePreferWait extracts the long-poll timeout from "Prefer: wait=N"
// (seconds). Zero means "use the server default".
func parsePreferWait(r *http.Request) time.Duration {
	for _, field := range strings.Split(r.Header.Get("Prefer"), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "wait") {
			continue
		}
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// lastKnownRevision reads the client's last seen revision from If-None-Match
// (quotes tolerated), falling back to the head.
func lastKnownRevision(r *http.Request) (omega.Revision, error) {
	etag := strings.Trim(strings.TrimSpace(r.Header.Get("If-None-Match")), `"`)
	if etag == "" {
		return omega.Head, nil
	}
	return omega.ParseRevision(etag)
}

// Watch long-polls one repository path. With a JSON-path query it completes
// when the query result changes; otherwise the path is a pattern and the
// watch completes on the next matching commit. No change within the timeout
// answers 304 with an empty body so the client can simply re-watch.
func (s *Server) Watch(w http.ResponseWriter, r *http.Request) {
	mv := mux.Vars(r)
	lastKnown, err := lastKnownRevision(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	timeout := parsePreferWait(r)
	errorOnEntryNotFound := r.URL.Query().Get("errorOnEntryNotFound") == "true"

	if _, ok := r.URL.Query()["jsonpath"]; ok || r.URL.Query().Get("file") == "true" {
		entry, err := s.reader.WatchFile(r.Context(), mv["project"], mv["repo"],
			lastKnown, queryOf(r, mv["path"]), timeout, errorOnEntryNotFound)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		if entry == nil {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", strconv.Itoa(int(entry.Revision)))
		JsonEncode(w, toWireEntry(entry))
		return
	}

	rev, err := s.reader.WatchRepository(r.Context(), mv["project"], mv["repo"],
		lastKnown, mv["path"], timeout)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if rev == 0 {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", strconv.Itoa(int(rev)))
	JsonEncode(w, &revisionResponse{Revision: rev})
}
