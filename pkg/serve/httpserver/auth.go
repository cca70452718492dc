// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) < len(bearerPrefix) || !strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(bearerPrefix):]), true
}

// guard wraps a handler with bearer authentication. When no authenticator is
// configured every request passes as anonymous.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || !s.auth.Enabled() {
			next(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer realm="+r.Host)
			renderFailure(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing credential")
			return
		}
		if _, err := s.auth.Validate(token); err != nil {
			renderFailureFormat(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credential: %v", err)
			return
		}
		next(w, r)
	}
}

type loginRequest struct {
	User string `json:"user"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges a configured application token for a revocable session
// token. The session is replicated, so the token validates on any replica.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	issuer, ok := s.auth.(TokenIssuer)
	if s.auth == nil || !s.auth.Enabled() || !ok {
		renderFailure(w, r, http.StatusNotFound, "UNAUTHORIZED", "authentication is disabled")
		return
	}
	credential, okCred := bearerToken(r)
	if !okCred {
		renderFailure(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing credential")
		return
	}
	req := new(loginRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.User == "" {
		renderFailure(w, r, http.StatusBadRequest, "BAD_REQUEST", "user is required")
		return
	}
	token, err := issuer.Login(r.Context(), req.User, credential)
	if err != nil {
		renderFailure(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credential")
		return
	}
	JsonEncode(w, &loginResponse{Token: token})
}

// Logout revokes the presented session token on every replica.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	issuer, ok := s.auth.(TokenIssuer)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	token, okTok := bearerToken(r)
	if !okTok {
		renderFailure(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing credential")
		return
	}
	if err := issuer.Logout(r.Context(), token); err != nil {
		s.renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
