// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package serve

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = 7 * 24 * time.Hour

// Sessions issues and validates signed session tokens. The set of live
// session IDs is replicated through the command log, so a token minted on
// one replica validates on every other.
type Sessions struct {
	secret []byte
	ttl    time.Duration

	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, ids: make(map[string]struct{})}
}

// Enabled reports whether authentication is configured at all.
func (s *Sessions) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

func NewSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// CreateSession registers a replicated session ID.
func (s *Sessions) CreateSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
	return nil
}

// RemoveSession revokes a session ID; tokens carrying it stop validating.
func (s *Sessions) RemoveSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
	return nil
}

func (s *Sessions) live(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Token signs a token for user bound to the session id.
func (s *Sessions) Token(user, id string) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Sessions) parse(token string) (*sessionClaims, error) {
	claims := new(sessionClaims)
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Validate checks the signature, the expiry and that the session is still
// live, returning the authenticated user name.
func (s *Sessions) Validate(token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	if !s.live(claims.ID) {
		return "", errors.New("session has been revoked")
	}
	return claims.Subject, nil
}

// sessionID extracts the session ID of a syntactically valid token.
func (s *Sessions) sessionID(token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	return claims.ID, nil
}
