// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package serve

import (
	"context"
	"errors"

	"github.com/antgroup/omega/pkg/executor"
	"github.com/antgroup/omega/pkg/omega"
)

// Access glues the session store and the static application tokens into the
// HTTP layer's authenticator. Static tokens validate as-is; everything else
// must be a live session token.
type Access struct {
	sessions *Sessions
	tokens   map[string]struct{}
	exec     *executor.Executor
}

func NewAccess(cfg *Auth, sessions *Sessions, exec *executor.Executor) *Access {
	a := &Access{sessions: sessions, tokens: make(map[string]struct{}), exec: exec}
	if cfg != nil {
		for _, t := range cfg.Tokens {
			a.tokens[t] = struct{}{}
		}
	}
	return a
}

func (a *Access) Enabled() bool {
	return a != nil && a.sessions.Enabled()
}

func (a *Access) Validate(token string) (string, error) {
	if _, ok := a.tokens[token]; ok {
		return "token", nil
	}
	return a.sessions.Validate(token)
}

// Login exchanges a configured application token for a session token. The
// session ID replicates through the command log before the token is minted.
func (a *Access) Login(ctx context.Context, user, credential string) (string, error) {
	if _, ok := a.tokens[credential]; !ok {
		return "", errors.New("unknown application token")
	}
	id, err := NewSessionID()
	if err != nil {
		return "", err
	}
	if _, err := a.exec.Execute(ctx, executor.NewCreateSession(omega.Author{Name: user}, id)); err != nil {
		return "", err
	}
	return a.sessions.Token(user, id)
}

// Logout revokes the session carried by token on every replica.
func (a *Access) Logout(ctx context.Context, token string) error {
	user, err := a.sessions.Validate(token)
	if err != nil {
		return errors.New("invalid session token")
	}
	id, err := a.sessions.sessionID(token)
	if err != nil {
		return err
	}
	_, err = a.exec.Execute(ctx, executor.NewRemoveSession(omega.Author{Name: user}, id))
	return err
}
