// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"encoding/json"
	"fmt"

	"github.com/antgroup/omega/pkg/omega"
	"github.com/antgroup/omega/pkg/quota"
	"github.com/antgroup/omega/pkg/storage"
)

type CommandType string

const (
	CreateProject       CommandType = "CREATE_PROJECT"
	RemoveProject       CommandType = "REMOVE_PROJECT"
	UnremoveProject     CommandType = "UNREMOVE_PROJECT"
	PurgeProject        CommandType = "PURGE_PROJECT"
	CreateRepository    CommandType = "CREATE_REPOSITORY"
	RemoveRepository    CommandType = "REMOVE_REPOSITORY"
	UnremoveRepository  CommandType = "UNREMOVE_REPOSITORY"
	PurgeRepository     CommandType = "PURGE_REPOSITORY"
	NormalizingPush     CommandType = "NORMALIZING_PUSH"
	PushAsIs            CommandType = "PUSH_AS_IS"
	CreateSession       CommandType = "CREATE_SESSION"
	RemoveSession       CommandType = "REMOVE_SESSION"
	SetWriteQuota       CommandType = "SET_WRITE_QUOTA"
)

// Command is one mutating operation. Every command is a value: it marshals
// to JSON for the replication log and applies deterministically on every
// replica. A zero TimestampMillis means "use now"; the first replica that
// executes the command pins it before replication so that replays produce
// identical commits.
type Command struct {
	Type            CommandType  `json:"type"`
	Author          omega.Author `json:"author"`
	TimestampMillis int64        `json:"timestampMillis,omitempty"`

	Project    string `json:"project,omitempty"`
	Repository string `json:"repository,omitempty"`

	// NormalizingPush fields.
	BaseRevision omega.Revision `json:"baseRevision,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	Markup       omega.Markup   `json:"markup,omitempty"`
	Changes      []omega.Change `json:"changes,omitempty"`

	// PushAsIs carries the normalized outcome a leader computed; replicas
	// replay it without any conflict resolution.
	CommitResult *storage.CommitResult `json:"commitResult,omitempty"`

	SessionID string `json:"sessionId,omitempty"`

	Quota *quota.WriteQuota `json:"quota,omitempty"`
}

// RepositoryScoped reports whether the command targets one repository and
// therefore needs the per-repository write lock.
func (c *Command) RepositoryScoped() bool {
	return c.Repository != ""
}

// LockKey names the mutual-exclusion scope of the command.
func (c *Command) LockKey() string {
	if c.RepositoryScoped() {
		return c.Project + "/" + c.Repository
	}
	return c.Project
}

func (c *Command) String() string {
	if c.Repository != "" {
		return fmt.Sprintf("%s %s/%s", c.Type, c.Project, c.Repository)
	}
	if c.Project != "" {
		return fmt.Sprintf("%s %s", c.Type, c.Project)
	}
	return string(c.Type)
}

func (c *Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func UnmarshalCommand(b []byte) (*Command, error) {
	c := new(Command)
	if err := json.Unmarshal(b, c); err != nil {
		return nil, omega.WrapError(omega.ReplicationError, err, "corrupt replicated command")
	}
	return c, nil
}

func NewCreateProject(author omega.Author, project string) *Command {
	return &Command{Type: CreateProject, Author: author, Project: project}
}

func NewRemoveProject(author omega.Author, project string) *Command {
	return &Command{Type: RemoveProject, Author: author, Project: project}
}

func NewUnremoveProject(author omega.Author, project string) *Command {
	return &Command{Type: UnremoveProject, Author: author, Project: project}
}

func NewPurgeProject(author omega.Author, project string) *Command {
	return &Command{Type: PurgeProject, Author: author, Project: project}
}

func NewCreateRepository(author omega.Author, project, repo string) *Command {
	return &Command{Type: CreateRepository, Author: author, Project: project, Repository: repo}
}

func NewRemoveRepository(author omega.Author, project, repo string) *Command {
	return &Command{Type: RemoveRepository, Author: author, Project: project, Repository: repo}
}

func NewUnremoveRepository(author omega.Author, project, repo string) *Command {
	return &Command{Type: UnremoveRepository, Author: author, Project: project, Repository: repo}
}

func NewPurgeRepository(author omega.Author, project, repo string) *Command {
	return &Command{Type: PurgeRepository, Author: author, Project: project, Repository: repo}
}

func NewNormalizingPush(author omega.Author, project, repo string, base omega.Revision,
	summary, detail string, markup omega.Markup, changes []omega.Change) *Command {
	return &Command{
		Type: NormalizingPush, Author: author, Project: project, Repository: repo,
		BaseRevision: base, Summary: summary, Detail: detail, Markup: markup, Changes: changes,
	}
}

func NewSetWriteQuota(author omega.Author, project, repo string, q *quota.WriteQuota) *Command {
	return &Command{Type: SetWriteQuota, Author: author, Project: project, Repository: repo, Quota: q}
}

func NewCreateSession(author omega.Author, sessionID string) *Command {
	return &Command{Type: CreateSession, Author: author, SessionID: sessionID}
}

func NewRemoveSession(author omega.Author, sessionID string) *Command {
	return &Command{Type: RemoveSession, Author: author, SessionID: sessionID}
}
