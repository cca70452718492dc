// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"fmt"
	"time"
)

const (
	MethodNone        = "NONE"
	MethodCoordinated = "coordinated"
)

// Member is one node of a quorum group. A zero weight node replicates but
// does not vote.
type Member struct {
	Address string `toml:"address"`
	Weight  int    `toml:"weight"`
}

// Group is one tier of a hierarchical quorum: a write is acknowledged once a
// majority of groups each reach a weighted majority of their members.
type Group struct {
	Name    string   `toml:"name"`
	Members []Member `toml:"members"`
}

// VotingWeight is the total voting weight of the group.
func (g *Group) VotingWeight() int {
	var w int
	for _, m := range g.Members {
		w += m.Weight
	}
	return w
}

type Config struct {
	Method          string   `toml:"method"`
	Servers         []string `toml:"servers"`
	ServerID        string   `toml:"server_id"`
	Secret          string   `toml:"secret,omitempty"`
	TimeoutMillis   int64    `toml:"timeout_millis"`
	NumWorkers      int      `toml:"num_workers"`
	MaxLogCount     uint64   `toml:"max_log_count"`
	MinLogAgeMillis int64    `toml:"min_log_age_millis"`
	Prefix          string   `toml:"prefix,omitempty"`
	Quorum          []Group  `toml:"quorum,omitempty"`
}

func (c *Config) Enabled() bool {
	return c != nil && c.Method == MethodCoordinated
}

func (c *Config) Timeout() time.Duration {
	if c == nil || c.TimeoutMillis <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c *Config) MinLogAge() time.Duration {
	if c == nil || c.MinLogAgeMillis <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.MinLogAgeMillis) * time.Millisecond
}

func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("replication.servers must not be empty")
	}
	if c.ServerID == "" {
		return fmt.Errorf("replication.server_id must not be empty")
	}
	for i := range c.Quorum {
		g := &c.Quorum[i]
		if len(g.Members) == 0 {
			return fmt.Errorf("quorum group %q has no members", g.Name)
		}
		if g.VotingWeight() == 0 {
			return fmt.Errorf("quorum group %q has no voting weight", g.Name)
		}
	}
	return nil
}

// GroupMajority is the number of groups that must reach their weighted
// majority before a write is acknowledged.
func (c *Config) GroupMajority() int {
	if len(c.Quorum) == 0 {
		return 0
	}
	return len(c.Quorum)/2 + 1
}
