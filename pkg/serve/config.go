// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package serve assembles a running server out of the store, the project
// manager, the replication backend, the command executor and the HTTP
// surface, driven by one TOML configuration file.
package serve

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/antgroup/omega/pkg/quota"
	"github.com/antgroup/omega/pkg/replication"
	"github.com/antgroup/omega/pkg/storage"
)

const (
	DefaultListen       = "127.0.0.1:36462"
	DefaultReadTimeout  = 1 * time.Minute
	DefaultWriteTimeout = 3 * time.Minute
	DefaultIdleTimeout  = 5 * time.Minute

	DefaultQuietPeriod     = 1 * time.Second
	DefaultShutdownTimeout = 2 * time.Second
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type Cache struct {
	NumCounters       int64    `toml:"num_counters"`
	MaxWeightBytes    int64    `toml:"max_weight_bytes"`
	BufferItems       int64    `toml:"buffer_items"`
	ExpireAfterAccess Duration `toml:"expire_after_access,omitempty"`
}

func (c *Cache) Spec() *storage.CacheSpec {
	if c == nil {
		return nil
	}
	return &storage.CacheSpec{
		NumCounters:       c.NumCounters,
		MaxWeightBytes:    c.MaxWeightBytes,
		BufferItems:       c.BufferItems,
		ExpireAfterAccess: c.ExpireAfterAccess.Duration,
	}
}

// GracefulShutdown mirrors the two-phase stop: wait QuietPeriod for in-flight
// watches to settle, then force the listener down after Timeout.
type GracefulShutdown struct {
	QuietPeriod Duration `toml:"quiet_period,omitempty"`
	Timeout     Duration `toml:"timeout,omitempty"`
}

type Auth struct {
	// Secret signs session tokens. Empty disables authentication; every
	// request is anonymous.
	Secret string `toml:"secret,omitempty"`
	// Tokens are long-lived application credentials a client exchanges for
	// a revocable session token at /api/v1/login.
	Tokens   []string `toml:"tokens,omitempty"`
	TokenTTL Duration `toml:"token_ttl,omitempty"`
}

type Zone struct {
	CurrentZone string `toml:"current_zone,omitempty"`
}

type ServerConfig struct {
	DataDir                 string              `toml:"data_dir"`
	Listen                  string              `toml:"listen"`
	IdleTimeout             Duration            `toml:"idle_timeout,omitempty"`
	ReadTimeout             Duration            `toml:"read_timeout,omitempty"`
	WriteTimeout            Duration            `toml:"write_timeout,omitempty"`
	NumRepositoryWorkers    int64               `toml:"num_repository_workers,omitempty"`
	MaxFileBytes            int64               `toml:"max_file_bytes,omitempty"`
	MaxRemovedRepositoryAge Duration            `toml:"max_removed_repository_age,omitempty"`
	GracefulShutdown        GracefulShutdown    `toml:"graceful_shutdown,omitempty"`
	Cache                   *Cache              `toml:"cache,omitempty"`
	Replication             *replication.Config `toml:"replication,omitempty"`
	WriteQuotaPerRepository *quota.WriteQuota   `toml:"write_quota_per_repository,omitempty"`
	Auth                    *Auth               `toml:"auth,omitempty"`
	Zone                    *Zone               `toml:"zone,omitempty"`
}

const maxConfigSize = 1 << 20

// NewExpandReader opens a config file, optionally expanding ${ENV} references
// before parsing.
func NewExpandReader(file string, expandEnv bool) (io.ReadCloser, error) {
	if !expandEnv {
		return os.Open(file)
	}
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	if len(buf) > maxConfigSize {
		buf = buf[:maxConfigSize]
	}
	return io.NopCloser(strings.NewReader(os.ExpandEnv(string(buf)))), nil
}

func NewServerConfig(file string, expandEnv bool) (*ServerConfig, error) {
	r, err := NewExpandReader(file, expandEnv)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	sc := &ServerConfig{
		Listen:       DefaultListen,
		IdleTimeout:  Duration{Duration: DefaultIdleTimeout},
		ReadTimeout:  Duration{Duration: DefaultReadTimeout},
		WriteTimeout: Duration{Duration: DefaultWriteTimeout},
		GracefulShutdown: GracefulShutdown{
			QuietPeriod: Duration{Duration: DefaultQuietPeriod},
			Timeout:     Duration{Duration: DefaultShutdownTimeout},
		},
		MaxRemovedRepositoryAge: Duration{Duration: time.Hour},
	}
	if _, err = toml.NewDecoder(r).Decode(sc); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *ServerConfig) Validate() error {
	if sc.DataDir == "" {
		return &ConfigError{Field: "data_dir", Reason: "must not be empty"}
	}
	if err := sc.Replication.Validate(); err != nil {
		return err
	}
	return nil
}

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + " " + e.Reason
}
