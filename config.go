// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/gem"
)

// Config is the explicit configuration value threaded through every
// constructor. Nothing below the CLI boundary reads the process
// environment; cmd/scint assembles this once from flags, environment,
// and the optional config file.
type Config struct {
	// CacheRoot overrides the XDG default cache directory.
	CacheRoot string

	// ProjectPath is the project-local install root, default
	// "vendor/bundle" under the working directory.
	ProjectPath string

	// Jobs is the scheduler's worker count; 0 means per-CPU default.
	Jobs int

	// RubyEngine, RubyVersion, and Arch form the ABI key.
	RubyEngine  string
	RubyVersion string
	Arch        string

	// RubygemsVersion is the tool-compatibility version for
	// `rubygems:` requirements.
	RubygemsVersion string

	// StrictRubyUpper honors interpreter upper bounds during
	// resolution instead of relaxing them.
	StrictRubyUpper bool

	// TarStrategy selects the extractor: "internal" or "system".
	TarStrategy string

	// Debug enables verbose engine logging.
	Debug bool

	// Profile enables the sampling profiler.
	Profile bool

	// Credentials maps a host to the Authorization header value used
	// for index and artifact requests against it.
	Credentials map[string]string

	// FailFast stops scheduling new work after the first failure.
	FailFast bool
}

// ABI derives the cache namespace key.
func (c Config) ABI() gem.ABI {
	return gem.ABI{Engine: c.RubyEngine, Version: c.RubyVersion, Arch: c.Arch}
}

// CredentialFor returns the Authorization value for host, "" when none
// is configured.
func (c Config) CredentialFor(host string) string {
	if c.Credentials == nil {
		return ""
	}
	// Strip any port; credentials are per host name.
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if v, ok := c.Credentials[host]; ok {
		return v
	}
	// Environment-derived keys cannot tell dashes from dots.
	return c.Credentials[strings.ReplaceAll(strings.ToLower(host), "-", ".")]
}

// DefaultConfig returns the baseline configuration for the current
// host.
func DefaultConfig() Config {
	return Config{
		RubyEngine:      "ruby",
		RubyVersion:     "3.3.0",
		Arch:            hostArch(),
		RubygemsVersion: "3.5.11",
		TarStrategy:     "internal",
		FailFast:        true,
	}
}

func hostArch() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "arm64"
	}
	os := runtime.GOOS
	if os == "darwin" {
		return arch + "-darwin"
	}
	return arch + "-" + os
}

// fileConfig mirrors the optional user config file.
type fileConfig struct {
	CacheRoot   string `toml:"cache_root"`
	Jobs        int    `toml:"jobs"`
	TarStrategy string `toml:"tar_strategy"`
	RubyVersion string `toml:"ruby_version"`
	RubyEngine  string `toml:"ruby_engine"`
}

// LoadConfigFile merges an optional TOML config file into c. A missing
// file is not an error.
func LoadConfigFile(c Config, path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, errors.Wrapf(err, "read config %s", path)
	}

	var fc fileConfig
	if err := toml.Unmarshal(raw, &fc); err != nil {
		return c, errors.Wrapf(err, "parse config %s", path)
	}

	if fc.CacheRoot != "" {
		c.CacheRoot = fc.CacheRoot
	}
	if fc.Jobs > 0 {
		c.Jobs = fc.Jobs
	}
	if fc.TarStrategy != "" {
		c.TarStrategy = fc.TarStrategy
	}
	if fc.RubyVersion != "" {
		c.RubyVersion = fc.RubyVersion
	}
	if fc.RubyEngine != "" {
		c.RubyEngine = fc.RubyEngine
	}
	return c, nil
}

// CredentialsFromEnv derives per-host credentials from environment
// pairs of the form SCINT_AUTH__<HOST>=token, where the host is
// uppercased with dots and dashes mapped to underscores. Called only
// at the CLI boundary.
func CredentialsFromEnv(environ []string) map[string]string {
	const prefix = "SCINT_AUTH__"
	creds := make(map[string]string)
	for _, kv := range environ {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		hostKey := kv[len(prefix):eq]
		value := kv[eq+1:]
		if hostKey == "" || value == "" {
			continue
		}
		host := strings.ToLower(strings.ReplaceAll(hostKey, "_", "."))
		creds[host] = fmt.Sprintf("Bearer %s", value)
	}
	if len(creds) == 0 {
		return nil
	}
	return creds
}
