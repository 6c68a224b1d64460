// Kiln is an incremental build engine core.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config holds engine-wide settings, loaded from environment
// variables with flag overrides, following the same
// getenv/parse/validate shape the host codebase uses for its
// controller binary.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"kiln/internal/sandbox"
	"kiln/pkg/digest"
)

// Config is the engine's top-level, process-wide configuration.
type Config struct {
	SourceRoot string
	BuildRoot  string

	// SandboxPreference is the ordered list of sandbox modes the
	// executor tries, falling back to the next if the host can't
	// support one.
	SandboxPreference []sandbox.Mode

	// Workers is read from KILN_WORKERS and must be at least 1. The
	// engine does not read it: rule execution concurrency is not
	// bounded by it.
	Workers int

	// Watch is read from KILN_WATCH. The engine does not read it: every
	// top-level Build call starts a fresh memo run either way.
	Watch bool

	// SharedCacheURL, if set, is a filesystem path or http(s) URL for
	// the optional shared artifact cache. Empty disables it.
	SharedCacheURL string

	// RecheckProbability is the chance, per rule, that a cache hit is
	// verified by actually rerunning the action (spec's
	// reproducibility-check sampling, resolved as a configurable
	// boolean-producing hook built on a fixed-probability sampler).
	RecheckProbability float64

	// StdoutOnSuccess and StderrOnSuccess control what the executor
	// does with a successful action's captured output: "swallow"
	// discards it, "print" surfaces it even though the rule didn't
	// fail. Folded into the rule digest since it's output-affecting
	// policy (spec.md's stdout-on-success / stderr-on-success knobs).
	StdoutOnSuccess string
	StderrOnSuccess string

	// RemoveWritePermissions strips write bits from a file right after
	// it's digested (spec.md §4.A/§4.F step 8e), so a build output
	// hardlinked into the cache can't be mutated in place by a later,
	// unrelated write.
	RemoveWritePermissions bool
}

// Default returns the engine's baseline configuration before env/flag
// overrides are applied.
func Default() Config {
	return Config{
		SourceRoot:             ".",
		BuildRoot:              ".kiln",
		SandboxPreference:      []sandbox.Mode{sandbox.ModeHardlink, sandbox.ModeSymlink, sandbox.ModeCopy},
		Workers:                4,
		Watch:                  false,
		RecheckProbability:     0.01,
		StdoutOnSuccess:        "swallow",
		StderrOnSuccess:        "swallow",
		RemoveWritePermissions: false,
	}
}

// LoadFromEnv overlays environment-variable settings onto c.
func LoadFromEnv(c Config) (Config, error) {
	if v := os.Getenv("KILN_SOURCE_ROOT"); v != "" {
		c.SourceRoot = v
	}
	if v := os.Getenv("KILN_BUILD_ROOT"); v != "" {
		c.BuildRoot = v
	}
	if v := os.Getenv("KILN_WATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("config: KILN_WATCH: %w", err)
		}
		c.Watch = b
	}
	if v := os.Getenv("KILN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("config: KILN_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("KILN_SHARED_CACHE_URL"); v != "" {
		c.SharedCacheURL = v
	}
	if v := os.Getenv("KILN_SANDBOX_PREFERENCE"); v != "" {
		modes, err := parseSandboxPreference(v)
		if err != nil {
			return c, err
		}
		c.SandboxPreference = modes
	}
	if v := os.Getenv("KILN_RECHECK_PROBABILITY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return c, fmt.Errorf("config: KILN_RECHECK_PROBABILITY: %w", err)
		}
		c.RecheckProbability = f
	}
	if v := os.Getenv("KILN_STDOUT_ON_SUCCESS"); v != "" {
		s, err := parseOutputPolicy("KILN_STDOUT_ON_SUCCESS", v)
		if err != nil {
			return c, err
		}
		c.StdoutOnSuccess = s
	}
	if v := os.Getenv("KILN_STDERR_ON_SUCCESS"); v != "" {
		s, err := parseOutputPolicy("KILN_STDERR_ON_SUCCESS", v)
		if err != nil {
			return c, err
		}
		c.StderrOnSuccess = s
	}
	if v := os.Getenv("KILN_REMOVE_WRITE_PERMISSIONS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("config: KILN_REMOVE_WRITE_PERMISSIONS: %w", err)
		}
		c.RemoveWritePermissions = b
	}
	return c, nil
}

func parseOutputPolicy(env, v string) (string, error) {
	switch v {
	case "print", "swallow":
		return v, nil
	default:
		return "", fmt.Errorf("config: %s: must be %q or %q, got %q", env, "print", "swallow", v)
	}
}

func parseSandboxPreference(v string) ([]sandbox.Mode, error) {
	var modes []sandbox.Mode
	for _, name := range strings.Split(v, ",") {
		switch strings.TrimSpace(name) {
		case "none":
			modes = append(modes, sandbox.ModeNone)
		case "symlink":
			modes = append(modes, sandbox.ModeSymlink)
		case "hardlink":
			modes = append(modes, sandbox.ModeHardlink)
		case "copy":
			modes = append(modes, sandbox.ModeCopy)
		case "patch_back_source_tree":
			modes = append(modes, sandbox.ModePatchBackSourceTree)
		default:
			return nil, fmt.Errorf("config: unknown sandbox mode %q", name)
		}
	}
	if len(modes) == 0 {
		return nil, fmt.Errorf("config: KILN_SANDBOX_PREFERENCE must name at least one mode")
	}
	return modes, nil
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	if c.SourceRoot == "" {
		return fmt.Errorf("config: source root must not be empty")
	}
	if c.BuildRoot == "" {
		return fmt.Errorf("config: build root must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1, got %d", c.Workers)
	}
	if len(c.SandboxPreference) == 0 {
		return fmt.Errorf("config: sandbox preference must not be empty")
	}
	if c.RecheckProbability < 0 || c.RecheckProbability > 1 {
		return fmt.Errorf("config: recheck probability must be within [0,1], got %f", c.RecheckProbability)
	}
	if c.StdoutOnSuccess != "" {
		if _, err := parseOutputPolicy("stdout_on_success", c.StdoutOnSuccess); err != nil {
			return err
		}
	}
	if c.StderrOnSuccess != "" {
		if _, err := parseOutputPolicy("stderr_on_success", c.StderrOnSuccess); err != nil {
			return err
		}
	}
	return nil
}

// ExecParams is the immutable, per-directory execution policy a
// loaded rule inherits: which sandbox modes are acceptable (the
// executor narrows this further per-rule using the rule's own
// Sandbox_config dependency), whether to verify cache hits by
// actually rerunning, and so on.
type ExecParams struct {
	SandboxPreference      []sandbox.Mode
	RecheckProbability     float64
	StdoutOnSuccess        string
	StderrOnSuccess        string
	RemoveWritePermissions bool
}

// ExecParamsForDir derives the default ExecParams for a directory that
// declares no overrides of its own. Unlike earlier versions of this
// engine, the full preference list is passed through rather than
// pre-selecting a single mode: a rule's own Sandbox_config dependency
// may rule out the first preference, so the executor must see every
// candidate to pick the first one the rule actually permits.
func (c Config) ExecParamsForDir() ExecParams {
	return ExecParams{
		SandboxPreference:      c.SandboxPreference,
		RecheckProbability:     c.RecheckProbability,
		StdoutOnSuccess:        c.StdoutOnSuccess,
		StderrOnSuccess:        c.StderrOnSuccess,
		RemoveWritePermissions: c.RemoveWritePermissions,
	}
}

// ShouldRecheckCache decides, for one rule digest, whether a cache hit
// should be verified by rerunning the action anyway. It resolves the
// spec's reproducibility-check open question as a simple
// probability-sampled boolean rather than anything stateful.
func (p ExecParams) ShouldRecheckCache(ruleDigest digest.Digest) bool {
	if p.RecheckProbability <= 0 {
		return false
	}
	if p.RecheckProbability >= 1 {
		return true
	}
	return rand.Float64() < p.RecheckProbability
}
