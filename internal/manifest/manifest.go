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

// Package manifest implements the flat JSON rule description consumed
// by the kiln-build driver. It is deliberately not a rule language:
// no expressions, no macros, just directories mapping to declared
// targets, their shell command, and their file dependencies. A real
// project would replace this with its own RuleGenerator.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"kiln/internal/action"
	"kiln/internal/memo"
	"kiln/internal/rules"
	"kiln/pkg/buildpath"
)

// GlobalKey is the reserved manifest directory key holding rules and
// aliases composed into every directory the manifest describes
// (spec.md's global_rules lazy value), rather than one directory's own
// contribution.
const GlobalKey = "$global"

// Rule is one directory-scoped rule declaration.
type Rule struct {
	Targets            []string `json:"targets"`
	Command            []string `json:"command"`
	Deps               []string `json:"deps"`
	Mode               string   `json:"mode"`
	PromoteInto        string   `json:"promote_into"`
	AlwaysRerun        bool     `json:"always_rerun"`
	Locks              []string `json:"locks"`
	NotUsefulToSandbox bool     `json:"not_useful_to_sandbox"`
	NoSharedCache      bool     `json:"no_shared_cache"`
}

// rulesMonoid is the implicit-output accumulator used by GenRules and
// GlobalRules to build a DirRules value by Produce calls rather than
// direct field mutation, matching spec.md's "implicit output" model of
// how a generator actually contributes Rules.
var rulesMonoid = memo.Monoid[rules.DirRules]{Zero: rules.Zero, Combine: rules.Combine}

// Dir is one directory's manifest contribution.
type Dir struct {
	Rules         []Rule              `json:"rules"`
	Aliases       map[string][]string `json:"aliases"`
	SubdirsToKeep []string            `json:"subdirs_to_keep"`
}

// Manifest maps source-tree-relative directory paths ("" for the
// root) to their declared rules.
type Manifest map[string]Dir

// Load reads and parses a manifest file.
func Load(path string) (Manifest, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return m, nil
}

// Generator adapts a Manifest to loader.Generator, for one build
// context.
type Generator struct {
	mu       sync.RWMutex
	manifest Manifest
	context  string
}

// NewGenerator builds a Generator over m, whose build outputs live
// under the named context.
func NewGenerator(m Manifest, context string) *Generator {
	return &Generator{manifest: m, context: context}
}

// GenRules implements loader.Generator.
func (g *Generator) GenRules(dir buildpath.Dir) ([]string, rules.DirRules, error) {
	g.mu.RLock()
	md, ok := g.manifest[dir.Sub]
	g.mu.RUnlock()
	if !ok {
		return nil, rules.Zero(), nil
	}

	out, err := g.collectDir(dir, md)
	if err != nil {
		return nil, rules.DirRules{}, err
	}
	return md.SubdirsToKeep, out, nil
}

// GlobalRules implements loader.Generator, reading the manifest's
// reserved GlobalKey entry.
func (g *Generator) GlobalRules() (rules.DirRules, error) {
	g.mu.RLock()
	md, ok := g.manifest[GlobalKey]
	g.mu.RUnlock()
	if !ok {
		return rules.Zero(), nil
	}
	return g.collectDir(buildpath.Dir{Context: g.context, Sub: GlobalKey}, md)
}

// collectDir builds one Dir's DirRules contribution via memo.Collect /
// memo.Produce over rulesMonoid rather than direct field mutation, so
// the directory's rules and alias contributions genuinely flow through
// the build engine's implicit-output primitive.
func (g *Generator) collectDir(dir buildpath.Dir, md Dir) (rules.DirRules, error) {
	ctx := memo.NewCtx(memo.NewRunID())
	var genErr error

	out := memo.Collect(ctx, rulesMonoid, func(c *memo.Ctx) {
		for _, mr := range md.Rules {
			if len(mr.Targets) == 0 {
				genErr = fmt.Errorf("manifest: %s declares a rule with no targets", dir)
				return
			}
			mode, err := parseMode(mr.Mode)
			if err != nil {
				genErr = fmt.Errorf("manifest: %s: %w", dir, err)
				return
			}
			deps := make([]rules.Dep, 0, len(mr.Deps))
			for _, d := range mr.Deps {
				deps = append(deps, rules.FileDep(buildpath.Source(path.Join(dir.Sub, d))))
			}
			memo.Produce(c, rules.DirRules{Rules: []rules.Rule{{
				Dir:                dir,
				Targets:            mr.Targets,
				Deps:               deps,
				Mode:               mode,
				Promote:            rules.PromoteOptions{Into: mr.PromoteInto},
				Info:               rules.Info{Kind: rules.InfoFromRuleFile},
				Action:             action.FromDeps(deps),
				ActionDescription:  strings.Join(mr.Command, " "),
				CanGoInSharedCache: !mr.NoSharedCache,
				Locks:              mr.Locks,
				NotUsefulToSandbox: mr.NotUsefulToSandbox,
				AlwaysRerun:        mr.AlwaysRerun,
			}}})
		}

		for name, depNames := range md.Aliases {
			deps := make([]rules.Dep, 0, len(depNames))
			for _, d := range depNames {
				deps = append(deps, rules.FileDep(buildpath.Build(g.context, path.Join(dir.Sub, d))))
			}
			memo.Produce(c, rules.DirRules{AliasContribs: map[string][]rules.Dep{name: deps}})
		}
	})
	if genErr != nil {
		return rules.DirRules{}, genErr
	}
	return out, nil
}

func parseMode(s string) (rules.Mode, error) {
	switch s {
	case "", "standard":
		return rules.ModeStandard, nil
	case "fallback":
		return rules.ModeFallback, nil
	case "promote":
		return rules.ModePromote, nil
	case "ignore_source_files":
		return rules.ModeIgnoreSourceFiles, nil
	default:
		return 0, fmt.Errorf("unknown rule mode %q", s)
	}
}

// CommandFor returns the shell command declared for the rule in dir
// whose first target is target, or ok=false if the manifest has none.
func (m Manifest) CommandFor(dir buildpath.Dir, target string) ([]string, bool) {
	md, ok := m[dir.Sub]
	if !ok {
		return nil, false
	}
	for _, mr := range md.Rules {
		if len(mr.Targets) > 0 && mr.Targets[0] == target {
			return mr.Command, true
		}
	}
	return nil, false
}
