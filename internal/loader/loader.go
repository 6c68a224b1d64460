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

// Package loader implements load_dir: given one directory, it asks a
// rule generator for that directory's rules, reconciles them against
// the files actually present in the source and build trees, and
// synthesizes the copy rules and stale-artifact list the rest of the
// engine needs.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"kiln/internal/rules"
	"kiln/pkg/buildpath"
)

// UserError reports a problem with the rules a directory declared,
// as opposed to a bug in the engine itself.
type UserError struct {
	Dir     buildpath.Dir
	Message string
}

func (e *UserError) Error() string {
	return fmt.Sprintf("loader: %s: %s", e.Dir, e.Message)
}

// Generator supplies the rules and sub-directories-to-keep for one
// directory. It is implemented by whatever consumer understands the
// project's own build-file syntax; this package only consumes it.
type Generator interface {
	GenRules(dir buildpath.Dir) (subdirsToKeep []string, contributed rules.DirRules, err error)

	// GlobalRules returns the project-wide rules and aliases declared
	// once, outside any one directory (spec.md's global_rules lazy
	// value), composed into every directory this Loader loads.
	GlobalRules() (rules.DirRules, error)
}

// Loaded is the fully reconciled result of loading one directory.
type Loaded struct {
	Dir     buildpath.Dir
	Rules   []rules.Rule
	Aliases []rules.Alias
	// Stale lists build-tree entries that are no longer produced by
	// any rule or kept sub-directory. Load has already removed them
	// from the build tree by the time it returns.
	Stale []string
}

// Loader reconciles a Generator's declarations against the source and
// build trees rooted at sourceRoot/buildRoot.
type Loader struct {
	sourceRoot string
	buildRoot  string
	gen        Generator
}

// New constructs a Loader.
func New(sourceRoot, buildRoot string, gen Generator) *Loader {
	return &Loader{sourceRoot: sourceRoot, buildRoot: buildRoot, gen: gen}
}

// Load runs the full load_dir algorithm for dir.
func (l *Loader) Load(dir buildpath.Dir) (Loaded, error) {
	subdirsToKeep, contributed, err := l.gen.GenRules(dir)
	if err != nil {
		return Loaded{}, fmt.Errorf("loader: generate rules for %s: %w", dir, err)
	}
	global, err := l.gen.GlobalRules()
	if err != nil {
		return Loaded{}, fmt.Errorf("loader: generate global rules: %w", err)
	}
	ruleList, aliases := rules.Combine(contributed, filterGlobalForDir(global, dir)).Consume(dir)

	sourceDir := filepath.Join(l.sourceRoot, dir.Sub)
	srcEntries, err := os.ReadDir(sourceDir)
	if err != nil && !os.IsNotExist(err) {
		return Loaded{}, fmt.Errorf("loader: read source dir %s: %w", sourceDir, err)
	}
	srcFiles := map[string]bool{}
	srcSubdirs := map[string]bool{}
	for _, entry := range srcEntries {
		if entry.IsDir() {
			srcSubdirs[entry.Name()] = true
		} else {
			srcFiles[entry.Name()] = true
		}
	}

	ruleList, err = filterFallbackRules(dir, ruleList, srcFiles)
	if err != nil {
		return Loaded{}, err
	}

	targets := make(map[string]bool, len(ruleList))
	ignoreSourceFiles := map[string]bool{}
	for _, r := range ruleList {
		for _, name := range sourceFilesToIgnore(r) {
			ignoreSourceFiles[name] = true
		}
		for _, t := range r.Targets {
			if targets[t] {
				return Loaded{}, &UserError{Dir: dir, Message: fmt.Sprintf("target %q is declared by more than one rule", t)}
			}
			if srcSubdirs[t] {
				return Loaded{}, &UserError{Dir: dir, Message: fmt.Sprintf("target %q collides with a source sub-directory of the same name", t)}
			}
			targets[t] = true
		}
	}

	for _, entry := range srcEntries {
		if entry.IsDir() || targets[entry.Name()] || ignoreSourceFiles[entry.Name()] {
			continue
		}
		ruleList = append(ruleList, syntheticCopyRule(dir, entry.Name()))
		targets[entry.Name()] = true
	}

	aliases = withDefaultAlias(dir, aliases)

	keep := make(map[string]bool, len(subdirsToKeep)+len(targets))
	for name := range targets {
		keep[name] = true
	}
	for _, s := range subdirsToKeep {
		keep[s] = true
	}

	stale, err := l.staleBuildEntries(dir, keep)
	if err != nil {
		return Loaded{}, err
	}
	if err := l.removeStaleEntries(dir, stale); err != nil {
		return Loaded{}, err
	}

	sort.Slice(ruleList, func(i, j int) bool { return ruleList[i].Key() < ruleList[j].Key() })

	return Loaded{Dir: dir, Rules: ruleList, Aliases: aliases, Stale: stale}, nil
}

// filterGlobalForDir narrows a global_rules contribution to what's
// applicable when loading dir: alias contributions apply to every
// directory unconditionally (Consume re-scopes them to whatever dir
// is passed in), but plain rules only apply where they actually target
// dir, preserving the invariant that a loaded directory's rules all
// target that directory.
func filterGlobalForDir(global rules.DirRules, dir buildpath.Dir) rules.DirRules {
	out := rules.DirRules{AliasContribs: global.AliasContribs}
	for _, r := range global.Rules {
		if r.Dir == dir {
			out.Rules = append(out.Rules, r)
		}
	}
	return out
}

// filterFallbackRules implements load_dir step 5: a Fallback-mode rule
// is dropped entirely when every one of its targets already exists in
// the source tree (the checked-in copy wins); kept unchanged when none
// of them do; and rejected as a user error when only some do, since
// there would be no consistent answer for which targets the rule is
// still responsible for.
func filterFallbackRules(dir buildpath.Dir, in []rules.Rule, srcFiles map[string]bool) ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(in))
	for _, r := range in {
		if r.Mode != rules.ModeFallback {
			out = append(out, r)
			continue
		}
		present, absent := 0, 0
		for _, t := range r.Targets {
			if srcFiles[t] {
				present++
			} else {
				absent++
			}
		}
		switch {
		case present == len(r.Targets):
			// All targets already checked in; the fallback rule yields.
			continue
		case absent == len(r.Targets):
			out = append(out, r)
		default:
			return nil, &UserError{Dir: dir, Message: fmt.Sprintf(
				"fallback rule for %v: some targets are present in the source tree and some are not; a fallback rule's targets must be all present or all absent", r.Targets)}
		}
	}
	return out, nil
}

// withDefaultAlias ensures every context directory has a "default"
// alias, aliasing it to "all" when the directory's own rules didn't
// define one explicitly (spec.md step 2; the source distinguishes
// "all" from "install" by project version, a concept this engine does
// not model, so "all" is used unconditionally — see DESIGN.md).
func withDefaultAlias(dir buildpath.Dir, aliases []rules.Alias) []rules.Alias {
	if dir.Context == "" {
		return aliases
	}
	for _, a := range aliases {
		if a.Name == "default" {
			return aliases
		}
	}
	return append(aliases, rules.Alias{
		Dir:  dir,
		Name: "default",
		Deps: []rules.Dep{rules.AliasDep(dir, "all")},
	})
}

// sourceFilesToIgnore implements load_dir step 3: source_files_to_ignore
// is the union of the *specific* targets declared by Ignore_source_files
// rules and the (predicate-honoring) targets of Promote{only} rules —
// never a whole-directory switch. A rule with no Only restriction
// promotes (and therefore copy-shadows) every one of its targets; one
// that names specific targets via Only only shadows those.
func sourceFilesToIgnore(r rules.Rule) []string {
	switch {
	case r.Mode == rules.ModeIgnoreSourceFiles:
		return append([]string{}, r.Targets...)
	case r.Mode == rules.ModePromote:
		if len(r.Promote.Only) > 0 {
			return append([]string{}, r.Promote.Only...)
		}
		return append([]string{}, r.Targets...)
	default:
		return nil
	}
}

func syntheticCopyRule(dir buildpath.Dir, name string) rules.Rule {
	source := buildpath.Source(filepath.Join(dir.Sub, name))
	return rules.Rule{
		Dir:     dir,
		Targets: []string{name},
		Deps:    []rules.Dep{rules.FileDep(source)},
		Mode:    rules.ModeStandard,
		Info:    rules.Info{Kind: rules.InfoSourceFileCopy, Source: source},
	}
}

func (l *Loader) staleBuildEntries(dir buildpath.Dir, keep map[string]bool) ([]string, error) {
	buildDir := filepath.Join(l.buildRoot, dir.Context, dir.Sub)
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loader: read build dir %s: %w", buildDir, err)
	}
	var stale []string
	for _, entry := range entries {
		if keep[entry.Name()] {
			continue
		}
		stale = append(stale, entry.Name())
	}
	sort.Strings(stale)
	return stale, nil
}

// removeStaleEntries deletes every stale build-directory entry so that,
// per spec.md's cleanup-safety invariant, nothing remains under dir
// once Load returns that is neither a live target nor a kept
// sub-directory.
func (l *Loader) removeStaleEntries(dir buildpath.Dir, stale []string) error {
	if len(stale) == 0 {
		return nil
	}
	buildDir := filepath.Join(l.buildRoot, dir.Context, dir.Sub)
	for _, name := range stale {
		full := filepath.Join(buildDir, name)
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("loader: remove stale build entry %s: %w", full, err)
		}
	}
	return nil
}
