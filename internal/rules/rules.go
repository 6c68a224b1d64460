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

// Package rules defines the data model the build engine's directory
// loader and executor operate on: rules, aliases, dependencies, and
// the facts a rule's action records about its own execution.
package rules

import (
	"fmt"
	"sort"

	"kiln/internal/sandbox"
	"kiln/pkg/buildpath"
	"kiln/pkg/digest"
)

// State is the lifecycle state of one Rule within a run. States
// progress strictly forward except for the final branch.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StatePending  State = "pending"
	StateBuilding State = "building"
	StateBuilt    State = "built"
	StateCached   State = "cached"
	StateUnchanged State = "unchanged"
	StateFailed   State = "failed"
)

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	switch s {
	case StateInactive, StateActive, StatePending, StateBuilding,
		StateBuilt, StateCached, StateUnchanged, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a state a rule does not leave
// within a single run.
func (s State) IsTerminal() bool {
	switch s {
	case StateBuilt, StateCached, StateUnchanged, StateFailed:
		return true
	default:
		return false
	}
}

// Mode selects how a rule's outputs are treated after a successful
// action.
type Mode int

const (
	// ModeStandard outputs live only under the build root.
	ModeStandard Mode = iota
	// ModeFallback marks a rule that only runs when its declared
	// outputs are absent from the source tree.
	ModeFallback
	// ModePromote copies outputs back into the source tree after a
	// successful build.
	ModePromote
	// ModeIgnoreSourceFiles tells load_dir not to synthesize copy
	// rules for this rule's declared outputs even if a like-named
	// source file exists.
	ModeIgnoreSourceFiles
)

// PromoteOptions configures ModePromote behavior.
type PromoteOptions struct {
	// Lifetime, when true, means the promoted copy is considered
	// disposable (safe to delete on the next stale-artifact sweep if
	// the rule stops producing it).
	Lifetime bool
	// Into relocates the promoted file under this source-relative
	// directory instead of mirroring the build path.
	Into string
	// Only restricts promotion to outputs whose relative path is in
	// this set; nil promotes every declared output.
	Only []string
}

// Info records where a rule came from, for diagnostics and for the
// loader's decision about which rules it's allowed to synthesize vs.
// which came from a rule generator.
type Info struct {
	Kind     InfoKind
	Location string // file:line, populated for FromRuleFile
	Source   buildpath.Path
}

type InfoKind int

const (
	InfoFromRuleFile InfoKind = iota
	InfoInternal
	InfoSourceFileCopy
)

// Dep is a single dependency declaration. It is a closed sum encoded
// as a tagged struct (not an interface). Because SandboxConfig holds
// slices, Dep is not comparable with ==; its String form and
// DepsDigest serve as its identity.
type Dep struct {
	Kind DepKind

	File          buildpath.Path
	Alias         AliasRef
	Glob          GlobDep
	Env           string
	Universe      struct{}
	FileSelector  FileSelectorDep
	SandboxConfig SandboxConfigDep
}

type DepKind int

const (
	DepFile DepKind = iota
	DepAlias
	DepAliasIfExists
	DepGlob
	DepEnv
	DepUniverse
	DepFileSelector
	// DepSandboxConfig restricts which sandbox modes a rule permits,
	// spec.md's Sandbox_config(set) dependency variant. It never
	// resolves to a value; it only narrows mode selection at execution
	// time.
	DepSandboxConfig
)

// SandboxConfigDep restricts which sandbox modes are permitted for
// the rule carrying it. Required, if non-empty, further narrows
// selection to modes the rule insists on (e.g. an action that must
// see its dependencies at their real source-tree paths).
type SandboxConfigDep struct {
	Allowed  []sandbox.Mode
	Required []sandbox.Mode
}

// SandboxConfigDepOf declares a rule's sandbox mode permissions.
func SandboxConfigDepOf(allowed, required []sandbox.Mode) Dep {
	return Dep{Kind: DepSandboxConfig, SandboxConfig: SandboxConfigDep{Allowed: allowed, Required: required}}
}

// AliasRef names an alias within a directory.
type AliasRef struct {
	Dir  buildpath.Dir
	Name string
}

// GlobDep depends on the set of source files in Dir matching
// Predicate's description, recorded so a trace entry can detect that
// the matching set itself changed between runs.
type GlobDep struct {
	Dir         buildpath.Dir
	Description string
}

// FileSelectorDep depends on whichever files under Dir a predicate
// selects, without committing to individual file identities — used
// when a rule's inputs are discovered by pattern rather than named
// explicitly.
type FileSelectorDep struct {
	Dir         buildpath.Dir
	Description string
}

func (d Dep) String() string {
	switch d.Kind {
	case DepFile:
		return "file:" + d.File.String()
	case DepAlias:
		return fmt.Sprintf("alias:%s/%s", d.Alias.Dir, d.Alias.Name)
	case DepAliasIfExists:
		return fmt.Sprintf("alias?:%s/%s", d.Alias.Dir, d.Alias.Name)
	case DepGlob:
		return fmt.Sprintf("glob:%s/%s", d.Glob.Dir, d.Glob.Description)
	case DepEnv:
		return "env:" + d.Env
	case DepUniverse:
		return "universe"
	case DepFileSelector:
		return fmt.Sprintf("selector:%s/%s", d.FileSelector.Dir, d.FileSelector.Description)
	case DepSandboxConfig:
		return fmt.Sprintf("sandbox_config:%v/%v", d.SandboxConfig.Allowed, d.SandboxConfig.Required)
	default:
		return "invalid-dep"
	}
}

// FileDep declares a dependency on a single file.
func FileDep(p buildpath.Path) Dep { return Dep{Kind: DepFile, File: p} }

// AliasDep declares a dependency on an alias's own dependency set.
func AliasDep(dir buildpath.Dir, name string) Dep {
	return Dep{Kind: DepAlias, Alias: AliasRef{Dir: dir, Name: name}}
}

// AliasIfExistsDep is like AliasDep but resolves to no dependency
// (rather than an error) if the alias doesn't exist in dir.
func AliasIfExistsDep(dir buildpath.Dir, name string) Dep {
	return Dep{Kind: DepAliasIfExists, Alias: AliasRef{Dir: dir, Name: name}}
}

// EnvDep declares a dependency on the value of an environment
// variable.
func EnvDep(name string) Dep { return Dep{Kind: DepEnv, Env: name} }

// UniverseDep declares a dependency that is never considered
// unchanged; rules carrying it always re-execute (spec's
// always_rerun knob backed by a dependency rather than a flag).
func UniverseDep() Dep { return Dep{Kind: DepUniverse} }

// Fact is one piece of information a rule's action recorded about its
// own outputs, folded into the rule's digest the next time it's
// considered for re-execution (for example, a discovered include-file
// list).
type Fact struct {
	Key   string
	Value string
}

// Facts is the accumulated, order-independent set of Facts an action
// produced. Equal fact sets always compare equal regardless of
// production order, matching the commutative-monoid requirement for
// implicit output.
type Facts map[string][]string

// Merge combines two fact sets.
func (f Facts) Merge(other Facts) Facts {
	out := make(Facts, len(f)+len(other))
	for k, v := range f {
		out[k] = append(append([]string{}, out[k]...), v...)
	}
	for k, v := range other {
		out[k] = append(append([]string{}, out[k]...), v...)
	}
	return out
}

// Add records one fact.
func (f Facts) Add(key, value string) Facts {
	out := f.Merge(nil)
	out[key] = append(append([]string{}, out[key]...), value)
	return out
}

// Digest computes a stable digest of the fact set, sorting keys and
// each key's values so that two equal fact sets (by Facts' own
// order-independence contract) always digest identically regardless
// of the order their contributions were produced in.
func (f Facts) Digest() digest.Digest {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]digest.Digest, 0, len(keys)*2)
	for _, k := range keys {
		values := append([]string{}, f[k]...)
		sort.Strings(values)
		parts = append(parts, digest.OfBytes([]byte(k)))
		for _, v := range values {
			parts = append(parts, digest.OfBytes([]byte(v)))
		}
	}
	return digest.Combine(parts...)
}

// DepsDigest computes a stable digest identifying a set of dependency
// declarations, independent of their original order, used to detect
// when a recorded dynamic dependency stage's own input set has
// changed between runs.
func DepsDigest(deps []Dep) digest.Digest {
	strs := make([]string, 0, len(deps))
	for _, d := range deps {
		strs = append(strs, d.String())
	}
	sort.Strings(strs)

	parts := make([]digest.Digest, 0, len(strs))
	for _, s := range strs {
		parts = append(parts, digest.OfBytes([]byte(s)))
	}
	return digest.Combine(parts...)
}

// Rule is one build action: a set of declared dependencies, a set of
// declared (or discovered) outputs, and the policy controlling how
// its result is cached and promoted.
type Rule struct {
	Dir     buildpath.Dir
	Targets []string // relative output paths, declared up front
	Deps    []Dep
	Mode    Mode
	Promote PromoteOptions
	Info    Info

	// Action, if non-nil, holds a kiln/internal/action.Builder[Facts]
	// value that computes this rule's Facts while declaring its
	// dependencies as it runs, letting a generator discover them
	// lazily instead of listing them all up front. Stored as any
	// because internal/action already imports this package, so this
	// package cannot import internal/action back; the engine performs
	// the type assertion. A nil Action falls back to resolving the
	// static Deps list via action.FromDeps.
	Action any

	// ActionDescription opaquely identifies the rule's action body
	// (e.g. its shell command line) for rule-digest purposes, so two
	// otherwise-identical rules whose actions differ never collide.
	ActionDescription string

	// CanGoInSharedCache mirrors spec.md's can_go_in_shared_cache: true
	// for actions the executor may satisfy by restoring from a local
	// or shared cache instead of re-running.
	CanGoInSharedCache bool

	// Locks names mutexes held for the duration of this rule's
	// execution, acquired in sorted order (spec.md's with_locks, with
	// the list-order requirement strengthened to a total order to
	// make acquisition deadlock-free regardless of declaration order;
	// see DESIGN.md).
	Locks []string

	// NotUsefulToSandbox marks a rule whose action gains nothing from
	// isolation (spec.md's clearly_not_useful_to_sandbox), letting
	// mode selection prefer ModeNone when the rule's own
	// Sandbox_config permits it.
	NotUsefulToSandbox bool

	// AlwaysRerun mirrors UniverseDep but as an explicit, inspectable
	// flag for rules that don't want to encode it as a dependency
	// (e.g. because the loader, not the action, decides it).
	AlwaysRerun bool

	State State
}

// Key identifies a rule by its primary target, the unit load_dir
// indexes rules by.
func (r Rule) Key() string {
	if len(r.Targets) == 0 {
		return r.Dir.String()
	}
	return r.Dir.String() + ":" + r.Targets[0]
}

// Alias is a named, directory-scoped grouping of dependencies with no
// outputs of its own.
type Alias struct {
	Dir  buildpath.Dir
	Name string
	Deps []Dep
}

// DirRules is the implicit output a directory's rule generator
// contributes: the plain rules it declared, plus an append-only,
// alias-name-indexed contribution list (multiple generators in the
// same directory may each add to the same alias).
type DirRules struct {
	Rules          []Rule
	AliasContribs  map[string][]Dep
}

// Zero returns the additive identity for DirRules, for use as a
// memo.Monoid.
func Zero() DirRules {
	return DirRules{AliasContribs: map[string][]Dep{}}
}

// Combine merges two DirRules contributions, concatenating rules and
// merging alias contribution lists.
func Combine(a, b DirRules) DirRules {
	out := DirRules{
		Rules:         append(append([]Rule{}, a.Rules...), b.Rules...),
		AliasContribs: map[string][]Dep{},
	}
	for k, v := range a.AliasContribs {
		out.AliasContribs[k] = append(append([]Dep{}, out.AliasContribs[k]...), v...)
	}
	for k, v := range b.AliasContribs {
		out.AliasContribs[k] = append(append([]Dep{}, out.AliasContribs[k]...), v...)
	}
	return out
}

// Consume partitions accumulated DirRules into the concrete rule list
// and the resolved Alias values for the directory.
func (d DirRules) Consume(dir buildpath.Dir) ([]Rule, []Alias) {
	aliases := make([]Alias, 0, len(d.AliasContribs))
	for name, deps := range d.AliasContribs {
		aliases = append(aliases, Alias{Dir: dir, Name: name, Deps: deps})
	}
	return d.Rules, aliases
}
