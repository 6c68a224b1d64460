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

// Package engine wires the directory loader, the memoized dependency
// graph, and the rule executor into a single demand-driven build
// entry point: asking Engine to build one path loads whatever
// directories that requires, resolves whatever dependencies those
// rules declare, and runs whatever actions are stale, each step
// cached within the run and shared across concurrent demand for the
// same path.
package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"kiln/internal/action"
	"kiln/internal/cache"
	"kiln/internal/config"
	"kiln/internal/digestcache"
	"kiln/internal/executor"
	"kiln/internal/loader"
	"kiln/internal/memo"
	"kiln/internal/promotion"
	"kiln/internal/rules"
	"kiln/internal/tracedb"
	"kiln/pkg/buildpath"
	"kiln/pkg/digest"
)

// RuleGenerator supplies the rules declared for one directory. It is
// the project-specific half of the engine: whatever understands the
// host project's own build-file syntax implements this and is handed
// to New.
type RuleGenerator = loader.Generator

// ActionInterpreter runs one rule's action body.
type ActionInterpreter = executor.ActionInterpreter

// SharedCache is the optional remote or shared-filesystem artifact
// store consulted before re-running an action.
type SharedCache = executor.SharedCache

// MissingRuleError reports that no rule in the target's directory
// declares it as an output.
type MissingRuleError struct {
	Target buildpath.Path
}

func (e *MissingRuleError) Error() string {
	return fmt.Sprintf("engine: no rule produces %s", e.Target)
}

// MissingAliasError reports that a directory has no alias by the
// requested name.
type MissingAliasError struct {
	Dir  buildpath.Dir
	Name string
}

func (e *MissingAliasError) Error() string {
	return fmt.Sprintf("engine: %s has no alias %q", e.Dir, e.Name)
}

type aliasKey struct {
	Dir  buildpath.Dir
	Name string
}

// Engine is the build engine facade: one instance owns the trace
// database, local cache, and promoted-file bookkeeping for one
// source/build root pair, and serves Build calls against them.
type Engine struct {
	cfg        config.Config
	gen        RuleGenerator
	loader     *loader.Loader
	exec       *executor.Executor
	digests    *digestcache.Cache
	promotions *promotion.Set

	trace *tracedb.DB
	local *cache.FilesystemStore

	loadDirNode    *memo.Node[buildpath.Dir, loader.Loaded]
	buildFileNode  *memo.Node[buildpath.Path, rules.Facts]
	buildAliasNode *memo.Node[aliasKey, rules.Facts]

	// buildMu serializes top-level Build calls so a single
	// context.Context can be threaded to the executor without a
	// per-call parameter on every memo node (the graph beneath one
	// Build call runs fully concurrently; only separate top-level
	// calls are serialized).
	buildMu sync.Mutex
	runCtx  context.Context
}

// New constructs an Engine for the given configuration, generator, and
// action runner. shared may be nil to disable the shared cache tier.
func New(cfg config.Config, gen RuleGenerator, interpreter ActionInterpreter, shared SharedCache) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.BuildRoot, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create build root %s: %w", cfg.BuildRoot, err)
	}

	trace, err := tracedb.Open(filepath.Join(cfg.BuildRoot, "trace.db"))
	if err != nil {
		return nil, fmt.Errorf("engine: open trace database: %w", err)
	}

	local, err := cache.NewFilesystemStore(filepath.Join(cfg.BuildRoot, "cache"))
	if err != nil {
		trace.Close()
		return nil, fmt.Errorf("engine: open local cache: %w", err)
	}

	digests, err := digestcache.New(16384)
	if err != nil {
		trace.Close()
		return nil, fmt.Errorf("engine: create digest cache: %w", err)
	}

	promotions, err := promotion.Load(filepath.Join(cfg.SourceRoot, ".kiln-promoted"))
	if err != nil {
		trace.Close()
		return nil, fmt.Errorf("engine: load promoted-file set: %w", err)
	}

	ld := loader.New(cfg.SourceRoot, cfg.BuildRoot, gen)
	ex := executor.New(trace, local, shared, interpreter, cfg.SourceRoot, cfg.BuildRoot)

	e := &Engine{
		cfg:        cfg,
		gen:        gen,
		loader:     ld,
		exec:       ex,
		digests:    digests,
		promotions: promotions,
		trace:      trace,
		local:      local,
	}

	e.loadDirNode = memo.Register[buildpath.Dir, loader.Loaded]("load_dir", nil, e.loadDir)
	e.buildFileNode = memo.Register[buildpath.Path, rules.Facts]("build_file", nil, e.buildFile)
	e.buildAliasNode = memo.Register[aliasKey, rules.Facts]("build_alias", nil, e.buildAlias)

	return e, nil
}

// Close releases the engine's persistent resources, flushing the
// promoted-file set to disk first.
func (e *Engine) Close() error {
	if err := e.promotions.Save(); err != nil {
		return fmt.Errorf("engine: save promoted-file set: %w", err)
	}
	return e.trace.Close()
}

// Build resolves target to its facts, running (or replaying from
// cache) whatever rules are necessary. Concurrent demand for the same
// or related paths within the call is deduplicated by the memo graph;
// separate calls to Build run to completion one at a time.
func (e *Engine) Build(ctx context.Context, target buildpath.Path) (rules.Facts, error) {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	e.runCtx = ctx

	mctx := memo.NewCtx(memo.NewRunID())
	facts, err := e.buildFileNode.Call(mctx, target)
	if err != nil {
		return nil, fmt.Errorf("engine: build %s: %w", target, err)
	}
	return facts, nil
}

// BuildAlias resolves every dependency an alias names, without the
// alias itself producing an output.
func (e *Engine) BuildAlias(ctx context.Context, dir buildpath.Dir, name string) (rules.Facts, error) {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	e.runCtx = ctx

	mctx := memo.NewCtx(memo.NewRunID())
	facts, err := e.buildAliasNode.Call(mctx, aliasKey{Dir: dir, Name: name})
	if err != nil {
		return nil, fmt.Errorf("engine: build alias %s/%s: %w", dir, name, err)
	}
	return facts, nil
}

// CleanStaleArtifacts removes build-tree entries dir's rule generator
// no longer claims, as reported by the last Load of dir.
func (e *Engine) CleanStaleArtifacts(ctx context.Context, dir buildpath.Dir) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	e.runCtx = ctx

	mctx := memo.NewCtx(memo.NewRunID())
	loaded, err := e.loadDirNode.Call(mctx, dir)
	if err != nil {
		return fmt.Errorf("engine: load %s: %w", dir, err)
	}
	for _, name := range loaded.Stale {
		full := filepath.Join(e.cfg.BuildRoot, dir.Context, dir.Sub, name)
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("engine: remove stale artifact %s: %w", full, err)
		}
	}
	return nil
}

// SweepPromotions removes any previously promoted source-tree file
// that stillProduced (a set of source-root-relative paths, in
// filepath.ToSlash form) no longer lists, then persists the updated
// set.
func (e *Engine) SweepPromotions(stillProduced map[string]bool) ([]string, error) {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	removed, err := e.promotions.Sweep(e.cfg.SourceRoot, stillProduced)
	if err != nil {
		return nil, fmt.Errorf("engine: sweep promoted files: %w", err)
	}
	if err := e.promotions.Save(); err != nil {
		return removed, fmt.Errorf("engine: save promoted-file set: %w", err)
	}
	return removed, nil
}

func (e *Engine) loadDir(_ *memo.Ctx, dir buildpath.Dir) (loader.Loaded, error) {
	return e.loader.Load(dir)
}

func (e *Engine) buildFile(ctx *memo.Ctx, p buildpath.Path) (rules.Facts, error) {
	switch p.Kind() {
	case buildpath.KindSource:
		return e.buildSourceFile(p)
	case buildpath.KindBuild:
		return e.buildTarget(ctx, p)
	default:
		return nil, fmt.Errorf("engine: cannot build external path %s", p)
	}
}

func (e *Engine) buildSourceFile(p buildpath.Path) (rules.Facts, error) {
	abs := filepath.Join(e.cfg.SourceRoot, filepath.FromSlash(p.Rel()))
	d, err := e.digests.Refresh(abs, e.cfg.ExecParamsForDir().RemoveWritePermissions)
	if err != nil {
		return nil, fmt.Errorf("engine: digest source file %s: %w", p, err)
	}
	return rules.Facts{"digest": {d.String()}}, nil
}

func (e *Engine) buildTarget(ctx *memo.Ctx, p buildpath.Path) (rules.Facts, error) {
	dir := buildpath.DirOf(p)
	loaded, err := e.loadDirNode.Call(ctx, dir)
	if err != nil {
		return nil, err
	}

	name := path.Base(p.Rel())
	rule, ok := findRule(loaded.Rules, name)
	if !ok {
		return nil, &MissingRuleError{Target: p}
	}

	builder, _ := rule.Action.(action.Builder[rules.Facts])
	if builder == nil {
		builder = action.FromDeps(rule.Deps)
	}
	depFacts, declared, err := action.Run(ctx, e.Resolver(), p, builder)
	if err != nil {
		return nil, fmt.Errorf("engine: run action for %s: %w", rule.Key(), err)
	}

	forceRerun := false
	for _, d := range declared {
		if d.Kind == rules.DepUniverse {
			forceRerun = true
		}
	}

	effective := rule
	effective.Deps = declared
	effective.AlwaysRerun = effective.AlwaysRerun || forceRerun

	depDigest := depFacts.Digest()
	execParams := e.execParams()

	buildDeps := func(_ context.Context, deps []rules.Dep) (rules.Facts, error) {
		_, facts, _, err := e.resolveDeps(ctx, deps)
		return facts, err
	}

	outcome, err := e.exec.Execute(e.runCtx, effective, depDigest, execParams, buildDeps)
	if err != nil {
		return nil, err
	}

	if outcome.State == rules.StateUnchanged {
		// depFacts still carries this rule's dependency digests; the
		// rule's own output digest is unchanged from the last run, so
		// re-derive it from disk rather than re-running the action.
		outDigest, err := e.digestOutput(rule, name)
		if err != nil {
			return nil, fmt.Errorf("engine: digest unchanged output %s: %w", p, err)
		}
		return rules.Facts{"digest": {outDigest.String()}}, nil
	}

	for _, rel := range outcome.Promoted {
		e.promotions.Add(rel)
	}

	outDigest, err := e.digestOutput(rule, name)
	if err != nil {
		return nil, fmt.Errorf("engine: digest output %s: %w", p, err)
	}

	result := outcome.Facts.Merge(depFacts)
	result = result.Add("digest", outDigest.String())
	return result, nil
}

func (e *Engine) digestOutput(rule rules.Rule, name string) (digest.Digest, error) {
	buildDir := filepath.Join(e.cfg.BuildRoot, rule.Dir.Context, rule.Dir.Sub)
	return e.digests.Refresh(filepath.Join(buildDir, name), e.cfg.ExecParamsForDir().RemoveWritePermissions)
}

func (e *Engine) execParams() executor.ExecParams {
	p := e.cfg.ExecParamsForDir()
	return executor.ExecParams{
		SandboxPreference: p.SandboxPreference,
		ShouldRecheck:     p.ShouldRecheckCache,
		StdoutOnSuccess:   p.StdoutOnSuccess,
		StderrOnSuccess:   p.StderrOnSuccess,
	}
}

func (e *Engine) buildAlias(ctx *memo.Ctx, key aliasKey) (rules.Facts, error) {
	loaded, err := e.loadDirNode.Call(ctx, key.Dir)
	if err != nil {
		return nil, err
	}
	alias, ok := findAlias(loaded.Aliases, key.Name)
	if !ok {
		return nil, &MissingAliasError{Dir: key.Dir, Name: key.Name}
	}
	d, _, _, err := e.resolveDeps(ctx, alias.Deps)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve alias %s/%s: %w", key.Dir, key.Name, err)
	}
	return rules.Facts{"digest": {d.String()}}, nil
}

// depResolution is one dependency's contribution to resolveDeps: its
// digest component, any Facts it resolved to (only File deps resolve
// to real Facts), and whether it forces the owning rule to always
// re-run.
type depResolution struct {
	part       digest.Digest
	facts      rules.Facts
	forceRerun bool
}

// resolveDeps resolves every dependency in deps concurrently — spec.md
// treats independent dependency resolution as the defining case for
// parallel composition (§4.B/§5: "parallelism of computation is
// expressed by parallel_map/fork_and_join") — then combines their
// digests in declared order, so the combined digest stays
// deterministic regardless of which goroutine finishes first, and
// reports whether any of them is a universe dependency (forcing the
// owning rule to always re-run regardless of its trace entry).
func (e *Engine) resolveDeps(ctx *memo.Ctx, deps []rules.Dep) (digest.Digest, rules.Facts, bool, error) {
	results, err := memo.ParallelMap(ctx, deps, e.resolveDep)
	if err != nil {
		return digest.Zero, nil, false, err
	}

	parts := make([]digest.Digest, 0, len(results))
	facts := rules.Facts{}
	forceRerun := false
	for _, r := range results {
		parts = append(parts, r.part)
		facts = facts.Merge(r.facts)
		if r.forceRerun {
			forceRerun = true
		}
	}
	return digest.Combine(parts...), facts, forceRerun, nil
}

// resolveDep resolves a single dependency declaration to its digest
// contribution; it is the unit of work memo.ParallelMap fans out over.
func (e *Engine) resolveDep(ctx *memo.Ctx, d rules.Dep) (depResolution, error) {
	switch d.Kind {
	case rules.DepFile:
		f, err := e.buildFileNode.Call(ctx, d.File)
		if err != nil {
			return depResolution{}, err
		}
		part, err := digestFromFacts(f)
		if err != nil {
			return depResolution{}, fmt.Errorf("dependency %s: %w", d, err)
		}
		return depResolution{part: part, facts: f}, nil

	case rules.DepAlias:
		f, err := e.buildAliasNode.Call(ctx, aliasKey{Dir: d.Alias.Dir, Name: d.Alias.Name})
		if err != nil {
			return depResolution{}, err
		}
		part, err := digestFromFacts(f)
		if err != nil {
			return depResolution{}, fmt.Errorf("dependency %s: %w", d, err)
		}
		return depResolution{part: part}, nil

	case rules.DepAliasIfExists:
		loaded, err := e.loadDirNode.Call(ctx, d.Alias.Dir)
		if err != nil {
			return depResolution{}, err
		}
		if _, ok := findAlias(loaded.Aliases, d.Alias.Name); !ok {
			return depResolution{}, nil
		}
		f, err := e.buildAliasNode.Call(ctx, aliasKey{Dir: d.Alias.Dir, Name: d.Alias.Name})
		if err != nil {
			return depResolution{}, err
		}
		part, err := digestFromFacts(f)
		if err != nil {
			return depResolution{}, fmt.Errorf("dependency %s: %w", d, err)
		}
		return depResolution{part: part}, nil

	case rules.DepEnv:
		v, _ := os.LookupEnv(d.Env)
		return depResolution{part: digest.OfBytes([]byte(d.Env + "=" + v))}, nil

	case rules.DepUniverse:
		return depResolution{forceRerun: true}, nil

	case rules.DepGlob:
		return depResolution{part: digest.OfBytes([]byte("glob:" + d.Glob.Dir.String() + "/" + d.Glob.Description))}, nil

	case rules.DepFileSelector:
		return depResolution{part: digest.OfBytes([]byte("selector:" + d.FileSelector.Dir.String() + "/" + d.FileSelector.Description))}, nil

	case rules.DepSandboxConfig:
		return depResolution{part: digest.OfBytes([]byte(d.String()))}, nil

	default:
		return depResolution{}, fmt.Errorf("unknown dependency kind %d", d.Kind)
	}
}

func digestFromFacts(f rules.Facts) (digest.Digest, error) {
	vs := f["digest"]
	if len(vs) == 0 {
		return digest.Zero, fmt.Errorf("produced no digest fact")
	}
	return digest.Parse(vs[0])
}

func findRule(rs []rules.Rule, target string) (rules.Rule, bool) {
	for _, r := range rs {
		for _, t := range r.Targets {
			if t == target {
				return r, true
			}
		}
	}
	return rules.Rule{}, false
}

func findAlias(as []rules.Alias, name string) (rules.Alias, bool) {
	for _, a := range as {
		if a.Name == name {
			return a, true
		}
	}
	return rules.Alias{}, false
}

// BuildFile implements action.Resolver, letting a RuleGenerator
// recursively demand another path's value while deciding its own
// rules.
func (e *Engine) BuildFile(ctx *memo.Ctx, p buildpath.Path) (rules.Facts, error) {
	return e.buildFileNode.Call(ctx, p)
}

// BuildAliasFor resolves the named alias of dir within a build run;
// resolverShim exposes it as action.Resolver's BuildAlias.
func (e *Engine) BuildAliasFor(ctx *memo.Ctx, dir buildpath.Dir, name string) (rules.Facts, error) {
	return e.buildAliasNode.Call(ctx, aliasKey{Dir: dir, Name: name})
}

// BuildAliasIfExists implements action.Resolver.
func (e *Engine) BuildAliasIfExists(ctx *memo.Ctx, dir buildpath.Dir, name string) (rules.Facts, error) {
	loaded, err := e.loadDirNode.Call(ctx, dir)
	if err != nil {
		return nil, err
	}
	if _, ok := findAlias(loaded.Aliases, name); !ok {
		return rules.Facts{}, nil
	}
	return e.buildAliasNode.Call(ctx, aliasKey{Dir: dir, Name: name})
}

// Getenv implements action.Resolver.
func (e *Engine) Getenv(name string) (string, bool) { return os.LookupEnv(name) }

var _ action.Resolver = resolverShim{}

// resolverShim adapts Engine's BuildAliasFor (named to avoid colliding
// with the exported, differently-signatured BuildAlias entry point)
// to action.Resolver's BuildAlias method name.
type resolverShim struct{ *Engine }

func (r resolverShim) BuildAlias(ctx *memo.Ctx, dir buildpath.Dir, name string) (rules.Facts, error) {
	return r.Engine.BuildAliasFor(ctx, dir, name)
}

// Resolver returns e adapted to action.Resolver, for use by a
// RuleGenerator that builds its own DirRules contribution with an
// action.Builder.
func (e *Engine) Resolver() action.Resolver { return resolverShim{e} }
