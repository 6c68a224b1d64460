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

// Package executor runs one rule's action once its dependencies are
// known: it computes the rule's digest, consults the persistent
// trace, falls back to the shared cache, and only then materializes a
// sandbox and actually runs the action, mirroring the host codebase's
// lease/run/record-event worker loop but driven by the memo graph
// instead of a polled SQL queue.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kiln/internal/cache"
	"kiln/internal/metrics"
	"kiln/internal/rules"
	"kiln/internal/sandbox"
	"kiln/internal/tracedb"
	"kiln/pkg/digest"
)

// ruleDigestVersion is folded into every rule digest so a change to
// what the digest covers (this file's own logic) invalidates every
// prior trace entry instead of silently colliding with it.
const ruleDigestVersion = "2"

// ExecRequest is what the executor asks an ActionInterpreter to run.
type ExecRequest struct {
	Rule       rules.Rule
	WorkingDir string
	Env        map[string]string
}

// ExecResult is what an action reports back after running.
type ExecResult struct {
	ExitCode int
	Facts    rules.Facts
	// Stages records any dynamic-dependency-discovery steps the action
	// performed mid-run (spec.md's dynamic_deps_stages), so the next
	// run can replay them instead of always re-executing the action.
	Stages []DepStage
}

// DepStage is one dynamic dependency discovery step: the set of
// dependencies declared at that point, and the Facts resolving them
// produced.
type DepStage struct {
	Deps  []rules.Dep
	Facts rules.Facts
}

// BuildDepsFunc resolves an arbitrary dependency set to its combined
// Facts, supplied by the engine facade so an ActionInterpreter (or the
// executor's own stage-replay logic) can resolve dependencies
// discovered mid-action without needing to know how the memo graph
// itself works.
type BuildDepsFunc func(ctx context.Context, deps []rules.Dep) (rules.Facts, error)

// ActionFailureError reports a non-zero action exit, carrying enough
// context for a user-facing diagnostic.
type ActionFailureError struct {
	RuleKey  string
	ExitCode int
	Err      error
}

func (e *ActionFailureError) Error() string {
	return fmt.Sprintf("executor: rule %s failed with exit code %d: %v", e.RuleKey, e.ExitCode, e.Err)
}

func (e *ActionFailureError) Unwrap() error { return e.Err }

// MissingOutputError reports that a rule's action completed but one
// of its declared targets was not produced.
type MissingOutputError struct {
	RuleKey string
	Target  string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("executor: rule %s did not produce declared target %s", e.RuleKey, e.Target)
}

// ActionInterpreter runs one rule's action body. It is supplied by
// the consumer; this package only orchestrates around it. buildDeps
// lets the action discover and resolve dependencies mid-run instead
// of only the ones declared up front.
type ActionInterpreter interface {
	Exec(ctx context.Context, req ExecRequest, buildDeps BuildDepsFunc) (ExecResult, error)
}

// SharedCache is the optional, remote or local-but-shared artifact
// store consulted before re-running an action.
type SharedCache interface {
	Restore(ctx context.Context, ruleDigest digest.Digest, destDir string) (bool, error)
	Store(ctx context.Context, ruleDigest digest.Digest, srcDir string, outputs []string) error
}

// ExecParams is the per-rule execution policy (acceptable sandbox
// modes, recheck sampling, output-on-success policy) the executor
// consults.
type ExecParams struct {
	// SandboxPreference is the ordered list of modes to try; the
	// executor picks the first one the rule's own Sandbox_config
	// dependency (if any) permits.
	SandboxPreference []sandbox.Mode
	ShouldRecheck     func(digest.Digest) bool
	StdoutOnSuccess   string
	StderrOnSuccess   string
}

// Executor coordinates digesting, trace lookup, cache, sandboxing and
// running one rule at a time (per rule key — distinct rules still run
// concurrently).
type Executor struct {
	trace       *tracedb.DB
	local       *cache.FilesystemStore
	shared      SharedCache
	interpreter ActionInterpreter
	sourceRoot  string
	buildRoot   string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs an Executor. shared may be nil to disable the shared
// cache tier; local may be nil to disable local artifact storage.
func New(trace *tracedb.DB, local *cache.FilesystemStore, shared SharedCache, interpreter ActionInterpreter, sourceRoot, buildRoot string) *Executor {
	return &Executor{
		trace:       trace,
		local:       local,
		shared:      shared,
		interpreter: interpreter,
		sourceRoot:  sourceRoot,
		buildRoot:   buildRoot,
		locks:       map[string]*sync.Mutex{},
	}
}

func (e *Executor) lockFor(key string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// Outcome reports how a rule resolved.
type Outcome struct {
	State rules.State
	Facts rules.Facts
	// Promoted lists source-tree-relative paths written by this call
	// for a ModePromote rule, empty otherwise. The engine facade uses
	// this to keep its promoted-file bookkeeping current.
	Promoted []string
}

// Execute runs the full algorithm for one rule. depDigest is the
// combined digest of the rule's resolved dependencies, computed by
// the caller (the engine facade) from the action builder's declared
// Deps. buildDeps lets a replayed trace stage, or the interpreter
// itself, resolve a dependency set discovered at run time.
func (e *Executor) Execute(ctx context.Context, rule rules.Rule, depDigest digest.Digest, params ExecParams, buildDeps BuildDepsFunc) (Outcome, error) {
	start := time.Now()
	key := rule.Key()

	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	releaseNamed, err := e.acquireLocks(rule.Locks)
	if err != nil {
		return Outcome{}, err
	}
	defer releaseNamed()

	sandboxMode, err := selectSandboxMode(params.SandboxPreference, rule.Deps, rule.NotUsefulToSandbox)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: %s: %w", key, err)
	}
	ruleDigest := computeRuleDigest(rule, depDigest, sandboxMode, params)

	buildDir := filepath.Join(e.buildRoot, rule.Dir.Context, rule.Dir.Sub)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("executor: create build dir %s: %w", buildDir, err)
	}

	if !rule.AlwaysRerun {
		hit, err := e.checkTraceHit(ctx, key, ruleDigest, rule, buildDir, params, buildDeps)
		if err != nil {
			return Outcome{}, fmt.Errorf("executor: trace lookup for %s: %w", key, err)
		}
		if hit {
			metrics.ObserveRuleExecution(metrics.OutcomeUnchanged, time.Since(start))
			return Outcome{State: rules.StateUnchanged, Facts: rules.Facts{}}, nil
		}
	}

	if rule.CanGoInSharedCache && e.local != nil {
		restored, err := e.restoreFromLocalCache(ruleDigest, buildDir)
		if err != nil {
			return Outcome{}, fmt.Errorf("executor: local cache restore for %s: %w", key, err)
		}
		if restored {
			metrics.ObserveCacheRequest(metrics.CacheResultHit)
			return e.finishCached(ctx, rule, buildDir, key, ruleDigest, start)
		}
		metrics.ObserveCacheRequest(metrics.CacheResultMiss)
	}

	if rule.CanGoInSharedCache && e.shared != nil {
		hit, err := e.shared.Restore(ctx, ruleDigest, buildDir)
		if err != nil {
			return Outcome{}, fmt.Errorf("executor: shared cache restore for %s: %w", key, err)
		}
		if hit {
			metrics.ObserveCacheRequest(metrics.CacheResultHit)
			return e.finishCached(ctx, rule, buildDir, key, ruleDigest, start)
		}
		metrics.ObserveCacheRequest(metrics.CacheResultMiss)
	}

	facts, stages, err := e.run(ctx, rule, buildDir, sandboxMode, buildDeps)
	if err != nil {
		metrics.ObserveRuleExecution(metrics.OutcomeFailed, time.Since(start))
		return Outcome{}, err
	}

	targetsDigest, _, err := digestTargets(buildDir, rule.Targets)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: digest outputs for %s: %w", key, err)
	}

	if rule.CanGoInSharedCache {
		if err := e.store(ctx, ruleDigest, buildDir, rule); err != nil {
			return Outcome{}, err
		}
	}
	if err := e.recordTrace(ctx, key, ruleDigest, targetsDigest, stages); err != nil {
		return Outcome{}, err
	}
	var promoted []string
	if rule.Mode == rules.ModePromote {
		promoted, err = e.promote(rule, buildDir)
		if err != nil {
			return Outcome{}, err
		}
	}

	metrics.ObserveRuleExecution(metrics.OutcomeBuilt, time.Since(start))
	return Outcome{State: rules.StateBuilt, Facts: facts, Promoted: promoted}, nil
}

// acquireLocks acquires the named mutexes in sorted order (a total
// order independent of the rule's own declaration order) so two rules
// naming overlapping lock sets can never deadlock against each other,
// and returns a function that releases them in reverse.
func (e *Executor) acquireLocks(names []string) (func(), error) {
	if len(names) == 0 {
		return func() {}, nil
	}
	sorted := append([]string{}, names...)
	sort.Strings(sorted)

	locks := make([]*sync.Mutex, 0, len(sorted))
	for _, n := range sorted {
		l := e.lockFor("lock:" + n)
		l.Lock()
		locks = append(locks, l)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}, nil
}

// selectSandboxMode implements spec.md's sandbox mode selection: scan
// the rule's dependencies for a Sandbox_config declaration narrowing
// the allowed/required sets, prefer ModeNone for a rule that declares
// itself not useful to sandbox (when permitted), and otherwise return
// the first preference-ordered mode the rule permits.
func selectSandboxMode(preference []sandbox.Mode, deps []rules.Dep, notUsefulToSandbox bool) (sandbox.Mode, error) {
	var allowed, required []sandbox.Mode
	for _, d := range deps {
		if d.Kind != rules.DepSandboxConfig {
			continue
		}
		allowed = append(allowed, d.SandboxConfig.Allowed...)
		required = append(required, d.SandboxConfig.Required...)
	}

	permits := func(m sandbox.Mode) bool {
		if len(required) > 0 {
			for _, r := range required {
				if r == m {
					return true
				}
			}
			return false
		}
		if len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == m {
				return true
			}
		}
		return false
	}

	if notUsefulToSandbox && permits(sandbox.ModeNone) {
		return sandbox.ModeNone, nil
	}
	for _, m := range preference {
		if permits(m) {
			return m, nil
		}
	}
	return sandbox.ModeNone, fmt.Errorf("no sandbox mode in preference list %v satisfies the rule's sandbox_config", preference)
}

// digestTargets computes a combined content digest of buildDir's
// declared targets, reporting allPresent=false (without error) when
// any target is missing so a caller can treat that as a trace miss.
func digestTargets(buildDir string, targets []string) (digest.Digest, bool, error) {
	sorted := append([]string{}, targets...)
	sort.Strings(sorted)

	parts := make([]digest.Digest, 0, len(sorted))
	for _, t := range sorted {
		d, err := digest.OfFile(filepath.Join(buildDir, t))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return digest.Digest{}, false, nil
			}
			return digest.Digest{}, false, err
		}
		parts = append(parts, digest.OfBytes([]byte(t)), d)
	}
	return digest.Combine(parts...), true, nil
}

// computeRuleDigest folds in everything spec.md requires distinguish
// two otherwise similar rules: the dependency digest, the sandbox mode
// actually selected, the rule's context and action body, its caching
// and locking policy, and its output-on-success behavior, plus a
// version tag so changing what's covered here invalidates old traces.
func computeRuleDigest(rule rules.Rule, depDigest digest.Digest, mode sandbox.Mode, params ExecParams) digest.Digest {
	sortedLocks := append([]string{}, rule.Locks...)
	sort.Strings(sortedLocks)
	sortedTargets := append([]string{}, rule.Targets...)
	sort.Strings(sortedTargets)

	parts := []digest.Digest{
		digest.OfBytes([]byte(ruleDigestVersion)),
		digest.OfBytes([]byte(rule.Key())),
		depDigest,
		digest.OfBytes([]byte(mode.String())),
		digest.OfBytes([]byte(rule.Dir.Context)),
		digest.OfBytes([]byte(rule.ActionDescription)),
		digest.OfBytes([]byte(fmt.Sprint(rule.CanGoInSharedCache))),
		digest.OfBytes([]byte(strings.Join(sortedLocks, ","))),
		digest.OfBytes([]byte(params.StdoutOnSuccess)),
		digest.OfBytes([]byte(params.StderrOnSuccess)),
	}
	for _, t := range sortedTargets {
		parts = append(parts, digest.OfBytes([]byte(t)))
	}
	return digest.Combine(parts...)
}

// checkTraceHit implements spec.md's trace-hit test in full: the rule
// digest must match, every declared target must exist on disk with
// content matching the recorded targets digest, and every recorded
// dynamic dependency stage must replay to the same Facts digest it
// recorded last time. Any mismatch — including a buildDeps error
// while replaying a stage — is treated as a miss, not a hard failure,
// since the dependency the stage names may simply no longer exist.
func (e *Executor) checkTraceHit(ctx context.Context, key string, ruleDigest digest.Digest, rule rules.Rule, buildDir string, params ExecParams, buildDeps BuildDepsFunc) (bool, error) {
	entry, ok, err := e.trace.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || !entry.RuleDigest.Equal(ruleDigest) {
		return false, nil
	}

	targetsDigest, allPresent, err := digestTargets(buildDir, rule.Targets)
	if err != nil {
		return false, err
	}
	if !allPresent || !targetsDigest.Equal(entry.TargetsDigest) {
		return false, nil
	}

	if !e.replayStages(ctx, entry.Stages, buildDeps) {
		return false, nil
	}

	if params.ShouldRecheck != nil && params.ShouldRecheck(ruleDigest) {
		return false, nil
	}
	return true, nil
}

// replayStages re-resolves each recorded dynamic dependency stage and
// checks it still produces the same Facts digest. A nil buildDeps (an
// interpreter that never declares dynamic stages) trivially replays
// an empty stage list.
func (e *Executor) replayStages(ctx context.Context, stages []tracedb.Stage, buildDeps BuildDepsFunc) bool {
	for _, s := range stages {
		if buildDeps == nil {
			return false
		}
		facts, err := buildDeps(ctx, s.Deps)
		if err != nil {
			return false
		}
		if !facts.Digest().Equal(s.DepDigest) {
			return false
		}
	}
	return true
}

// finishCached records the trace entry and, for ModePromote rules,
// re-promotes the restored outputs, then reports a cache-hit outcome.
// A cache hit performs no dynamic discovery this round, so it records
// an empty stage list; the rule digest and targets digest already
// gate correctness, and stages only add precision beyond that.
func (e *Executor) finishCached(ctx context.Context, rule rules.Rule, buildDir, key string, ruleDigest digest.Digest, start time.Time) (Outcome, error) {
	targetsDigest, _, err := digestTargets(buildDir, rule.Targets)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: digest restored outputs for %s: %w", key, err)
	}
	if err := e.recordTrace(ctx, key, ruleDigest, targetsDigest, nil); err != nil {
		return Outcome{}, err
	}
	var promoted []string
	if rule.Mode == rules.ModePromote {
		promoted, err = e.promote(rule, buildDir)
		if err != nil {
			return Outcome{}, err
		}
	}
	metrics.ObserveRuleExecution(metrics.OutcomeCached, time.Since(start))
	return Outcome{State: rules.StateCached, Facts: rules.Facts{}, Promoted: promoted}, nil
}

func (e *Executor) run(ctx context.Context, rule rules.Rule, buildDir string, mode sandbox.Mode, buildDeps BuildDepsFunc) (rules.Facts, []tracedb.Stage, error) {
	sandboxDir := filepath.Join(e.buildRoot, ".sandbox", rule.Key())
	entries := make([]sandbox.Entry, 0, len(rule.Deps))
	for _, d := range rule.Deps {
		if d.Kind != rules.DepFile {
			continue
		}
		entries = append(entries, sandbox.Entry{
			SourcePath: filepath.Join(e.sourceRoot, d.File.Rel()),
			RelPath:    d.File.Rel(),
		})
	}

	plan := sandbox.NewPlan(sandboxDir, mode, entries)
	sandboxStart := time.Now()
	if err := plan.Materialize(); err != nil {
		return nil, nil, fmt.Errorf("executor: materialize sandbox for %s: %w", rule.Key(), err)
	}
	metrics.ObserveSandboxSetup(mode.String(), time.Since(sandboxStart))
	defer plan.Cleanup()

	workDir := sandboxDir
	switch mode {
	case sandbox.ModeNone:
		workDir = buildDir
	case sandbox.ModePatchBackSourceTree:
		workDir = filepath.Join(e.sourceRoot, rule.Dir.Sub)
	}
	result, err := e.interpreter.Exec(ctx, ExecRequest{Rule: rule, WorkingDir: workDir}, buildDeps)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: run action for %s: %w", rule.Key(), err)
	}
	if result.ExitCode != 0 {
		return nil, nil, &ActionFailureError{RuleKey: rule.Key(), ExitCode: result.ExitCode, Err: fmt.Errorf("non-zero exit")}
	}

	for _, t := range rule.Targets {
		if _, err := os.Stat(filepath.Join(buildDir, t)); err != nil {
			if os.IsNotExist(err) {
				return nil, nil, &MissingOutputError{RuleKey: rule.Key(), Target: t}
			}
			return nil, nil, fmt.Errorf("executor: stat output %s for %s: %w", t, rule.Key(), err)
		}
	}

	stages := make([]tracedb.Stage, 0, len(result.Stages))
	for _, s := range result.Stages {
		stages = append(stages, tracedb.Stage{Deps: s.Deps, DepDigest: s.Facts.Digest()})
	}
	return result.Facts, stages, nil
}

func (e *Executor) store(ctx context.Context, ruleDigest digest.Digest, buildDir string, rule rules.Rule) error {
	if e.local != nil {
		manifest := make(map[string]string, len(rule.Targets))
		for _, t := range rule.Targets {
			f, err := os.Open(filepath.Join(buildDir, t))
			if err != nil {
				return fmt.Errorf("executor: open output %s for caching: %w", t, err)
			}
			contentDigest, _, err := e.local.Put(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("executor: store output %s in cache: %w", t, err)
			}
			manifest[t] = contentDigest.String()
		}
		body, err := json.Marshal(manifest)
		if err != nil {
			return fmt.Errorf("executor: marshal cache manifest: %w", err)
		}
		if err := e.local.PutManifest(ruleDigest, body); err != nil {
			return fmt.Errorf("executor: store cache manifest: %w", err)
		}
	}
	if e.shared != nil {
		if err := e.shared.Store(ctx, ruleDigest, buildDir, rule.Targets); err != nil {
			return fmt.Errorf("executor: store outputs in shared cache for %s: %w", rule.Key(), err)
		}
	}
	return nil
}

func (e *Executor) restoreFromLocalCache(ruleDigest digest.Digest, buildDir string) (bool, error) {
	body, ok, err := e.local.GetManifest(ruleDigest)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	var manifest map[string]string
	if err := json.Unmarshal(body, &manifest); err != nil {
		return false, fmt.Errorf("executor: corrupt cache manifest for %s: %w", ruleDigest, err)
	}

	for target, digestStr := range manifest {
		contentDigest, err := digest.Parse(digestStr)
		if err != nil {
			return false, fmt.Errorf("executor: corrupt manifest entry %s: %w", target, err)
		}
		rc, err := e.local.Get(contentDigest)
		if err != nil {
			return false, nil // cache is missing a referenced blob; treat as a miss
		}
		if err := writeFile(rc, filepath.Join(buildDir, target)); err != nil {
			rc.Close()
			return false, err
		}
		rc.Close()
	}
	return true, nil
}

func writeFile(r io.Reader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("executor: create output dir for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("executor: create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("executor: write %s: %w", dst, err)
	}
	return out.Sync()
}

func (e *Executor) recordTrace(ctx context.Context, key string, ruleDigest, targetsDigest digest.Digest, stages []tracedb.Stage) error {
	return e.trace.Store(ctx, tracedb.Entry{RuleKey: key, RuleDigest: ruleDigest, TargetsDigest: targetsDigest, Stages: stages})
}

func (e *Executor) promote(rule rules.Rule, buildDir string) ([]string, error) {
	only := map[string]bool{}
	for _, o := range rule.Promote.Only {
		only[o] = true
	}
	targets := append([]string{}, rule.Targets...)
	sort.Strings(targets)

	var promoted []string
	for _, t := range targets {
		if len(only) > 0 && !only[t] {
			continue
		}
		destRel := filepath.Join(rule.Dir.Sub, t)
		if rule.Promote.Into != "" {
			destRel = filepath.Join(rule.Promote.Into, filepath.Base(t))
		}
		dest := filepath.Join(e.sourceRoot, destRel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("executor: create promote dest dir for %s: %w", destRel, err)
		}
		if err := copyFile(filepath.Join(buildDir, t), dest); err != nil {
			return nil, fmt.Errorf("executor: promote %s: %w", t, err)
		}
		promoted = append(promoted, filepath.ToSlash(destRel))
	}
	return promoted, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	// Promoted source-tree files must stay user-writable even when the
	// build artifact they're copied from was write-protected (e.g. by
	// RemoveWritePermissions) — spec.md §4.F step 9's "chmod that
	// re-adds user-write bit".
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode()|0o200)
	if err != nil {
		return err
	}
	defer out.Close()
	// OpenFile's mode argument only applies when it creates dst; an
	// already-existing (e.g. previously write-protected) destination
	// keeps its own mode bits unless explicitly chmod'd here too.
	if err := out.Chmod(info.Mode() | 0o200); err != nil {
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return out.Sync()
}
