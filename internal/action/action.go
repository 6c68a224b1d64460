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

// Package action implements the build engine's action builder: a
// value that declares its dependencies lazily, as it computes its
// result, rather than up front.
package action

import (
	"fmt"
	"sync"

	"kiln/internal/memo"
	"kiln/internal/rules"
	"kiln/pkg/buildpath"
)

// Resolver is supplied by the engine to let a Builder ask for the
// value of a dependency while it runs. It is the seam between this
// package (which only knows about declaring dependencies) and the
// memo runtime (which actually resolves them).
type Resolver interface {
	BuildFile(ctx *memo.Ctx, p buildpath.Path) (rules.Facts, error)
	BuildAlias(ctx *memo.Ctx, dir buildpath.Dir, name string) (rules.Facts, error)
	BuildAliasIfExists(ctx *memo.Ctx, dir buildpath.Dir, name string) (rules.Facts, error)
	Getenv(name string) (string, bool)
}

// Ctx is threaded through a running Builder. It records every
// dependency the builder declares and exposes the Resolver so a
// builder can actually fetch a dependency's value mid-computation.
type Ctx struct {
	memo     *memo.Ctx
	resolver Resolver

	mu   sync.Mutex
	deps []rules.Dep
	out  buildpath.Path
}

// NewCtx starts a fresh action context for the rule producing out.
func NewCtx(m *memo.Ctx, resolver Resolver, out buildpath.Path) *Ctx {
	return &Ctx{memo: m, resolver: resolver, out: out}
}

// Path returns the path this action is building.
func (c *Ctx) Path() buildpath.Path { return c.out }

// Deps returns a copy of every dependency declared so far.
func (c *Ctx) Deps() []rules.Dep {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rules.Dep{}, c.deps...)
}

func (c *Ctx) record(d rules.Dep) {
	c.mu.Lock()
	c.deps = append(c.deps, d)
	c.mu.Unlock()
}

// DepOnFile declares and resolves a dependency on a single file,
// returning whatever facts building it produced.
func (c *Ctx) DepOnFile(p buildpath.Path) (rules.Facts, error) {
	c.record(rules.FileDep(p))
	return c.resolver.BuildFile(c.memo, p)
}

// DepOnAlias declares and resolves a dependency on a directory's
// alias.
func (c *Ctx) DepOnAlias(dir buildpath.Dir, name string) (rules.Facts, error) {
	c.record(rules.AliasDep(dir, name))
	return c.resolver.BuildAlias(c.memo, dir, name)
}

// DepOnAliasIfExists is like DepOnAlias but treats a missing alias as
// an empty dependency rather than an error.
func (c *Ctx) DepOnAliasIfExists(dir buildpath.Dir, name string) (rules.Facts, error) {
	c.record(rules.AliasIfExistsDep(dir, name))
	return c.resolver.BuildAliasIfExists(c.memo, dir, name)
}

// DepOnEnv declares a dependency on an environment variable and
// returns its current value.
func (c *Ctx) DepOnEnv(name string) string {
	c.record(rules.EnvDep(name))
	v, _ := c.resolver.Getenv(name)
	return v
}

// FileSelector declares a dependency on whichever files a predicate
// selects within dir, described by desc for trace-key purposes.
func (c *Ctx) FileSelector(dir buildpath.Dir, desc string) {
	c.record(rules.Dep{Kind: rules.DepFileSelector, FileSelector: rules.FileSelectorDep{Dir: dir, Description: desc}})
}

// Glob declares a dependency on the set of source files in dir
// matching desc, without resolving any of their individual contents.
func (c *Ctx) Glob(dir buildpath.Dir, desc string) {
	c.record(rules.Dep{Kind: rules.DepGlob, Glob: rules.GlobDep{Dir: dir, Description: desc}})
}

// DepOnUniverse declares that this action's rule is never considered
// unchanged and must always re-execute.
func (c *Ctx) DepOnUniverse() {
	c.record(rules.UniverseDep())
}

// DepOnSandboxConfig declares the rule's permitted sandbox modes. It
// never resolves to a value; it only narrows the executor's mode
// selection.
func (c *Ctx) DepOnSandboxConfig(cfg rules.SandboxConfigDep) {
	c.record(rules.Dep{Kind: rules.DepSandboxConfig, SandboxConfig: cfg})
}

// Builder is a lazily-evaluated, dependency-declaring computation.
// Combinators are plain closures rather than an interface or
// typeclass, matching the concrete-function style the rest of this
// engine's host codebase prefers.
type Builder[T any] func(*Ctx) (T, error)

// Of lifts a plain value into a Builder that declares no
// dependencies.
func Of[T any](v T) Builder[T] {
	return func(*Ctx) (T, error) { return v, nil }
}

// Fail produces a Builder that always fails with err.
func Fail[T any](err error) Builder[T] {
	return func(*Ctx) (T, error) {
		var zero T
		return zero, err
	}
}

// Map transforms a Builder's result without adding dependencies of
// its own.
func Map[A, B any](b Builder[A], f func(A) B) Builder[B] {
	return func(ctx *Ctx) (B, error) {
		var zero B
		a, err := b(ctx)
		if err != nil {
			return zero, err
		}
		return f(a), nil
	}
}

// Bind sequences two Builders, letting the second depend on the
// first's result.
func Bind[A, B any](b Builder[A], f func(A) Builder[B]) Builder[B] {
	return func(ctx *Ctx) (B, error) {
		var zero B
		a, err := b(ctx)
		if err != nil {
			return zero, err
		}
		return f(a)(ctx)
	}
}

// All runs each Builder in sequence (dependency declarations from
// earlier builders are visible in the shared Ctx to later ones) and
// collects their results in order.
func All[T any](bs []Builder[T]) Builder[[]T] {
	return func(ctx *Ctx) ([]T, error) {
		out := make([]T, 0, len(bs))
		for _, b := range bs {
			v, err := b(ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
}

// Run executes b to completion and returns its value and the full set
// of dependencies it declared along the way.
func Run[T any](m *memo.Ctx, resolver Resolver, out buildpath.Path, b Builder[T]) (T, []rules.Dep, error) {
	ctx := NewCtx(m, resolver, out)
	v, err := b(ctx)
	return v, ctx.Deps(), err
}

// MemoBuild runs a memoized computation inside a Builder (spec.md's
// `memo_build(m)`), letting an action share the memo graph's
// deduplication and cycle detection for a sub-computation instead of
// only ever declaring the fixed dependency kinds this package knows
// about natively.
func MemoBuild[I comparable, O any](node *memo.Node[I, O], input I) Builder[O] {
	return func(ctx *Ctx) (O, error) {
		return node.Call(ctx.memo, input)
	}
}

// ParallelMap runs fn over items concurrently, one goroutine per item,
// merging each invocation's declared dependencies back into the
// shared Ctx in input order once all of them complete (spec.md's
// `parallel_map` for the action builder). Two items running
// concurrently never race on the dependency list: each gets its own
// child Ctx to record into, and the parent only appends once the
// child is done.
func ParallelMap[I any, O any](items []I, fn func(*Ctx, I) (O, error)) Builder[[]O] {
	return func(ctx *Ctx) ([]O, error) {
		idx := make([]int, len(items))
		for i := range idx {
			idx[i] = i
		}
		childDeps := make([][]rules.Dep, len(items))
		results, err := memo.ParallelMap(ctx.memo, idx, func(m *memo.Ctx, i int) (O, error) {
			child := NewCtx(m, ctx.resolver, ctx.out)
			v, err := fn(child, items[i])
			childDeps[i] = child.Deps()
			return v, err
		})
		ctx.mu.Lock()
		for _, deps := range childDeps {
			ctx.deps = append(ctx.deps, deps...)
		}
		ctx.mu.Unlock()
		return results, err
	}
}

// WithErrorHandler runs b and, on failure, hands the error to handler
// for recovery or translation (spec.md's `with_error_handler`). Any
// dependencies b declared before failing are kept regardless of
// whether handler recovers, since they were genuinely consulted while
// deciding the result.
func WithErrorHandler[T any](b Builder[T], handler func(error) (T, error)) Builder[T] {
	return func(ctx *Ctx) (T, error) {
		v, err := b(ctx)
		if err != nil {
			return handler(err)
		}
		return v, nil
	}
}

// FromDeps adapts a static dependency list to a Builder, for
// generators (like the manifest format) whose rule language has no
// syntax for discovering dependencies mid-action. Each Dep is
// resolved through the matching Ctx method so the declared set still
// flows through the same accounting Run uses for genuinely dynamic
// builders, and their resolved Facts are merged into the result.
func FromDeps(deps []rules.Dep) Builder[rules.Facts] {
	return func(ctx *Ctx) (rules.Facts, error) {
		out := rules.Facts{}
		for _, d := range deps {
			var (
				facts rules.Facts
				err   error
			)
			switch d.Kind {
			case rules.DepFile:
				facts, err = ctx.DepOnFile(d.File)
			case rules.DepAlias:
				facts, err = ctx.DepOnAlias(d.Alias.Dir, d.Alias.Name)
			case rules.DepAliasIfExists:
				facts, err = ctx.DepOnAliasIfExists(d.Alias.Dir, d.Alias.Name)
			case rules.DepEnv:
				ctx.DepOnEnv(d.Env)
			case rules.DepUniverse:
				ctx.DepOnUniverse()
			case rules.DepGlob:
				ctx.Glob(d.Glob.Dir, d.Glob.Description)
			case rules.DepFileSelector:
				ctx.FileSelector(d.FileSelector.Dir, d.FileSelector.Description)
			case rules.DepSandboxConfig:
				ctx.DepOnSandboxConfig(d.SandboxConfig)
			default:
				err = fmt.Errorf("action: unknown dependency kind %v", d.Kind)
			}
			if err != nil {
				return nil, err
			}
			out = out.Merge(facts)
		}
		return out, nil
	}
}
