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

package action

import (
	"fmt"
	"testing"

	"kiln/internal/memo"
	"kiln/internal/rules"
	"kiln/pkg/buildpath"
)

type fakeResolver struct {
	files map[string]rules.Facts
	env   map[string]string
}

func (f *fakeResolver) BuildFile(_ *memo.Ctx, p buildpath.Path) (rules.Facts, error) {
	if facts, ok := f.files[p.String()]; ok {
		return facts, nil
	}
	return nil, fmt.Errorf("no such file: %s", p)
}

func (f *fakeResolver) BuildAlias(_ *memo.Ctx, dir buildpath.Dir, name string) (rules.Facts, error) {
	return nil, fmt.Errorf("no such alias: %s/%s", dir, name)
}

func (f *fakeResolver) BuildAliasIfExists(_ *memo.Ctx, dir buildpath.Dir, name string) (rules.Facts, error) {
	return rules.Facts{}, nil
}

func (f *fakeResolver) Getenv(name string) (string, bool) {
	v, ok := f.env[name]
	return v, ok
}

func TestRunRecordsDeclaredDependencies(t *testing.T) {
	p := buildpath.Source("lib/a.c")
	resolver := &fakeResolver{files: map[string]rules.Facts{p.String(): {"kind": []string{"c-source"}}}}

	b := Builder[string](func(ctx *Ctx) (string, error) {
		facts, err := ctx.DepOnFile(p)
		if err != nil {
			return "", err
		}
		env := ctx.DepOnEnv("CC")
		return env + ":" + facts["kind"][0], nil
	})

	resolver.env = map[string]string{"CC": "gcc"}
	m := memo.NewCtx(memo.NewRunID())
	v, deps, err := Run[string](m, resolver, buildpath.Build("default", "lib/a.o"), b)
	if err != nil {
		t.Fatal(err)
	}
	if v != "gcc:c-source" {
		t.Fatalf("got %q", v)
	}
	if len(deps) != 2 {
		t.Fatalf("expected 2 declared deps, got %d: %v", len(deps), deps)
	}
}

func TestBindSequencesDependencies(t *testing.T) {
	a := buildpath.Source("a")
	b2 := buildpath.Source("b")
	resolver := &fakeResolver{files: map[string]rules.Facts{
		a.String():  {"v": []string{"1"}},
		b2.String(): {"v": []string{"2"}},
	}}

	first := Builder[string](func(ctx *Ctx) (string, error) {
		f, err := ctx.DepOnFile(a)
		if err != nil {
			return "", err
		}
		return f["v"][0], nil
	})
	chained := Bind(first, func(v string) Builder[string] {
		return func(ctx *Ctx) (string, error) {
			f, err := ctx.DepOnFile(b2)
			if err != nil {
				return "", err
			}
			return v + f["v"][0], nil
		}
	})

	m := memo.NewCtx(memo.NewRunID())
	v, deps, err := Run[string](m, resolver, buildpath.Build("default", "out"), chained)
	if err != nil {
		t.Fatal(err)
	}
	if v != "12" {
		t.Fatalf("got %q, want 12", v)
	}
	if len(deps) != 2 {
		t.Fatalf("expected 2 deps, got %d", len(deps))
	}
}

func TestFromDepsResolvesStaticDependencyList(t *testing.T) {
	a := buildpath.Source("a")
	resolver := &fakeResolver{
		files: map[string]rules.Facts{a.String(): {"v": []string{"1"}}},
		env:   map[string]string{"CC": "gcc"},
	}

	deps := []rules.Dep{rules.FileDep(a), rules.EnvDep("CC"), rules.UniverseDep()}
	m := memo.NewCtx(memo.NewRunID())
	facts, declared, err := Run(m, resolver, buildpath.Build("default", "out"), FromDeps(deps))
	if err != nil {
		t.Fatal(err)
	}
	if got := facts["v"]; len(got) != 1 || got[0] != "1" {
		t.Fatalf("expected merged facts from the file dep, got %+v", facts)
	}
	if len(declared) != 3 {
		t.Fatalf("expected all 3 deps to be declared, got %d: %v", len(declared), declared)
	}
}

func TestParallelMapMergesDependenciesFromEveryItem(t *testing.T) {
	a := buildpath.Source("a")
	b := buildpath.Source("b")
	c := buildpath.Source("c")
	resolver := &fakeResolver{files: map[string]rules.Facts{
		a.String(): {"v": []string{"1"}},
		b.String(): {"v": []string{"2"}},
		c.String(): {"v": []string{"3"}},
	}}

	builder := ParallelMap([]buildpath.Path{a, b, c}, func(ctx *Ctx, p buildpath.Path) (string, error) {
		f, err := ctx.DepOnFile(p)
		if err != nil {
			return "", err
		}
		return f["v"][0], nil
	})

	m := memo.NewCtx(memo.NewRunID())
	v, deps, err := Run(m, resolver, buildpath.Build("default", "out"), builder)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1", "2", "3"}
	for i := range want {
		if v[i] != want[i] {
			t.Fatalf("index %d: got %q want %q (order must match input)", i, v[i], want[i])
		}
	}
	if len(deps) != 3 {
		t.Fatalf("expected 3 declared deps merged from all 3 items, got %d: %v", len(deps), deps)
	}
}

func TestWithErrorHandlerRecoversFromFailure(t *testing.T) {
	resolver := &fakeResolver{}
	failing := Builder[string](func(ctx *Ctx) (string, error) {
		return "", fmt.Errorf("missing input")
	})
	recovered := WithErrorHandler(failing, func(err error) (string, error) {
		return "fallback", nil
	})

	m := memo.NewCtx(memo.NewRunID())
	v, _, err := Run(m, resolver, buildpath.Build("default", "out"), recovered)
	if err != nil {
		t.Fatal(err)
	}
	if v != "fallback" {
		t.Fatalf("got %q, want fallback", v)
	}
}

func TestMemoBuildRunsThroughTheMemoGraph(t *testing.T) {
	resolver := &fakeResolver{}
	var calls int
	node := memo.Register[string, string]("action-memo-build-test", nil, func(c *memo.Ctx, i string) (string, error) {
		calls++
		return i + "!", nil
	})

	b := MemoBuild(node, "hi")
	m := memo.NewCtx(memo.NewRunID())
	for i := 0; i < 3; i++ {
		v, _, err := Run(m, resolver, buildpath.Build("default", "out"), b)
		if err != nil {
			t.Fatal(err)
		}
		if v != "hi!" {
			t.Fatalf("got %q", v)
		}
	}
	if calls != 1 {
		t.Fatalf("expected the memo node to run once, got %d calls", calls)
	}
}
