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

package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"kiln/internal/cache"
	"kiln/internal/rules"
	"kiln/internal/sandbox"
	"kiln/internal/tracedb"
	"kiln/pkg/buildpath"
	"kiln/pkg/digest"
)

type countingInterpreter struct {
	runs    int32
	buildRoot string
}

func (c *countingInterpreter) Exec(_ context.Context, req ExecRequest, _ BuildDepsFunc) (ExecResult, error) {
	atomic.AddInt32(&c.runs, 1)
	for _, t := range req.Rule.Targets {
		dst := filepath.Join(c.buildRoot, req.Rule.Dir.Context, req.Rule.Dir.Sub, t)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return ExecResult{}, err
		}
		if err := os.WriteFile(dst, []byte("built:"+t), 0o644); err != nil {
			return ExecResult{}, err
		}
	}
	return ExecResult{ExitCode: 0, Facts: rules.Facts{}}, nil
}

func newTestExecutor(t *testing.T) (*Executor, *countingInterpreter, string, string) {
	t.Helper()
	sourceRoot := t.TempDir()
	buildRoot := t.TempDir()

	db, err := tracedb.Open(filepath.Join(buildRoot, "trace.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	local, err := cache.NewFilesystemStore(filepath.Join(buildRoot, "cache"))
	if err != nil {
		t.Fatal(err)
	}

	interp := &countingInterpreter{buildRoot: buildRoot}
	exec := New(db, local, nil, interp, sourceRoot, buildRoot)
	return exec, interp, sourceRoot, buildRoot
}

func TestExecuteRunsOnceThenReportsUnchanged(t *testing.T) {
	exec, interp, _, _ := newTestExecutor(t)
	rule := rules.Rule{
		Dir:     buildpath.Dir{Context: "default", Sub: "lib"},
		Targets: []string{"out.o"},
	}
	params := ExecParams{SandboxPreference: []sandbox.Mode{sandbox.ModeCopy}}
	depDigest := digest.OfBytes([]byte("deps-v1"))

	outcome, err := exec.Execute(context.Background(), rule, depDigest, params, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.State != rules.StateBuilt {
		t.Fatalf("expected Built, got %s", outcome.State)
	}
	if interp.runs != 1 {
		t.Fatalf("expected 1 run, got %d", interp.runs)
	}

	outcome2, err := exec.Execute(context.Background(), rule, depDigest, params, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome2.State != rules.StateUnchanged {
		t.Fatalf("expected Unchanged on second call with same deps, got %s", outcome2.State)
	}
	if interp.runs != 1 {
		t.Fatalf("expected still 1 run after unchanged replay, got %d", interp.runs)
	}
}

func TestExecuteRerunsWhenDependencyDigestChanges(t *testing.T) {
	exec, interp, _, _ := newTestExecutor(t)
	rule := rules.Rule{
		Dir:     buildpath.Dir{Context: "default", Sub: "lib"},
		Targets: []string{"out.o"},
	}
	params := ExecParams{SandboxPreference: []sandbox.Mode{sandbox.ModeCopy}}

	if _, err := exec.Execute(context.Background(), rule, digest.OfBytes([]byte("v1")), params, nil); err != nil {
		t.Fatal(err)
	}
	outcome, err := exec.Execute(context.Background(), rule, digest.OfBytes([]byte("v2")), params, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.State != rules.StateBuilt {
		t.Fatalf("expected rebuild after dep change, got %s", outcome.State)
	}
	if interp.runs != 2 {
		t.Fatalf("expected 2 runs, got %d", interp.runs)
	}
}

func TestExecuteAlwaysRerunSkipsTrace(t *testing.T) {
	exec, interp, _, _ := newTestExecutor(t)
	rule := rules.Rule{
		Dir:         buildpath.Dir{Context: "default", Sub: "lib"},
		Targets:     []string{"out.o"},
		AlwaysRerun: true,
	}
	params := ExecParams{SandboxPreference: []sandbox.Mode{sandbox.ModeCopy}}
	dep := digest.OfBytes([]byte("same"))

	for i := 0; i < 3; i++ {
		if _, err := exec.Execute(context.Background(), rule, dep, params, nil); err != nil {
			t.Fatal(err)
		}
	}
	if interp.runs != 3 {
		t.Fatalf("expected 3 runs for always-rerun rule, got %d", interp.runs)
	}
}

func TestExecuteReportsActionFailure(t *testing.T) {
	exec, _, _, buildRoot := newTestExecutor(t)
	exec.interpreter = &failingInterpreter{}
	_ = buildRoot

	rule := rules.Rule{Dir: buildpath.Dir{Context: "default", Sub: "lib"}, Targets: []string{"out.o"}}
	_, err := exec.Execute(context.Background(), rule, digest.OfBytes([]byte("x")), ExecParams{SandboxPreference: []sandbox.Mode{sandbox.ModeCopy}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var failure *ActionFailureError
	if !as(err, &failure) {
		t.Fatalf("expected ActionFailureError, got %T: %v", err, err)
	}
}

// readOnlyInterpreter writes its targets without the owner-write bit,
// simulating a RemoveWritePermissions-protected build artifact (or any
// other read-only action output), so promotion tests actually exercise
// the re-add-write-bit behavior instead of trivially passing against
// an already-writable file.
type readOnlyInterpreter struct {
	buildRoot string
}

func (r *readOnlyInterpreter) Exec(_ context.Context, req ExecRequest, _ BuildDepsFunc) (ExecResult, error) {
	for _, t := range req.Rule.Targets {
		dst := filepath.Join(r.buildRoot, req.Rule.Dir.Context, req.Rule.Dir.Sub, t)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return ExecResult{}, err
		}
		if err := os.WriteFile(dst, []byte("generated:"+t), 0o444); err != nil {
			return ExecResult{}, err
		}
	}
	return ExecResult{ExitCode: 0, Facts: rules.Facts{}}, nil
}

func TestExecutePromoteRestoresUserWriteBit(t *testing.T) {
	exec, _, sourceRoot, buildRoot := newTestExecutor(t)
	exec.interpreter = &readOnlyInterpreter{buildRoot: buildRoot}

	rule := rules.Rule{
		Dir:     buildpath.Dir{Context: "default", Sub: "gen"},
		Targets: []string{"gen.ml"},
		Mode:    rules.ModePromote,
	}
	params := ExecParams{SandboxPreference: []sandbox.Mode{sandbox.ModeCopy}}

	outcome, err := exec.Execute(context.Background(), rule, digest.OfBytes([]byte("deps")), params, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcome.Promoted) != 1 {
		t.Fatalf("expected one promoted path, got %v", outcome.Promoted)
	}

	promoted := filepath.Join(sourceRoot, "gen", "gen.ml")
	info, err := os.Stat(promoted)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0o200 == 0 {
		t.Fatalf("expected promoted file to be user-writable, got mode %v", info.Mode())
	}
}

type failingInterpreter struct{}

func (f *failingInterpreter) Exec(_ context.Context, _ ExecRequest, _ BuildDepsFunc) (ExecResult, error) {
	return ExecResult{ExitCode: 1}, nil
}

func as(err error, target **ActionFailureError) bool {
	for err != nil {
		if e, ok := err.(*ActionFailureError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
