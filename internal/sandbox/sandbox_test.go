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

package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMaterializeCopyModeIsIndependent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(dir, "sandbox")
	plan := NewPlan(root, ModeCopy, []Entry{{SourcePath: src, RelPath: "src.txt"}})
	if err := plan.Materialize(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "src.txt"), []byte("mutated"), 0o644); err != nil {
		t.Fatal(err)
	}
	orig, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if string(orig) != "original" {
		t.Fatalf("expected source untouched, got %q", orig)
	}

	if err := plan.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("expected sandbox root removed after cleanup")
	}
}

func TestMaterializeSymlinkPointsAtSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("v"), 0o644); err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(dir, "sandbox")
	plan := NewPlan(root, ModeSymlink, []Entry{{SourcePath: src, RelPath: "nested/src.txt"}})
	if err := plan.Materialize(); err != nil {
		t.Fatal(err)
	}

	if runtimeWindows() {
		t.Skip("symlink mode downgrades to copy on windows")
	}

	target, err := os.Readlink(filepath.Join(root, "nested", "src.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if target != src {
		t.Fatalf("got symlink target %q, want %q", target, src)
	}
}

func runtimeWindows() bool { return os.PathSeparator == '\\' }
