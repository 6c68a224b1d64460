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

package promotion

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".to-delete-in-source-tree")

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Add("gen/version.h")
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.Contains("gen/version.h") {
		t.Fatalf("expected reloaded set to contain promoted path")
	}
}

func TestLoadCorruptFileReturnsEmptySet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".to-delete-in-source-tree")
	if err := os.WriteFile(path, []byte("not a kiln promotion file"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Entries) != 0 {
		t.Fatalf("expected empty set for corrupt file, got %v", s.Entries)
	}
}

func TestSweepRemovesOnlyUnproduced(t *testing.T) {
	srcRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(srcRoot, "gen"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "gen", "old.h"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "gen", "current.h"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(filepath.Join(srcRoot, ".to-delete-in-source-tree"))
	if err != nil {
		t.Fatal(err)
	}
	s.Add("gen/old.h")
	s.Add("gen/current.h")

	removed, err := s.Sweep(srcRoot, map[string]bool{"gen/current.h": true})
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "gen/old.h" {
		t.Fatalf("expected only gen/old.h removed, got %v", removed)
	}
	if _, err := os.Stat(filepath.Join(srcRoot, "gen", "current.h")); err != nil {
		t.Fatalf("expected current.h to survive sweep")
	}
	if _, err := os.Stat(filepath.Join(srcRoot, "gen", "old.h")); !os.IsNotExist(err) {
		t.Fatalf("expected old.h to be removed")
	}
}
