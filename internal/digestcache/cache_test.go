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

package digestcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRefreshHitsOnUnchangedStat(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(p, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := New(8)
	if err != nil {
		t.Fatal(err)
	}

	d1, err := c.Refresh(p, false)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := c.Refresh(p, false)
	if err != nil {
		t.Fatal(err)
	}
	if !d1.Equal(d2) {
		t.Fatalf("expected stable digest across refreshes")
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit/1 miss, got hits=%d misses=%d", hits, misses)
	}
}

func TestRefreshMissesAfterContentChange(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(p, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	d1, err := c.Refresh(p, false)
	if err != nil {
		t.Fatal(err)
	}

	// Ensure a distinct mtime even on coarse filesystem clocks.
	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(p, []byte("v2-longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, future, future); err != nil {
		t.Fatal(err)
	}

	d2, err := c.Refresh(p, false)
	if err != nil {
		t.Fatal(err)
	}
	if d1.Equal(d2) {
		t.Fatalf("expected digest to change after content change")
	}
}

func TestInvalidateForcesRehash(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(p, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Refresh(p, false); err != nil {
		t.Fatal(err)
	}
	c.Invalidate(p)
	if _, err := c.Refresh(p, false); err != nil {
		t.Fatal(err)
	}
	_, misses := c.Stats()
	if misses != 2 {
		t.Fatalf("expected 2 misses after invalidate, got %d", misses)
	}
}
