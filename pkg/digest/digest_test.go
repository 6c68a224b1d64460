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

package digest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOfFileMatchesContentNotName(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(a, []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}

	da, err := OfFile(a)
	if err != nil {
		t.Fatal(err)
	}
	db, err := OfFile(b)
	if err != nil {
		t.Fatal(err)
	}
	if !da.Equal(db) {
		t.Fatalf("digests of identical content differ: %s vs %s", da, db)
	}
}

func TestOfFileExecutableBitChangesDigest(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "script")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	plain, err := OfFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if plain.Executable() {
		t.Fatalf("expected non-executable digest")
	}

	if err := os.Chmod(p, 0o755); err != nil {
		t.Fatal(err)
	}
	exec, err := OfFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !exec.Executable() {
		t.Fatalf("expected executable digest")
	}
	if plain.Equal(exec) {
		t.Fatalf("expected executable bit to change the digest")
	}
}

func TestParseRoundTrip(t *testing.T) {
	d := OfBytes([]byte("hello"))
	parsed, err := Parse(d.String())
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(d) {
		t.Fatalf("round trip mismatch: %s vs %s", d, parsed)
	}
}

func TestCombineOrderSensitive(t *testing.T) {
	a := OfBytes([]byte("a"))
	b := OfBytes([]byte("b"))
	if Combine(a, b).Equal(Combine(b, a)) {
		t.Fatalf("expected Combine to be order-sensitive")
	}
}
