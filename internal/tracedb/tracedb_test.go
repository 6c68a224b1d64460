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

package tracedb

import (
	"context"
	"path/filepath"
	"testing"

	"kiln/internal/rules"
	"kiln/pkg/buildpath"
	"kiln/pkg/digest"
)

func TestStoreLookupRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	entry := Entry{
		RuleKey:       "default:lib/a.o",
		RuleDigest:    digest.OfBytes([]byte("rule")),
		TargetsDigest: digest.OfBytes([]byte("output")),
		Stages: []Stage{
			{Deps: []rules.Dep{rules.FileDep(buildpath.Source("a.c"))}, DepDigest: digest.OfBytes([]byte("dep1"))},
			{Deps: []rules.Dep{rules.FileDep(buildpath.Source("b.c"))}, DepDigest: digest.OfBytes([]byte("dep2"))},
		},
	}
	if err := db.Store(ctx, entry); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.Lookup(ctx, entry.RuleKey)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if !got.RuleDigest.Equal(entry.RuleDigest) || !got.TargetsDigest.Equal(entry.TargetsDigest) {
		t.Fatalf("digest mismatch: %+v", got)
	}
	if len(got.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(got.Stages))
	}
	if len(got.Stages[0].Deps) != 1 || got.Stages[0].Deps[0].File.String() != buildpath.Source("a.c").String() {
		t.Fatalf("expected stage 0 deps to round-trip, got %+v", got.Stages[0].Deps)
	}
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	_, ok, err := db.Lookup(context.Background(), "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected not found")
	}
}

func TestForgetRemovesEntry(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	entry := Entry{RuleKey: "k", RuleDigest: digest.OfBytes([]byte("r")), TargetsDigest: digest.OfBytes([]byte("o"))}
	if err := db.Store(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if err := db.Forget(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := db.Lookup(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected entry to be gone after forget")
	}
}
