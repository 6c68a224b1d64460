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

package rules

import (
	"testing"

	"kiln/pkg/buildpath"
)

func TestStateValidAndTerminal(t *testing.T) {
	if !StateBuilt.Valid() || !StateBuilt.IsTerminal() {
		t.Fatalf("expected built to be valid and terminal")
	}
	if !StateActive.Valid() || StateActive.IsTerminal() {
		t.Fatalf("expected active to be valid and non-terminal")
	}
	if State("bogus").Valid() {
		t.Fatalf("expected bogus state to be invalid")
	}
}

func TestDirRulesCombineMergesAliasContribs(t *testing.T) {
	dir := buildpath.Dir{Context: "default", Sub: "lib"}
	a := Zero()
	a.Rules = append(a.Rules, Rule{Dir: dir, Targets: []string{"out.o"}})
	a.AliasContribs["all"] = []Dep{FileDep(buildpath.Build("default", "lib/out.o"))}

	b := Zero()
	b.AliasContribs["all"] = []Dep{FileDep(buildpath.Build("default", "lib/extra.o"))}

	merged := Combine(a, b)
	if len(merged.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(merged.Rules))
	}
	if len(merged.AliasContribs["all"]) != 2 {
		t.Fatalf("expected 2 alias contributions, got %d", len(merged.AliasContribs["all"]))
	}

	rs, aliases := merged.Consume(dir)
	if len(rs) != 1 {
		t.Fatalf("expected 1 consumed rule")
	}
	if len(aliases) != 1 || aliases[0].Name != "all" {
		t.Fatalf("expected one 'all' alias, got %+v", aliases)
	}
}

func TestFactsAddIsOrderIndependent(t *testing.T) {
	f1 := Facts{}.Add("includes", "a.h").Add("includes", "b.h")
	f2 := Facts{}.Add("includes", "b.h").Add("includes", "a.h")

	if len(f1["includes"]) != 2 || len(f2["includes"]) != 2 {
		t.Fatalf("expected 2 entries each")
	}
	if !f1.Digest().Equal(f2.Digest()) {
		t.Fatalf("expected equal digests regardless of Add order")
	}
}
