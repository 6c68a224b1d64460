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

package loader

import (
	"path/filepath"
	"strings"
)

// Predicate decides whether a single entry name within a directory
// should be selected. It is a plain function value, in the spirit of
// the host codebase's vendor-dispatch-by-predicate style, rather than
// a small interface hierarchy.
type Predicate func(name string) bool

// Glob selects names matching a shell glob pattern (path/filepath.Match
// semantics).
func Glob(pattern string) Predicate {
	return func(name string) bool {
		ok, err := filepath.Match(pattern, name)
		return err == nil && ok
	}
}

// Suffix selects names ending in ext.
func Suffix(ext string) Predicate {
	return func(name string) bool { return strings.HasSuffix(name, ext) }
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(name string) bool { return !p(name) }
}

// Any reports true if any of ps selects name.
func Any(ps ...Predicate) Predicate {
	return func(name string) bool {
		for _, p := range ps {
			if p(name) {
				return true
			}
		}
		return false
	}
}
