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

// Package buildpath represents the three kinds of paths the build
// engine reasons about: files that live in the source tree, files
// that live under the build root, and files outside both.
package buildpath

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Kind discriminates the three path universes a Path can live in.
type Kind uint8

const (
	// KindSource identifies a path that lives in the source tree and
	// is never written to by the engine.
	KindSource Kind = iota
	// KindBuild identifies a path that lives under a build context's
	// output directory.
	KindBuild
	// KindExternal identifies a path outside both the source tree and
	// the build root (an absolute path elsewhere on disk).
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindBuild:
		return "build"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Path is a flat, comparable value identifying one file the engine can
// depend on or produce. It is deliberately not an interface: build
// keys must be cheap to compare, order, and use as map keys, and a
// tagged struct gives us that for free.
type Path struct {
	kind Kind

	// sub is the path relative to the tree root (source tree for
	// KindSource, build context directory for KindBuild) using
	// forward slashes regardless of host OS.
	sub string

	// context names the build context for KindBuild paths (e.g.
	// "default", "cross/arm64").
	context string

	// install marks a KindBuild path as belonging to the install
	// tree view of its context rather than the raw build directory.
	install bool

	// anonymous, when non-empty, marks this as the output path of an
	// anonymous action seeded by the given digest rather than a named
	// rule target.
	anonymous string
}

// Source constructs a path into the source tree.
func Source(rel string) Path {
	return Path{kind: KindSource, sub: cleanRel(rel)}
}

// Build constructs a path into a build context's output directory.
func Build(context, rel string) Path {
	return Path{kind: KindBuild, context: context, sub: cleanRel(rel)}
}

// Install constructs a path into a build context's install view.
func Install(context, rel string) Path {
	return Path{kind: KindBuild, context: context, sub: cleanRel(rel), install: true}
}

// Anonymous constructs the synthetic output path of an anonymous
// action, keyed by the digest seed that identifies it.
func Anonymous(context, seed string) Path {
	return Path{kind: KindBuild, context: context, anonymous: seed}
}

// External constructs a path that is neither under the source tree
// nor the build root.
func External(abs string) Path {
	return Path{kind: KindExternal, sub: path.Clean(filepathToSlash(abs))}
}

func cleanRel(rel string) string {
	return path.Clean(filepathToSlash(rel))
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// Kind reports which path universe this value belongs to.
func (p Path) Kind() Kind { return p.kind }

// Context returns the build context name for a KindBuild path, or the
// empty string otherwise.
func (p Path) Context() string { return p.context }

// IsInstall reports whether a KindBuild path addresses the install
// tree view.
func (p Path) IsInstall() bool { return p.install }

// IsAnonymous reports whether this path names an anonymous action's
// output rather than a named target.
func (p Path) IsAnonymous() bool { return p.anonymous != "" }

// Rel returns the path relative to its owning tree root. For
// anonymous action paths it returns a synthesized ".kiln/actions/<seed>"
// location.
func (p Path) Rel() string {
	if p.anonymous != "" {
		return path.Join(".kiln", "actions", p.anonymous)
	}
	return p.sub
}

// Dir returns the containing directory as a Path of the same kind.
func (p Path) Dir() Path {
	d := p
	d.sub = path.Dir(p.Rel())
	d.anonymous = ""
	return d
}

// String renders a Path for logs and trace keys in a stable,
// collision-free form.
func (p Path) String() string {
	switch p.kind {
	case KindSource:
		return "source:" + p.sub
	case KindExternal:
		return "external:" + p.sub
	case KindBuild:
		tag := "build"
		if p.install {
			tag = "install"
		}
		if p.anonymous != "" {
			return fmt.Sprintf("%s:%s:anon:%s", tag, p.context, p.anonymous)
		}
		return fmt.Sprintf("%s:%s:%s", tag, p.context, p.sub)
	default:
		return "invalid"
	}
}

// pathJSON mirrors Path's unexported fields so a Path can round-trip
// through JSON (needed to persist a rule's dependency set in the
// trace database's dynamic dependency stages).
type pathJSON struct {
	Kind      Kind   `json:"kind"`
	Sub       string `json:"sub,omitempty"`
	Context   string `json:"context,omitempty"`
	Install   bool   `json:"install,omitempty"`
	Anonymous string `json:"anonymous,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(pathJSON{Kind: p.kind, Sub: p.sub, Context: p.context, Install: p.install, Anonymous: p.anonymous})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Path) UnmarshalJSON(data []byte) error {
	var pj pathJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	p.kind = pj.Kind
	p.sub = pj.Sub
	p.context = pj.Context
	p.install = pj.Install
	p.anonymous = pj.Anonymous
	return nil
}

// Dir identifies one directory within the source tree or a build
// context, the unit of granularity load_dir operates on.
type Dir struct {
	Context string
	Sub     string
}

// DirOf returns the directory containing p.
func DirOf(p Path) Dir {
	return Dir{Context: p.context, Sub: path.Dir(p.Rel())}
}

func (d Dir) String() string {
	if d.Context == "" {
		return d.Sub
	}
	return d.Context + ":" + d.Sub
}
