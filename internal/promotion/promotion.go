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

// Package promotion tracks files the executor has copied back into
// the source tree (ModePromote rules) so a later run can safely
// remove ones a rule no longer produces, without ever touching a file
// the set doesn't recognize as its own.
package promotion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// magic tags the on-disk file so a foreign or corrupted file is
// detected and treated as absent (triggering a safe rebuild of the
// set) rather than misread as an empty set.
var magic = [4]byte{'K', 'L', 'N', 'P'}

// Set is the persisted collection of source-tree paths the engine has
// promoted build outputs into.
type Set struct {
	path    string
	Entries map[string]bool `json:"entries"`
}

// Load reads the promoted-to-delete set from path, returning an empty
// set if the file doesn't exist or fails its magic check.
func Load(path string) (*Set, error) {
	s := &Set{path: path, Entries: map[string]bool{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("promotion: read %s: %w", path, err)
	}
	if len(raw) < 4 || !bytes.Equal(raw[:4], magic[:]) {
		return s, nil
	}
	if err := json.Unmarshal(raw[4:], &s.Entries); err != nil {
		return s, nil
	}
	return s, nil
}

// Add records that rel (a source-tree-relative path) was promoted.
func (s *Set) Add(rel string) { s.Entries[filepath.ToSlash(rel)] = true }

// Remove drops rel from the set, used once a stale promoted file has
// actually been deleted.
func (s *Set) Remove(rel string) { delete(s.Entries, filepath.ToSlash(rel)) }

// Contains reports whether rel is a known promoted path.
func (s *Set) Contains(rel string) bool { return s.Entries[filepath.ToSlash(rel)] }

// Save persists the set to its path.
func (s *Set) Save() error {
	body, err := json.Marshal(s.Entries)
	if err != nil {
		return fmt.Errorf("promotion: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("promotion: create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".promotion-*")
	if err != nil {
		return fmt.Errorf("promotion: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(magic[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("promotion: write magic: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("promotion: write body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("promotion: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("promotion: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("promotion: rename into place: %w", err)
	}
	return nil
}

// Sweep removes every promoted path not present in stillProduced,
// returning the paths actually deleted from disk. sourceRoot is the
// directory promoted paths are relative to.
func (s *Set) Sweep(sourceRoot string, stillProduced map[string]bool) ([]string, error) {
	var removed []string
	for rel := range s.Entries {
		if stillProduced[rel] {
			continue
		}
		full := filepath.Join(sourceRoot, filepath.FromSlash(rel))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("promotion: remove stale %s: %w", full, err)
		}
		s.Remove(rel)
		removed = append(removed, rel)
	}
	return removed, nil
}
