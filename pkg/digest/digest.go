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

// Package digest computes and represents content digests for files,
// rules, and arbitrary serialized values.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	ocidigest "github.com/opencontainers/go-digest"
)

// Digest is a sha256 content digest, optionally tagged with whether
// the hashed file carried the executable bit.
type Digest struct {
	sum        [sha256.Size]byte
	executable bool
}

// Zero is the zero-value Digest (an all-zero sum). It is not the
// digest of empty content: OfBytes(nil) differs from it.
var Zero Digest

// String renders the digest in "sha256:<hex>" form, the same
// convention OCI registries and the retrieved CowDogMoo manifest
// tooling use, so trace and cache logs read the same way.
func (d Digest) String() string {
	s := ocidigest.NewDigestFromEncoded(ocidigest.SHA256, hex.EncodeToString(d.sum[:]))
	if d.executable {
		return s.String() + "+x"
	}
	return s.String()
}

// Executable reports whether the digested file had its executable
// bit set.
func (d Digest) Executable() bool { return d.executable }

// Bytes returns the raw 32-byte sha256 sum, without the executable
// tag.
func (d Digest) Bytes() [sha256.Size]byte { return d.sum }

// Equal reports whether two digests (including their executable tag)
// are identical.
func (d Digest) Equal(other Digest) bool {
	return d.sum == other.sum && d.executable == other.executable
}

// OfBytes hashes an in-memory byte slice.
func OfBytes(b []byte) Digest {
	return Digest{sum: sha256.Sum256(b)}
}

// OfReader hashes the content of r.
func OfReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("digest: read content: %w", err)
	}
	var d Digest
	copy(d.sum[:], h.Sum(nil))
	return d, nil
}

// OfFile hashes the content of the file at path and tags the result
// with its current executable bit. It follows symlinks.
func OfFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Digest{}, fmt.Errorf("digest: stat %s: %w", path, err)
	}

	d, err := OfReader(f)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: hash %s: %w", path, err)
	}
	d.executable = info.Mode()&0o111 != 0
	return d, nil
}

// Combine folds a sequence of digests (e.g. a rule's command plus its
// dependency digests, in a fixed deterministic order) into one
// digest. Order matters: callers must present inputs in a stable
// order for the result to be reproducible.
func Combine(parts ...Digest) Digest {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p.sum[:])
		if p.executable {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	var d Digest
	copy(d.sum[:], h.Sum(nil))
	return d
}

// Parse parses the "sha256:<hex>" (optionally "+x" suffixed) form
// produced by String back into a Digest.
func Parse(s string) (Digest, error) {
	executable := false
	if len(s) > 2 && s[len(s)-2:] == "+x" {
		executable = true
		s = s[:len(s)-2]
	}
	parsed, err := ocidigest.Parse(s)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: parse %q: %w", s, err)
	}
	raw, err := hex.DecodeString(parsed.Encoded())
	if err != nil || len(raw) != sha256.Size {
		return Digest{}, fmt.Errorf("digest: invalid sha256 payload in %q", s)
	}
	var d Digest
	copy(d.sum[:], raw)
	d.executable = executable
	return d, nil
}
