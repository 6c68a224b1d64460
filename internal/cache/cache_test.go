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

package cache

import (
	"bytes"
	"io"
	"testing"

	"kiln/pkg/digest"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	d, n, err := s.Put(bytes.NewReader([]byte("artifact content")))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len("artifact content")) {
		t.Fatalf("got size %d", n)
	}
	if !s.Has(d) {
		t.Fatal("expected Has to report true after Put")
	}

	rc, err := s.Get(d)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "artifact content" {
		t.Fatalf("got %q", got)
	}
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d1, _, err := s.Put(bytes.NewReader([]byte("same")))
	if err != nil {
		t.Fatal(err)
	}
	d2, _, err := s.Put(bytes.NewReader([]byte("same")))
	if err != nil {
		t.Fatal(err)
	}
	if !d1.Equal(d2) {
		t.Fatalf("expected identical digests for identical content")
	}
}

func TestGetMissingBlobFails(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Put(bytes.NewReader([]byte("exists"))); err != nil {
		t.Fatal(err)
	}
	missing := digest.OfBytes([]byte("never stored"))
	if _, err := s.Get(missing); err == nil {
		t.Fatal("expected Get of a never-stored digest to fail")
	}
}
