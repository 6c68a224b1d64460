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

// Package digestcache caches file content digests keyed by a cheap
// stat signature, so unchanged files are never rehashed.
package digestcache

import (
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"kiln/pkg/digest"
)

// StatKey is the cheap signature used to decide whether a file may
// have changed since it was last digested.
type StatKey struct {
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
}

type entry struct {
	key    StatKey
	digest digest.Digest
}

// Cache maps file paths to their last known stat signature and
// digest, avoiding a rehash when the signature hasn't moved.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, entry]
	stats struct {
		hits, misses int64
	}
}

// New builds a cache bounded to size entries. size must be positive.
func New(size int) (*Cache, error) {
	l, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("digestcache: %w", err)
	}
	return &Cache{lru: l}, nil
}

// Refresh returns the digest for path, reusing the cached value if
// path's stat signature hasn't changed since it was last computed.
// When removeWritePermissions is set and the file is freshly
// digested, write bits are stripped after hashing so accidental
// source-tree edits between runs are caught as permission errors
// rather than silently ignored stale digests.
func (c *Cache) Refresh(path string, removeWritePermissions bool) (digest.Digest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("digestcache: stat %s: %w", path, err)
	}
	key := StatKey{Size: info.Size(), ModTime: info.ModTime(), Mode: info.Mode()}

	c.mu.Lock()
	if e, ok := c.lru.Get(path); ok && e.key == key {
		c.stats.hits++
		c.mu.Unlock()
		return e.digest, nil
	}
	c.stats.misses++
	c.mu.Unlock()

	d, err := digest.OfFile(path)
	if err != nil {
		return digest.Digest{}, err
	}

	if removeWritePermissions && info.Mode()&0o222 != 0 {
		if err := os.Chmod(path, info.Mode()&^0o222); err != nil {
			return digest.Digest{}, fmt.Errorf("digestcache: strip write bits on %s: %w", path, err)
		}
	}

	c.mu.Lock()
	c.lru.Add(path, entry{key: key, digest: d})
	c.mu.Unlock()
	return d, nil
}

// Invalidate drops any cached entry for path, forcing the next
// Refresh to rehash unconditionally.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(path)
}

// Stats reports cumulative hit/miss counts, for diagnostics and
// tests.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.hits, c.stats.misses
}
