// Package index implements the FS Index / Cache: the authoritative
// process-local map of filesystem identity for all mounted vaults — the
// fuse-path-to-entry cache, the inode bijection, pending renames, and open
// handle refcounts.
//
// One mutex guards every map, so the entry cache and inode table can
// never be observed out of step with each other.
package index

import (
	"sync"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

// FuseRootID is the inode reserved for the mount root, per FUSE convention;
// assigned inodes start strictly above it.
const FuseRootID uint64 = 1

// Index is the FS Index / Cache. It is keyed by fuse_path, which already
// carries the vault's mount point, so paths of different vaults never
// collide. The daemon builds one Index per vault engine: inode numbers are
// unique within one vault's mount and may repeat across vaults.
type Index struct {
	mu sync.Mutex

	entries          map[string]*model.FSEntry  // fuse_path -> entry
	inodeTable       map[uint64]string           // inode -> fuse_path
	pathToInode      map[string]uint64           // fuse_path -> inode, reverse of inodeTable
	pendingRenames   map[uint64]renamePair        // inode -> (old, new) fuse_path
	openHandleCounts map[uint64]int               // inode -> nlookup

	nextInode uint64
}

type renamePair struct {
	oldPath string
	newPath string
}

// New constructs an empty FS Index.
func New() *Index {
	return &Index{
		entries:          make(map[string]*model.FSEntry),
		inodeTable:        make(map[uint64]string),
		pathToInode:       make(map[string]uint64),
		pendingRenames:    make(map[uint64]renamePair),
		openHandleCounts:  make(map[uint64]int),
		nextInode:         FuseRootID + 1,
	}
}

// GetEntry is a cache-only lookup; a miss means the caller (the Storage
// Engine) must resolve the entry through the entry store and then call
// CacheEntry.
func (ix *Index) GetEntry(fusePath string) (*model.FSEntry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[fusePath]
	return e, ok
}

// CacheEntry inserts or replaces the cached record for entry.Path (vault-
// relative paths are translated to fuse_path by the caller before this is
// invoked — Index itself is namespace-agnostic and keyed only by whatever
// string the caller supplies, consistently, as fuse_path).
func (ix *Index) CacheEntry(fusePath string, entry *model.FSEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[fusePath] = entry
}

// EvictPath removes the cached entry for fusePath. It does not by itself
// release the path's inode: Forget drops the path/inode binding only once
// the entry has been evicted AND the handle refcount has drained to zero
// (C2). Inode numbers are never reused; a path bound again after that gets
// a fresh number from AssignInode.
func (ix *Index) EvictPath(fusePath string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, fusePath)
}

// AssignInode returns a stable inode for fusePath, assigning a fresh one on
// first call and returning the same value on every subsequent call until
// the path is evicted and its handle refcount reaches zero (C2, C3).
func (ix *Index) AssignInode(fusePath string) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ino, ok := ix.pathToInode[fusePath]; ok {
		return ino
	}
	ino := ix.nextInode
	ix.nextInode++
	ix.pathToInode[fusePath] = ino
	ix.inodeTable[ino] = fusePath
	return ino
}

// ResolveInode is the reverse lookup from inode to fuse_path.
func (ix *Index) ResolveInode(ino uint64) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	p, ok := ix.inodeTable[ino]
	return p, ok
}

// IncrementHandle bumps the open-handle refcount for ino, called on
// lookup/create/open.
func (ix *Index) IncrementHandle(ino uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.openHandleCounts[ino]++
}

// Forget decrements the refcount for ino by exactly nlookup, per the FUSE
// forget contract, and reclaims the inode slot once the count reaches zero
// and the path no longer resolves to a live entry.
func (ix *Index) Forget(ino uint64, nlookup int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.openHandleCounts[ino] -= nlookup
	if ix.openHandleCounts[ino] > 0 {
		return
	}
	delete(ix.openHandleCounts, ino)

	fusePath, ok := ix.inodeTable[ino]
	if !ok {
		return
	}
	if _, stillCached := ix.entries[fusePath]; stillCached {
		return // path still has a live entry; inode stays assigned
	}
	delete(ix.inodeTable, ino)
	delete(ix.pathToInode, fusePath)
}

// HandleCount reports the current open-handle refcount for ino (0 if
// untracked), primarily for tests and diagnostics.
func (ix *Index) HandleCount(ino uint64) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.openHandleCounts[ino]
}

// BeginRename records a pending rename for ino, to be consumed by
// CompleteRename at release().
func (ix *Index) BeginRename(ino uint64, oldPath, newPath string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.pendingRenames[ino] = renamePair{oldPath: oldPath, newPath: newPath}
}

// CompleteRename consumes the pending rename for ino (if any), moving the
// cached entry and inode mapping from oldPath to newPath atomically under
// the index lock. The inode value is preserved across the rename.
func (ix *Index) CompleteRename(ino uint64) (oldPath, newPath string, ok bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	pair, found := ix.pendingRenames[ino]
	if !found {
		return "", "", false
	}
	delete(ix.pendingRenames, ino)

	if entry, has := ix.entries[pair.oldPath]; has {
		delete(ix.entries, pair.oldPath)
		entry.Path = pair.newPath
		ix.entries[pair.newPath] = entry
	}
	if existingIno, has := ix.pathToInode[pair.oldPath]; has && existingIno == ino {
		delete(ix.pathToInode, pair.oldPath)
		ix.pathToInode[pair.newPath] = ino
		ix.inodeTable[ino] = pair.newPath
	}
	return pair.oldPath, pair.newPath, true
}
