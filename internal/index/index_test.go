package index

import (
	"testing"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

func TestAssignInode_StableUntilEvicted(t *testing.T) {
	ix := New()
	ino1 := ix.AssignInode("/vaults/v/a/foo")
	ino2 := ix.AssignInode("/vaults/v/a/foo")
	if ino1 != ino2 {
		t.Errorf("expected stable inode, got %d then %d", ino1, ino2)
	}
	if ino1 <= FuseRootID {
		t.Errorf("expected inode above root id, got %d", ino1)
	}
}

func TestAssignInode_NoTwoPathsShareInode(t *testing.T) {
	ix := New()
	inoA := ix.AssignInode("/vaults/v/a")
	inoB := ix.AssignInode("/vaults/v/b")
	if inoA == inoB {
		t.Errorf("expected distinct inodes, got %d for both", inoA)
	}
}

func TestForget_ReclaimsOnlyAfterEvictAndZeroRefcount(t *testing.T) {
	ix := New()
	ino := ix.AssignInode("/vaults/v/a/foo")
	ix.CacheEntry("/vaults/v/a/foo", &model.FSEntry{Path: "a/foo"})
	ix.IncrementHandle(ino)
	ix.IncrementHandle(ino)

	ix.Forget(ino, 1)
	if got, _ := ix.ResolveInode(ino); got == "" {
		t.Fatal("inode should still resolve with refcount > 0")
	}

	ix.Forget(ino, 1)
	// Refcount is zero but entry still cached: inode stays assigned.
	if _, ok := ix.ResolveInode(ino); !ok {
		t.Fatal("inode should remain assigned while entry is still cached")
	}

	ix.EvictPath("/vaults/v/a/foo")
	ix.Forget(ino, 0) // re-check after eviction with refcount already zero
	if _, ok := ix.ResolveInode(ino); ok {
		t.Error("expected inode reclaimed after evict + zero refcount")
	}
}

func TestRenameThenRelease(t *testing.T) {
	ix := New()
	ino := ix.AssignInode("/vaults/v/a/foo")
	ix.CacheEntry("/vaults/v/a/foo", &model.FSEntry{Path: "a/foo", Inode: ino})

	ix.BeginRename(ino, "/vaults/v/a/foo", "/vaults/v/a/bar")
	oldPath, newPath, ok := ix.CompleteRename(ino)
	if !ok {
		t.Fatal("expected pending rename to be consumed")
	}
	if oldPath != "/vaults/v/a/foo" || newPath != "/vaults/v/a/bar" {
		t.Errorf("unexpected rename pair: %s -> %s", oldPath, newPath)
	}

	if _, ok := ix.GetEntry("/vaults/v/a/foo"); ok {
		t.Error("expected old path evicted from entries")
	}
	if _, ok := ix.GetEntry("/vaults/v/a/bar"); !ok {
		t.Error("expected new path present in entries")
	}

	newIno := ix.AssignInode("/vaults/v/a/bar")
	if newIno != ino {
		t.Errorf("expected inode preserved across rename, got %d want %d", newIno, ino)
	}
}
