package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/vaulthalla/vaulthalla/internal/index"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/vaultcrypto"
)

type memKeys struct {
	key     []byte
	version uint32
}

func (k *memKeys) KeyForVersion(vaultID uint32, version uint32) ([]byte, error) {
	return k.key, nil
}
func (k *memKeys) CurrentVersion(vaultID uint32) (uint32, error) { return k.version, nil }

func newTestEngine(t *testing.T) (*Engine, *metadata.Store) {
	e, store, _ := newTestEngineWithKeys(t, 0)
	return e, store
}

func newTestEngineWithKeys(t *testing.T, quota int64) (*Engine, *metadata.Store, *memKeys) {
	t.Helper()
	dir := t.TempDir()
	store, err := metadata.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	v, err := store.CreateVault(model.Vault{Name: "v", MountPoint: "v", Type: model.VaultLocal, Quota: quota, IsActive: true})
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	keys := &memKeys{key: key, version: 1}
	crypto := vaultcrypto.NewManager(v.ID, keys)
	idx := index.New()

	fuseRoot := filepath.Join(dir, "fuse")
	backingRoot := filepath.Join(dir, "backing")
	if err := os.MkdirAll(filepath.Join(backingRoot, v.MountPoint), 0o755); err != nil {
		t.Fatalf("MkdirAll backingRoot: %v", err)
	}
	e := New(v, fuseRoot, backingRoot, store, crypto, idx)
	return e, store, keys
}

func TestCreateFile_ReadBack(t *testing.T) {
	e, _ := newTestEngine(t)

	entry, err := e.CreateFile(CreateFileParams{
		VaultRelPath: "docs/readme.txt",
		Buffer:       []byte("hello vault"),
		OwnerUID:     1000,
		Mode:         0o644,
	})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if entry.Inode <= index.FuseRootID {
		t.Errorf("expected inode above root, got %d", entry.Inode)
	}

	got, err := e.ReadFile("docs/readme.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("hello vault")) {
		t.Errorf("expected round-tripped plaintext, got %q", got)
	}
}

func TestRename_PreservesInodeAndContent(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.CreateFile(CreateFileParams{VaultRelPath: "a/foo.txt", Buffer: []byte("x"), OwnerUID: 1}); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	fuseFoo, _ := e.fusePath("a/foo.txt")
	inoBefore := e.index.AssignInode(fuseFoo)

	if err := e.Rename("a/foo.txt", "a/bar.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	got, err := e.ReadFile("a/bar.txt")
	if err != nil {
		t.Fatalf("ReadFile after rename: %v", err)
	}
	if string(got) != "x" {
		t.Errorf("expected content preserved across rename, got %q", got)
	}

	fuseBar, _ := e.fusePath("a/bar.txt")
	inoAfter := e.index.AssignInode(fuseBar)
	if inoAfter != inoBefore {
		t.Errorf("expected inode preserved across rename, got %d want %d", inoAfter, inoBefore)
	}
}

func TestRemove_DeletesEntryAndBackingFile(t *testing.T) {
	e, store := newTestEngine(t)
	if _, err := e.CreateFile(CreateFileParams{VaultRelPath: "x.bin", Buffer: []byte("payload"), OwnerUID: 1}); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	if err := e.Remove("x.bin"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.GetEntryByPath(e.vault.ID, "x.bin"); err == nil {
		t.Error("expected entry gone after Remove")
	}
	if _, err := e.ReadFile("x.bin"); err == nil {
		t.Error("expected ReadFile to fail after Remove")
	}
}

func TestFreeSpace_UnlimitedQuotaReturnsZero(t *testing.T) {
	e, _ := newTestEngine(t)
	free, err := e.FreeSpace()
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}
	if free != 0 {
		t.Errorf("expected 0 for unlimited quota, got %d", free)
	}
}

func TestFreeSpace_TracksBackingUsage(t *testing.T) {
	e, store := newTestEngine(t)
	v, _ := store.GetVault(e.vault.ID)
	v.Quota = 1 << 20 // 1 MiB
	store.UpdateVault(*v)
	e.vault = *v

	before, err := e.FreeSpace()
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}

	payload := bytes.Repeat([]byte("a"), 1024)
	if _, err := e.CreateFile(CreateFileParams{VaultRelPath: "big.bin", Buffer: payload, OwnerUID: 1}); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	after, err := e.FreeSpace()
	if err != nil {
		t.Fatalf("FreeSpace after write: %v", err)
	}
	if after >= before {
		t.Errorf("expected free space to shrink after write, before=%d after=%d", before, after)
	}
}

func TestRotateKeys_ReencryptsAndUpdatesVersion(t *testing.T) {
	e, store, keys := newTestEngineWithKeys(t, 0)
	if _, err := e.CreateFile(CreateFileParams{VaultRelPath: "f1.txt", Buffer: []byte("one"), OwnerUID: 1}); err != nil {
		t.Fatalf("CreateFile f1: %v", err)
	}
	if _, err := e.CreateFile(CreateFileParams{VaultRelPath: "f2.txt", Buffer: []byte("two"), OwnerUID: 1}); err != nil {
		t.Fatalf("CreateFile f2: %v", err)
	}

	keys.version = 2

	result, err := e.RotateKeys(vaultcrypto.RotationRange{Begin: 0, End: 10}, false)
	if err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	if result.Succeeded != 2 || len(result.Failed) != 0 {
		t.Fatalf("expected 2 successes and 0 failures, got %+v", result)
	}

	entry, err := store.GetEntryByPath(e.vault.ID, "f1.txt")
	if err != nil {
		t.Fatalf("GetEntryByPath: %v", err)
	}
	if entry.EncryptedWithKeyVersion != 2 {
		t.Errorf("expected entry re-versioned to 2, got %d", entry.EncryptedWithKeyVersion)
	}

	got, err := e.ReadFile("f1.txt")
	if err != nil {
		t.Fatalf("ReadFile after rotation: %v", err)
	}
	if string(got) != "one" {
		t.Errorf("expected plaintext preserved across rotation, got %q", got)
	}
}

// An unlimited-quota Cache vault has unbounded free space, so rotation
// refreshes the backing ciphertext in place and reads keep working.
func TestRotateKeys_CacheStrategyUnlimitedQuota(t *testing.T) {
	e, store, keys := newTestEngineWithKeys(t, 0)
	if _, err := e.CreateFile(CreateFileParams{VaultRelPath: "c1.txt", Buffer: []byte("cached"), OwnerUID: 1}); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	keys.version = 2

	result, err := e.RotateKeys(vaultcrypto.RotationRange{Begin: 0, End: 1}, true)
	if err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	if result.Succeeded != 1 || len(result.Failed) != 0 {
		t.Fatalf("expected 1 success and 0 failures, got %+v", result)
	}

	entry, err := store.GetEntryByPath(e.vault.ID, "c1.txt")
	if err != nil {
		t.Fatalf("GetEntryByPath: %v", err)
	}
	if entry.EncryptedWithKeyVersion != 2 {
		t.Errorf("expected entry re-versioned to 2, got %d", entry.EncryptedWithKeyVersion)
	}

	got, err := e.ReadFile("c1.txt")
	if err != nil {
		t.Fatalf("ReadFile after rotation: %v", err)
	}
	if string(got) != "cached" {
		t.Errorf("expected plaintext preserved across rotation, got %q", got)
	}
}

// A Cache vault whose quota leaves no headroom must not keep a stale
// old-version backing file around: the rotated entry points at the new
// key version, so the local copy is evicted instead.
func TestRotateKeys_CacheStrategyEvictsWhenNoHeadroom(t *testing.T) {
	e, store, keys := newTestEngineWithKeys(t, 1)
	if _, err := e.CreateFile(CreateFileParams{VaultRelPath: "c2.txt", Buffer: []byte("evict me"), OwnerUID: 1}); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	backingPath, err := e.backingAbsPath("c2.txt")
	if err != nil {
		t.Fatalf("backingAbsPath: %v", err)
	}

	keys.version = 2

	result, rotErr := e.RotateKeys(vaultcrypto.RotationRange{Begin: 0, End: 1}, true)
	if rotErr != nil {
		t.Fatalf("RotateKeys: %v", rotErr)
	}
	if result.Succeeded != 1 || len(result.Failed) != 0 {
		t.Fatalf("expected 1 success and 0 failures, got %+v", result)
	}

	if _, err := os.Stat(backingPath); !os.IsNotExist(err) {
		t.Error("expected stale backing file to be evicted when free space is exhausted")
	}

	entry, err := store.GetEntryByPath(e.vault.ID, "c2.txt")
	if err != nil {
		t.Fatalf("GetEntryByPath: %v", err)
	}
	if entry.EncryptedWithKeyVersion != 2 {
		t.Errorf("expected entry re-versioned to 2, got %d", entry.EncryptedWithKeyVersion)
	}
}
