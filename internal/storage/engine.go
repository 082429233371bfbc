// Package storage implements the Storage Engine: a per-vault façade
// combining the Path Resolver, Crypto Manager, FS Index, and (for S3
// vaults) the S3 Provider. It owns mkdir/create/read/write/rename/move/
// copy/remove, key rotation, and free-space accounting.
package storage

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vaulthalla/vaulthalla/internal/index"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/pathtranslate"
	"github.com/vaulthalla/vaulthalla/internal/s3client"
	"github.com/vaulthalla/vaulthalla/internal/vaultcrypto"
)

// MinFreeSpace is subtracted from every quota calculation so a vault
// never runs its backing filesystem down to zero headroom.
const MinFreeSpace int64 = 64 << 20 // 64 MiB

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrNotDirectory = errors.New("storage: not a directory")
	ErrIsDirectory  = errors.New("storage: is a directory")
)

// Engine is the Storage Engine for one vault.
type Engine struct {
	vault    model.Vault
	resolver *pathtranslate.Resolver
	crypto   *vaultcrypto.Manager
	index    *index.Index
	store    *metadata.Store

	// Cloud is non-nil only when vault.Type == model.VaultS3.
	Cloud *CloudExtension
}

// New constructs the Storage Engine for one vault. fuseRoot/backingRoot are
// the daemon-wide configured roots; store is the shared metadata store.
func New(vault model.Vault, fuseRoot, backingRoot string, store *metadata.Store, crypto *vaultcrypto.Manager, idx *index.Index) *Engine {
	resolver := pathtranslate.NewResolver(vault.ID, vault.MountPoint, fuseRoot, backingRoot, &storeAliasLookup{store: store})
	return &Engine{
		vault:    vault,
		resolver: resolver,
		crypto:   crypto,
		index:    idx,
		store:    store,
	}
}

// WithCloud attaches the cloud extension for an S3 vault.
func (e *Engine) WithCloud(provider *s3client.Provider, partSize int64) *Engine {
	e.Cloud = &CloudExtension{engine: e, provider: provider, partSize: partSize}
	return e
}

func contentHashHex(plaintext []byte) string {
	h := sha256.Sum256(plaintext)
	return hex.EncodeToString(h[:])
}

// backingAbsPath resolves a vault-relative path to its backing-side
// absolute path on the host filesystem.
func (e *Engine) backingAbsPath(vaultRelPath string) (string, error) {
	return e.resolver.AbsRelToAbsRel(vaultRelPath, pathtranslate.VaultRoot, pathtranslate.BackingVaultRoot)
}

func (e *Engine) fusePath(vaultRelPath string) (string, error) {
	return e.resolver.AbsRelToAbsRel(vaultRelPath, pathtranslate.VaultRoot, pathtranslate.FuseRoot)
}

// Mkdir creates missing directory components of vaultRelPath bottom-up,
// assigning a fresh base32_alias to each new directory and creating its
// backing directory at the composed backing path.
func (e *Engine) Mkdir(vaultRelPath string, actorUID uint32) error {
	if vaultRelPath == "" || vaultRelPath == "." {
		return nil
	}
	segments := splitPath(vaultRelPath)
	parent := ""
	for _, seg := range segments {
		child := joinVaultRel(parent, seg)
		if _, err := e.store.GetEntryByPath(e.vault.ID, child); err == nil {
			parent = child
			continue
		}

		alias, err := newAlias()
		if err != nil {
			return fmt.Errorf("storage: generate alias: %w", err)
		}
		entry := model.FSEntry{
			VaultID:      e.vault.ID,
			Name:         seg,
			BackingAlias: alias,
			Path:         child,
			Mode:         0o755,
			OwnerUID:     actorUID,
			Kind:         model.EntryDirectory,
		}
		created, err := e.store.CreateEntry(entry)
		if err != nil {
			return fmt.Errorf("storage: create directory entry: %w", err)
		}
		created.Inode = e.index.AssignInode(mustFusePath(e, child))
		if err := e.store.UpdateEntry(created); err != nil {
			return fmt.Errorf("storage: persist directory inode: %w", err)
		}

		backingPath, err := e.backingAbsPath(child)
		if err != nil {
			return fmt.Errorf("storage: resolve backing path: %w", err)
		}
		if err := os.MkdirAll(backingPath, 0o755); err != nil {
			return fmt.Errorf("storage: create backing directory: %w", err)
		}
		e.index.CacheEntry(mustFusePath(e, child), &created)
		parent = child
	}
	return nil
}

func mustFusePath(e *Engine, vaultRel string) string {
	p, err := e.fusePath(vaultRel)
	if err != nil {
		return vaultRel
	}
	return p
}

// CreateFileParams bundles CreateFile's inputs.
type CreateFileParams struct {
	VaultRelPath string
	Buffer       []byte
	OwnerUID     uint32
	Mode         uint32
}

// CreateFile encrypts Buffer, writes ciphertext to the backing path,
// computes content_hash over plaintext, infers mime_type, and inserts the
// File entry.
func (e *Engine) CreateFile(p CreateFileParams) (*model.FSEntry, error) {
	dir, name := splitDirName(p.VaultRelPath)
	if dir != "" {
		if err := e.Mkdir(dir, p.OwnerUID); err != nil {
			return nil, err
		}
	}

	envelope, keyVersion, err := e.crypto.EncryptEnvelope(p.Buffer)
	if err != nil {
		return nil, fmt.Errorf("storage: encrypt: %w", err)
	}

	alias, err := newAlias()
	if err != nil {
		return nil, fmt.Errorf("storage: generate alias: %w", err)
	}

	entry := model.FSEntry{
		VaultID:                 e.vault.ID,
		Name:                    name,
		BackingAlias:            alias,
		Path:                    p.VaultRelPath,
		SizeBytes:               int64(len(p.Buffer)),
		Mode:                    p.Mode,
		OwnerUID:                p.OwnerUID,
		Kind:                    model.EntryFile,
		MimeType:                sniffMime(p.Buffer),
		ContentHash:             contentHashHex(p.Buffer),
		EncryptionIV:            base64.StdEncoding.EncodeToString(envelope[:12]),
		EncryptedWithKeyVersion: keyVersion,
	}
	created, err := e.store.CreateEntry(entry)
	if err != nil {
		return nil, fmt.Errorf("storage: create file entry: %w", err)
	}

	backingPath, err := e.backingAbsPath(p.VaultRelPath)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve backing path: %w", err)
	}
	if err := os.WriteFile(backingPath, envelope, 0o600); err != nil {
		return nil, fmt.Errorf("storage: write ciphertext: %w", err)
	}

	fusePath := mustFusePath(e, p.VaultRelPath)
	created.Inode = e.index.AssignInode(fusePath)
	if err := e.store.UpdateEntry(created); err != nil {
		return nil, fmt.Errorf("storage: persist file inode: %w", err)
	}
	e.index.CacheEntry(fusePath, &created)
	return &created, nil
}

// WriteFile writes data at offset into a plaintext staging file beside the
// backing path.
// Finalization (re-encryption and entry update) happens at Release;
// callers accumulate writes and call Release once done.
func (e *Engine) WriteFile(vaultRelPath string, offset int64, data []byte) error {
	backingPath, err := e.backingAbsPath(vaultRelPath)
	if err != nil {
		return fmt.Errorf("storage: resolve backing path: %w", err)
	}
	// The backing file at this stage holds plaintext-in-progress in a
	// sibling staging file; release() re-encrypts it into the real
	// ciphertext path. This keeps partial writes from corrupting the
	// committed ciphertext.
	stagingPath := backingPath + ".staging"
	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("storage: open staging file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("storage: write staging file: %w", err)
	}
	return nil
}

// Release finalizes a write session for vaultRelPath: re-encrypts the
// staged plaintext and commits it as the entry's new ciphertext.
func (e *Engine) Release(vaultRelPath string) error {
	backingPath, err := e.backingAbsPath(vaultRelPath)
	if err != nil {
		return fmt.Errorf("storage: resolve backing path: %w", err)
	}
	stagingPath := backingPath + ".staging"
	plaintext, err := os.ReadFile(stagingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing staged; Release is a no-op
		}
		return fmt.Errorf("storage: read staging file: %w", err)
	}

	entry, err := e.store.GetEntryByPath(e.vault.ID, vaultRelPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, vaultRelPath)
	}

	envelope, keyVersion, err := e.crypto.EncryptEnvelope(plaintext)
	if err != nil {
		return fmt.Errorf("storage: encrypt: %w", err)
	}
	if err := os.WriteFile(backingPath, envelope, 0o600); err != nil {
		return fmt.Errorf("storage: write ciphertext: %w", err)
	}
	os.Remove(stagingPath)

	entry.SizeBytes = int64(len(plaintext))
	entry.ContentHash = contentHashHex(plaintext)
	entry.EncryptionIV = base64.StdEncoding.EncodeToString(envelope[:12])
	entry.EncryptedWithKeyVersion = keyVersion
	entry.MimeType = sniffMime(plaintext)
	if err := e.store.UpdateEntry(*entry); err != nil {
		return fmt.Errorf("storage: persist updated entry: %w", err)
	}
	e.index.CacheEntry(mustFusePath(e, vaultRelPath), entry)
	return nil
}

// ReadFile decrypts vaultRelPath's ciphertext using the entry's stored
// (iv, key_version).
func (e *Engine) ReadFile(vaultRelPath string) ([]byte, error) {
	entry, err := e.store.GetEntryByPath(e.vault.ID, vaultRelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, vaultRelPath)
	}
	if entry.IsDir() {
		return nil, ErrIsDirectory
	}

	backingPath, err := e.backingAbsPath(vaultRelPath)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve backing path: %w", err)
	}
	envelope, err := os.ReadFile(backingPath)
	if err != nil {
		return nil, fmt.Errorf("storage: read ciphertext: %w", err)
	}
	return e.crypto.DecryptEnvelope(envelope, entry.EncryptedWithKeyVersion)
}

// Remove deletes the backing file, purges cached thumbnails, and deletes
// the entry. For a cloud vault, purge additionally calls deleteObject
// (handled by the caller via CloudExtension.Purge since this method has no
// knowledge of remote identity beyond the vault-relative path it shares).
func (e *Engine) Remove(vaultRelPath string) error {
	entry, err := e.store.GetEntryByPath(e.vault.ID, vaultRelPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, vaultRelPath)
	}
	backingPath, err := e.backingAbsPath(vaultRelPath)
	if err != nil {
		return fmt.Errorf("storage: resolve backing path: %w", err)
	}
	if entry.IsDir() {
		if err := os.RemoveAll(backingPath); err != nil {
			return fmt.Errorf("storage: remove backing directory: %w", err)
		}
	} else {
		if err := os.Remove(backingPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: remove backing file: %w", err)
		}
		if err := e.purgeThumbnails(entry.BackingAlias); err != nil {
			return err
		}
	}
	if err := e.store.DeleteEntry(e.vault.ID, vaultRelPath); err != nil {
		return fmt.Errorf("storage: delete entry: %w", err)
	}
	e.index.EvictPath(mustFusePath(e, vaultRelPath))
	return nil
}

func (e *Engine) purgeThumbnails(alias string) error {
	thumbDir, err := e.resolver.Abs(filepath.Join(".cache", "thumbnails", alias), pathtranslate.BackingVaultRoot)
	if err != nil {
		return nil // cache path unavailable is not fatal to removal
	}
	if err := os.RemoveAll(thumbDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: purge thumbnails: %w", err)
	}
	return nil
}

// Rename moves an entry with a single rename(2) in the backing store and
// rewrites the entry's path (and for directories, every transitive
// descendant's path) in the entry store — the "directory rename does not
// update children" gap noted in the design notes is closed here. Each
// descendant is rewritten in its own store transaction before the entry
// itself, and the backing rename comes last. The thumbnail tree is not
// touched.
func (e *Engine) Rename(oldVaultRelPath, newVaultRelPath string) error {
	entry, err := e.store.GetEntryByPath(e.vault.ID, oldVaultRelPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, oldVaultRelPath)
	}

	oldBacking, err := e.backingAbsPath(oldVaultRelPath)
	if err != nil {
		return err
	}

	if entry.IsDir() {
		if err := e.renameDescendants(oldVaultRelPath, newVaultRelPath); err != nil {
			return err
		}
	}
	if err := e.store.RenameEntry(e.vault.ID, oldVaultRelPath, newVaultRelPath); err != nil {
		return fmt.Errorf("storage: rename entry: %w", err)
	}

	newBacking, err := e.backingAbsPath(newVaultRelPath)
	if err != nil {
		return err
	}
	if err := os.Rename(oldBacking, newBacking); err != nil {
		return fmt.Errorf("storage: rename backing path: %w", err)
	}

	ino := e.index.AssignInode(mustFusePath(e, oldVaultRelPath))
	e.index.BeginRename(ino, mustFusePath(e, oldVaultRelPath), mustFusePath(e, newVaultRelPath))
	e.index.CompleteRename(ino)
	return nil
}

// renameDescendants rewrites path for every entry transitively under
// oldPrefix to live under newPrefix, in the entry store only — the backing
// directory itself moves in one rename(2) by the caller, so descendants
// never need their own backing-path rewrite.
func (e *Engine) renameDescendants(oldPrefix, newPrefix string) error {
	entries, err := e.store.ListEntriesByVault(e.vault.ID)
	if err != nil {
		return fmt.Errorf("storage: list entries for rename: %w", err)
	}
	prefixSlash := oldPrefix + "/"
	for _, child := range entries {
		if child.Path == oldPrefix || !hasPrefix(child.Path, prefixSlash) {
			continue
		}
		rewritten := newPrefix + child.Path[len(oldPrefix):]
		if err := e.store.RenameEntry(e.vault.ID, child.Path, rewritten); err != nil {
			return fmt.Errorf("storage: rewrite descendant %s: %w", child.Path, err)
		}
	}
	return nil
}

// Move and Copy share Rename/CreateFile's machinery; Move is a rename
// across directories (identical mechanics), Copy decrypts the source and
// writes it through CreateFile as a new entry with its own alias, IV and
// ciphertext.
func (e *Engine) Move(oldVaultRelPath, newVaultRelPath string) error {
	return e.Rename(oldVaultRelPath, newVaultRelPath)
}

func (e *Engine) Copy(srcVaultRelPath, dstVaultRelPath string, actorUID uint32) (*model.FSEntry, error) {
	plaintext, err := e.ReadFile(srcVaultRelPath)
	if err != nil {
		return nil, err
	}
	srcEntry, err := e.store.GetEntryByPath(e.vault.ID, srcVaultRelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, srcVaultRelPath)
	}
	return e.CreateFile(CreateFileParams{
		VaultRelPath: dstVaultRelPath,
		Buffer:       plaintext,
		OwnerUID:     actorUID,
		Mode:         srcEntry.Mode,
	})
}

// FreeSpace returns vault.quota - (backingSize + cacheSize) - MIN_FREE_SPACE,
// clamped at 0 when the vault is unlimited (quota == 0).
func (e *Engine) FreeSpace() (int64, error) {
	if e.vault.Quota == 0 {
		return 0, nil
	}
	backingRoot, err := e.resolver.Abs("", pathtranslate.BackingVaultRoot)
	if err != nil {
		return 0, err
	}
	used, err := dirSize(backingRoot)
	if err != nil {
		return 0, fmt.Errorf("storage: measure backing size: %w", err)
	}
	free := e.vault.Quota - used - MinFreeSpace
	if free < 0 {
		free = 0
	}
	return free, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// RotateKeys dispatches vaultcrypto's range rotation over the vault's file
// entries at positions [Begin, End) in entry-store listing order. The local
// backing copy is rewritten under the new key version, except for a Cache
// strategy vault with a quota where 2*|new_ciphertext| is not below
// FreeSpace(): there the local backing copy is removed instead. Remote
// copies are not touched here.
func (e *Engine) RotateKeys(rng vaultcrypto.RotationRange, isCacheStrategy bool) (vaultcrypto.RotationResult, error) {
	entries, err := e.store.ListEntriesByVault(e.vault.ID)
	if err != nil {
		return vaultcrypto.RotationResult{}, fmt.Errorf("storage: list entries: %w", err)
	}
	files := selectFilesInRange(entries, rng)

	const ivSize = 12
	rotationFiles := make([]vaultcrypto.RotationFile, 0, len(files))
	for _, f := range files {
		backingPath, err := e.backingAbsPath(f.Path)
		if err != nil {
			continue
		}
		envelope, err := os.ReadFile(backingPath)
		if err != nil || len(envelope) < ivSize {
			continue
		}
		rotationFiles = append(rotationFiles, vaultcrypto.RotationFile{
			VaultRelPath: f.Path,
			Ciphertext:   envelope[ivSize:],
			IVB64:        base64.StdEncoding.EncodeToString(envelope[:ivSize]),
			KeyVersion:   f.EncryptedWithKeyVersion,
		})
	}

	result := e.crypto.RunRotationRange(rng, rotationFiles, func(f vaultcrypto.RotationFile, newCT []byte, newIV string, newVer uint32) error {
		entry, err := e.store.GetEntryByPath(e.vault.ID, f.VaultRelPath)
		if err != nil {
			return err
		}
		backingPath, err := e.backingAbsPath(f.VaultRelPath)
		if err != nil {
			return err
		}
		refreshLocal := true
		if isCacheStrategy && e.vault.Quota != 0 {
			free, err := e.FreeSpace()
			if err != nil {
				return err
			}
			refreshLocal = 2*int64(len(newCT)) < free
		}
		if refreshLocal {
			iv, err := base64.StdEncoding.DecodeString(newIV)
			if err != nil {
				return fmt.Errorf("storage: decode rotated iv: %w", err)
			}
			envelope := append(append([]byte{}, iv...), newCT...)
			if err := os.WriteFile(backingPath, envelope, 0o600); err != nil {
				return err
			}
		} else {
			// The entry moves to the new key version either way, so the
			// old-version ciphertext must not stay on disk: a later read
			// would pair it with the new version and fail authentication.
			if err := os.Remove(backingPath); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		entry.EncryptedWithKeyVersion = newVer
		entry.EncryptionIV = newIV
		return e.store.UpdateEntry(*entry)
	})
	return result, nil
}

// BackingPath resolves a vault-relative path to its ciphertext-side
// absolute path, for callers recording where a conflicting file lives.
func (e *Engine) BackingPath(vaultRelPath string) (string, error) {
	return e.backingAbsPath(vaultRelPath)
}

func selectFilesInRange(entries []model.FSEntry, rng vaultcrypto.RotationRange) []model.FSEntry {
	var files []model.FSEntry
	for _, e := range entries {
		if e.IsFile() {
			files = append(files, e)
		}
	}
	if rng.Begin < 0 {
		rng.Begin = 0
	}
	if rng.End > len(files) {
		rng.End = len(files)
	}
	if rng.Begin >= rng.End {
		return nil
	}
	return files[rng.Begin:rng.End]
}

func splitPath(p string) []string {
	var out []string
	cur := ""
	for _, r := range p {
		if r == '/' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func splitDirName(vaultRelPath string) (dir, name string) {
	segments := splitPath(vaultRelPath)
	if len(segments) == 0 {
		return "", vaultRelPath
	}
	name = segments[len(segments)-1]
	dir = joinSegments(segments[:len(segments)-1])
	return dir, name
}

func joinSegments(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

func joinVaultRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
