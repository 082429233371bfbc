package storage

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/s3client"
)

func b64(b []byte) string            { return base64.StdEncoding.EncodeToString(b) }
func b64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// defaultPartSize is used by UploadFile when the caller hasn't overridden
// CloudExtension.partSize.
const defaultPartSize = 64 << 20 // 64 MiB

// CloudExtension is the Storage Engine's remote half for an S3 vault: it
// reads/writes object bytes and the vh-* metadata the Sync Task reconciles
// against, but never decides strategy or conflict policy itself.
type CloudExtension struct {
	engine   *Engine
	provider *s3client.Provider
	partSize int64
}

func (c *CloudExtension) size() int64 {
	if c.partSize > 0 {
		return c.partSize
	}
	return defaultPartSize
}

// UploadFile encrypts plaintext and picks whole-PUT vs multipart by size.
// The content hash and vh-* encryption metadata are attached afterwards by
// two metadata-only self-copies, so multipart and whole-object uploads end
// up with identical remote state.
func (c *CloudExtension) UploadFile(vaultRelPath string, plaintext []byte) error {
	envelope, keyVersion, err := c.engine.crypto.EncryptEnvelope(plaintext)
	if err != nil {
		return fmt.Errorf("storage: encrypt for upload: %w", err)
	}
	iv := envelope[:12]
	ciphertext := envelope[12:]
	contentHash := contentHashHex(plaintext)
	ivB64 := b64(iv)

	if err := c.provider.UploadWholeOrMultipart(vaultRelPath, ciphertext, c.size(), nil); err != nil {
		return fmt.Errorf("storage: upload to remote: %w", err)
	}
	if err := c.provider.SetObjectContentHash(vaultRelPath, contentHash); err != nil {
		return fmt.Errorf("storage: set remote content hash: %w", err)
	}
	if err := c.provider.SetObjectEncryptionMetadata(vaultRelPath, ivB64, keyVersion); err != nil {
		return fmt.Errorf("storage: set remote encryption metadata: %w", err)
	}

	stored, err := c.engine.store.GetEntryByPath(c.engine.vault.ID, vaultRelPath)
	if err == nil {
		stored.ContentHash = contentHash
		stored.EncryptionIV = ivB64
		stored.EncryptedWithKeyVersion = keyVersion
		_ = c.engine.store.UpdateEntry(*stored)
	}
	return nil
}

// DownloadFile fetches key's ciphertext and vh-* metadata, decrypts it, and
// upserts the local entry. limitToFreeSpace applies the Cache strategy's
// rule: the backing ciphertext is kept locally only when twice its size
// still fits in free space; the entry itself is always recorded so the
// index knows the file exists.
func (c *CloudExtension) DownloadFile(vaultRelPath string, ownerUID uint32, limitToFreeSpace bool) ([]byte, error) {
	headers, err := c.provider.HeadObject(vaultRelPath)
	if err != nil {
		return nil, fmt.Errorf("storage: head remote object: %w", err)
	}
	if headers == nil {
		return nil, ErrNotFound
	}

	ciphertext, err := c.provider.GetObject(vaultRelPath)
	if err != nil {
		return nil, fmt.Errorf("storage: get remote object: %w", err)
	}

	ivB64 := headers.Metadata["vh-iv"]
	keyVersion, _ := strconv.ParseUint(headers.Metadata["vh-key-version"], 10, 32)

	iv, err := b64Decode(ivB64)
	if err != nil {
		return nil, fmt.Errorf("storage: decode remote iv: %w", err)
	}
	envelope := append(iv, ciphertext...)
	plaintext, err := c.engine.crypto.DecryptEnvelope(envelope, uint32(keyVersion))
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt remote object: %w", err)
	}

	writeBacking := true
	if limitToFreeSpace && c.engine.vault.Quota != 0 {
		if free, err := c.engine.FreeSpace(); err == nil {
			writeBacking = 2*int64(len(envelope)) < free
		}
	}
	if err := c.upsertDownloaded(vaultRelPath, plaintext, envelope, ivB64, uint32(keyVersion), ownerUID, writeBacking); err != nil {
		return nil, fmt.Errorf("storage: record downloaded file: %w", err)
	}
	return plaintext, nil
}

// upsertDownloaded records a downloaded object in the entry store and index,
// updating the existing entry in place when the path is already known and
// creating a fresh aliased entry otherwise. The remote envelope is stored
// verbatim so the entry's (iv, key_version) stay identical to the S3-side
// vh-* metadata.
func (c *CloudExtension) upsertDownloaded(vaultRelPath string, plaintext, envelope []byte, ivB64 string, keyVersion uint32, ownerUID uint32, writeBacking bool) error {
	e := c.engine
	if dir, _ := splitDirName(vaultRelPath); dir != "" {
		if err := e.Mkdir(dir, ownerUID); err != nil {
			return err
		}
	}

	entry, err := e.store.GetEntryByPath(e.vault.ID, vaultRelPath)
	if err != nil {
		alias, aliasErr := newAlias()
		if aliasErr != nil {
			return fmt.Errorf("generate alias: %w", aliasErr)
		}
		_, name := splitDirName(vaultRelPath)
		created, createErr := e.store.CreateEntry(model.FSEntry{
			VaultID:      e.vault.ID,
			Name:         name,
			BackingAlias: alias,
			Path:         vaultRelPath,
			Mode:         0o644,
			OwnerUID:     ownerUID,
			Kind:         model.EntryFile,
		})
		if createErr != nil {
			return fmt.Errorf("create downloaded entry: %w", createErr)
		}
		created.Inode = e.index.AssignInode(mustFusePath(e, vaultRelPath))
		entry = &created
	}

	entry.SizeBytes = int64(len(plaintext))
	entry.ContentHash = contentHashHex(plaintext)
	entry.EncryptionIV = ivB64
	entry.EncryptedWithKeyVersion = keyVersion
	entry.MimeType = sniffMime(plaintext)

	if writeBacking {
		backingPath, pathErr := e.backingAbsPath(vaultRelPath)
		if pathErr != nil {
			return pathErr
		}
		if err := os.WriteFile(backingPath, envelope, 0o600); err != nil {
			return fmt.Errorf("write downloaded ciphertext: %w", err)
		}
	}

	if err := e.store.UpdateEntry(*entry); err != nil {
		return fmt.Errorf("persist downloaded entry: %w", err)
	}
	e.index.CacheEntry(mustFusePath(e, vaultRelPath), entry)
	return nil
}

// Purge removes the remote object for vaultRelPath. Called by the sync
// engine on a DeleteRemote action.
func (c *CloudExtension) Purge(vaultRelPath string) error {
	if err := c.provider.DeleteObject(vaultRelPath); err != nil {
		return fmt.Errorf("storage: delete remote object: %w", err)
	}
	return nil
}

// RemoteEntries lists every object under the vault's prefix, for the Sync
// Task's remote map.
func (c *CloudExtension) RemoteEntries() ([]s3client.ObjectEntry, error) {
	entries, err := c.provider.ListObjects("")
	if err != nil {
		return nil, fmt.Errorf("storage: list remote objects: %w", err)
	}
	return entries, nil
}

// HeadMetadata returns the vh-* metadata for one remote object, so the Sync
// Task can merge content-hash/IV/key-version onto a listing's bare
// size/last-modified pair without a second GetObject.
func (c *CloudExtension) HeadMetadata(key string) (*s3client.ObjectHeaders, error) {
	return c.provider.HeadObject(key)
}
