// Package metadata is the bbolt-backed persistent entry store: one
// *bolt.DB per daemon, one bucket per entity, JSON-encoded values, and
// big-endian integer keys where ordering matters. It holds every
// Vault/FSEntry/APIKey/SyncPolicy/SyncEvent record the daemon owns.
package metadata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

var (
	vaultsBucket        = []byte("vaults")
	entriesBucket       = []byte("fs_entries")
	entriesByPathBucket = []byte("fs_entries_by_path") // (vault_id || path) -> entry id
	apiKeysBucket       = []byte("api_keys")
	syncPoliciesBucket  = []byte("sync_policies") // key: vault_id
	syncEventsBucket    = []byte("sync_events")
	keyVersionsBucket   = []byte("vault_key_versions")        // key: vault_id || version -> 32-byte key
	currentVersionBucket = []byte("vault_current_key_version") // key: vault_id -> version

	errNotFound = fmt.Errorf("metadata: not found")
)

// ErrNotFound is returned when a lookup finds no record.
func ErrNotFound() error { return errNotFound }

// Store is the daemon's single persistence handle.
type Store struct {
	db *bolt.DB

	nextVaultID uint32
	nextEntryID uint32
	nextKeyID   uint32
	nextEventID uint32
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures every bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("metadata: open db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			vaultsBucket, entriesBucket, entriesByPathBucket, apiKeysBucket,
			syncPoliciesBucket, syncEventsBucket, keyVersionsBucket, currentVersionBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: init buckets: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadCounters(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadCounters() error {
	return s.db.View(func(tx *bolt.Tx) error {
		s.nextVaultID = maxKeyPlusOne(tx.Bucket(vaultsBucket))
		s.nextEntryID = maxKeyPlusOne(tx.Bucket(entriesBucket))
		s.nextKeyID = maxKeyPlusOne(tx.Bucket(apiKeysBucket))
		s.nextEventID = maxKeyPlusOne(tx.Bucket(syncEventsBucket))
		return nil
	})
}

func maxKeyPlusOne(b *bolt.Bucket) uint32 {
	var max uint32
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) < 4 {
			continue
		}
		id := binary.BigEndian.Uint32(k[:4])
		if id > max {
			max = id
		}
	}
	return max + 1
}

func (s *Store) Close() error { return s.db.Close() }

func idKey(id uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, id)
	return k
}

func vaultPathKey(vaultID uint32, path string) []byte {
	k := make([]byte, 4+len(path))
	binary.BigEndian.PutUint32(k, vaultID)
	copy(k[4:], path)
	return k
}

// --- Vault ---

// CreateVault assigns a fresh ID and persists v.
func (s *Store) CreateVault(v model.Vault) (model.Vault, error) {
	var out model.Vault
	err := s.db.Update(func(tx *bolt.Tx) error {
		v.ID = s.nextVaultID
		s.nextVaultID++
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out = v
		return tx.Bucket(vaultsBucket).Put(idKey(v.ID), data)
	})
	return out, err
}

func (s *Store) GetVault(id uint32) (*model.Vault, error) {
	var v model.Vault
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(vaultsBucket).Get(idKey(id))
		if data == nil {
			return errNotFound
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVaults() ([]model.Vault, error) {
	var out []model.Vault
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(vaultsBucket).ForEach(func(k, data []byte) error {
			var v model.Vault
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
	})
	return out, err
}

func (s *Store) UpdateVault(v model.Vault) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(vaultsBucket).Put(idKey(v.ID), data)
	})
}

// DeleteVault cascades to all FSEntries, the SyncPolicy, and sync events
// owned by the vault: a vault exclusively owns everything under it.
func (s *Store) DeleteVault(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(vaultsBucket).Delete(idKey(id)); err != nil {
			return err
		}
		if err := tx.Bucket(syncPoliciesBucket).Delete(idKey(id)); err != nil {
			return err
		}

		entries := tx.Bucket(entriesBucket)
		byPath := tx.Bucket(entriesByPathBucket)
		var staleEntryKeys, stalePathKeys [][]byte
		c := entries.Cursor()
		for k, data := c.First(); k != nil; k, data = c.Next() {
			var e model.FSEntry
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			if e.VaultID == id {
				staleEntryKeys = append(staleEntryKeys, append([]byte(nil), k...))
				stalePathKeys = append(stalePathKeys, vaultPathKey(id, e.Path))
			}
		}
		for _, k := range staleEntryKeys {
			if err := entries.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range stalePathKeys {
			if err := byPath.Delete(k); err != nil {
				return err
			}
		}

		events := tx.Bucket(syncEventsBucket)
		var staleEventKeys [][]byte
		ec := events.Cursor()
		for k, data := ec.First(); k != nil; k, data = ec.Next() {
			var ev model.SyncEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			if ev.VaultID == id {
				staleEventKeys = append(staleEventKeys, append([]byte(nil), k...))
			}
		}
		for _, k := range staleEventKeys {
			if err := events.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- FSEntry ---

func (s *Store) CreateEntry(e model.FSEntry) (model.FSEntry, error) {
	var out model.FSEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		e.ID = s.nextEntryID
		s.nextEntryID++
		e.CreatedAt = time.Now().UTC()
		e.UpdatedAt = e.CreatedAt
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := tx.Bucket(entriesBucket).Put(idKey(e.ID), data); err != nil {
			return err
		}
		out = e
		return tx.Bucket(entriesByPathBucket).Put(vaultPathKey(e.VaultID, e.Path), idKey(e.ID))
	})
	return out, err
}

func (s *Store) GetEntryByPath(vaultID uint32, path string) (*model.FSEntry, error) {
	var e model.FSEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(entriesByPathBucket).Get(vaultPathKey(vaultID, path))
		if idBytes == nil {
			return errNotFound
		}
		data := tx.Bucket(entriesBucket).Get(idBytes)
		if data == nil {
			return errNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) UpdateEntry(e model.FSEntry) error {
	e.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(entriesBucket).Put(idKey(e.ID), data)
	})
}

// RenameEntry moves the path index entry from oldPath to newPath and
// rewrites the stored entry's Path, in one transaction.
func (s *Store) RenameEntry(vaultID uint32, oldPath, newPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(entriesByPathBucket)
		idBytes := byPath.Get(vaultPathKey(vaultID, oldPath))
		if idBytes == nil {
			return errNotFound
		}
		idCopy := append([]byte(nil), idBytes...)

		entries := tx.Bucket(entriesBucket)
		data := entries.Get(idCopy)
		if data == nil {
			return errNotFound
		}
		var e model.FSEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		e.Path = newPath
		e.UpdatedAt = time.Now().UTC()
		newData, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := entries.Put(idCopy, newData); err != nil {
			return err
		}
		if err := byPath.Delete(vaultPathKey(vaultID, oldPath)); err != nil {
			return err
		}
		return byPath.Put(vaultPathKey(vaultID, newPath), idCopy)
	})
}

func (s *Store) DeleteEntry(vaultID uint32, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(entriesByPathBucket)
		key := vaultPathKey(vaultID, path)
		idBytes := byPath.Get(key)
		if idBytes == nil {
			return errNotFound
		}
		idCopy := append([]byte(nil), idBytes...)
		if err := tx.Bucket(entriesBucket).Delete(idCopy); err != nil {
			return err
		}
		return byPath.Delete(key)
	})
}

// ListEntriesByVault returns every FSEntry owned by vaultID, for sync plan
// planning.
func (s *Store) ListEntriesByVault(vaultID uint32) ([]model.FSEntry, error) {
	var out []model.FSEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, data []byte) error {
			var e model.FSEntry
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			if e.VaultID == vaultID {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// --- APIKey ---

func (s *Store) CreateAPIKey(k model.APIKey) (model.APIKey, error) {
	var out model.APIKey
	err := s.db.Update(func(tx *bolt.Tx) error {
		k.ID = s.nextKeyID
		s.nextKeyID++
		k.PlaintextSecret = "" // never persisted
		data, err := json.Marshal(k)
		if err != nil {
			return err
		}
		out = k
		return tx.Bucket(apiKeysBucket).Put(idKey(k.ID), data)
	})
	return out, err
}

func (s *Store) GetAPIKey(id uint32) (*model.APIKey, error) {
	var k model.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(apiKeysBucket).Get(idKey(id))
		if data == nil {
			return errNotFound
		}
		return json.Unmarshal(data, &k)
	})
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ListAPIKeys returns every stored key, secrets still sealed.
func (s *Store) ListAPIKeys() ([]model.APIKey, error) {
	var out []model.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(apiKeysBucket).ForEach(func(k, data []byte) error {
			var key model.APIKey
			if err := json.Unmarshal(data, &key); err != nil {
				return err
			}
			out = append(out, key)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteAPIKey(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(apiKeysBucket).Delete(idKey(id))
	})
}

// --- SyncPolicy ---

func (s *Store) PutSyncPolicy(p model.SyncPolicy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncPoliciesBucket).Put(idKey(p.VaultID), data)
	})
}

func (s *Store) GetSyncPolicy(vaultID uint32) (*model.SyncPolicy, error) {
	var p model.SyncPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(syncPoliciesBucket).Get(idKey(vaultID))
		if data == nil {
			return errNotFound
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- SyncEvent ---

// CreateSyncEvent assigns a fresh ID and persists ev (with its
// Throughputs/Conflicts embedded) in a single transaction.
func (s *Store) CreateSyncEvent(ev model.SyncEvent) (model.SyncEvent, error) {
	var out model.SyncEvent
	err := s.db.Update(func(tx *bolt.Tx) error {
		ev.ID = s.nextEventID
		s.nextEventID++
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		out = ev
		return tx.Bucket(syncEventsBucket).Put(idKey(ev.ID), data)
	})
	return out, err
}

// PutSyncEvent persists an event that already has an ID (an update to a
// running event, e.g. heartbeat or finalize).
func (s *Store) PutSyncEvent(ev model.SyncEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncEventsBucket).Put(idKey(ev.ID), data)
	})
}

func (s *Store) GetSyncEvent(id uint32) (*model.SyncEvent, error) {
	var ev model.SyncEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(syncEventsBucket).Get(idKey(id))
		if data == nil {
			return errNotFound
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListSyncEventsByVault returns every event for vaultID in descending ID
// (most recent first) order.
func (s *Store) ListSyncEventsByVault(vaultID uint32) ([]model.SyncEvent, error) {
	var out []model.SyncEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(syncEventsBucket).Cursor()
		for k, data := c.Last(); k != nil; k, data = c.Prev() {
			var ev model.SyncEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			if ev.VaultID == vaultID {
				out = append(out, ev)
			}
		}
		return nil
	})
	return out, err
}

// PruneSyncEventsBefore deletes every finished sync event whose run ended
// before cutoff, returning how many were removed. Running events (zero
// TimestampEnd) are never pruned, so a stalled run stays observable until it
// terminates.
func (s *Store) PruneSyncEventsBefore(cutoff time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(syncEventsBucket)
		var stale [][]byte
		c := events.Cursor()
		for k, data := c.First(); k != nil; k, data = c.Next() {
			var ev model.SyncEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			if !ev.TimestampEnd.IsZero() && ev.TimestampEnd.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := events.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

// --- Key versions (vaultcrypto.KeySource backing store) ---

func keyVersionKey(vaultID, version uint32) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint32(k[:4], vaultID)
	binary.BigEndian.PutUint32(k[4:], version)
	return k
}

// PutKeyVersion stores the 32-byte key material for (vaultID, version).
func (s *Store) PutKeyVersion(vaultID, version uint32, key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("metadata: key must be 32 bytes, got %d", len(key))
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keyVersionsBucket).Put(keyVersionKey(vaultID, version), key)
	})
}

// KeyForVersion implements vaultcrypto.KeySource.
func (s *Store) KeyForVersion(vaultID uint32, version uint32) ([]byte, error) {
	var key []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(keyVersionsBucket).Get(keyVersionKey(vaultID, version))
		if data == nil {
			return errNotFound
		}
		key = append([]byte(nil), data...)
		return nil
	})
	return key, err
}

// SetCurrentKeyVersion records version as the active encryption version for
// vaultID.
func (s *Store) SetCurrentKeyVersion(vaultID, version uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(currentVersionBucket).Put(idKey(vaultID), idKey(version))
	})
}

// CurrentVersion implements vaultcrypto.KeySource.
func (s *Store) CurrentVersion(vaultID uint32) (uint32, error) {
	var version uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(currentVersionBucket).Get(idKey(vaultID))
		if data == nil {
			return errNotFound
		}
		version = binary.BigEndian.Uint32(data)
		return nil
	})
	return version, err
}
