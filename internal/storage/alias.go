package storage

import (
	"crypto/rand"
	"encoding/base32"

	"github.com/vaulthalla/vaulthalla/internal/metadata"
)

var aliasEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newAlias generates a fresh opaque base32_alias segment for one directory
// entry, stable for the life of the entry.
func newAlias() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return aliasEncoding.EncodeToString(buf), nil
}

// storeAliasLookup implements pathtranslate.AliasLookup against the entry
// store: a directory's alias is exactly its FSEntry.BackingAlias, so the
// Path Resolver's backing-path translation stays a pure function of
// already-persisted entries. Storage Engine is the only writer of new
// aliases (on mkdir/createFile); the resolver only ever reads them.
type storeAliasLookup struct {
	store *metadata.Store
}

func (a *storeAliasLookup) Alias(vaultID uint32, vaultRelParent, name string) (string, bool) {
	path := name
	if vaultRelParent != "" {
		path = vaultRelParent + "/" + name
	}
	entry, err := a.store.GetEntryByPath(vaultID, path)
	if err != nil || entry == nil {
		return "", false
	}
	return entry.BackingAlias, true
}
