// Package pathtranslate implements the Path Resolver: pure translation
// among the namespaces a vault uses for the same logical file — the
// user-visible mount path, the vault-relative wire identity, the
// ciphertext-side backing path (aliased per directory level), and the
// cache path for derived artifacts such as thumbnails.
//
// No member of this package performs I/O or touches the database; alias
// lookups go through an injected AliasLookup so translation stays pure.
package pathtranslate

import (
	"errors"
	"path"
	"strings"
)

// Namespace is one of the root directories a path may be expressed
// relative to.
type Namespace int

const (
	FuseRoot Namespace = iota
	VaultRoot
	BackingVaultRoot
	ThumbnailRoot
	FileCacheRoot
)

// ErrInvalidNamespace is returned whenever a path does not fall under the
// namespace it is claimed to be relative to.
var ErrInvalidNamespace = errors.New("pathtranslate: invalid namespace")

// AliasLookup resolves the stable base32 alias for one path segment within
// a vault, given the parent's already-resolved backing path. The Storage
// Engine supplies the real implementation, backed by the entry store; the
// resolver itself never looks one up on its own.
type AliasLookup interface {
	// Alias returns the base32_alias for the directory entry named `name`
	// directly under vaultRelParent (vault-relative, "" for vault root).
	Alias(vaultID uint32, vaultRelParent, name string) (string, bool)
}

// Resolver translates paths for one vault. roots holds the absolute
// filesystem prefix for each namespace that has one (FileCacheRoot and
// ThumbnailRoot are cache-only and share FUSE's backing .cache tree).
type Resolver struct {
	vaultID    uint32
	mountPoint string // vault-relative segment under fuse.root_mount_path

	fuseRoot      string
	vaultRoot     string // == "" ; vault paths are already vault-relative
	backingRoot   string
	thumbnailRoot string
	cacheRoot     string

	aliases AliasLookup
}

// NewResolver constructs a Resolver for one vault. fuseRoot and backingRoot
// are the daemon-wide `fuse.root_mount_path` and `fuse.backing_path`
// configuration values; mountPoint is the vault's own mount_point.
func NewResolver(vaultID uint32, mountPoint, fuseRoot, backingRoot string, aliases AliasLookup) *Resolver {
	vaultFuseRoot := path.Join(fuseRoot, mountPoint)
	vaultBackingRoot := path.Join(backingRoot, mountPoint)
	return &Resolver{
		vaultID:       vaultID,
		mountPoint:    mountPoint,
		fuseRoot:      vaultFuseRoot,
		backingRoot:   vaultBackingRoot,
		thumbnailRoot: path.Join(vaultBackingRoot, ".cache", "thumbnails"),
		cacheRoot:     path.Join(vaultBackingRoot, ".cache"),
		aliases:       aliases,
	}
}

func (r *Resolver) rootFor(ns Namespace) (string, bool) {
	switch ns {
	case FuseRoot:
		return r.fuseRoot, true
	case VaultRoot:
		return "", true // vault paths are relative by definition; root is the empty prefix
	case BackingVaultRoot:
		return r.backingRoot, true
	case ThumbnailRoot:
		return r.thumbnailRoot, true
	case FileCacheRoot:
		return r.cacheRoot, true
	default:
		return "", false
	}
}

// rel returns pathAbs relative to namespace ns's root. pathAbs must be an
// absolute path already lexically normalized under that root (for VaultRoot
// it is treated as already vault-relative, so rel is the identity here).
func (r *Resolver) rel(pathAbs string, ns Namespace) (string, error) {
	if ns == VaultRoot {
		return cleanRel(pathAbs), nil
	}
	root, ok := r.rootFor(ns)
	if !ok {
		return "", ErrInvalidNamespace
	}
	clean := path.Clean("/" + pathAbs)
	cleanRoot := path.Clean("/" + root)
	if clean != cleanRoot && !strings.HasPrefix(clean, cleanRoot+"/") {
		return "", ErrInvalidNamespace
	}
	rest := strings.TrimPrefix(clean, cleanRoot)
	return cleanRel(rest), nil
}

// abs returns the absolute path in namespace ns for pathRel (which is
// expressed relative to that same namespace's root).
func (r *Resolver) abs(pathRel string, ns Namespace) (string, error) {
	if ns == VaultRoot {
		return cleanRel(pathRel), nil
	}
	root, ok := r.rootFor(ns)
	if !ok {
		return "", ErrInvalidNamespace
	}
	return path.Clean("/" + path.Join(root, pathRel)), nil
}

// Rel is the public entry point for `rel(path, ns)`.
func (r *Resolver) Rel(pathAbs string, ns Namespace) (string, error) {
	return r.rel(pathAbs, ns)
}

// Abs is the public entry point for `abs(path_rel_to_ns, ns)`.
func (r *Resolver) Abs(pathRel string, ns Namespace) (string, error) {
	return r.abs(pathRel, ns)
}

// AbsRelToAbsRel is a pure function translating a path expressed relative
// to nsA into a path expressed relative to nsB. For FUSE/VAULT/THUMBNAIL/
// CACHE the mapping is a straight prefix rewrite; BACKING is NOT the
// identity transform beyond the vault-relative stage — every directory
// level contributes its base32_alias rather than its user-visible name, so
// translating into BackingVaultRoot resolves each ancestor's alias through
// AliasLookup. Translating out of BackingVaultRoot is not supported:
// AliasLookup is forward-only, and such calls return ErrInvalidNamespace.
func (r *Resolver) AbsRelToAbsRel(p string, nsA, nsB Namespace) (string, error) {
	vaultRel, err := r.toVaultRel(p, nsA)
	if err != nil {
		return "", err
	}
	return r.fromVaultRel(vaultRel, nsB)
}

// toVaultRel normalizes any namespace's path into the vault-relative form.
func (r *Resolver) toVaultRel(p string, ns Namespace) (string, error) {
	switch ns {
	case VaultRoot:
		return cleanRel(p), nil
	case FuseRoot, ThumbnailRoot, FileCacheRoot:
		return r.rel(p, ns)
	case BackingVaultRoot:
		return r.aliasedToVaultRel(p)
	default:
		return "", ErrInvalidNamespace
	}
}

// fromVaultRel expands a vault-relative path into namespace ns.
func (r *Resolver) fromVaultRel(vaultRel string, ns Namespace) (string, error) {
	switch ns {
	case VaultRoot:
		return vaultRel, nil
	case FuseRoot, ThumbnailRoot, FileCacheRoot:
		return r.abs(vaultRel, ns)
	case BackingVaultRoot:
		return r.vaultRelToAliased(vaultRel)
	default:
		return "", ErrInvalidNamespace
	}
}

// vaultRelToAliased walks each segment of vaultRel, resolving its alias via
// AliasLookup and composing the backing-side absolute path.
func (r *Resolver) vaultRelToAliased(vaultRel string) (string, error) {
	if vaultRel == "" || vaultRel == "." {
		return r.backingRoot, nil
	}
	segments := strings.Split(cleanRel(vaultRel), "/")
	parent := ""
	backing := r.backingRoot
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		alias, ok := r.aliases.Alias(r.vaultID, parent, seg)
		if !ok {
			return "", ErrInvalidNamespace
		}
		backing = path.Join(backing, alias)
		parent = path.Join(parent, seg)
	}
	return backing, nil
}

// aliasedToVaultRel is the backing-to-vault direction. AliasLookup as
// defined here is forward-only and the resolver has no reverse alias
// index, so it always returns ErrInvalidNamespace.
func (r *Resolver) aliasedToVaultRel(_ string) (string, error) {
	return "", ErrInvalidNamespace
}

// cleanRel lexically normalizes p as a vault-relative (no leading slash)
// path, collapsing ".."/"." components without touching the filesystem.
func cleanRel(p string) string {
	p = strings.TrimPrefix(p, "/")
	c := path.Clean("/" + p)
	return strings.TrimPrefix(c, "/")
}
