// Package fusebridge adapts the Storage Engine and FS Index to a go-fuse/v2
// node filesystem: getattr, lookup, readdir, create, open, read, write,
// mkdir, unlink, rmdir, rename, release, flush. Kernel forget requests are
// not handled; Release drops one handle reference in the FS Index.
//
// The bridge owns no policy. Every mutation is delegated to
// storage.Engine, so encryption, aliasing, index bookkeeping, and entry
// persistence happen on one code path whether a change arrives through
// the kernel or through the control socket.
package fusebridge

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaulthalla/vaulthalla/internal/index"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/storage"
)

// VaultFS is the go-fuse root for one mounted vault.
type VaultFS struct {
	VaultID uint32
	Engine  *storage.Engine
	Store   *metadata.Store
	Index   *index.Index

	DefaultUID uint32
	DefaultGID uint32
}

// Root returns the node for the vault's mount root.
func (v *VaultFS) Root() fs.InodeEmbedder {
	return &DirNode{fsys: v, path: ""}
}

// DirNode is a directory in the mounted vault tree.
type DirNode struct {
	fs.Inode
	fsys *VaultFS
	path string // vault-relative; "" is the vault root
}

var (
	_ fs.NodeLookuper  = (*DirNode)(nil)
	_ fs.NodeReaddirer = (*DirNode)(nil)
	_ fs.NodeMkdirer   = (*DirNode)(nil)
	_ fs.NodeCreater   = (*DirNode)(nil)
	_ fs.NodeUnlinker  = (*DirNode)(nil)
	_ fs.NodeRmdirer   = (*DirNode)(nil)
	_ fs.NodeRenamer   = (*DirNode)(nil)
	_ fs.NodeGetattrer = (*DirNode)(nil)
)

func joinVaultRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// errnoFor maps a Storage Engine error to the syscall.Errno a FUSE caller
// expects for filesystem operations.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, storage.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, storage.ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, storage.ErrNotDirectory):
		return syscall.ENOTDIR
	default:
		return syscall.EIO
	}
}

// fillAttr populates out from an FSEntry, per the Getattr contract. It is
// factored out of Getattr/Lookup/Create so every entry point agrees on the
// same mode/uid/gid/size/time mapping.
func fillAttr(fsys *VaultFS, e *model.FSEntry, out *fuse.Attr) {
	mode := e.Mode
	if mode == 0 {
		if e.IsDir() {
			mode = 0o755
		} else {
			mode = 0o644
		}
	}
	if e.IsDir() {
		out.Mode = fuse.S_IFDIR | mode
	} else {
		out.Mode = fuse.S_IFREG | mode
	}
	out.Size = uint64(e.SizeBytes)
	out.Ino = e.Inode
	uid, gid := e.OwnerUID, e.GroupGID
	if uid == 0 {
		uid = fsys.DefaultUID
	}
	if gid == 0 {
		gid = fsys.DefaultGID
	}
	out.Uid, out.Gid = uid, gid
	mtime := e.UpdatedAt
	if mtime.IsZero() {
		mtime = time.Now()
	}
	sec := uint64(mtime.Unix())
	out.Mtime, out.Atime, out.Ctime = sec, sec, sec
}

func (n *DirNode) child(ctx context.Context, name string) (*model.FSEntry, *fs.Inode, syscall.Errno) {
	childPath := joinVaultRel(n.path, name)
	entry, err := n.fsys.Store.GetEntryByPath(n.fsys.VaultID, childPath)
	if err != nil {
		return nil, nil, syscall.ENOENT
	}

	var out fuse.EntryOut
	fillAttr(n.fsys, entry, &out.Attr)
	attr := fs.StableAttr{Ino: entry.Inode}
	var embedder fs.InodeEmbedder
	if entry.IsDir() {
		attr.Mode = fuse.S_IFDIR
		embedder = &DirNode{fsys: n.fsys, path: childPath}
	} else {
		attr.Mode = fuse.S_IFREG
		embedder = &FileNode{fsys: n.fsys, path: childPath}
	}
	inode := n.NewInode(ctx, embedder, attr)
	return entry, inode, 0
}

// Lookup resolves one path component under this directory.
func (n *DirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	entry, inode, errno := n.child(ctx, name)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(n.fsys, entry, &out.Attr)
	n.fsys.Index.IncrementHandle(entry.Inode)
	return inode, 0
}

// Getattr reports this directory's own attributes.
func (n *DirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	entry, err := n.fsys.Store.GetEntryByPath(n.fsys.VaultID, n.path)
	if err != nil {
		if n.path == "" {
			out.Mode = fuse.S_IFDIR | 0o755
			return 0
		}
		return errnoFor(storage.ErrNotFound)
	}
	fillAttr(n.fsys, entry, &out.Attr)
	return 0
}

// Readdir lists this directory's immediate children.
func (n *DirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.Store.ListEntriesByVault(n.fsys.VaultID)
	if err != nil {
		return nil, syscall.EIO
	}

	var out []fuse.DirEntry
	for i := range entries {
		e := &entries[i]
		dir, name := dirOf(e.Path)
		if dir != n.path || name == "" {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if e.IsDir() {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: name, Mode: mode, Ino: e.Inode})
	}
	return fs.NewListDirStream(out), 0
}

// dirOf splits a vault-relative path into its parent directory and final
// name component, the Readdir counterpart to joinVaultRel.
func dirOf(path string) (dir, name string) {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// Mkdir creates a new subdirectory via the Storage Engine.
func (n *DirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := joinVaultRel(n.path, name)
	if err := n.fsys.Engine.Mkdir(childPath, n.fsys.DefaultUID); err != nil {
		return nil, syscall.EIO
	}
	_, inode, errno := n.child(ctx, name)
	return inode, errno
}

// Create creates a new empty file and opens it, per the FUSE create+open
// contract.
func (n *DirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := joinVaultRel(n.path, name)
	if _, err := n.fsys.Engine.CreateFile(storage.CreateFileParams{
		VaultRelPath: childPath,
		OwnerUID:     n.fsys.DefaultUID,
		Mode:         mode,
	}); err != nil {
		return nil, nil, 0, syscall.EIO
	}
	entry, inode, errno := n.child(ctx, name)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	fillAttr(n.fsys, entry, &out.Attr)
	n.fsys.Index.IncrementHandle(entry.Inode)
	return inode, &FileHandle{fsys: n.fsys, path: childPath}, 0, 0
}

// Unlink removes a file.
func (n *DirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	childPath := joinVaultRel(n.path, name)
	if err := n.fsys.Engine.Remove(childPath); err != nil {
		return errnoFor(err)
	}
	return 0
}

// Rmdir removes an empty directory via the Storage Engine; a directory
// that still has entries under it yields ENOTEMPTY.
func (n *DirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := joinVaultRel(n.path, name)
	entries, err := n.fsys.Store.ListEntriesByVault(n.fsys.VaultID)
	if err != nil {
		return syscall.EIO
	}
	prefix := childPath + "/"
	for i := range entries {
		if len(entries[i].Path) > len(prefix) && entries[i].Path[:len(prefix)] == prefix {
			return syscall.ENOTEMPTY
		}
	}
	if err := n.fsys.Engine.Remove(childPath); err != nil {
		return errnoFor(err)
	}
	return 0
}

// Rename moves a path within the vault, delegating to the engine's rename
// (one backing rename(2), plus entry-store rewrites of the entry and, for
// directories, its descendants).
func (n *DirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	destDir, ok := newParent.(*DirNode)
	if !ok {
		return syscall.EINVAL
	}
	oldPath := joinVaultRel(n.path, name)
	newPath := joinVaultRel(destDir.path, newName)
	if err := n.fsys.Engine.Rename(oldPath, newPath); err != nil {
		return errnoFor(err)
	}
	return 0
}

// FileNode is a file in the mounted vault tree.
type FileNode struct {
	fs.Inode
	fsys *VaultFS
	path string
}

var (
	_ fs.NodeOpener   = (*FileNode)(nil)
	_ fs.NodeGetattrer = (*FileNode)(nil)
)

// Open opens the file for reading and/or writing.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	entry, err := f.fsys.Store.GetEntryByPath(f.fsys.VaultID, f.path)
	if err != nil {
		return nil, 0, syscall.ENOENT
	}
	f.fsys.Index.IncrementHandle(entry.Inode)
	return &FileHandle{fsys: f.fsys, path: f.path}, 0, 0
}

// Getattr reports the file's current attributes.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	entry, err := f.fsys.Store.GetEntryByPath(f.fsys.VaultID, f.path)
	if err != nil {
		return errnoFor(storage.ErrNotFound)
	}
	fillAttr(f.fsys, entry, &out.Attr)
	return 0
}

// FileHandle is one open file descriptor against a vault path. Writes stage
// to the engine's staging file (WriteFile); Release/Flush commit them via
// the engine's re-encrypt-and-persist path (Release).
type FileHandle struct {
	fsys *VaultFS
	path string
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
)

// Read decrypts and returns the requested byte range.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	plaintext, err := fh.fsys.Engine.ReadFile(fh.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	if off >= int64(len(plaintext)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(plaintext)) {
		end = int64(len(plaintext))
	}
	return fuse.ReadResultData(plaintext[off:end]), 0
}

// Write stages bytes into the engine's in-progress write buffer for this
// path; they are committed on Release/Flush.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if err := fh.fsys.Engine.WriteFile(fh.path, off, data); err != nil {
		return 0, syscall.EIO
	}
	return uint32(len(data)), 0
}

// Release commits any staged writes and decrements the path's open-handle
// refcount via the FS Index.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.fsys.Engine.Release(fh.path); err != nil {
		return syscall.EIO
	}
	if entry, err := fh.fsys.Store.GetEntryByPath(fh.fsys.VaultID, fh.path); err == nil {
		fh.fsys.Index.Forget(entry.Inode, 1)
	}
	return 0
}

// Flush commits staged writes without closing the handle.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := fh.fsys.Engine.Release(fh.path); err != nil {
		return syscall.EIO
	}
	return 0
}
