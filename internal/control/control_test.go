package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/index"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/storage"
	"github.com/vaulthalla/vaulthalla/internal/vaultcrypto"
)

type memKeys struct{ key []byte }

func (k *memKeys) KeyForVersion(vaultID, version uint32) ([]byte, error) { return k.key, nil }
func (k *memKeys) CurrentVersion(vaultID uint32) (uint32, error)         { return 1, nil }

type fakeDaemon struct {
	engines    map[uint32]*storage.Engine
	syncCalled []uint32
	syncErr    error
}

func (f *fakeDaemon) Engine(vaultID uint32) (*storage.Engine, bool) {
	e, ok := f.engines[vaultID]
	return e, ok
}

func (f *fakeDaemon) RunSync(ctx context.Context, vaultID uint32) error {
	f.syncCalled = append(f.syncCalled, vaultID)
	return f.syncErr
}

func newTestEngine(t *testing.T) (uint32, *storage.Engine) {
	t.Helper()
	dir := t.TempDir()
	store, err := metadata.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	v, err := store.CreateVault(model.Vault{Name: "v", MountPoint: "v", Type: model.VaultLocal, IsActive: true})
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	crypto := vaultcrypto.NewManager(v.ID, &memKeys{key: make([]byte, 32)})
	idx := index.New()
	backingRoot := filepath.Join(dir, "backing")
	if err := os.MkdirAll(filepath.Join(backingRoot, v.MountPoint), 0o755); err != nil {
		t.Fatalf("MkdirAll backingRoot: %v", err)
	}
	eng := storage.New(v, filepath.Join(dir, "fuse"), backingRoot, store, crypto, idx)
	return v.ID, eng
}

func TestDispatch_Sync(t *testing.T) {
	vaultID, eng := newTestEngine(t)
	fd := &fakeDaemon{engines: map[uint32]*storage.Engine{vaultID: eng}}
	s := NewServer(fd, nil)

	resp := s.dispatch(context.Background(), Request{Op: "sync", VaultID: vaultID})
	if !resp.OK {
		t.Fatalf("expected ok, got error %q", resp.Error)
	}
	if len(fd.syncCalled) != 1 || fd.syncCalled[0] != vaultID {
		t.Errorf("expected RunSync called with vault %d, got %v", vaultID, fd.syncCalled)
	}
}

func TestDispatch_MkdirAndCreateAndRead(t *testing.T) {
	vaultID, eng := newTestEngine(t)
	fd := &fakeDaemon{engines: map[uint32]*storage.Engine{vaultID: eng}}
	s := NewServer(fd, nil)

	if resp := s.dispatch(context.Background(), Request{Op: "mkdir", VaultID: vaultID, Path: "docs", UID: 1}); !resp.OK {
		t.Fatalf("mkdir: %s", resp.Error)
	}
	if resp := s.dispatch(context.Background(), Request{Op: "create", VaultID: vaultID, Path: "docs/a.txt", UID: 1, Mode: 0o644}); !resp.OK {
		t.Fatalf("create: %s", resp.Error)
	}
	if resp := s.dispatch(context.Background(), Request{Op: "stat", VaultID: vaultID, Path: "docs/a.txt"}); !resp.OK {
		t.Fatalf("stat: %s", resp.Error)
	}
}

func TestDispatch_RenameUsesFromTo(t *testing.T) {
	vaultID, eng := newTestEngine(t)
	fd := &fakeDaemon{engines: map[uint32]*storage.Engine{vaultID: eng}}
	s := NewServer(fd, nil)

	s.dispatch(context.Background(), Request{Op: "create", VaultID: vaultID, Path: "a.txt", UID: 1, Mode: 0o644})
	resp := s.dispatch(context.Background(), Request{Op: "rename", VaultID: vaultID, From: "a.txt", To: "b.txt"})
	if !resp.OK {
		t.Fatalf("rename: %s", resp.Error)
	}
	if resp := s.dispatch(context.Background(), Request{Op: "stat", VaultID: vaultID, Path: "b.txt"}); !resp.OK {
		t.Fatalf("expected renamed file to exist: %s", resp.Error)
	}
}

func TestDispatch_UnknownVault(t *testing.T) {
	fd := &fakeDaemon{engines: map[uint32]*storage.Engine{}}
	s := NewServer(fd, nil)

	resp := s.dispatch(context.Background(), Request{Op: "mkdir", VaultID: 999, Path: "docs"})
	if resp.OK {
		t.Error("expected error for unknown vault")
	}
}

func TestDispatch_UnknownOpIsNoop(t *testing.T) {
	fd := &fakeDaemon{engines: map[uint32]*storage.Engine{}}
	s := NewServer(fd, nil)

	resp := s.dispatch(context.Background(), Request{Op: "frobnicate"})
	if !resp.OK {
		t.Errorf("expected unknown op to no-op with ok response, got %+v", resp)
	}
}

func TestDispatch_Ping(t *testing.T) {
	fd := &fakeDaemon{engines: map[uint32]*storage.Engine{}}
	s := NewServer(fd, nil)

	if resp := s.dispatch(context.Background(), Request{Op: "ping"}); !resp.OK {
		t.Errorf("expected ping ok, got %+v", resp)
	}
}

func TestDispatch_Stop(t *testing.T) {
	s := NewServer(&fakeDaemon{}, nil)

	// Without a shutdown hook, stop degrades to the unknown-op no-op.
	resp := s.dispatch(context.Background(), Request{Op: "stop"})
	if !resp.OK {
		t.Errorf("stop without hook: expected ok no-op, got %+v", resp)
	}

	called := make(chan struct{}, 1)
	s.SetShutdownFunc(func() { called <- struct{}{} })
	resp = s.dispatch(context.Background(), Request{Op: "stop"})
	if !resp.OK {
		t.Fatalf("stop: expected ok, got %+v", resp)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("shutdown hook was not invoked")
	}
}
