// Package daemon wires the configured set of vaults into running storage
// engines, mounts each active vault's FUSE bridge, starts the sync
// controller, notification dispatcher, and retention janitor, and serves
// the control socket. It is the composition root for cmd/vaulthalla.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/control"
	"github.com/vaulthalla/vaulthalla/internal/fusebridge"
	"github.com/vaulthalla/vaulthalla/internal/index"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/notify"
	"github.com/vaulthalla/vaulthalla/internal/s3client"
	"github.com/vaulthalla/vaulthalla/internal/storage"
	"github.com/vaulthalla/vaulthalla/internal/syncengine"
	"github.com/vaulthalla/vaulthalla/internal/vaultcrypto"
)

// mount pairs a live storage engine with the FUSE server serving it.
type mount struct {
	engine *storage.Engine
	server *fuse.Server
	vault  model.Vault
}

// Daemon is the running process: one metadata store, one engine and one
// FUSE mount per active vault, one sync controller, one notification
// dispatcher, one control socket.
type Daemon struct {
	cfg   *config.Config
	store *metadata.Store
	log   *slog.Logger

	mu      sync.RWMutex
	engines map[uint32]*storage.Engine
	mounts  map[uint32]*mount

	sync   *syncengine.Controller
	notify *notify.Dispatcher
	ctl    *control.Server
}

// New loads every vault from the metadata store, constructs its storage
// engine (and cloud provider, for S3-backed vaults), and wires the sync
// controller and notification dispatcher around them. It does not mount
// anything yet; call Run to mount and serve.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(cfg.Storage.MetadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create metadata dir: %w", err)
	}
	store, err := metadata.Open(filepath.Join(cfg.Storage.MetadataDir, "vaulthalla.db"))
	if err != nil {
		return nil, fmt.Errorf("daemon: open metadata store: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		store:   store,
		log:     log,
		engines: make(map[uint32]*storage.Engine),
		mounts:  make(map[uint32]*mount),
	}

	vaults, err := store.ListVaults()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: list vaults: %w", err)
	}
	for _, v := range vaults {
		if !v.IsActive {
			continue
		}
		eng, err := d.buildEngine(v)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("daemon: build engine for vault %d: %w", v.ID, err)
		}
		d.engines[v.ID] = eng
	}

	d.notify = notify.NewDispatcher(cfg.Notifications.MaxWorkers, cfg.Notifications.QueueSize, log.With("subsystem", "notify"))
	wireNotifyBackends(d.notify, cfg.Notifications, log)

	d.sync = syncengine.NewController(d, store, 4, log.With("subsystem", "sync"))
	d.ctl = control.NewServer(d, log.With("subsystem", "control"))

	return d, nil
}

// buildEngine constructs one vault's Crypto Manager, FS Index, and Storage
// Engine, attaching an S3 Provider for VaultS3-typed vaults.
func (d *Daemon) buildEngine(v model.Vault) (*storage.Engine, error) {
	crypto := vaultcrypto.NewManager(v.ID, d.store)
	idx := index.New()
	fuseRoot := filepath.Join(d.cfg.Fuse.RootMountPath, v.MountPoint)
	backingRoot := filepath.Join(d.cfg.Fuse.BackingPath, v.MountPoint)
	if err := os.MkdirAll(backingRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create backing root: %w", err)
	}

	eng := storage.New(v, fuseRoot, backingRoot, d.store, crypto, idx)

	if v.Type == model.VaultS3 {
		key, err := d.store.GetAPIKey(v.APIKeyID)
		if err != nil {
			return nil, fmt.Errorf("load api key %d: %w", v.APIKeyID, err)
		}
		bootKey, err := d.cfg.Encryption.KeyBytes()
		if err != nil || bootKey == nil {
			return nil, fmt.Errorf("api key %d requires encryption.key in config: %w", v.APIKeyID, err)
		}
		key.PlaintextSecret, err = vaultcrypto.OpenSecret(bootKey, key.EncryptedSecret, key.IV)
		if err != nil {
			return nil, fmt.Errorf("decrypt api key %d secret: %w", v.APIKeyID, err)
		}
		provider := s3client.New(s3client.Config{
			Endpoint:  key.Endpoint,
			AccessKey: key.AccessKey,
			SecretKey: key.PlaintextSecret,
			Bucket:    v.Bucket,
			Region:    key.Region,
		})
		eng = eng.WithCloud(provider, 8<<20)
	}
	return eng, nil
}

// Engines implements syncengine.EngineSource: a snapshot of the currently
// active per-vault engines.
func (d *Daemon) Engines() map[uint32]*storage.Engine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snapshot := make(map[uint32]*storage.Engine, len(d.engines))
	for id, e := range d.engines {
		snapshot[id] = e
	}
	return snapshot
}

// Engine returns the live engine for vaultID, for control-socket dispatch.
func (d *Daemon) Engine(vaultID uint32) (*storage.Engine, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.engines[vaultID]
	return e, ok
}

// RunSync triggers an out-of-band sync run for vaultID, used by the control
// socket's "sync" command.
func (d *Daemon) RunSync(ctx context.Context, vaultID uint32) error {
	return d.sync.RunNow(ctx, vaultID)
}

// Run mounts every active vault's FUSE bridge, starts the sync controller,
// notification dispatcher, janitor, and control socket, then blocks until
// a termination signal arrives. Shutdown is graceful up to the configured
// timeout.
func (d *Daemon) Run() error {
	d.mu.Lock()
	for id, eng := range d.engines {
		v, err := d.store.GetVault(id)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("daemon: reload vault %d: %w", id, err)
		}
		if err := d.mountVaultLocked(*v, eng); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("daemon: mount vault %d: %w", id, err)
		}
	}
	d.mu.Unlock()

	notifyCtx, notifyCancel := context.WithCancel(context.Background())
	defer notifyCancel()
	d.notify.Start(notifyCtx)

	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	d.sync.SetEventSink(d.notify)
	d.sync.Start(syncCtx)

	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()
	go d.runJanitor(janitorCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	d.ctl.SetShutdownFunc(func() { sigCh <- syscall.SIGTERM })

	if err := d.ctl.Listen(d.cfg.Server.UDSSocket); err != nil {
		return fmt.Errorf("daemon: control socket: %w", err)
	}
	go d.ctl.Serve()

	d.log.Info("vaulthalla started",
		"uds_socket", d.cfg.Server.UDSSocket,
		"fuse_root", d.cfg.Fuse.RootMountPath,
		"vaults", len(d.engines))

	sig := <-sigCh
	d.log.Info("received signal, shutting down", "signal", sig.String())

	timeout := time.Duration(d.cfg.Server.ShutdownTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("vaulthalla stopped gracefully")
	case <-time.After(timeout):
		d.log.Warn("shutdown timed out, exiting anyway", "timeout", timeout)
	}
	return nil
}

// Close unmounts every vault, stops the sync controller, notification
// dispatcher, and control socket, and closes the metadata store.
func (d *Daemon) Close() {
	d.mu.Lock()
	for id, m := range d.mounts {
		if err := m.server.Unmount(); err != nil {
			d.log.Warn("unmount failed", "vault_id", id, "error", err)
		}
	}
	d.mu.Unlock()

	d.sync.Stop()
	d.notify.Stop()
	d.ctl.Close()
	d.store.Close()
}

// runJanitor is the sync-event retention sweep: every
// services.db_sweeper.sweep_interval_minutes it prunes finished events older
// than the configured audit retention window.
func (d *Daemon) runJanitor(ctx context.Context) {
	interval := time.Duration(d.cfg.Services.DBSweeper.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(d.cfg.Security.AuditRetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}

	log := d.log.With("subsystem", "janitor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := d.store.PruneSyncEventsBefore(time.Now().Add(-retention))
			if err != nil {
				log.Warn("sync event prune failed", "error", err)
				continue
			}
			if pruned > 0 {
				log.Info("pruned sync events", "count", pruned)
			}
		}
	}
}

func wireNotifyBackends(disp *notify.Dispatcher, nc config.NotificationsConfig, log *slog.Logger) {
	if nc.Kafka.Enabled && len(nc.Kafka.Brokers) > 0 && nc.Kafka.Topic != "" {
		disp.AddBackend(notify.NewKafkaBackend(nc.Kafka.Brokers, nc.Kafka.Topic))
	}
	if nc.NATS.Enabled && nc.NATS.URL != "" && nc.NATS.Subject != "" {
		backend, err := notify.NewNATSBackend(nc.NATS.URL, nc.NATS.Subject)
		if err != nil {
			log.Warn("nats backend failed to connect", "error", err)
		} else {
			disp.AddBackend(backend)
		}
	}
	if nc.Redis.Enabled && nc.Redis.Addr != "" {
		disp.AddBackend(notify.NewRedisBackend(nc.Redis.Addr, nc.Redis.Channel, ""))
	}
	if nc.AMQP.Enabled && nc.AMQP.URL != "" {
		disp.AddBackend(notify.NewAMQPBackend(nc.AMQP.URL, nc.AMQP.Exchange, nc.AMQP.RoutingKey))
	}
}

// mountVaultLocked mounts one vault's FUSE bridge. Callers hold d.mu.
func (d *Daemon) mountVaultLocked(v model.Vault, eng *storage.Engine) error {
	fuseRoot := filepath.Join(d.cfg.Fuse.RootMountPath, v.MountPoint)
	if err := os.MkdirAll(fuseRoot, 0o755); err != nil {
		return fmt.Errorf("create fuse root: %w", err)
	}

	vfs := &fusebridge.VaultFS{
		VaultID:    v.ID,
		Engine:     eng,
		Store:      d.store,
		DefaultUID: safeUint32(os.Getuid()),
		DefaultGID: safeUint32(os.Getgid()),
	}

	opts := &fs.Options{
		MountOptions: fuseMountOptions(v),
	}
	server, err := fs.Mount(fuseRoot, vfs.Root(), opts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", fuseRoot, err)
	}
	d.mounts[v.ID] = &mount{engine: eng, server: server, vault: v}
	d.log.Info("mounted vault", "vault_id", v.ID, "mount_point", fuseRoot, "type", v.Type)
	return nil
}

func safeUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// fuseMountOptions builds the go-fuse mount options for one vault.
func fuseMountOptions(v model.Vault) fuse.MountOptions {
	return fuse.MountOptions{
		Name:         "vaulthalla",
		FsName:       v.MountPoint,
		AllowOther:   false,
		Debug:        false,
		DisableXAttrs: true,
	}
}
