package syncengine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/storage"
)

// LocalTask is the Sync Task variant for a purely local vault (Vault.Type ==
// model.VaultLocal, Policy.Local populated instead of Policy.Remote). It has
// no remote side to reconcile against, so its run is a local consistency
// sweep that fingerprints the current tree and records a SyncEvent, rather
// than the full plan/execute loop Task runs for S3-mirrored vaults.
//
// With no "trashed" entry state in the data model, the sweep reduces to
// the same state-hash fingerprinting Task performs for divergence
// detection, keeping both task kinds comparable in the sync_events table.
type LocalTask struct {
	VaultID    uint32
	Engine     *storage.Engine
	Store      *metadata.Store
	Policy     model.LocalPolicy
	Interval   time.Duration
	NextRun    time.Time
	ConfigHash uint64
	Trigger    string

	interrupted atomic.Bool
	running     atomic.Bool

	controller *Controller
}

func (t *LocalTask) vaultID() uint32             { return t.VaultID }
func (t *LocalTask) nextRunAt() time.Time        { return t.NextRun }
func (t *LocalTask) setNextRun(at time.Time)     { t.NextRun = at }
func (t *LocalTask) setController(c *Controller) { t.controller = c }
func (t *LocalTask) setTrigger(trigger string)   { t.Trigger = trigger }

// IsRunning reports whether Run is currently executing.
func (t *LocalTask) IsRunning() bool { return t.running.Load() }

// Interrupt requests cancellation at the next check.
func (t *LocalTask) Interrupt() { t.interrupted.Store(true) }

func (t *LocalTask) triggerName() string {
	if t.Trigger == "" {
		return "scheduled"
	}
	return t.Trigger
}

// Run fingerprints the vault's local entry tree and records a SyncEvent.
func (t *LocalTask) Run(ctx context.Context) error {
	t.running.Store(true)
	defer t.running.Store(false)

	ev, err := t.Store.CreateSyncEvent(model.SyncEvent{
		VaultID:        t.VaultID,
		RunUUID:        uuid.NewString(),
		TimestampBegin: time.Now().UTC(),
		HeartbeatAt:    time.Now().UTC(),
		Status:         model.EventRunning,
		Trigger:        t.triggerName(),
		ConfigHash:     t.ConfigHash,
	})
	if err != nil {
		return fmt.Errorf("syncengine: create sync event: %w", err)
	}

	if t.interrupted.Load() {
		ev.Status = model.EventCancelled
		ev.TimestampEnd = time.Now().UTC()
		t.Store.PutSyncEvent(ev)
		return nil
	}
	select {
	case <-ctx.Done():
		ev.Status = model.EventCancelled
		ev.TimestampEnd = time.Now().UTC()
		t.Store.PutSyncEvent(ev)
		return nil
	default:
	}

	entries, err := t.Store.ListEntriesByVault(t.VaultID)
	if err != nil {
		ev.Status = model.EventError
		ev.ErrorCode = "Sync Failed"
		ev.ErrorMessage = err.Error()
		ev.TimestampEnd = time.Now().UTC()
		t.Store.PutSyncEvent(ev)
		return nil
	}
	localMap := make(map[string]*model.FSEntry, len(entries))
	for i := range entries {
		if entries[i].IsFile() {
			localMap[entries[i].Path] = &entries[i]
		}
	}

	hash := StateHash(localMap)
	ev.LocalStateHash = hash
	ev.RemoteStateHash = hash
	ev.NumOpsTotal = len(localMap)
	ev.Status = model.EventSuccess
	ev.TimestampEnd = time.Now().UTC()
	if err := t.Store.PutSyncEvent(ev); err != nil {
		return fmt.Errorf("syncengine: persist sync event: %w", err)
	}
	if policy, err := t.Store.GetSyncPolicy(t.VaultID); err == nil {
		policy.LastSyncAt = ev.TimestampBegin
		policy.LastSuccessAt = ev.TimestampEnd
		t.Store.PutSyncPolicy(*policy)
	}

	if t.controller != nil {
		t.controller.publish(ev)
		t.NextRun = time.Now().Add(t.Interval)
		t.controller.requeue(t)
	}
	return nil
}
