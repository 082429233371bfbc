package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/storage"
)

// ErrInterrupted is the sentinel a task's top-level catches to mark the
// event CANCELLED without requeueing.
var ErrInterrupted = errors.New("syncengine: interrupted")

// HeartbeatMinInterval rate-limits how often a running task's heartbeat is
// persisted.
const HeartbeatMinInterval = 10 * time.Second

// actionRetryDelays are the two backoff delays applied to a failed action
// before it is recorded on the event as a failed op.
var actionRetryDelays = []time.Duration{1 * time.Second, 4 * time.Second}

// Task is the reconciliation state machine for one S3-mirrored vault.
// Tasks are strictly serialized per vault: only one may run at a time,
// enforced by the Controller rather than by the Task itself.
type Task struct {
	VaultID    uint32
	Engine     *storage.Engine
	Store      *metadata.Store
	Policy     model.RemotePolicy
	Interval   time.Duration
	NextRun    time.Time
	ConfigHash uint64
	Trigger    string

	interrupted atomic.Bool
	running     atomic.Bool

	controller *Controller
}

func (t *Task) vaultID() uint32             { return t.VaultID }
func (t *Task) nextRunAt() time.Time        { return t.NextRun }
func (t *Task) setNextRun(at time.Time)     { t.NextRun = at }
func (t *Task) setController(c *Controller) { t.controller = c }
func (t *Task) setTrigger(trigger string)   { t.Trigger = trigger }

// IsRunning reports whether Run is currently executing.
func (t *Task) IsRunning() bool { return t.running.Load() }

// Interrupt requests cancellation; Run observes it at the next action
// boundary and exits without requeueing.
func (t *Task) Interrupt() { t.interrupted.Store(true) }

func (t *Task) handleInterrupt(ctx context.Context) error {
	if t.interrupted.Load() {
		return ErrInterrupted
	}
	select {
	case <-ctx.Done():
		return ErrInterrupted
	default:
		return nil
	}
}

// Run executes one full plan→execute→finalize cycle and persists the
// resulting SyncEvent. It never panics on a single action's failure; it
// only returns an error for setup failures that prevent the event from
// being created at all.
func (t *Task) Run(ctx context.Context) error {
	t.running.Store(true)
	defer t.running.Store(false)

	ev, err := t.Store.CreateSyncEvent(model.SyncEvent{
		VaultID:        t.VaultID,
		RunUUID:        newRunUUID(),
		TimestampBegin: time.Now().UTC(),
		HeartbeatAt:    time.Now().UTC(),
		Status:         model.EventRunning,
		Trigger:        t.trigger(),
		ConfigHash:     t.ConfigHash,
	})
	if err != nil {
		return fmt.Errorf("syncengine: create sync event: %w", err)
	}

	if err := t.handleInterrupt(ctx); err != nil {
		t.finalizeCancelled(&ev)
		return nil
	}

	localMap, remoteMap, err := t.buildMaps()
	if err != nil {
		t.finalizeError(&ev, err)
		return nil
	}

	actions := BuildActions(localMap, remoteMap, t.Policy.Strategy, t.Policy.ConflictPolicy)

	if err := t.preflightFreeSpace(actions); err != nil {
		t.finalizeError(&ev, err)
		return nil
	}

	lastHeartbeatPersist := time.Now()
	var conflicts []model.Conflict
	planWasNoOpOnly := true

	for _, action := range actions {
		if err := t.handleInterrupt(ctx); err != nil {
			t.finalizeCancelled(&ev)
			return nil
		}
		if action.Type != ActionNoOp {
			planWasNoOpOnly = false
		}

		ok := t.executeWithRetry(action)
		ev.NumOpsTotal++
		if !ok {
			ev.NumFailedOps++
		}
		if action.Type == ActionCreateConflict {
			c := t.buildConflict(&ev, action)
			conflicts = append(conflicts, c)
			ev.NumConflicts++
			if t.controller != nil {
				t.controller.publishConflict(c)
			}
		}
		t.tallyThroughput(&ev, action, ok)

		ev.HeartbeatAt = time.Now().UTC()
		if time.Since(lastHeartbeatPersist) >= HeartbeatMinInterval {
			t.Store.PutSyncEvent(ev)
			lastHeartbeatPersist = time.Now()
		}
	}

	ev.Conflicts = conflicts
	ev.LocalStateHash = StateHash(localMap)
	ev.RemoteStateHash = RemoteStateHash(remoteMap)
	ev.DivergenceDetected = ev.LocalStateHash != ev.RemoteStateHash && planWasNoOpOnly

	ev.Status = ParseCurrentStatus(&ev, time.Now(), DefaultStallAfter)
	ev.TimestampEnd = time.Now().UTC()
	if err := t.Store.PutSyncEvent(ev); err != nil {
		return fmt.Errorf("syncengine: persist sync event: %w", err)
	}
	t.recordPolicyRun(ev)

	if t.controller != nil {
		t.controller.publish(ev)
		t.NextRun = time.Now().Add(t.Interval)
		t.controller.requeue(t)
	}
	return nil
}

func (t *Task) finalizeError(ev *model.SyncEvent, err error) {
	ev.Status = model.EventError
	ev.ErrorMessage = err.Error()
	var insufficient *InsufficientSpaceError
	if errors.As(err, &insufficient) {
		ev.ErrorCode = "Insufficient Disk Space"
	} else if errors.Is(err, storage.ErrNotFound) {
		ev.ErrorCode = "Not Found"
	} else if ev.ErrorCode == "" {
		ev.ErrorCode = "Sync Failed"
	}
	ev.TimestampEnd = time.Now().UTC()
	t.Store.PutSyncEvent(*ev)
	t.recordPolicyRun(*ev)
	if t.controller != nil {
		t.controller.publish(*ev)
	}
}

func (t *Task) finalizeCancelled(ev *model.SyncEvent) {
	ev.Status = model.EventCancelled
	ev.TimestampEnd = time.Now().UTC()
	t.Store.PutSyncEvent(*ev)
	if t.controller != nil {
		t.controller.publish(*ev)
	}
}

// buildConflict snapshots both sides of a conflicting path so the recorded
// row carries enough to diagnose and resolve it later, not just a count.
func (t *Task) buildConflict(ev *model.SyncEvent, a Action) model.Conflict {
	c := model.Conflict{
		EventID:    ev.ID,
		Type:       model.ConflictMismatch,
		Resolution: model.ResolutionUnresolved,
		Reasons:    a.Reasons,
	}
	if a.Local != nil {
		c.FileID = a.Local.ID
		artifact := model.ConflictArtifact{
			Side:         "local",
			SizeBytes:    a.Local.SizeBytes,
			MimeType:     a.Local.MimeType,
			ContentHash:  a.Local.ContentHash,
			EncryptionIV: a.Local.EncryptionIV,
			KeyVersion:   a.Local.EncryptedWithKeyVersion,
			LastModified: a.Local.UpdatedAt,
		}
		if backing, err := t.Engine.BackingPath(a.VaultRelPath); err == nil {
			artifact.LocalBackingPath = backing
		}
		c.Local = artifact
	}
	if a.Remote != nil {
		c.Upstream = model.ConflictArtifact{
			Side:         "upstream",
			SizeBytes:    a.Remote.Size,
			ContentHash:  a.Remote.ContentHash,
			EncryptionIV: a.Remote.EncryptionIV,
			KeyVersion:   a.Remote.KeyVersion,
			LastModified: time.Unix(a.Remote.LastModifiedUnix, 0).UTC(),
		}
	}
	return c
}

// recordPolicyRun stamps last_sync_at (and last_success_at on SUCCESS) on
// the vault's policy after a run reaches a terminal state.
func (t *Task) recordPolicyRun(ev model.SyncEvent) {
	policy, err := t.Store.GetSyncPolicy(t.VaultID)
	if err != nil {
		return
	}
	policy.LastSyncAt = ev.TimestampBegin
	if ev.Status == model.EventSuccess {
		policy.LastSuccessAt = ev.TimestampEnd
	}
	t.Store.PutSyncPolicy(*policy)
}

// preflightFreeSpace sums planned Download sizes against the engine's
// free space before any action executes.
func (t *Task) preflightFreeSpace(actions []Action) error {
	var required int64
	for _, a := range actions {
		if a.Type == ActionDownload && a.Remote != nil {
			required += a.Remote.Size
		}
	}
	free, err := t.Engine.FreeSpace()
	if err != nil {
		return err
	}
	if t.vault().Quota != 0 && required > free {
		return &InsufficientSpaceError{Required: required, Available: free}
	}
	return nil
}

// InsufficientSpaceError is the capacity failure: the run aborts before
// any download starts.
type InsufficientSpaceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("Insufficient Disk Space: required %d, available %d", e.Required, e.Available)
}

func (t *Task) trigger() string {
	if t.Trigger == "" {
		return "scheduled"
	}
	return t.Trigger
}

func (t *Task) vault() model.Vault {
	v, err := t.Store.GetVault(t.VaultID)
	if err != nil {
		return model.Vault{}
	}
	return *v
}

// buildMaps constructs localMap from the entry store and remoteMap from the
// engine's cloud extension (nil for a purely local vault's engine, in which
// case remoteMap is empty and every local entry plans as local-only:
// Upload, or DeleteLocal under Mirror with KeepRemote — in practice local
// vaults use LocalTask, not this Sync Task, but the maps degrade
// gracefully all the same).
func (t *Task) buildMaps() (map[string]*model.FSEntry, map[string]*RemoteFile, error) {
	entries, err := t.Store.ListEntriesByVault(t.VaultID)
	if err != nil {
		return nil, nil, fmt.Errorf("syncengine: list local entries: %w", err)
	}
	localMap := make(map[string]*model.FSEntry, len(entries))
	for i := range entries {
		if entries[i].IsFile() {
			localMap[entries[i].Path] = &entries[i]
		}
	}

	remoteMap := make(map[string]*RemoteFile)
	if t.Engine.Cloud != nil {
		objects, err := t.Engine.Cloud.RemoteEntries()
		if err != nil {
			return nil, nil, fmt.Errorf("syncengine: list remote objects: %w", err)
		}
		for _, obj := range objects {
			headers, err := t.Engine.Cloud.HeadMetadata(obj.Key)
			rf := &RemoteFile{Size: obj.Size, LastModifiedUnix: obj.LastModified.Unix()}
			if err == nil && headers != nil {
				rf.ContentHash = headers.Metadata["content-hash"]
				rf.EncryptionIV = headers.Metadata["vh-iv"]
				if ver, verErr := strconv.ParseUint(headers.Metadata["vh-key-version"], 10, 32); verErr == nil {
					rf.KeyVersion = uint32(ver)
				}
			}
			remoteMap[obj.Key] = rf
		}
	}
	return localMap, remoteMap, nil
}

// executeWithRetry dispatches one action to the Storage Engine, retrying
// up to twice before recording a failure.
func (t *Task) executeWithRetry(a Action) bool {
	var lastErr error
	for attempt := 0; attempt <= len(actionRetryDelays); attempt++ {
		if attempt > 0 {
			time.Sleep(actionRetryDelays[attempt-1])
		}
		if err := t.executeOne(a); err != nil {
			lastErr = err
			continue
		}
		return true
	}
	_ = lastErr
	return false
}

func (t *Task) executeOne(a Action) error {
	switch a.Type {
	case ActionNoOp, ActionCreateConflict:
		return nil
	case ActionUpload:
		if t.Engine.Cloud == nil {
			return fmt.Errorf("syncengine: upload requested on non-cloud vault")
		}
		plaintext, err := t.Engine.ReadFile(a.VaultRelPath)
		if err != nil {
			return err
		}
		return t.Engine.Cloud.UploadFile(a.VaultRelPath, plaintext)
	case ActionDownload:
		if t.Engine.Cloud == nil {
			return fmt.Errorf("syncengine: download requested on non-cloud vault")
		}
		_, err := t.Engine.Cloud.DownloadFile(a.VaultRelPath, t.vault().OwnerID, t.Policy.Strategy == model.StrategyCache)
		return err
	case ActionDeleteLocal:
		return t.Engine.Remove(a.VaultRelPath)
	case ActionDeleteRemote:
		if t.Engine.Cloud == nil {
			return fmt.Errorf("syncengine: remote delete requested on non-cloud vault")
		}
		return t.Engine.Cloud.Purge(a.VaultRelPath)
	default:
		return fmt.Errorf("syncengine: unknown action type %q", a.Type)
	}
}

func (t *Task) tallyThroughput(ev *model.SyncEvent, a Action, ok bool) {
	var metric model.ThroughputMetric
	var size int64
	switch a.Type {
	case ActionUpload:
		metric = model.MetricUpload
		if a.Local != nil {
			size = a.Local.SizeBytes
		}
		ev.BytesUp += size
	case ActionDownload:
		metric = model.MetricDownload
		if a.Remote != nil {
			size = a.Remote.Size
		}
		ev.BytesDown += size
	case ActionDeleteLocal, ActionDeleteRemote:
		metric = model.MetricDelete
	default:
		return
	}
	var th *model.Throughput
	for i := range ev.Throughputs {
		if ev.Throughputs[i].Metric == metric {
			th = &ev.Throughputs[i]
			break
		}
	}
	if th == nil {
		ev.Throughputs = append(ev.Throughputs, model.Throughput{EventID: ev.ID, Metric: metric})
		th = &ev.Throughputs[len(ev.Throughputs)-1]
	}
	th.NumOps++
	th.SizeBytes += size
	if !ok {
		th.FailedOps++
	}
}

// newRunUUID generates a globally unique run_uuid for a sync event, so
// distinct daemons syncing the same vault never collide on the identifier.
func newRunUUID() string {
	return uuid.NewString()
}
