package syncengine

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/model"
	"github.com/vaulthalla/vaulthalla/internal/storage"
)

// RefreshInterval is how often the Controller re-pulls the active engine set
// and prunes tasks for vaults that are no longer active.
const RefreshInterval = 5 * time.Minute

// maxEmptyQueueBackoff bounds the controller's idle sleep when the ready
// queue is empty, so a newly-activated vault is picked up within one
// refresh cycle even with nothing currently scheduled.
const maxEmptyQueueBackoff = 30 * time.Second

// schedEntry is the minimal surface the Controller needs from a scheduled
// Sync Task, implemented by both Task (remote-policy vaults) and LocalTask
// (local-policy vaults) so the scheduler dispatches over either uniformly.
type schedEntry interface {
	vaultID() uint32
	nextRunAt() time.Time
	setNextRun(time.Time)
	setController(*Controller)
	setTrigger(string)
	IsRunning() bool
	Interrupt()
	Run(ctx context.Context) error
}

// EventSink receives each finalized SyncEvent, and each Conflict as it is
// created, for operational fan-out (the daemon wires internal/notify's
// Dispatcher here). Nil is fine; the controller then keeps events in the
// metadata store only.
type EventSink interface {
	DispatchSyncEvent(ev model.SyncEvent)
	DispatchConflict(c model.Conflict)
}

// EngineSource supplies the set of currently active vault storage engines,
// keyed by vault ID. The Controller only schedules against engines this
// returns; engine construction (path layout, decrypted API keys, S3
// provider wiring) is the daemon's responsibility, not the scheduler's.
type EngineSource interface {
	Engines() map[uint32]*storage.Engine
}

// taskHeap is a container/heap.Interface min-heap ordered by next_run.
type taskHeap []schedEntry

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].nextRunAt().Before(h[j].nextRunAt()) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(schedEntry)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Controller is a single daemon-wide scheduler that owns exactly one
// in-flight-or-pending task per active vault, ordered by next_run in a
// min-heap, and dispatches each due task to a bounded worker pool.
//
// Lock order: taskMapMu before pqMu, never the reverse, and neither is
// held across a task dispatch or a condition wait.
type Controller struct {
	taskMapMu sync.Mutex
	taskMap   map[uint32]schedEntry

	pqMu sync.Mutex
	pq   taskHeap

	engines EngineSource
	store   *metadata.Store
	log     *slog.Logger
	sink    EventSink

	sem chan struct{} // bounds concurrent task dispatch

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewController constructs a Controller. maxConcurrent bounds how many
// tasks may run at once across all vaults.
func NewController(engines EngineSource, store *metadata.Store, maxConcurrent int, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Controller{
		taskMap: make(map[uint32]schedEntry),
		engines: engines,
		store:   store,
		log:     log.With("subsystem", "sync_controller"),
		sem:     make(chan struct{}, maxConcurrent),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start refreshes the active engine set once synchronously (so Start
// returns with tasks already scheduled) and launches the scheduling loop.
func (c *Controller) Start(ctx context.Context) {
	c.refreshEngines()
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop signals the scheduling loop to exit and waits for it to return.
func (c *Controller) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	lastRefresh := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if time.Since(lastRefresh) >= RefreshInterval {
			c.refreshEngines()
			lastRefresh = time.Now()
		}

		next, ok := c.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-c.wake:
				continue
			case <-time.After(maxEmptyQueueBackoff):
				continue
			}
		}

		wait := time.Until(next.nextRunAt())
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-c.wake:
				continue
			case <-time.After(wait):
			}
			continue
		}

		t, ok := c.pop()
		if !ok {
			continue
		}
		c.dispatch(ctx, t)
	}
}

func (c *Controller) peek() (schedEntry, bool) {
	c.pqMu.Lock()
	defer c.pqMu.Unlock()
	if len(c.pq) == 0 {
		return nil, false
	}
	return c.pq[0], true
}

func (c *Controller) pop() (schedEntry, bool) {
	c.pqMu.Lock()
	defer c.pqMu.Unlock()
	if len(c.pq) == 0 {
		return nil, false
	}
	return heap.Pop(&c.pq).(schedEntry), true
}

func (c *Controller) push(t schedEntry) {
	c.pqMu.Lock()
	defer c.pqMu.Unlock()
	heap.Push(&c.pq, t)
}

func (c *Controller) dispatch(ctx context.Context, t schedEntry) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		if err := t.Run(ctx); err != nil {
			c.log.Error("sync task run error", "vault_id", t.vaultID(), "error", err)
		}
	}()
}

// SetEventSink attaches the fan-out target for finalized events. Call
// before Start.
func (c *Controller) SetEventSink(sink EventSink) { c.sink = sink }

// publish hands a finalized event to the sink, if one is attached. Tasks
// call this after their final PutSyncEvent.
func (c *Controller) publish(ev model.SyncEvent) {
	if c.sink != nil {
		c.sink.DispatchSyncEvent(ev)
	}
}

// publishConflict hands a newly created conflict to the sink. Tasks call
// this at detection time, not at finalize, so observers see conflicts as
// the run surfaces them.
func (c *Controller) publishConflict(conflict model.Conflict) {
	if c.sink != nil {
		c.sink.DispatchConflict(conflict)
	}
}

// requeue re-inserts a task the controller already owns back onto the
// ready queue, matching the call site Task.Run and LocalTask.Run use at the
// end of a cycle (t.controller.requeue(t)). A task that is no longer the
// vault's entry in taskMap (pruned, or replaced by RunNow) is dropped.
func (c *Controller) requeue(t schedEntry) {
	c.taskMapMu.Lock()
	current, ok := c.taskMap[t.vaultID()]
	c.taskMapMu.Unlock()
	if !ok || current != t {
		return
	}
	c.push(t)
	c.signalWake()
}

func (c *Controller) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// refreshEngines pulls the current active-vault engine set, prunes tasks
// for vaults no longer present, and ensures every active vault has a
// scheduled task. An in-flight task for a pruned vault is not cancelled;
// removal takes effect at its next completion, which no longer requeues.
func (c *Controller) refreshEngines() {
	engines := c.engines.Engines()

	present := make(map[uint32]bool, len(engines))
	for id := range engines {
		present[id] = true
	}
	c.pruneStaleTasks(present)

	for id, eng := range engines {
		c.ensureTask(id, eng)
	}
}

func (c *Controller) pruneStaleTasks(present map[uint32]bool) {
	c.taskMapMu.Lock()
	defer c.taskMapMu.Unlock()
	for id := range c.taskMap {
		if !present[id] {
			delete(c.taskMap, id)
		}
	}
}

func (c *Controller) ensureTask(vaultID uint32, eng *storage.Engine) {
	c.taskMapMu.Lock()
	_, exists := c.taskMap[vaultID]
	c.taskMapMu.Unlock()
	if exists {
		return
	}

	t, err := c.createTask(vaultID, eng)
	if err != nil {
		c.log.Warn("sync task not created", "vault_id", vaultID, "error", err)
		return
	}

	c.taskMapMu.Lock()
	c.taskMap[vaultID] = t
	c.taskMapMu.Unlock()

	c.push(t)
	c.signalWake()
}

// createTask builds the schedEntry appropriate to the vault's policy
// kind: remote policies get the full reconciliation Task, local policies
// the fingerprint-only LocalTask. Strategy and conflict policy select
// behavior through the decision table, not through task subtypes.
func (c *Controller) createTask(vaultID uint32, eng *storage.Engine) (schedEntry, error) {
	policy, err := c.store.GetSyncPolicy(vaultID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: load sync policy: %w", err)
	}

	nextRun := policy.LastSyncAt.Add(policy.Interval)
	if nextRun.Before(time.Now()) {
		nextRun = time.Now()
	}

	// A changed config_hash means the policy's decision-affecting fields
	// moved since the last run: the interval-based resume is bypassed and
	// the next run happens immediately under the new configuration.
	hash := PolicyConfigHash(*policy)
	if hash != policy.ConfigHash {
		nextRun = time.Now()
		policy.ConfigHash = hash
		if err := c.store.PutSyncPolicy(*policy); err != nil {
			c.log.Warn("persist policy config hash", "vault_id", vaultID, "error", err)
		}
	}

	if policy.Remote != nil {
		t := &Task{
			VaultID:    vaultID,
			Engine:     eng,
			Store:      c.store,
			Policy:     *policy.Remote,
			Interval:   policy.Interval,
			NextRun:    nextRun,
			ConfigHash: hash,
		}
		t.setController(c)
		return t, nil
	}

	lp := model.LocalPolicy{ConflictPolicy: model.PolicyOverwrite}
	if policy.Local != nil {
		lp = *policy.Local
	}
	t := &LocalTask{
		VaultID:    vaultID,
		Engine:     eng,
		Store:      c.store,
		Policy:     lp,
		Interval:   policy.Interval,
		NextRun:    nextRun,
		ConfigHash: hash,
	}
	t.setController(c)
	return t, nil
}

// RunNow interrupts any in-flight run for vaultID, waits for it to settle,
// then schedules a fresh task immediately (never reusing the interrupted
// instance, since its interrupted flag would otherwise cancel the rerun on
// its very first check).
func (c *Controller) RunNow(ctx context.Context, vaultID uint32) error {
	c.taskMapMu.Lock()
	existing, hasExisting := c.taskMap[vaultID]
	c.taskMapMu.Unlock()

	if hasExisting && existing.IsRunning() {
		existing.Interrupt()
		for existing.IsRunning() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
		}
	}

	engines := c.engines.Engines()
	eng, ok := engines[vaultID]
	if !ok {
		return fmt.Errorf("syncengine: vault %d has no active engine", vaultID)
	}

	t, err := c.createTask(vaultID, eng)
	if err != nil {
		return err
	}
	t.setNextRun(time.Now())
	t.setTrigger("run_now")

	c.taskMapMu.Lock()
	c.taskMap[vaultID] = t
	c.taskMapMu.Unlock()

	c.push(t)
	c.signalWake()
	return nil
}
