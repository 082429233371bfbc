// Package notify fans sync-event lifecycle transitions and conflict
// creation out to message brokers, so operators can watch vault
// reconciliation without polling the metadata store. A Dispatcher owns a
// bounded queue and a worker pool; backends (Kafka, NATS, Redis, AMQP)
// register at startup and each receives every payload. Enqueue never
// blocks: when the queue is full the payload is dropped and a warning
// logged, since notification delivery must not stall a sync run.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

// Backend is one broker-backed delivery target for sync notifications.
type Backend interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// EventEnvelope is the JSON payload published for a SyncEvent lifecycle
// transition.
type EventEnvelope struct {
	Kind      string          `json:"kind"` // "sync_event"
	Timestamp time.Time       `json:"timestamp"`
	Event     model.SyncEvent `json:"event"`
}

// ConflictEnvelope is the JSON payload published when a Conflict row is
// created on the current SyncEvent.
type ConflictEnvelope struct {
	Kind      string         `json:"kind"` // "conflict"
	Timestamp time.Time      `json:"timestamp"`
	Conflict  model.Conflict `json:"conflict"`
}

type deliveryJob struct {
	payload []byte
}

// Dispatcher fans sync notifications out to every registered Backend
// through a bounded worker pool; a full queue drops the notification
// rather than block the sync task that produced it.
type Dispatcher struct {
	workerCh   chan deliveryJob
	wg         sync.WaitGroup
	maxWorkers int
	backends   []Backend
	mu         sync.Mutex
	log        *slog.Logger
}

// NewDispatcher constructs a Dispatcher with the given worker count and
// bounded queue size.
func NewDispatcher(maxWorkers, queueSize int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		workerCh:   make(chan deliveryJob, queueSize),
		maxWorkers: maxWorkers,
		log:        log.With("subsystem", "sync"),
	}
}

// Start launches the worker pool; each worker drains workerCh and fans a
// job out to every registered backend.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.maxWorkers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-d.workerCh:
					if !ok {
						return
					}
					d.deliver(job)
				}
			}
		}()
	}
}

// AddBackend registers a notification backend.
func (d *Dispatcher) AddBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends = append(d.backends, b)
	d.log.Info("notification backend registered", "backend", b.Name())
}

// Stop drains the worker pool and closes every registered backend.
func (d *Dispatcher) Stop() {
	close(d.workerCh)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.backends {
		if err := b.Close(); err != nil {
			d.log.Warn("notify backend close error", "backend", b.Name(), "error", err)
		}
	}
}

func (d *Dispatcher) deliver(job deliveryJob) {
	d.mu.Lock()
	backends := make([]Backend, len(d.backends))
	copy(backends, d.backends)
	d.mu.Unlock()

	for _, b := range backends {
		if err := b.Publish(context.Background(), job.payload); err != nil {
			d.log.Error("notify backend publish error", "backend", b.Name(), "error", err)
		}
	}
}

// DispatchSyncEvent publishes a SyncEvent lifecycle transition
// (RUNNING/SUCCESS/ERROR/STALLED/CANCELLED) to every registered backend.
func (d *Dispatcher) DispatchSyncEvent(ev model.SyncEvent) {
	d.enqueue(EventEnvelope{Kind: "sync_event", Timestamp: time.Now().UTC(), Event: ev})
}

// DispatchConflict publishes a newly created Conflict row.
func (d *Dispatcher) DispatchConflict(c model.Conflict) {
	d.enqueue(ConflictEnvelope{Kind: "conflict", Timestamp: time.Now().UTC(), Conflict: c})
}

func (d *Dispatcher) enqueue(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		d.log.Error("notify error marshaling event", "error", err)
		return
	}

	select {
	case d.workerCh <- deliveryJob{payload: payload}:
	default:
		d.log.Warn("notify queue full, dropping event")
	}
}
