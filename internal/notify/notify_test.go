package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

// fakeBackend records every payload it receives.
type fakeBackend struct {
	mu       sync.Mutex
	name     string
	payloads [][]byte
	closed   bool
	failNext bool
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Publish(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errPublish
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

var errPublish = &publishError{}

type publishError struct{}

func (e *publishError) Error() string { return "publish failed" }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestDispatcher_DispatchSyncEvent(t *testing.T) {
	d := NewDispatcher(2, 8, nil)
	be := &fakeBackend{name: "fake"}
	d.AddBackend(be)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	d.DispatchSyncEvent(model.SyncEvent{VaultID: 7, RunUUID: "run-1", Status: model.EventRunning})

	waitFor(t, func() bool { return be.count() == 1 })

	var env EventEnvelope
	be.mu.Lock()
	payload := be.payloads[0]
	be.mu.Unlock()
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Kind != "sync_event" {
		t.Errorf("kind: got %q, want sync_event", env.Kind)
	}
	if env.Event.VaultID != 7 || env.Event.RunUUID != "run-1" {
		t.Errorf("event payload mismatch: %+v", env.Event)
	}
}

func TestDispatcher_DispatchConflict(t *testing.T) {
	d := NewDispatcher(1, 8, nil)
	be := &fakeBackend{name: "fake"}
	d.AddBackend(be)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	d.DispatchConflict(model.Conflict{EventID: 3, Type: model.ConflictMismatch})

	waitFor(t, func() bool { return be.count() == 1 })

	var env ConflictEnvelope
	be.mu.Lock()
	payload := be.payloads[0]
	be.mu.Unlock()
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Kind != "conflict" || env.Conflict.EventID != 3 {
		t.Errorf("conflict payload mismatch: %+v", env)
	}
}

func TestDispatcher_FanOutToMultipleBackends(t *testing.T) {
	d := NewDispatcher(2, 8, nil)
	a := &fakeBackend{name: "a"}
	b := &fakeBackend{name: "b"}
	d.AddBackend(a)
	d.AddBackend(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	d.DispatchSyncEvent(model.SyncEvent{VaultID: 1})

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	d := NewDispatcher(0, 1, nil) // no workers: nothing ever drains the queue
	be := &fakeBackend{name: "fake"}
	d.AddBackend(be)

	// First fills the one queue slot, the rest must be dropped without blocking.
	for i := 0; i < 5; i++ {
		d.DispatchSyncEvent(model.SyncEvent{VaultID: uint32(i)})
	}

	close(d.workerCh)
	if be.count() != 0 {
		t.Errorf("expected no delivery with zero workers, got %d", be.count())
	}
}

func TestDispatcher_StopClosesBackends(t *testing.T) {
	d := NewDispatcher(1, 4, nil)
	be := &fakeBackend{name: "fake"}
	d.AddBackend(be)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	d.Stop()

	if !be.closed {
		t.Error("expected backend to be closed after Stop")
	}
}

func TestDispatcher_PublishErrorDoesNotPanic(t *testing.T) {
	d := NewDispatcher(1, 4, nil)
	be := &fakeBackend{name: "fake", failNext: true}
	d.AddBackend(be)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	d.DispatchSyncEvent(model.SyncEvent{VaultID: 9})
	d.DispatchSyncEvent(model.SyncEvent{VaultID: 10})

	waitFor(t, func() bool { return be.count() == 1 })
}
