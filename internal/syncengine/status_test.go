package syncengine

import (
	"testing"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

func TestParseCurrentStatusOrdering(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-time.Second)
	stale := now.Add(-2 * DefaultStallAfter)

	cases := []struct {
		name string
		ev   model.SyncEvent
		want model.EventStatus
	}{
		{"terminal_cancelled_preserved", model.SyncEvent{Status: model.EventCancelled, ErrorCode: "x", HeartbeatAt: stale}, model.EventCancelled},
		{"terminal_error_preserved", model.SyncEvent{Status: model.EventError, HeartbeatAt: fresh}, model.EventError},
		{"explicit_error_code", model.SyncEvent{Status: model.EventRunning, ErrorCode: "Insufficient Disk Space", HeartbeatAt: fresh}, model.EventError},
		{"failed_ops", model.SyncEvent{Status: model.EventRunning, NumFailedOps: 2, HeartbeatAt: fresh}, model.EventError},
		{"stalled", model.SyncEvent{Status: model.EventRunning, HeartbeatAt: stale}, model.EventStalled},
		{"default_success", model.SyncEvent{Status: model.EventRunning, HeartbeatAt: fresh}, model.EventSuccess},
	}
	for _, tc := range cases {
		ev := tc.ev
		if got := ParseCurrentStatus(&ev, now, DefaultStallAfter); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

// A running event whose heartbeat went quiet is reported STALLED by the
// observer-side derivation without the task writing that status; its
// persisted status stays RUNNING and TimestampEnd stays zero.
func TestEffectiveStatusDerivesStalled(t *testing.T) {
	pausedAt := time.Now().Add(-100 * time.Second)
	ev := model.SyncEvent{
		Status:      model.EventRunning,
		HeartbeatAt: pausedAt,
	}

	if got := ev.EffectiveStatus(time.Now(), 90*time.Second); got != model.EventStalled {
		t.Fatalf("effective status: got %s, want stalled", got)
	}
	if ev.Status != model.EventRunning {
		t.Error("derivation must not rewrite the persisted status")
	}
	if !ev.TimestampEnd.IsZero() {
		t.Error("a stalled run has not ended")
	}

	ev.HeartbeatAt = time.Now()
	if got := ev.EffectiveStatus(time.Now(), 90*time.Second); got != model.EventRunning {
		t.Errorf("fresh heartbeat: got %s, want running", got)
	}
}

func TestStateHashStableAndOrderIndependent(t *testing.T) {
	a := map[string]*model.FSEntry{
		"x": {Path: "x", SizeBytes: 1, ContentHash: "h1"},
		"y": {Path: "y", SizeBytes: 2, ContentHash: "h2"},
	}
	b := map[string]*model.FSEntry{
		"y": {Path: "y", SizeBytes: 2, ContentHash: "h2"},
		"x": {Path: "x", SizeBytes: 1, ContentHash: "h1"},
	}
	if StateHash(a) != StateHash(b) {
		t.Error("state hash must be independent of map iteration order")
	}

	c := map[string]*model.FSEntry{
		"x": {Path: "x", SizeBytes: 1, ContentHash: "h1"},
		"y": {Path: "y", SizeBytes: 2, ContentHash: "CHANGED"},
	}
	if StateHash(a) == StateHash(c) {
		t.Error("state hash must change when a content hash changes")
	}
}

func TestLocalAndRemoteStateHashAgreeOnSameTriples(t *testing.T) {
	local := map[string]*model.FSEntry{
		"p": {Path: "p", SizeBytes: 5, ContentHash: "abc"},
	}
	remote := map[string]*RemoteFile{
		"p": {Size: 5, ContentHash: "abc"},
	}
	if StateHash(local) != RemoteStateHash(remote) {
		t.Error("equal (path, size, hash) triples must fingerprint identically on both sides")
	}
}

func TestPolicyConfigHash(t *testing.T) {
	base := model.SyncPolicy{
		Interval: 15 * time.Minute,
		Enabled:  true,
		Remote:   &model.RemotePolicy{Strategy: model.StrategySync, ConflictPolicy: model.PolicyKeepNewest},
	}
	if PolicyConfigHash(base) != PolicyConfigHash(base) {
		t.Error("config hash must be deterministic")
	}

	changedStrategy := base
	changedStrategy.Remote = &model.RemotePolicy{Strategy: model.StrategyMirror, ConflictPolicy: model.PolicyKeepNewest}
	if PolicyConfigHash(base) == PolicyConfigHash(changedStrategy) {
		t.Error("strategy change must change the config hash")
	}

	changedInterval := base
	changedInterval.Interval = 30 * time.Minute
	if PolicyConfigHash(base) == PolicyConfigHash(changedInterval) {
		t.Error("interval change must change the config hash")
	}

	// Timestamps are not decision-affecting.
	withTimestamps := base
	withTimestamps.LastSyncAt = time.Now()
	withTimestamps.LastSuccessAt = time.Now()
	if PolicyConfigHash(base) != PolicyConfigHash(withTimestamps) {
		t.Error("timestamps must not affect the config hash")
	}

	local := model.SyncPolicy{
		Interval: 15 * time.Minute,
		Enabled:  true,
		Local:    &model.LocalPolicy{ConflictPolicy: model.PolicyOverwrite},
	}
	if PolicyConfigHash(base) == PolicyConfigHash(local) {
		t.Error("local and remote policies with shared fields must hash differently")
	}
}
