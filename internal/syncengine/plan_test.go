package syncengine

import (
	"testing"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/model"
)

func localFile(hash string, mtimeUnix int64, size int64) *model.FSEntry {
	return &model.FSEntry{
		Kind:        model.EntryFile,
		Path:        "docs/a.txt",
		SizeBytes:   size,
		ContentHash: hash,
		UpdatedAt:   time.Unix(mtimeUnix, 0),
	}
}

func remoteFile(hash string, mtimeUnix int64, size int64) *RemoteFile {
	return &RemoteFile{
		Size:             size,
		LastModifiedUnix: mtimeUnix,
		ContentHash:      hash,
	}
}

// TestPlanDecisionMatrix enumerates the full state × policy decision table:
// every reconciliation state against every strategy/conflict-policy column.
func TestPlanDecisionMatrix(t *testing.T) {
	type policyCol struct {
		name     string
		strategy model.Strategy
		policy   model.ConflictPolicy
	}
	cols := []policyCol{
		{"cache", model.StrategyCache, model.PolicyKeepNewest},
		{"sync", model.StrategySync, model.PolicyKeepNewest},
		{"mirror_keep_local", model.StrategyMirror, model.PolicyKeepLocal},
		{"mirror_keep_remote", model.StrategyMirror, model.PolicyKeepRemote},
		{"mirror_keep_newest", model.StrategyMirror, model.PolicyKeepNewest},
	}

	type stateRow struct {
		name   string
		local  *model.FSEntry
		remote *RemoteFile
		// want[i] is the expected action for cols[i].
		want [5]ActionType
	}
	rows := []stateRow{
		{
			name:  "local_only",
			local: localFile("aa", 100, 10),
			want:  [5]ActionType{ActionUpload, ActionUpload, ActionUpload, ActionDeleteLocal, ActionUpload},
		},
		{
			name:   "remote_only",
			remote: remoteFile("bb", 100, 10),
			want:   [5]ActionType{ActionDownload, ActionDownload, ActionDeleteRemote, ActionDownload, ActionDownload},
		},
		{
			name:   "both_equal_hash",
			local:  localFile("cc", 100, 10),
			remote: remoteFile("cc", 200, 10),
			want:   [5]ActionType{ActionNoOp, ActionNoOp, ActionNoOp, ActionNoOp, ActionNoOp},
		},
		{
			name:   "both_remote_newer",
			local:  localFile("dd", 100, 10),
			remote: remoteFile("ee", 200, 10),
			want:   [5]ActionType{ActionDownload, ActionDownload, ActionUpload, ActionDownload, ActionDownload},
		},
		{
			name:   "both_local_newer",
			local:  localFile("ff", 200, 10),
			remote: remoteFile("gg", 100, 10),
			want:   [5]ActionType{ActionNoOp, ActionUpload, ActionUpload, ActionDownload, ActionUpload},
		},
		{
			name:   "both_equal_ts_diff_hash",
			local:  localFile("hh", 100, 10),
			remote: remoteFile("ii", 100, 10),
			want:   [5]ActionType{ActionCreateConflict, ActionCreateConflict, ActionUpload, ActionDownload, ActionCreateConflict},
		},
	}

	for _, row := range rows {
		for i, col := range cols {
			got := Plan("docs/a.txt", row.local, row.remote, col.strategy, col.policy)
			if got.Type != row.want[i] {
				t.Errorf("%s / %s: got %s, want %s", row.name, col.name, got.Type, row.want[i])
			}
		}
	}
}

// conflict_policy == Ask forces CreateConflict on the ambiguous row for
// every strategy, even those Mirror resolves deterministically.
func TestPlanAskForcesConflict(t *testing.T) {
	local := localFile("aa", 100, 10)
	remote := remoteFile("bb", 100, 10)
	for _, strategy := range []model.Strategy{model.StrategyCache, model.StrategySync, model.StrategyMirror} {
		got := Plan("docs/a.txt", local, remote, strategy, model.PolicyAsk)
		if got.Type != ActionCreateConflict {
			t.Errorf("strategy %s with Ask: got %s, want create_conflict", strategy, got.Type)
		}
	}
}

func TestPlanConflictReasons(t *testing.T) {
	local := localFile("aa", 100, 10)
	remote := remoteFile("bb", 100, 20)
	got := Plan("docs/a.txt", local, remote, model.StrategySync, model.PolicyAsk)
	if got.Type != ActionCreateConflict {
		t.Fatalf("expected create_conflict, got %s", got.Type)
	}
	codes := make(map[string]bool)
	for _, r := range got.Reasons {
		codes[r.Code] = true
	}
	if !codes["hash_mismatch"] {
		t.Error("expected hash_mismatch reason")
	}
	if !codes["size_mismatch"] {
		t.Error("expected size_mismatch reason when sizes also differ")
	}

	sameSize := Plan("docs/a.txt", localFile("aa", 100, 10), remoteFile("bb", 100, 10), model.StrategySync, model.PolicyAsk)
	for _, r := range sameSize.Reasons {
		if r.Code == "size_mismatch" {
			t.Error("size_mismatch reason present despite equal sizes")
		}
	}
}

func TestBuildActionsCoversUnion(t *testing.T) {
	localMap := map[string]*model.FSEntry{
		"a": localFile("h1", 100, 1),
		"b": localFile("h2", 100, 2),
	}
	remoteMap := map[string]*RemoteFile{
		"b": remoteFile("h2", 100, 2),
		"c": remoteFile("h3", 100, 3),
	}
	actions := BuildActions(localMap, remoteMap, model.StrategySync, model.PolicyKeepNewest)
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions over the path union, got %d", len(actions))
	}
	seen := make(map[string]ActionType)
	for _, a := range actions {
		seen[a.VaultRelPath] = a.Type
	}
	if seen["a"] != ActionUpload {
		t.Errorf("local-only path a: got %s, want upload", seen["a"])
	}
	if seen["b"] != ActionNoOp {
		t.Errorf("identical path b: got %s, want no_op", seen["b"])
	}
	if seen["c"] != ActionDownload {
		t.Errorf("remote-only path c: got %s, want download", seen["c"])
	}
}

// A plan over identical maps is all NoOp, and re-planning the same inputs
// yields the same (empty) work again.
func TestPlanIdempotence(t *testing.T) {
	localMap := map[string]*model.FSEntry{"a": localFile("same", 100, 1)}
	remoteMap := map[string]*RemoteFile{"a": remoteFile("same", 100, 1)}
	for run := 0; run < 2; run++ {
		actions := BuildActions(localMap, remoteMap, model.StrategyMirror, model.PolicyKeepNewest)
		for _, a := range actions {
			if a.Type != ActionNoOp {
				t.Fatalf("run %d: expected only no_op, got %s for %s", run, a.Type, a.VaultRelPath)
			}
		}
	}
}
