// Package syncengine implements the sync controller and the per-vault
// reconciliation task: diff local and remote state, plan a list of
// actions, execute them through the Storage Engine, and record a
// SyncEvent.
//
// Planning is pure (no I/O, no locking) and execution is effectful; the
// split keeps the decision table directly testable.
package syncengine

import (
	"github.com/vaulthalla/vaulthalla/internal/model"
)

// ActionType names one of the six things a planned action does.
type ActionType string

const (
	ActionNoOp           ActionType = "no_op"
	ActionUpload         ActionType = "upload"
	ActionDownload       ActionType = "download"
	ActionDeleteLocal    ActionType = "delete_local"
	ActionDeleteRemote   ActionType = "delete_remote"
	ActionCreateConflict ActionType = "create_conflict"
)

// RemoteFile is one path's remote-side state, merged from listObjects
// (size, last-modified) and, when available, a HEAD call's vh-* /
// content-hash metadata.
type RemoteFile struct {
	Size            int64
	LastModifiedUnix int64
	ContentHash     string
	EncryptionIV    string
	KeyVersion      uint32
}

// Action is one planned operation against a single vault-relative path.
type Action struct {
	Type         ActionType
	VaultRelPath string
	Local        *model.FSEntry
	Remote       *RemoteFile

	// Reasons is populated only for ActionCreateConflict.
	Reasons []model.ConflictReason
}

// compareTimes compares by unix-second modification time: 1 when local is
// newer, -1 when remote is newer; ties (equal timestamps) are the
// ambiguous row in the decision table.
func compareTimes(local *model.FSEntry, remote *RemoteFile) int {
	lt := local.UpdatedAt.Unix()
	rt := remote.LastModifiedUnix
	switch {
	case lt > rt:
		return 1
	case lt < rt:
		return -1
	default:
		return 0
	}
}

// Plan decides the action for one path present on either side. It is a
// pure function: no I/O, no locking, safe to call repeatedly.
func Plan(vaultRelPath string, local *model.FSEntry, remote *RemoteFile, strategy model.Strategy, conflictPolicy model.ConflictPolicy) Action {
	base := Action{VaultRelPath: vaultRelPath, Local: local, Remote: remote}

	switch {
	case local != nil && remote == nil:
		base.Type = localOnlyAction(strategy, conflictPolicy)
	case local == nil && remote != nil:
		base.Type = remoteOnlyAction(strategy, conflictPolicy)
	case local != nil && remote != nil:
		if local.ContentHash != "" && local.ContentHash == remote.ContentHash {
			base.Type = ActionNoOp
			return base
		}
		switch compareTimes(local, remote) {
		case -1: // remote newer
			base.Type = remoteNewerAction(strategy, conflictPolicy)
		case 1: // local newer
			base.Type = localNewerAction(strategy, conflictPolicy)
		default: // timestamps equal, hashes differ: the ambiguous row
			base.Type = ambiguousAction(strategy, conflictPolicy)
			if base.Type == ActionCreateConflict {
				base.Reasons = mismatchReasons(local, remote)
			}
		}
	default:
		base.Type = ActionNoOp
	}
	return base
}

func mismatchReasons(local *model.FSEntry, remote *RemoteFile) []model.ConflictReason {
	reasons := []model.ConflictReason{{Code: "hash_mismatch"}}
	if local.SizeBytes != remote.Size {
		reasons = append(reasons, model.ConflictReason{Code: "size_mismatch"})
	}
	return reasons
}

// isAsk reports whether conflictPolicy forces CreateConflict on every
// ambiguous case regardless of strategy.
func isAsk(conflictPolicy model.ConflictPolicy) bool {
	return conflictPolicy == model.PolicyAsk
}

func localOnlyAction(strategy model.Strategy, policy model.ConflictPolicy) ActionType {
	if strategy == model.StrategyMirror && policy == model.PolicyKeepRemote {
		return ActionDeleteLocal
	}
	return ActionUpload
}

func remoteOnlyAction(strategy model.Strategy, policy model.ConflictPolicy) ActionType {
	if strategy == model.StrategyMirror && policy == model.PolicyKeepLocal {
		return ActionDeleteRemote
	}
	return ActionDownload
}

func remoteNewerAction(strategy model.Strategy, policy model.ConflictPolicy) ActionType {
	if strategy == model.StrategyMirror && policy == model.PolicyKeepLocal {
		return ActionUpload
	}
	return ActionDownload
}

func localNewerAction(strategy model.Strategy, policy model.ConflictPolicy) ActionType {
	switch strategy {
	case model.StrategyCache:
		return ActionNoOp
	case model.StrategyMirror:
		if policy == model.PolicyKeepRemote {
			return ActionDownload
		}
		return ActionUpload
	default: // Sync
		return ActionUpload
	}
}

// ambiguousAction handles "both sides present, timestamps equal, hashes
// differ". Ask always forces CreateConflict; Mirror with KeepLocal or
// KeepRemote resolves deterministically instead of conflicting.
func ambiguousAction(strategy model.Strategy, policy model.ConflictPolicy) ActionType {
	if isAsk(policy) {
		return ActionCreateConflict
	}
	switch strategy {
	case model.StrategyMirror:
		switch policy {
		case model.PolicyKeepLocal:
			return ActionUpload
		case model.PolicyKeepRemote:
			return ActionDownload
		default: // KeepNewest, or an otherwise-unresolvable policy value
			return ActionCreateConflict
		}
	default: // Cache, Sync
		return ActionCreateConflict
	}
}

// BuildActions plans every path present in localMap ∪ remoteMap.
func BuildActions(localMap map[string]*model.FSEntry, remoteMap map[string]*RemoteFile, strategy model.Strategy, conflictPolicy model.ConflictPolicy) []Action {
	seen := make(map[string]bool, len(localMap)+len(remoteMap))
	var actions []Action
	for p, local := range localMap {
		seen[p] = true
		actions = append(actions, Plan(p, local, remoteMap[p], strategy, conflictPolicy))
	}
	for p, remote := range remoteMap {
		if seen[p] {
			continue
		}
		actions = append(actions, Plan(p, nil, remote, strategy, conflictPolicy))
	}
	return actions
}
