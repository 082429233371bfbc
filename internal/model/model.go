// Package model defines the data types shared across the vault storage and
// sync engine: vaults, filesystem entries, sync policies, and the events and
// conflicts a sync run produces.
package model

import "time"

// VaultType distinguishes a purely local vault from one mirrored against S3.
type VaultType string

const (
	VaultLocal VaultType = "local"
	VaultS3    VaultType = "s3"
)

// Vault is the unit of isolation: one mount point, one encryption manager,
// one sync policy.
type Vault struct {
	ID         uint32    `json:"id"`
	OwnerID    uint32    `json:"owner_id"`
	Name       string    `json:"name"`
	MountPoint string    `json:"mount_point"`
	Quota      int64     `json:"quota"` // bytes; 0 = unlimited
	Type       VaultType `json:"type"`
	IsActive   bool      `json:"is_active"`

	// S3 vaults only.
	APIKeyID uint32 `json:"api_key_id,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
}

// EntryKind discriminates the FSEntry variants.
type EntryKind string

const (
	EntryDirectory EntryKind = "directory"
	EntryFile      EntryKind = "file"
)

// FSEntry is a node in a vault's tree. Directory and File carry the same
// base fields plus kind-specific ones; Kind discriminates which are valid.
type FSEntry struct {
	ID          uint32    `json:"id"`
	VaultID     uint32    `json:"vault_id"`
	ParentID    uint32    `json:"parent_id,omitempty"` // 0 == no parent (vault root)
	Name        string    `json:"name"`
	BackingAlias string   `json:"base32_alias"`
	SizeBytes   int64     `json:"size_bytes"`
	Mode        uint32    `json:"mode"`
	OwnerUID    uint32    `json:"owner_uid"`
	GroupGID    uint32    `json:"group_gid"`
	Inode       uint64    `json:"inode"`
	Path        string    `json:"path"` // vault-relative
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Kind EntryKind `json:"kind"`

	// Directory fields.
	FileCount         int `json:"file_count,omitempty"`
	SubdirectoryCount int `json:"subdirectory_count,omitempty"`

	// File fields.
	MimeType                string `json:"mime_type,omitempty"`
	ContentHash             string `json:"content_hash,omitempty"`
	EncryptionIV            string `json:"encryption_iv,omitempty"`
	EncryptedWithKeyVersion uint32 `json:"encrypted_with_key_version,omitempty"`
	Quarantined             bool   `json:"quarantined,omitempty"`
}

func (e *FSEntry) IsDir() bool  { return e.Kind == EntryDirectory }
func (e *FSEntry) IsFile() bool { return e.Kind == EntryFile }

// APIKey credentials for one cloud endpoint, secret stored only as
// ciphertext at rest.
type APIKey struct {
	ID              uint32 `json:"id"`
	OwnerID         uint32 `json:"owner_id"`
	Provider        string `json:"provider"`
	AccessKey       string `json:"access_key"`
	EncryptedSecret string `json:"encrypted_secret"`
	IV              string `json:"iv"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`

	// PlaintextSecret is transient: populated only on a decrypted copy,
	// never persisted.
	PlaintextSecret string `json:"-"`
}

// Strategy governs how a RemotePolicy reconciles local and remote state.
type Strategy string

const (
	StrategyCache  Strategy = "cache"
	StrategySync   Strategy = "sync"
	StrategyMirror Strategy = "mirror"
)

// ConflictPolicy names how an ambiguous reconciliation outcome is resolved.
// The full set spans both Local and Remote policies; not every value is
// valid for every policy kind (see LocalPolicy/RemotePolicy).
type ConflictPolicy string

const (
	PolicyOverwrite  ConflictPolicy = "overwrite"
	PolicyKeepBoth   ConflictPolicy = "keep_both"
	PolicyAsk        ConflictPolicy = "ask"
	PolicyKeepLocal  ConflictPolicy = "keep_local"
	PolicyKeepRemote ConflictPolicy = "keep_remote"
	PolicyKeepNewest ConflictPolicy = "keep_newest"
)

// SyncPolicy is the common envelope for LocalPolicy and RemotePolicy.
type SyncPolicy struct {
	VaultID       uint32    `json:"vault_id"`
	Interval      time.Duration `json:"interval"`
	Enabled       bool      `json:"enabled"`
	LastSyncAt    time.Time `json:"last_sync_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	ConfigHash    uint64    `json:"config_hash"`

	// Exactly one of Local/Remote is populated, discriminated by Vault.Type.
	Local  *LocalPolicy  `json:"local,omitempty"`
	Remote *RemotePolicy `json:"remote,omitempty"`
}

// LocalPolicy governs a purely local vault (no remote reconciliation beyond
// conflict handling on concurrent local writers).
type LocalPolicy struct {
	ConflictPolicy ConflictPolicy `json:"conflict_policy"` // Overwrite | KeepBoth | Ask
}

// RemotePolicy governs an S3-mirrored vault.
type RemotePolicy struct {
	Strategy       Strategy       `json:"strategy"`        // Cache | Sync | Mirror
	ConflictPolicy ConflictPolicy `json:"conflict_policy"` // KeepLocal | KeepRemote | KeepNewest | Ask
}

// EventStatus is the SyncEvent lifecycle.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventRunning   EventStatus = "running"
	EventSuccess   EventStatus = "success"
	EventError     EventStatus = "error"
	EventStalled   EventStatus = "stalled" // derived, never persisted directly
	EventCancelled EventStatus = "cancelled"
)

// ThroughputMetric names one of the five counters a SyncEvent tracks.
type ThroughputMetric string

const (
	MetricRename   ThroughputMetric = "rename"
	MetricCopy     ThroughputMetric = "copy"
	MetricDelete   ThroughputMetric = "delete"
	MetricUpload   ThroughputMetric = "upload"
	MetricDownload ThroughputMetric = "download"
)

// Throughput is one per-metric counter row attached to a SyncEvent.
type Throughput struct {
	EventID  uint32           `json:"event_id"`
	Metric   ThroughputMetric `json:"metric"`
	NumOps   int              `json:"num_ops"`
	SizeBytes int64           `json:"size_bytes"`
	FailedOps int             `json:"failed_ops"`
	Duration time.Duration    `json:"duration"`
}

// SyncEvent records one reconciliation run of a vault's SyncTask.
type SyncEvent struct {
	ID              uint32      `json:"id"`
	VaultID         uint32      `json:"vault_id"`
	RunUUID         string      `json:"run_uuid"`
	TimestampBegin  time.Time   `json:"timestamp_begin"`
	TimestampEnd    time.Time   `json:"timestamp_end"`
	HeartbeatAt     time.Time   `json:"heartbeat_at"`
	Status          EventStatus `json:"status"`
	Trigger         string      `json:"trigger"` // "scheduled" | "run_now"
	RetryAttempt    int         `json:"retry_attempt"`
	StallReason     string      `json:"stall_reason,omitempty"`
	ErrorCode       string      `json:"error_code,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	NumOpsTotal     int         `json:"num_ops_total"`
	NumFailedOps    int         `json:"num_failed_ops"`
	NumConflicts    int         `json:"num_conflicts"`
	BytesUp         int64       `json:"bytes_up"`
	BytesDown       int64       `json:"bytes_down"`
	DivergenceDetected bool     `json:"divergence_detected"`
	LocalStateHash  uint64      `json:"local_state_hash"`
	RemoteStateHash uint64      `json:"remote_state_hash"`
	ConfigHash      uint64      `json:"config_hash"`

	Throughputs []Throughput `json:"throughputs,omitempty"`
	Conflicts   []Conflict   `json:"conflicts,omitempty"`
}

// EffectiveStatus derives STALLED from HeartbeatAt without requiring the
// task itself to have written that status: stalled is observed, never
// stored.
func (e *SyncEvent) EffectiveStatus(now time.Time, stallAfter time.Duration) EventStatus {
	if e.Status != EventRunning {
		return e.Status
	}
	if now.Sub(e.HeartbeatAt) >= stallAfter {
		return EventStalled
	}
	return e.Status
}

// ConflictType names the kind of divergence that produced a Conflict row.
type ConflictType string

const (
	ConflictMismatch  ConflictType = "mismatch"
	ConflictEncryption ConflictType = "encryption"
	ConflictBoth       ConflictType = "both"
)

// ConflictResolution names how (or whether) a Conflict was resolved.
type ConflictResolution string

const (
	ResolutionUnresolved           ConflictResolution = "unresolved"
	ResolutionKeptLocal            ConflictResolution = "kept_local"
	ResolutionKeptRemote           ConflictResolution = "kept_remote"
	ResolutionKeptBoth             ConflictResolution = "kept_both"
	ResolutionOverwritten          ConflictResolution = "overwritten"
	ResolutionFixedRemoteEncryption ConflictResolution = "fixed_remote_encryption"
)

// ConflictReason is one machine-readable cause attached to a Conflict.
type ConflictReason struct {
	Code string `json:"code"` // e.g. "hash_mismatch", "size_mismatch"
}

// ConflictArtifact is a snapshot of one side (local or upstream) of a
// conflicting path at detection time.
type ConflictArtifact struct {
	Side             string `json:"side"` // "local" | "upstream"
	SizeBytes        int64  `json:"size_bytes"`
	MimeType         string `json:"mime_type,omitempty"`
	ContentHash      string `json:"content_hash,omitempty"`
	EncryptionIV     string `json:"encryption_iv,omitempty"`
	KeyVersion       uint32 `json:"key_version,omitempty"`
	LastModified     time.Time `json:"last_modified"`
	LocalBackingPath string `json:"local_backing_path,omitempty"`
}

// Conflict is a path where local and remote diverge in a way the active
// policy could not resolve automatically (or chose not to).
type Conflict struct {
	ID         uint32             `json:"id"`
	EventID    uint32             `json:"event_id"`
	FileID     uint32             `json:"file_id"`
	Type       ConflictType       `json:"type"`
	Resolution ConflictResolution `json:"resolution"`
	Reasons    []ConflictReason   `json:"reasons"`
	Local      ConflictArtifact   `json:"local"`
	Upstream   ConflictArtifact   `json:"upstream"`
}
