// Package model defines the data types shared across every SharpSync
// component: the persisted sync state, the in-flight plan and change types,
// and the enumerations that tag them.
package model

import "time"

// SyncStatus classifies the last known relationship between the local and
// remote copies of a tracked path.
type SyncStatus string

const (
	StatusSynced          SyncStatus = "Synced"
	StatusLocalNew        SyncStatus = "LocalNew"
	StatusRemoteNew       SyncStatus = "RemoteNew"
	StatusLocalModified   SyncStatus = "LocalModified"
	StatusRemoteModified  SyncStatus = "RemoteModified"
	StatusLocalDeleted    SyncStatus = "LocalDeleted"
	StatusRemoteDeleted   SyncStatus = "RemoteDeleted"
	StatusConflict        SyncStatus = "Conflict"
	StatusError           SyncStatus = "Error"
	StatusIgnored         SyncStatus = "Ignored"
)

// ConflictType classifies why a path could not be reconciled automatically.
type ConflictType string

const (
	ConflictBothModified                    ConflictType = "BothModified"
	ConflictDeletedLocallyModifiedRemotely  ConflictType = "DeletedLocallyModifiedRemotely"
	ConflictModifiedLocallyDeletedRemotely  ConflictType = "ModifiedLocallyDeletedRemotely"
	ConflictTypeConflict                    ConflictType = "TypeConflict"
)

// ConflictResolution is the action chosen (by a resolver or a host callback)
// to settle a conflict.
type ConflictResolution string

const (
	ResolutionAsk          ConflictResolution = "Ask"
	ResolutionUseLocal     ConflictResolution = "UseLocal"
	ResolutionUseRemote    ConflictResolution = "UseRemote"
	ResolutionSkip         ConflictResolution = "Skip"
	ResolutionRenameLocal  ConflictResolution = "RenameLocal"
	ResolutionRenameRemote ConflictResolution = "RenameRemote"
	ResolutionMerge        ConflictResolution = "Merge"
)

// ChangeType tags a PendingChange with what happened to the path.
type ChangeType string

const (
	ChangeCreated ChangeType = "Created"
	ChangeDeleted ChangeType = "Deleted"
	ChangeChanged ChangeType = "Changed"
	ChangeRenamed ChangeType = "Renamed"
)

// ChangeSource distinguishes which side of the sync observed a change.
type ChangeSource string

const (
	SourceLocal  ChangeSource = "Local"
	SourceRemote ChangeSource = "Remote"
)

// SyncActionType is the action a SyncPlanAction instructs the Executor to take.
type SyncActionType string

const (
	ActionUpload       SyncActionType = "Upload"
	ActionDownload     SyncActionType = "Download"
	ActionDeleteLocal  SyncActionType = "DeleteLocal"
	ActionDeleteRemote SyncActionType = "DeleteRemote"
	ActionConflict     SyncActionType = "Conflict"
	ActionMove         SyncActionType = "Move"
)

// VirtualFileState describes the on-disk representation of a downloaded file
// with respect to placeholder materialization.
type VirtualFileState string

const (
	VirtualStateMaterialized VirtualFileState = "Materialized"
	VirtualStatePlaceholder  VirtualFileState = "Placeholder"
)

// Path is a normalized, forward-slash, non-absolute relative path. Empty
// string denotes the root of the synced tree.
type Path string

// SyncState is the durable baseline recorded for a single path: the last
// agreed-upon state of both sides, used by the Planner as the reference point
// for change detection.
type SyncState struct {
	ID             string
	Path           Path
	Size           int64
	LocalHash      string
	RemoteHash     string
	LocalModified  *time.Time
	RemoteModified *time.Time
	LastSyncTime   *time.Time
	Status         SyncStatus
	IsDirectory    bool
}

// OperationHistory is one immutable row appended every time the Executor
// performs an action against a path.
type OperationHistory struct {
	ID           string
	Path         Path
	ActionType   SyncActionType
	IsDirectory  bool
	Size         int64
	Source       ChangeSource
	StartedAt    time.Time
	CompletedAt  time.Time
	Success      bool
	ErrorMessage string
	RenamedFrom  Path
	RenamedTo    Path
}

// SyncItem is a single immutable snapshot of a path as reported by a Storage
// backend listing. It is never persisted.
type SyncItem struct {
	Path         Path
	IsDirectory  bool
	Size         int64
	LastModified time.Time
	Permissions  string
	MimeType     string
	ETag         string
	IsSymlink    bool
}

// PendingChange is a notification ingested by the ChangeTracker, not yet
// folded into a plan.
type PendingChange struct {
	Path        Path
	ChangeType  ChangeType
	Size        int64
	IsDirectory bool
	RenamedFrom Path
	RenamedTo   Path
	DetectedAt  time.Time
	Source      ChangeSource
}

// SyncPlanAction is one immutable step of a SyncPlan, produced by the
// Planner and consumed by the Executor.
type SyncPlanAction struct {
	ActionType            SyncActionType
	Path                  Path
	IsDirectory           bool
	Size                  int64
	LastModified          *time.Time
	ConflictType          ConflictType
	Priority              int
	WillCreatePlaceholder bool
	CurrentVirtualState   VirtualFileState
}

// SyncPlan is the ordered, immutable output of one Planner pass.
type SyncPlan struct {
	Actions   []SyncPlanAction
	CreatedAt time.Time
}

// HasActions reports whether the plan has any work to do.
func (p *SyncPlan) HasActions() bool {
	return p != nil && len(p.Actions) > 0
}

// ConflictAnalysis is the derived-only data built once per conflict event by
// the Smart resolver, also passed to any host callback.
type ConflictAnalysis struct {
	FilePath             Path
	ConflictType         ConflictType
	LocalItem            *SyncItem
	RemoteItem           *SyncItem
	LocalSize            int64
	RemoteSize            int64
	SizeDifference       int64
	LocalTimestamp       time.Time
	RemoteTimestamp      time.Time
	TimeDifference       time.Duration
	NewerVersion         string // "Local", "Remote", or ""
	IsLikelyBinary       bool
	IsLikelyTextFile     bool
	RecommendedResolution ConflictResolution
	Reasoning            string
}

// SyncResult is the structured outcome of one synchronize call, returned to
// the host regardless of whether individual actions failed.
type SyncResult struct {
	Success           bool
	FilesSynchronized int
	FilesSkipped      int
	FilesConflicted   int
	FilesDeleted      int
	ElapsedTime       time.Duration
	Error             error
	Details           []OperationHistory
}

// StorageStats summarizes backend capacity, with -1 marking unknown totals.
type StorageStats struct {
	TotalBytes int64
	UsedBytes  int64
	FreeBytes  int64
}

// ChangeInfo is a single remote-side change reported by a Storage backend's
// optional change-polling capability.
type ChangeInfo struct {
	Path        Path
	ChangeType  ChangeType
	RenamedFrom Path
	Size        int64
	DetectedAt  time.Time
}

// VirtualFileCallback is invoked after a Download action that produced a
// placeholder, letting the host materialize it on demand.
type VirtualFileCallback func(path Path) error

// SyncOptions configures one Plan/Execute pass, per spec §6.5.
type SyncOptions struct {
	PreservePermissions           bool
	PreserveTimestamps            bool
	FollowSymlinks                bool
	DryRun                        bool
	Verbose                       bool
	ChecksumOnly                  bool
	SizeOnly                      bool
	DeleteExtraneous              bool
	UpdateExisting                bool
	ConflictResolution            ConflictResolution // overrides the configured resolver when non-empty
	TimeoutSeconds                int                // 0 = none
	ExcludePatterns               []string           // appended to the filter for this run only
	CreateVirtualFilePlaceholders bool
	VirtualFileCallback           VirtualFileCallback
}

// DefaultSyncOptions returns SharpSync's baseline options: timestamp
// comparison, no deletion propagation, no placeholders.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		PreservePermissions: true,
		PreserveTimestamps:  true,
	}
}

// TokenSet is the credential bundle a TokenProvider issues and refreshes,
// per spec §6.2.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	TokenType    string
	UserID       string
}

// Expired reports whether t should be refreshed before use.
func (t TokenSet) Expired() bool {
	return !time.Now().Before(t.ExpiresAt)
}
