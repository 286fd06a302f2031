package store

import "encoding/json"

// Object types.
const (
	TypeFile   = "file"
	TypeFolder = "folder"
)

// Object origins.
const (
	OriginLocal = "local"
	OriginCloud = "cloud"
)

// Sync states. Transitions between them are validated at the store boundary;
// see validTransitions.
const (
	StateSynced       = "synced"
	StateDirty        = "dirty"
	StatePendingPush  = "pending_push"
	StatePendingPull  = "pending_pull"
	StateConflict     = "conflict"
	StateError        = "error"
	StateDeletedLocal = "deleted_local"
	StateDeletedCloud = "deleted_cloud"
)

// validTransitions maps a sync state to the states reachable from it.
// Self-transitions are always allowed.
var validTransitions = map[string]map[string]bool{
	StateSynced: {
		StateDirty: true, StatePendingPush: true, StatePendingPull: true,
		StateConflict: true, StateError: true,
		StateDeletedLocal: true, StateDeletedCloud: true,
	},
	StateDirty: {
		StateSynced: true, StatePendingPush: true, StateConflict: true,
		StateError: true, StateDeletedLocal: true, StateDeletedCloud: true,
	},
	StatePendingPush: {
		StateSynced: true, StateDirty: true, StateConflict: true,
		StateError: true, StateDeletedLocal: true,
	},
	StatePendingPull: {
		StateSynced: true, StateDirty: true, StateConflict: true,
		StateError: true, StateDeletedCloud: true,
	},
	StateConflict: {
		StateSynced: true, StateDirty: true,
		StatePendingPush: true, StatePendingPull: true,
		StateError: true, StateDeletedLocal: true, StateDeletedCloud: true,
	},
	StateError: {
		StateSynced: true, StateDirty: true,
		StatePendingPush: true, StatePendingPull: true,
		StateDeletedLocal: true, StateDeletedCloud: true,
	},
	StateDeletedLocal: {
		StateSynced: true, StatePendingPull: true, StateError: true,
	},
	StateDeletedCloud: {
		StateSynced: true, StatePendingPush: true, StateError: true,
	},
}

// Object is a file or folder in the projected tree. The ID is locally minted
// and stable across renames; CloudID binds it to the remote once synced.
type Object struct {
	ID        string  `gorm:"primaryKey"`
	Type      string  `gorm:"type:text;not null"`
	ParentID  *string `gorm:"index:idx_objects_sibling"`
	Name      string  `gorm:"type:text;index:idx_objects_sibling"`
	Extension string  `gorm:"type:text;index:idx_objects_sibling"`
	Size      int64

	CloudID       *string `gorm:"uniqueIndex"`
	CloudParentID string  `gorm:"type:text"`
	ETag          string  `gorm:"type:text"`
	Revision      string  `gorm:"type:text"`

	MissingFromCloud bool

	LocalModifiedAt int64
	CloudModifiedAt int64

	Origin    string `gorm:"type:text;default:local"`
	SyncState string `gorm:"type:text;default:synced;index"`
	Dirty     bool
	Deleted   bool `gorm:"index"`

	LastSynced int64

	// ConflictHistory records displaced remote cloud IDs, newest first,
	// as a JSON array.
	ConflictHistory string `gorm:"type:text"`
}

// FullName returns the user-visible name including extension.
func (o *Object) FullName() string {
	if o.Extension != "" {
		return o.Name + "." + o.Extension
	}
	return o.Name
}

// IsFolder reports whether the object is a folder.
func (o *Object) IsFolder() bool { return o.Type == TypeFolder }

// RecordDisplacedCloudID prepends a displaced remote ID to the conflict
// history note, keeping it newest first.
func (o *Object) RecordDisplacedCloudID(cloudID string) {
	var hist []string
	if o.ConflictHistory != "" {
		json.Unmarshal([]byte(o.ConflictHistory), &hist)
	}
	hist = append([]string{cloudID}, hist...)
	b, err := json.Marshal(hist)
	if err != nil {
		return
	}
	o.ConflictHistory = string(b)
}

// Shadow is the snapshot of remote-observed metadata taken at the last
// successful sync; the baseline for three-way conflict detection.
type Shadow struct {
	ObjectID   string  `gorm:"primaryKey"`
	CloudID    string  `gorm:"type:text"`
	ParentID   *string `gorm:"type:text"`
	Name       string  `gorm:"type:text"`
	ETag       string  `gorm:"type:text"`
	FileHash   string  `gorm:"type:text"`
	ModifiedAt int64
}

// Cache presence states.
const (
	PresenceAbsent = 0
	PresenceFull   = 1
	PresenceSparse = 2
)

// CacheEntry tracks on-disk content for a file object.
type CacheEntry struct {
	ObjectID       string `gorm:"primaryKey"`
	LocalPath      string `gorm:"type:text"`
	Size           int64
	FileHash       string `gorm:"type:text"`
	PresentLocally int    `gorm:"default:0"`
	Pinned         bool
	LastAccessed   int64
	OpenCount      int
}

// Chunk records presence of one fixed-size block of a sparse cache file.
type Chunk struct {
	ObjectID     string `gorm:"primaryKey"`
	ChunkIndex   int64  `gorm:"primaryKey;autoIncrement:false"`
	LastAccessed int64
}

// Action types.
const (
	ActionUpload        = "upload"
	ActionDownload      = "download"
	ActionDownloadChunk = "download_chunk"
	ActionUpdateContent = "update_content"
	ActionRename        = "rename"
	ActionMove          = "move"
	ActionDelete        = "delete"
	ActionListChildren  = "list_children"
	ActionEnsureLatest  = "ensure_latest"
)

// Action directions.
const (
	DirectionPush = "push"
	DirectionPull = "pull"
)

// Action statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
)

// Priorities; higher wins.
const (
	PriorityFuse        = 10
	PriorityInteractive = 5
	PriorityBackground  = 1
)

// Action is a queued intent against the remote.
type Action struct {
	ID          uint   `gorm:"primaryKey"`
	Type        string `gorm:"column:action_type;type:text;not null;index"`
	TargetID    string `gorm:"type:text;not null;index"`
	Destination string `gorm:"type:text"`
	Metadata    string `gorm:"type:text"`
	Direction   string `gorm:"type:text;not null"`
	Priority    int
	Status      string `gorm:"type:text;default:pending;index"`
	RetryCount  int
	LastError   string `gorm:"type:text"`
	NotBefore   int64
	WorkerID    string `gorm:"type:text"`
	CreatedAt   int64
}

// Meta decodes the free-form metadata field.
func (a *Action) Meta() map[string]any {
	out := map[string]any{}
	if a.Metadata != "" {
		json.Unmarshal([]byte(a.Metadata), &out)
	}
	return out
}

// SetMeta encodes the free-form metadata field.
func (a *Action) SetMeta(m map[string]any) {
	if len(m) == 0 {
		a.Metadata = ""
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	a.Metadata = string(b)
}

// ChunkIndex returns the chunk index carried by a download_chunk action,
// or -1 if absent.
func (a *Action) ChunkIndex() int64 {
	m := a.Meta()
	if v, ok := m["chunk_index"]; ok {
		if f, ok := v.(float64); ok {
			return int64(f)
		}
	}
	return -1
}
