package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tx runs fn inside a single database transaction. All store methods called
// on the passed Store observe and join that transaction, so compound state
// changes commit atomically.
func (s *Store) Tx(fn func(tx *Store) error) error {
	return s.db.Transaction(func(txdb *gorm.DB) error {
		return fn(&Store{db: txdb, retry: s.retry, now: s.now})
	})
}

// SplitName splits a user-visible file name into base and extension.
func SplitName(full string) (base, ext string) {
	if i := strings.LastIndex(full, "."); i > 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

// GetObject fetches an object by ID.
func (s *Store) GetObject(id string) (*Object, error) {
	var o Object
	if err := s.db.Where("id = ?", id).First(&o).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// GetObjectByCloudID fetches an object by its remote binding.
func (s *Store) GetObjectByCloudID(cloudID string) (*Object, error) {
	var o Object
	if err := s.db.Where("cloud_id = ?", cloudID).First(&o).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// findChild locates a non-deleted child by its user-visible name. The exact
// name is tried first, then a base/extension split.
func (s *Store) findChild(parentID, name string) (*Object, error) {
	var o Object
	err := s.db.Where(
		"parent_id = ? AND name = ? AND extension = '' AND deleted = ?",
		parentID, name, false,
	).First(&o).Error
	if err == nil {
		return &o, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	base, ext := SplitName(name)
	if ext == "" {
		return nil, ErrNotFound
	}
	err = s.db.Where(
		"parent_id = ? AND name = ? AND extension = ? AND deleted = ?",
		parentID, base, ext, false,
	).First(&o).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// GetChild locates a non-deleted child by its user-visible name.
func (s *Store) GetChild(parentID, name string) (*Object, error) {
	return s.findChild(parentID, name)
}

// ResolvePath walks the tree from the root by (parent, name, extension)
// lookups. Case-sensitive.
func (s *Store) ResolvePath(path string) (*Object, error) {
	current, err := s.GetObject(RootID)
	if err != nil {
		return nil, err
	}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		child, err := s.findChild(current.ID, part)
		if err != nil {
			return nil, err
		}
		current = child
	}
	return current, nil
}

// ListChildren returns the non-deleted children of a folder.
func (s *Store) ListChildren(parentID string) ([]Object, error) {
	var children []Object
	err := s.db.
		Where("parent_id = ? AND deleted = ?", parentID, false).
		Order("name ASC, extension ASC").
		Find(&children).Error
	return children, err
}

// CreateLocalObject inserts a locally originated object under parentID. The
// full user-visible name is split into base and extension for files. Fails
// with ErrAlreadyExists when a non-deleted sibling carries the same name.
func (s *Store) CreateLocalObject(parentID, fullName, typ string) (*Object, error) {
	var created *Object
	err := s.Tx(func(tx *Store) error {
		parent, err := tx.GetObject(parentID)
		if err != nil {
			return err
		}
		if !parent.IsFolder() {
			return fmt.Errorf("parent %s is not a folder", parentID)
		}
		if _, err := tx.findChild(parentID, fullName); err == nil {
			return ErrAlreadyExists
		} else if err != ErrNotFound {
			return err
		}

		name, ext := fullName, ""
		if typ == TypeFile {
			name, ext = SplitName(fullName)
		}
		now := tx.now()
		o := &Object{
			ID:              uuid.NewString(),
			Type:            typ,
			ParentID:        &parentID,
			Name:            name,
			Extension:       ext,
			Origin:          OriginLocal,
			SyncState:       StatePendingPush,
			Dirty:           true,
			LocalModifiedAt: now,
		}
		if err := tx.db.Create(o).Error; err != nil {
			return err
		}
		created = o
		return nil
	})
	return created, err
}

// SaveObject persists the full object row.
func (s *Store) SaveObject(o *Object) error {
	return s.db.Save(o).Error
}

// SetSyncState transitions an object's sync state, rejecting transitions not
// in the state machine.
func (s *Store) SetSyncState(id, state string) error {
	return s.Tx(func(tx *Store) error {
		o, err := tx.GetObject(id)
		if err != nil {
			return err
		}
		if err := checkTransition(o.SyncState, state); err != nil {
			return fmt.Errorf("object %s: %w", id, err)
		}
		return tx.db.Model(&Object{}).Where("id = ?", id).
			Update("sync_state", state).Error
	})
}

// MarkDirty flags a local mutation: dirty=1, bumped local_modified_at,
// sync_state=dirty. Idempotent.
func (s *Store) MarkDirty(id string) error {
	return s.Tx(func(tx *Store) error {
		o, err := tx.GetObject(id)
		if err != nil {
			return err
		}
		if err := checkTransition(o.SyncState, StateDirty); err != nil {
			return fmt.Errorf("object %s: %w", id, err)
		}
		return tx.db.Model(&Object{}).Where("id = ?", id).Updates(map[string]any{
			"dirty":             true,
			"local_modified_at": tx.now(),
			"sync_state":        StateDirty,
		}).Error
	})
}

// Delta is one remote child entry observed by list_children or metadata
// fetch.
type Delta struct {
	CloudID       string
	CloudParentID string
	Name          string
	Extension     string
	Type          string
	Size          int64
	ETag          string
	ModifiedAt    int64
}

// ApplyRemoteDelta creates or updates an object by cloud_id and rewrites its
// shadow. Cache content is never touched. Objects with local dirty intent are
// left alone; the push path arbitrates.
func (s *Store) ApplyRemoteDelta(parentID string, d Delta) (*Object, error) {
	var result *Object
	err := s.Tx(func(tx *Store) error {
		now := tx.now()
		existing, err := tx.GetObjectByCloudID(d.CloudID)
		if err != nil && err != ErrNotFound {
			return err
		}

		if existing != nil {
			if existing.Dirty {
				result = existing
				return nil
			}
			existing.Name = d.Name
			existing.Extension = d.Extension
			existing.Type = d.Type
			existing.Size = d.Size
			existing.ETag = d.ETag
			existing.CloudParentID = d.CloudParentID
			existing.CloudModifiedAt = d.ModifiedAt
			existing.MissingFromCloud = false
			existing.LastSynced = now
			if err := tx.db.Save(existing).Error; err != nil {
				return err
			}
			result = existing
		} else {
			o := &Object{
				ID:              uuid.NewString(),
				Type:            d.Type,
				ParentID:        &parentID,
				Name:            d.Name,
				Extension:       d.Extension,
				Size:            d.Size,
				CloudID:         &d.CloudID,
				CloudParentID:   d.CloudParentID,
				ETag:            d.ETag,
				CloudModifiedAt: d.ModifiedAt,
				Origin:          OriginCloud,
				SyncState:       StateSynced,
				LastSynced:      now,
			}
			if err := tx.db.Create(o).Error; err != nil {
				return err
			}
			result = o
		}

		return tx.PutShadow(&Shadow{
			ObjectID:   result.ID,
			CloudID:    d.CloudID,
			ParentID:   &parentID,
			Name:       d.Name,
			ETag:       d.ETag,
			ModifiedAt: now,
		})
	})
	return result, err
}

// ApplyUploadSuccess records a completed push: the object binds to its cloud
// ID, dirty clears, state becomes synced, and the shadow is rewritten. One
// transaction.
func (s *Store) ApplyUploadSuccess(id, cloudID, cloudParentID, etag, revision string, size int64, fileHash string) error {
	return s.Tx(func(tx *Store) error {
		o, err := tx.GetObject(id)
		if err != nil {
			return err
		}
		if err := checkTransition(o.SyncState, StateSynced); err != nil {
			return fmt.Errorf("object %s: %w", id, err)
		}
		now := tx.now()
		o.CloudID = &cloudID
		o.CloudParentID = cloudParentID
		o.ETag = etag
		o.Revision = revision
		if size >= 0 {
			o.Size = size
		}
		o.Dirty = false
		o.MissingFromCloud = false
		o.SyncState = StateSynced
		o.LastSynced = now
		if err := tx.db.Save(o).Error; err != nil {
			return err
		}

		if o.Type == TypeFile {
			if err := tx.db.Model(&CacheEntry{}).Where("object_id = ?", id).
				Update("file_hash", fileHash).Error; err != nil {
				return err
			}
		}

		return tx.PutShadow(&Shadow{
			ObjectID:   id,
			CloudID:    cloudID,
			ParentID:   o.ParentID,
			Name:       o.Name,
			ETag:       etag,
			FileHash:   fileHash,
			ModifiedAt: now,
		})
	})
}

// MarkRemoteMissing flags a cloud-origin object absent from its parent's
// remote listing.
func (s *Store) MarkRemoteMissing(id string) error {
	return s.db.Model(&Object{}).Where("id = ?", id).
		Update("missing_from_cloud", true).Error
}

// MarkDeleted soft-deletes an object: the row remains as a tombstone until
// both sides confirm. state must be deleted_local or deleted_cloud.
func (s *Store) MarkDeleted(id, state string) error {
	return s.Tx(func(tx *Store) error {
		o, err := tx.GetObject(id)
		if err != nil {
			return err
		}
		if err := checkTransition(o.SyncState, state); err != nil {
			return fmt.Errorf("object %s: %w", id, err)
		}
		return tx.db.Model(&Object{}).Where("id = ?", id).Updates(map[string]any{
			"deleted":           true,
			"sync_state":        state,
			"local_modified_at": tx.now(),
		}).Error
	})
}

// PurgeObject removes the row, every dependent row (shadow, cache entry,
// chunks, queued actions), and any descendant rows when the object is a
// folder. Called once both sides have confirmed a deletion.
func (s *Store) PurgeObject(id string) error {
	return s.Tx(func(tx *Store) error {
		if id == RootID {
			return fmt.Errorf("refusing to purge root")
		}

		pending := []string{id}
		for len(pending) > 0 {
			cur := pending[0]
			pending = pending[1:]

			var childIDs []string
			if err := tx.db.Model(&Object{}).Where("parent_id = ?", cur).
				Pluck("id", &childIDs).Error; err != nil {
				return err
			}
			pending = append(pending, childIDs...)

			if err := tx.db.Delete(&Object{}, "id = ?", cur).Error; err != nil {
				return err
			}
			if err := tx.db.Delete(&Shadow{}, "object_id = ?", cur).Error; err != nil {
				return err
			}
			if err := tx.db.Delete(&CacheEntry{}, "object_id = ?", cur).Error; err != nil {
				return err
			}
			if err := tx.db.Delete(&Chunk{}, "object_id = ?", cur).Error; err != nil {
				return err
			}
			if err := tx.db.Delete(&Action{}, "target_id = ?", cur).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Conflicts returns every object in the conflict state.
func (s *Store) Conflicts() ([]Object, error) {
	var out []Object
	err := s.db.Where("sync_state = ?", StateConflict).Find(&out).Error
	return out, err
}

// CountByState returns object counts grouped by sync state.
func (s *Store) CountByState() (map[string]int64, error) {
	type row struct {
		SyncState string
		N         int64
	}
	var rows []row
	err := s.db.Model(&Object{}).
		Select("sync_state, count(*) as n").
		Where("deleted = ?", false).
		Group("sync_state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.SyncState] = r.N
	}
	return out, nil
}

// --- Shadows ---

// GetShadow returns the shadow snapshot for an object.
func (s *Store) GetShadow(objectID string) (*Shadow, error) {
	var sh Shadow
	if err := s.db.Where("object_id = ?", objectID).First(&sh).Error; err != nil {
		return nil, notFound(err)
	}
	return &sh, nil
}

// PutShadow inserts or replaces the shadow snapshot.
func (s *Store) PutShadow(sh *Shadow) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(sh).Error
}

// DeleteShadow removes the shadow snapshot.
func (s *Store) DeleteShadow(objectID string) error {
	return s.db.Delete(&Shadow{}, "object_id = ?", objectID).Error
}

// --- Cache entries ---

// GetCacheEntry returns the cache row for a file object.
func (s *Store) GetCacheEntry(objectID string) (*CacheEntry, error) {
	var e CacheEntry
	if err := s.db.Where("object_id = ?", objectID).First(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// PutCacheEntry inserts or replaces the cache row.
func (s *Store) PutCacheEntry(e *CacheEntry) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(e).Error
}

// DeleteCacheEntry removes the cache row.
func (s *Store) DeleteCacheEntry(objectID string) error {
	return s.db.Delete(&CacheEntry{}, "object_id = ?", objectID).Error
}

// ListCacheEntries returns every cache row.
func (s *Store) ListCacheEntries() ([]CacheEntry, error) {
	var out []CacheEntry
	err := s.db.Find(&out).Error
	return out, err
}

// AdjustOpenCount adds delta to the open count (clamped at zero) and returns
// the new value.
func (s *Store) AdjustOpenCount(objectID string, delta int) (int, error) {
	var count int
	err := s.Tx(func(tx *Store) error {
		e, err := tx.GetCacheEntry(objectID)
		if err != nil {
			return err
		}
		e.OpenCount += delta
		if e.OpenCount < 0 {
			e.OpenCount = 0
		}
		e.LastAccessed = tx.now()
		count = e.OpenCount
		return tx.db.Save(e).Error
	})
	return count, err
}

// TouchCacheEntry bumps last_accessed.
func (s *Store) TouchCacheEntry(objectID string) error {
	return s.db.Model(&CacheEntry{}).Where("object_id = ?", objectID).
		Update("last_accessed", s.now()).Error
}

// SetPinned pins or unpins a cache entry.
func (s *Store) SetPinned(objectID string, pinned bool) error {
	return s.db.Model(&CacheEntry{}).Where("object_id = ?", objectID).
		Update("pinned", pinned).Error
}

// --- Chunks ---

// AddChunk records presence of one chunk of a sparse file. Idempotent.
func (s *Store) AddChunk(objectID string, index int64) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&Chunk{
		ObjectID:     objectID,
		ChunkIndex:   index,
		LastAccessed: s.now(),
	}).Error
}

// DeleteChunk removes one chunk row.
func (s *Store) DeleteChunk(objectID string, index int64) error {
	return s.db.Delete(&Chunk{}, "object_id = ? AND chunk_index = ?", objectID, index).Error
}

// PurgeChunks removes every chunk row for an object.
func (s *Store) PurgeChunks(objectID string) error {
	return s.db.Delete(&Chunk{}, "object_id = ?", objectID).Error
}

// ChunkIndices returns the present chunk indices, ascending.
func (s *Store) ChunkIndices(objectID string) ([]int64, error) {
	var rows []Chunk
	if err := s.db.Where("object_id = ?", objectID).
		Order("chunk_index ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]int64, len(rows))
	for i, c := range rows {
		out[i] = c.ChunkIndex
	}
	return out, nil
}

// TouchChunks bumps last_accessed for the given chunk indices.
func (s *Store) TouchChunks(objectID string, indices []int64) error {
	if len(indices) == 0 {
		return nil
	}
	return s.db.Model(&Chunk{}).
		Where("object_id = ? AND chunk_index IN ?", objectID, indices).
		Update("last_accessed", s.now()).Error
}

// OldestChunks returns up to limit chunk rows ordered by last_accessed
// ascending, excluding one object (typically the one under active read).
func (s *Store) OldestChunks(limit int, excludeObject string) ([]Chunk, error) {
	var rows []Chunk
	q := s.db.Order("last_accessed ASC, object_id ASC, chunk_index ASC").Limit(limit)
	if excludeObject != "" {
		q = q.Where("object_id <> ?", excludeObject)
	}
	err := q.Find(&rows).Error
	return rows, err
}
