package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/internal/metrics"
	"github.com/rvardiashvili/Orchard/internal/remote"
	"github.com/rvardiashvili/Orchard/internal/store"
)

// dispatch routes a claimed action to its handler. Every handler is
// idempotent: re-running a completed action must not double-apply effects.
func (e *Engine) dispatch(ctx context.Context, a *store.Action) error {
	switch a.Type {
	case store.ActionListChildren:
		return e.handleListChildren(ctx, a)
	case store.ActionDownload:
		return e.handleDownload(ctx, a)
	case store.ActionDownloadChunk:
		return e.handleDownloadChunk(ctx, a)
	case store.ActionUpload:
		return e.handleUpload(ctx, a)
	case store.ActionUpdateContent:
		return e.handleUpdateContent(ctx, a)
	case store.ActionRename:
		return e.handleRename(ctx, a)
	case store.ActionMove:
		return e.handleMove(ctx, a)
	case store.ActionDelete:
		return e.handleDelete(ctx, a)
	case store.ActionEnsureLatest:
		return e.handleEnsureLatest(ctx, a)
	default:
		return fmt.Errorf("%w: unknown action type %q", errFatal, a.Type)
	}
}

// handleListChildren pulls one level of remote children into the store.
// Cloud-origin children absent from the listing are flagged missing and
// scheduled for tombstoning.
func (e *Engine) handleListChildren(ctx context.Context, a *store.Action) error {
	folder, err := e.st.GetObject(a.TargetID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !folder.IsFolder() {
		return fmt.Errorf("%w: list_children on non-folder %s", errFatal, folder.ID)
	}
	if folder.ID != store.RootID && folder.CloudID == nil {
		// not yet pushed; nothing to list
		return nil
	}

	cid, err := e.cloudIDOf(folder)
	if err != nil {
		return err
	}

	items, err := e.adapter.List(ctx, cid)
	if err != nil {
		if remote.IsGone(err) {
			// the folder itself vanished remotely
			return e.applyRemoteDeletion(folder)
		}
		return err
	}

	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it.CloudID] = true
		if _, err := e.st.ApplyRemoteDelta(folder.ID, store.Delta{
			CloudID:       it.CloudID,
			CloudParentID: cid,
			Name:          it.Name,
			Extension:     it.Extension,
			Type:          it.Type,
			Size:          it.Size,
			ETag:          it.ETag,
			ModifiedAt:    it.ModifiedAt,
		}); err != nil {
			return err
		}
	}

	children, err := e.st.ListChildren(folder.ID)
	if err != nil {
		return err
	}
	for i := range children {
		child := &children[i]
		if child.Origin != store.OriginCloud || child.CloudID == nil {
			continue
		}
		if seen[*child.CloudID] {
			continue
		}
		if err := e.st.MarkRemoteMissing(child.ID); err != nil {
			return err
		}
		if err := e.st.Enqueue(&store.Action{
			Type:      store.ActionDelete,
			TargetID:  child.ID,
			Direction: store.DirectionPull,
			Priority:  store.PriorityBackground,
		}); err != nil {
			return err
		}
	}

	folder.LastSynced = e.nowUnix()
	return e.st.SaveObject(folder)
}

// handleDownload fetches a small file in full: .part staging, atomic rename,
// then one transaction updating object, shadow, and cache entry.
func (e *Engine) handleDownload(ctx context.Context, a *store.Action) error {
	obj, err := e.st.GetObject(a.TargetID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if obj.Type != store.TypeFile {
		return fmt.Errorf("%w: download of non-file %s", errFatal, obj.ID)
	}
	if obj.Dirty {
		// local intent outranks a stale pull
		return nil
	}
	cid, err := e.cloudIDOf(obj)
	if err != nil {
		return err
	}

	res, err := e.adapter.DownloadRange(ctx, cid, 0, -1)
	if err != nil {
		if remote.IsGone(err) {
			return e.applyRemoteDeletion(obj)
		}
		return err
	}
	defer res.Body.Close()

	hash, err := e.cache.PutFull(obj.ID, res.Body, res.Size)
	if err != nil {
		return err
	}
	metrics.BytesDownloaded.Add(float64(res.Size))

	return e.st.Tx(func(tx *store.Store) error {
		o, err := tx.GetObject(obj.ID)
		if err != nil {
			return err
		}
		o.ETag = res.ETag
		o.Size = res.Size
		o.SyncState = store.StateSynced
		o.LastSynced = e.nowUnix()
		if err := tx.SaveObject(o); err != nil {
			return err
		}
		return tx.PutShadow(&store.Shadow{
			ObjectID:   o.ID,
			CloudID:    cid,
			ParentID:   o.ParentID,
			Name:       o.Name,
			ETag:       res.ETag,
			FileHash:   hash,
			ModifiedAt: e.nowUnix(),
		})
	})
}

// handleDownloadChunk fetches one aligned block of a sparse file. If the
// remote version moved since the object's recorded etag, every cached chunk
// is invalidated and an ensure_latest reconciles.
func (e *Engine) handleDownloadChunk(ctx context.Context, a *store.Action) error {
	obj, err := e.st.GetObject(a.TargetID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	index := a.ChunkIndex()
	if index < 0 || index*e.cfg.ChunkSize >= obj.Size {
		return fmt.Errorf("%w: chunk index %d out of range for size %d", errFatal, index, obj.Size)
	}
	cid, err := e.cloudIDOf(obj)
	if err != nil {
		return err
	}

	start := index * e.cfg.ChunkSize
	end := start + e.cfg.ChunkSize - 1
	if end >= obj.Size {
		end = obj.Size - 1
	}

	res, err := e.adapter.DownloadRange(ctx, cid, start, end)
	if err != nil {
		if remote.IsGone(err) {
			metrics.ChunkDownloads.WithLabelValues("gone").Inc()
			return e.applyRemoteDeletion(obj)
		}
		metrics.ChunkDownloads.WithLabelValues("error").Inc()
		return err
	}
	defer res.Body.Close()

	if obj.ETag != "" && res.ETag != obj.ETag {
		// the remote moved underneath us; partial content is now mixed-version
		logging.Warn("chunk etag divergence; invalidating cached chunks",
			logging.String("object", obj.ID))
		metrics.ChunkDownloads.WithLabelValues("stale").Inc()
		if err := e.cache.InvalidateChunks(obj.ID, obj.Size); err != nil {
			return err
		}
		return e.st.Enqueue(&store.Action{
			Type:      store.ActionEnsureLatest,
			TargetID:  obj.ID,
			Direction: store.DirectionPull,
			Priority:  store.PriorityFuse,
		})
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if err := e.cache.WriteChunk(obj.ID, index, data, obj.Size); err != nil {
		return err
	}
	metrics.ChunkDownloads.WithLabelValues("ok").Inc()
	metrics.BytesDownloaded.Add(float64(len(data)))
	return nil
}

// handleUpload pushes a locally originated object. Folders go through
// CreateFolder; files already bound to a cloud ID get a conditional update,
// and unbound files check for a same-name remote sibling first and apply
// Local Wins when one is found.
func (e *Engine) handleUpload(ctx context.Context, a *store.Action) error {
	obj, err := e.st.GetObject(a.TargetID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if obj.Deleted {
		return nil
	}

	parentCID, err := e.parentCloudID(obj)
	if err != nil {
		return err
	}

	if obj.IsFolder() {
		res, err := e.adapter.CreateFolder(ctx, parentCID, obj.FullName())
		if err != nil {
			return err
		}
		return e.st.ApplyUploadSuccess(obj.ID, res.CloudID, parentCID, res.ETag, res.Revision, -1, "")
	}

	entry, err := e.st.GetCacheEntry(obj.ID)
	if err == store.ErrNotFound {
		return fmt.Errorf("%w: upload of uncached file %s", errFatal, obj.ID)
	}
	if err != nil {
		return err
	}
	if entry.PresentLocally != store.PresenceFull {
		// sparse promotion still in flight; come back later
		return deferError{}
	}

	hash, err := e.cache.Hash(obj.ID)
	if err != nil {
		return err
	}

	// Replay guard: the shadow already reflects this exact content.
	if sh, err := e.st.GetShadow(obj.ID); err == nil &&
		sh.FileHash == hash && obj.CloudID != nil {
		return e.clearDirty(obj.ID)
	}

	if obj.CloudID != nil {
		// already bound; conditional update
		return e.pushContent(ctx, obj, parentCID, obj.ETag, hash)
	}

	// Check for a remote sibling squatting on our name.
	items, err := e.adapter.List(ctx, parentCID)
	if err != nil && !remote.IsGone(err) {
		return err
	}
	for _, it := range items {
		if it.Name == obj.Name && it.Extension == obj.Extension && it.Type == store.TypeFile {
			// Local Wins: displace the remote collider
			if derr := e.adapter.Delete(ctx, it.CloudID, it.ETag); derr != nil && !remote.IsGone(derr) {
				return derr
			}
			obj.RecordDisplacedCloudID(it.CloudID)
			if err := e.st.SaveObject(obj); err != nil {
				return err
			}
			metrics.ConflictsTotal.WithLabelValues("local_wins").Inc()
			break
		}
	}

	return e.pushContent(ctx, obj, parentCID, "", hash)
}

// handleUpdateContent pushes modified bytes conditionally on the shadow's
// etag; a precondition failure routes into the conflict protocol.
func (e *Engine) handleUpdateContent(ctx context.Context, a *store.Action) error {
	obj, err := e.st.GetObject(a.TargetID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if obj.Deleted {
		return nil
	}
	if obj.CloudID == nil {
		return e.handleUpload(ctx, a)
	}

	entry, err := e.st.GetCacheEntry(obj.ID)
	if err == store.ErrNotFound {
		return fmt.Errorf("%w: update_content of uncached file %s", errFatal, obj.ID)
	}
	if err != nil {
		return err
	}
	if entry.PresentLocally != store.PresenceFull {
		return deferError{}
	}

	hash, err := e.cache.Hash(obj.ID)
	if err != nil {
		return err
	}

	ifMatch := obj.ETag
	sh, shErr := e.st.GetShadow(obj.ID)
	if shErr == nil {
		if sh.FileHash == hash {
			// content already on the remote
			return e.clearDirty(obj.ID)
		}
		ifMatch = sh.ETag
	}
	if a.Meta()["forced"] == "local" {
		// manual resolution chose the local version; push unconditionally
		ifMatch = ""
	}

	parentCID, err := e.parentCloudID(obj)
	if err != nil {
		return err
	}
	return e.pushContent(ctx, obj, parentCID, ifMatch, hash)
}

// pushContent streams the cache file to the remote. The upload presents the
// content under the intended remote name via a staging symlink; the cache
// file itself never moves.
func (e *Engine) pushContent(ctx context.Context, obj *store.Object, parentCID, ifMatch, hash string) error {
	link, cleanup, err := e.cache.StageUpload(obj.ID, obj.FullName())
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := os.Open(link)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	res, err := e.adapter.Upload(ctx, parentCID, obj.FullName(), f, info.Size(), ifMatch)
	if err != nil {
		if remote.IsConflict(err) {
			return e.resolveContentConflict(ctx, obj, parentCID, hash)
		}
		if remote.IsGone(err) && obj.CloudID != nil {
			// the bound remote object vanished; re-push as a fresh upload
			return e.rebindAsNew(obj)
		}
		return err
	}

	metrics.BytesUploaded.Add(float64(info.Size()))
	return e.st.ApplyUploadSuccess(obj.ID, res.CloudID, parentCID, res.ETag, res.Revision, res.Size, hash)
}

// rebindAsNew drops a stale cloud binding and requeues the object as a fresh
// upload.
func (e *Engine) rebindAsNew(obj *store.Object) error {
	err := e.st.Tx(func(tx *store.Store) error {
		o, err := tx.GetObject(obj.ID)
		if err != nil {
			return err
		}
		o.CloudID = nil
		o.ETag = ""
		o.Revision = ""
		o.MissingFromCloud = true
		if err := tx.SaveObject(o); err != nil {
			return err
		}
		return tx.DeleteShadow(o.ID)
	})
	if err != nil {
		return err
	}
	return e.st.Enqueue(&store.Action{
		Type:      store.ActionUpload,
		TargetID:  obj.ID,
		Direction: store.DirectionPush,
		Priority:  store.PriorityInteractive,
	})
}

func (e *Engine) clearDirty(id string) error {
	return e.st.Tx(func(tx *store.Store) error {
		o, err := tx.GetObject(id)
		if err != nil {
			return err
		}
		o.Dirty = false
		o.SyncState = store.StateSynced
		o.LastSynced = e.nowUnix()
		return tx.SaveObject(o)
	})
}

// handleRename applies a pending rename conditionally on the recorded etag.
// A destination collision is resolved Local Wins.
func (e *Engine) handleRename(ctx context.Context, a *store.Action) error {
	obj, err := e.st.GetObject(a.TargetID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if obj.CloudID == nil {
		// never pushed; the eventual upload carries the new name
		return nil
	}
	newName := a.Destination
	if newName == "" {
		newName = obj.FullName()
	}

	// Displace a remote collider at the destination name.
	if parentCID, perr := e.parentCloudID(obj); perr == nil {
		items, lerr := e.adapter.List(ctx, parentCID)
		if lerr == nil {
			for _, it := range items {
				full := it.Name
				if it.Extension != "" {
					full = it.Name + "." + it.Extension
				}
				if full == newName && it.CloudID != *obj.CloudID {
					if derr := e.adapter.Delete(ctx, it.CloudID, it.ETag); derr != nil && !remote.IsGone(derr) {
						return derr
					}
					obj.RecordDisplacedCloudID(it.CloudID)
					if err := e.st.SaveObject(obj); err != nil {
						return err
					}
					metrics.ConflictsTotal.WithLabelValues("local_wins").Inc()
					break
				}
			}
		}
	}

	meta, err := e.renameWithRefresh(ctx, *obj.CloudID, newName, obj.ETag)
	if err != nil {
		if remote.IsGone(err) {
			return e.rebindAsNew(obj)
		}
		if remote.IsConflict(err) {
			return e.markConflict(obj.ID)
		}
		return err
	}

	return e.st.Tx(func(tx *store.Store) error {
		o, err := tx.GetObject(obj.ID)
		if err != nil {
			return err
		}
		o.ETag = meta.ETag
		o.Revision = meta.Revision
		if !o.Dirty {
			o.SyncState = store.StateSynced
		}
		o.LastSynced = e.nowUnix()
		if err := tx.SaveObject(o); err != nil {
			return err
		}
		sh, err := tx.GetShadow(o.ID)
		if err == store.ErrNotFound {
			sh = &store.Shadow{ObjectID: o.ID, CloudID: *o.CloudID, ParentID: o.ParentID}
		} else if err != nil {
			return err
		}
		sh.Name = o.Name
		sh.ETag = meta.ETag
		sh.ModifiedAt = e.nowUnix()
		return tx.PutShadow(sh)
	})
}

// renameWithRefresh retries a failed conditional rename once with a freshly
// fetched etag; a second mismatch is a real conflict.
func (e *Engine) renameWithRefresh(ctx context.Context, cloudID, newName, ifMatch string) (remote.Meta, error) {
	meta, err := e.adapter.Rename(ctx, cloudID, newName, ifMatch)
	if !remote.IsConflict(err) {
		return meta, err
	}
	fresh, merr := e.adapter.Metadata(ctx, cloudID)
	if merr != nil {
		return remote.Meta{}, merr
	}
	return e.adapter.Rename(ctx, cloudID, newName, fresh.ETag)
}

// handleMove reparents the remote object.
func (e *Engine) handleMove(ctx context.Context, a *store.Action) error {
	obj, err := e.st.GetObject(a.TargetID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if obj.CloudID == nil {
		return nil
	}

	destLocal := a.Destination
	var destCID string
	if destLocal == store.RootID {
		destCID = e.cfg.RootCloudID
	} else {
		destParent, err := e.st.GetObject(destLocal)
		if err != nil {
			return err
		}
		if destParent.CloudID == nil {
			return deferError{}
		}
		destCID = *destParent.CloudID
	}

	meta, err := e.adapter.Move(ctx, *obj.CloudID, destCID, obj.ETag)
	if remote.IsConflict(err) {
		fresh, merr := e.adapter.Metadata(ctx, *obj.CloudID)
		if merr != nil {
			return merr
		}
		meta, err = e.adapter.Move(ctx, *obj.CloudID, destCID, fresh.ETag)
	}
	if err != nil {
		if remote.IsGone(err) {
			return e.rebindAsNew(obj)
		}
		if remote.IsConflict(err) {
			return e.markConflict(obj.ID)
		}
		return err
	}

	return e.st.Tx(func(tx *store.Store) error {
		o, err := tx.GetObject(obj.ID)
		if err != nil {
			return err
		}
		o.CloudParentID = destCID
		o.ETag = meta.ETag
		o.Revision = meta.Revision
		if !o.Dirty {
			o.SyncState = store.StateSynced
		}
		o.LastSynced = e.nowUnix()
		if err := tx.SaveObject(o); err != nil {
			return err
		}
		sh, err := tx.GetShadow(o.ID)
		if err == store.ErrNotFound {
			sh = &store.Shadow{ObjectID: o.ID, CloudID: *o.CloudID}
		} else if err != nil {
			return err
		}
		sh.ParentID = o.ParentID
		sh.ETag = meta.ETag
		sh.ModifiedAt = e.nowUnix()
		return tx.PutShadow(sh)
	})
}

// handleDelete handles both directions. Push: conditional remote delete, then
// purge. Pull: drop the local projection, keeping cache content while the
// file is open; a dirty local copy is undeleted and re-pushed.
func (e *Engine) handleDelete(ctx context.Context, a *store.Action) error {
	obj, err := e.st.GetObject(a.TargetID)
	if err == store.ErrNotFound {
		// tombstone already purged; replay is a no-op
		return nil
	}
	if err != nil {
		return err
	}

	if a.Direction == store.DirectionPush {
		return e.deletePush(ctx, obj)
	}
	return e.deletePull(ctx, obj)
}

func (e *Engine) deletePush(ctx context.Context, obj *store.Object) error {
	if obj.CloudID == nil {
		// never reached the remote; purge the tombstone
		if err := e.cache.Remove(obj.ID); err != nil {
			return err
		}
		return e.st.PurgeObject(obj.ID)
	}

	ifMatch := obj.ETag
	if sh, err := e.st.GetShadow(obj.ID); err == nil {
		ifMatch = sh.ETag
	}

	err := e.adapter.Delete(ctx, *obj.CloudID, ifMatch)
	switch {
	case err == nil, remote.IsGone(err):
		// gone either way; both sides confirmed
	case remote.IsConflict(err):
		// local delete vs remote edit
		return e.resolveDeleteVsRemoteEdit(ctx, obj)
	default:
		return err
	}

	if err := e.cache.Remove(obj.ID); err != nil {
		return err
	}
	return e.st.PurgeObject(obj.ID)
}

func (e *Engine) deletePull(ctx context.Context, obj *store.Object) error {
	if obj.Dirty {
		// delete-vs-edit: the local edit survives as a fresh cloud object
		metrics.ConflictsTotal.WithLabelValues("undelete").Inc()
		logging.Info("remote deleted a locally edited file; re-pushing",
			logging.String("object", obj.ID))
		return e.rebindAsNew(obj)
	}

	entry, err := e.st.GetCacheEntry(obj.ID)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if entry != nil && entry.OpenCount > 0 {
		// keep content until the last close; FUSE release purges
		return e.st.Tx(func(tx *store.Store) error {
			o, err := tx.GetObject(obj.ID)
			if err != nil {
				return err
			}
			if o.SyncState != store.StateDeletedCloud {
				if err := tx.MarkDeleted(o.ID, store.StateDeletedCloud); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := e.cache.Remove(obj.ID); err != nil {
		return err
	}
	return e.st.PurgeObject(obj.ID)
}

// handleEnsureLatest reconciles one object's metadata against the remote and
// schedules a further push or pull as appropriate.
func (e *Engine) handleEnsureLatest(ctx context.Context, a *store.Action) error {
	obj, err := e.st.GetObject(a.TargetID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if obj.CloudID == nil {
		return nil
	}

	meta, err := e.adapter.Metadata(ctx, *obj.CloudID)
	if err != nil {
		if remote.IsGone(err) {
			return e.applyRemoteDeletion(obj)
		}
		return err
	}

	sh, shErr := e.st.GetShadow(obj.ID)
	remoteChanged := shErr != nil || sh.ETag != meta.ETag
	localChanged := obj.Dirty

	switch {
	case !localChanged && !remoteChanged:
		return e.clearDirty(obj.ID)

	case localChanged && !remoteChanged:
		return e.st.Enqueue(&store.Action{
			Type:      store.ActionUpdateContent,
			TargetID:  obj.ID,
			Direction: store.DirectionPush,
			Priority:  store.PriorityInteractive,
		})

	case !localChanged && remoteChanged:
		return e.schedulePull(obj, meta)

	default:
		return e.resolveMetadataConflict(ctx, obj, meta)
	}
}

// schedulePull adopts new remote metadata and rematerializes content lazily:
// small files get a full download, sparse files drop stale chunks and refetch
// on demand.
func (e *Engine) schedulePull(obj *store.Object, meta remote.Meta) error {
	err := e.st.Tx(func(tx *store.Store) error {
		o, err := tx.GetObject(obj.ID)
		if err != nil {
			return err
		}
		o.ETag = meta.ETag
		o.Revision = meta.Revision
		o.Size = meta.Size
		o.CloudModifiedAt = meta.ModifiedAt
		if o.SyncState == store.StateSynced {
			o.SyncState = store.StatePendingPull
		}
		if err := tx.SaveObject(o); err != nil {
			return err
		}
		sh, err := tx.GetShadow(o.ID)
		if err == store.ErrNotFound {
			sh = &store.Shadow{ObjectID: o.ID, CloudID: *o.CloudID, ParentID: o.ParentID, Name: o.Name}
		} else if err != nil {
			return err
		}
		sh.ETag = meta.ETag
		sh.ModifiedAt = e.nowUnix()
		return tx.PutShadow(sh)
	})
	if err != nil {
		return err
	}

	if obj.Type != store.TypeFile {
		return e.st.SetSyncState(obj.ID, store.StateSynced)
	}

	if e.cache.Sparse(meta.Size) {
		if err := e.cache.InvalidateChunks(obj.ID, meta.Size); err != nil {
			return err
		}
		// chunks refetch lazily on the next read
		return e.st.SetSyncState(obj.ID, store.StateSynced)
	}

	if _, err := e.st.GetCacheEntry(obj.ID); err == store.ErrNotFound {
		// never materialized; the next read pulls fresh content
		return e.st.SetSyncState(obj.ID, store.StateSynced)
	} else if err != nil {
		return err
	}
	return e.st.Enqueue(&store.Action{
		Type:      store.ActionDownload,
		TargetID:  obj.ID,
		Direction: store.DirectionPull,
		Priority:  store.PriorityInteractive,
	})
}

// applyRemoteDeletion routes a remotely vanished object into the pull-delete
// flow.
func (e *Engine) applyRemoteDeletion(obj *store.Object) error {
	if err := e.st.MarkRemoteMissing(obj.ID); err != nil {
		return err
	}
	return e.st.Enqueue(&store.Action{
		Type:      store.ActionDelete,
		TargetID:  obj.ID,
		Direction: store.DirectionPull,
		Priority:  store.PriorityInteractive,
	})
}

func (e *Engine) nowUnix() int64 {
	return timeNow().Unix()
}
