package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rvardiashvili/Orchard/internal/config"
	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/internal/metrics"
	"github.com/rvardiashvili/Orchard/internal/remote"
	"github.com/rvardiashvili/Orchard/internal/store"
)

var timeNow = time.Now

// resolveContentConflict runs after a conditional push observed an etag
// mismatch: local and remote both changed since the shadow baseline.
func (e *Engine) resolveContentConflict(ctx context.Context, obj *store.Object, parentCID, hash string) error {
	switch e.cfg.ConflictPolicy {
	case config.PolicyLocalWins:
		return e.localWins(ctx, obj, parentCID, hash)
	case config.PolicyRemoteWins:
		return e.remoteWins(obj)
	default:
		return e.markConflict(obj.ID)
	}
}

// localWins displaces the remote version: delete it conditionally on its
// current etag, then upload the local bytes as new. The displaced cloud ID is
// preserved in the object's conflict history.
func (e *Engine) localWins(ctx context.Context, obj *store.Object, parentCID, hash string) error {
	metrics.ConflictsTotal.WithLabelValues("local_wins").Inc()

	if obj.CloudID != nil {
		current, err := e.adapter.Metadata(ctx, *obj.CloudID)
		if err != nil && !remote.IsGone(err) {
			return err
		}
		if err == nil {
			if derr := e.adapter.Delete(ctx, *obj.CloudID, current.ETag); derr != nil && !remote.IsGone(derr) {
				if remote.IsConflict(derr) {
					// the remote moved again between metadata and delete
					return fmt.Errorf("remote changed during conflict resolution: %w", derr)
				}
				return derr
			}
		}
		obj.RecordDisplacedCloudID(*obj.CloudID)
		if err := e.st.SaveObject(obj); err != nil {
			return err
		}
	}

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

	res, err := e.adapter.Upload(ctx, parentCID, obj.FullName(), f, info.Size(), "")
	if err != nil {
		return err
	}

	logging.Info("conflict resolved local-wins",
		logging.String("object", obj.ID),
		logging.String("new_cloud_id", res.CloudID))
	metrics.BytesUploaded.Add(float64(info.Size()))
	return e.st.ApplyUploadSuccess(obj.ID, res.CloudID, parentCID, res.ETag, res.Revision, res.Size, hash)
}

// remoteWins discards the local edit and schedules a pull.
func (e *Engine) remoteWins(obj *store.Object) error {
	metrics.ConflictsTotal.WithLabelValues("remote_wins").Inc()
	err := e.st.Tx(func(tx *store.Store) error {
		o, err := tx.GetObject(obj.ID)
		if err != nil {
			return err
		}
		o.Dirty = false
		o.SyncState = store.StatePendingPull
		return tx.SaveObject(o)
	})
	if err != nil {
		return err
	}
	return e.st.Enqueue(&store.Action{
		Type:      store.ActionEnsureLatest,
		TargetID:  obj.ID,
		Direction: store.DirectionPull,
		Priority:  store.PriorityInteractive,
	})
}

// markConflict parks the object for manual resolution via the control API.
func (e *Engine) markConflict(id string) error {
	metrics.ConflictsTotal.WithLabelValues("manual").Inc()
	return e.st.SetSyncState(id, store.StateConflict)
}

// resolveMetadataConflict handles ensure_latest observing divergence on both
// sides.
func (e *Engine) resolveMetadataConflict(ctx context.Context, obj *store.Object, meta remote.Meta) error {
	switch e.cfg.ConflictPolicy {
	case config.PolicyLocalWins:
		parentCID, err := e.parentCloudID(obj)
		if err != nil {
			return err
		}
		hash, err := e.cache.Hash(obj.ID)
		if err != nil {
			return err
		}
		return e.localWins(ctx, obj, parentCID, hash)
	case config.PolicyRemoteWins:
		return e.remoteWins(obj)
	default:
		return e.markConflict(obj.ID)
	}
}

// resolveDeleteVsRemoteEdit handles a conditional remote delete failing
// because the remote was edited after the local delete. Under local_wins, the
// configured default policy, the local delete stands: the remote is deleted
// again against its current etag and the object is purged. Under remote_wins
// and manual the remote version is restored and the local delete cancelled.
func (e *Engine) resolveDeleteVsRemoteEdit(ctx context.Context, obj *store.Object) error {
	if e.cfg.ConflictPolicy == config.PolicyLocalWins {
		metrics.ConflictsTotal.WithLabelValues("local_wins").Inc()
		current, err := e.adapter.Metadata(ctx, *obj.CloudID)
		if err != nil {
			if remote.IsGone(err) {
				if cerr := e.cache.Remove(obj.ID); cerr != nil {
					return cerr
				}
				return e.st.PurgeObject(obj.ID)
			}
			return err
		}
		if derr := e.adapter.Delete(ctx, *obj.CloudID, current.ETag); derr != nil && !remote.IsGone(derr) {
			return derr
		}
		if cerr := e.cache.Remove(obj.ID); cerr != nil {
			return cerr
		}
		return e.st.PurgeObject(obj.ID)
	}

	// default: cancel the local delete and restore the remote version
	metrics.ConflictsTotal.WithLabelValues("restore_remote").Inc()
	logging.Info("local delete cancelled; remote version restored",
		logging.String("object", obj.ID))
	err := e.st.Tx(func(tx *store.Store) error {
		o, err := tx.GetObject(obj.ID)
		if err != nil {
			return err
		}
		o.Deleted = false
		o.Dirty = false
		o.SyncState = store.StatePendingPull
		return tx.SaveObject(o)
	})
	if err != nil {
		return err
	}
	return e.st.Enqueue(&store.Action{
		Type:      store.ActionEnsureLatest,
		TargetID:  obj.ID,
		Direction: store.DirectionPull,
		Priority:  store.PriorityInteractive,
	})
}

// Resolve applies a manual conflict choice from the control API.
func (e *Engine) Resolve(id, choice string) error {
	obj, err := e.st.GetObject(id)
	if err != nil {
		return err
	}
	if obj.SyncState != store.StateConflict {
		return fmt.Errorf("object %s is not in conflict", id)
	}

	switch choice {
	case "local":
		if err := e.st.SetSyncState(id, store.StatePendingPush); err != nil {
			return err
		}
		typ := store.ActionUpdateContent
		if obj.CloudID == nil {
			typ = store.ActionUpload
		}
		return e.st.Enqueue(&store.Action{
			Type:      typ,
			TargetID:  id,
			Direction: store.DirectionPush,
			Priority:  store.PriorityInteractive,
			Metadata:  `{"forced":"local"}`,
		})
	case "remote":
		if err := e.st.Tx(func(tx *store.Store) error {
			o, err := tx.GetObject(id)
			if err != nil {
				return err
			}
			o.Dirty = false
			o.SyncState = store.StatePendingPull
			return tx.SaveObject(o)
		}); err != nil {
			return err
		}
		return e.st.Enqueue(&store.Action{
			Type:      store.ActionEnsureLatest,
			TargetID:  id,
			Direction: store.DirectionPull,
			Priority:  store.PriorityInteractive,
		})
	default:
		return fmt.Errorf("unknown choice %q", choice)
	}
}
