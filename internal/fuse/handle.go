package fuse

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/rvardiashvili/Orchard/internal/cache"
	"github.com/rvardiashvili/Orchard/internal/config"
	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/internal/metrics"
	"github.com/rvardiashvili/Orchard/internal/store"
)

// handle is an open file. Reads and writes go through the cache layer; the
// content push is scheduled as a coalesced update_content on release.
type handle struct {
	node     *Node
	objectID string

	mu    sync.Mutex
	dirty bool
}

var _ fs.FileHandle = (*handle)(nil)
var _ fs.FileReader = (*handle)(nil)
var _ fs.FileWriter = (*handle)(nil)
var _ fs.FileFlusher = (*handle)(nil)
var _ fs.FileReleaser = (*handle)(nil)

// Read is the sole blocking FUSE path, and only when content is missing: it
// enqueues the needed chunks at FUSE priority and parks on the per-object
// waiter until they land or the timeout elapses.
func (h *handle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	f := h.node.fsys
	o, err := f.st.GetObject(h.objectID)
	if err != nil {
		return nil, syscall.ENOENT
	}

	if off >= o.Size {
		return gofuse.ReadResultData(nil), 0
	}
	want := int64(len(dest))
	if off+want > o.Size {
		want = o.Size - off
	}

	entry, err := f.st.GetCacheEntry(o.ID)
	if err != nil && err != store.ErrNotFound {
		return nil, syscall.EIO
	}

	if entry != nil && entry.PresentLocally == store.PresenceFull {
		metrics.FuseReads.WithLabelValues("cache").Inc()
		f.st.TouchCacheEntry(o.ID)
		return h.readCached(dest[:want], off)
	}

	// Content is missing; a denylisted caller never triggers materialization.
	if caller, ok := gofuse.FromContext(ctx); ok {
		comm := processComm(caller.Pid)
		if deniedComm(comm, f.cfg.ThumbnailerDenylist) {
			metrics.ThumbnailerSuppressions.Inc()
			logging.Debug("suppressed thumbnailer read",
				logging.String("object", o.ID),
				logging.String("comm", comm))
			if f.cfg.ThumbnailerResponse == config.ThumbnailerError {
				return nil, syscall.EIO
			}
			for i := range dest[:want] {
				dest[i] = 0
			}
			return gofuse.ReadResultData(dest[:want]), 0
		}
	}

	if errno := h.materialize(ctx, o, off, want); errno != 0 {
		return nil, errno
	}

	metrics.FuseReads.WithLabelValues("fetched").Inc()
	return h.readCached(dest[:want], off)
}

func (h *handle) readCached(dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n, err := h.node.fsys.cache.ReadAt(h.objectID, dest, off)
	if err != nil {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

// materialize blocks until [off, off+want) is served locally. Small files
// download in full; large files fetch exactly the covering chunks.
func (h *handle) materialize(ctx context.Context, o *store.Object, off, want int64) syscall.Errno {
	f := h.node.fsys
	deadline := timeNow().Add(f.cfg.ChunkReadTimeout)

	small := o.Size < f.cfg.SmallFileThreshold
	for {
		var satisfied bool
		if small {
			entry, err := f.st.GetCacheEntry(o.ID)
			if err != nil && err != store.ErrNotFound {
				return syscall.EIO
			}
			satisfied = entry != nil && entry.PresentLocally == store.PresenceFull
			if !satisfied {
				if err := f.st.Enqueue(&store.Action{
					Type:      store.ActionDownload,
					TargetID:  o.ID,
					Direction: store.DirectionPull,
					Priority:  store.PriorityFuse,
				}); err != nil {
					return syscall.EIO
				}
			}
		} else {
			missing, err := f.cache.MissingChunks(o.ID, off, want, o.Size)
			if err != nil {
				return syscall.EIO
			}
			satisfied = len(missing) == 0
			for _, idx := range missing {
				a := &store.Action{
					Type:      store.ActionDownloadChunk,
					TargetID:  o.ID,
					Direction: store.DirectionPull,
					Priority:  store.PriorityFuse,
				}
				a.SetMeta(map[string]any{"chunk_index": idx})
				if err := f.st.Enqueue(a); err != nil {
					return syscall.EIO
				}
			}
		}

		if satisfied {
			if !small {
				first, last, ok := cache.ChunkRange(off, want, o.Size, f.cfg.ChunkSize)
				if ok {
					indices := make([]int64, 0, last-first+1)
					for i := first; i <= last; i++ {
						indices = append(indices, i)
					}
					f.st.TouchChunks(o.ID, indices)
				}
			}
			return 0
		}

		if !f.cache.Waiters.Wait(ctx, o.ID, deadline) {
			if timeNow().After(deadline) {
				logging.Error("read timed out waiting for content",
					logging.String("object", o.ID),
					logging.Int64("offset", off))
				return syscall.EIO
			}
			return syscall.EINTR
		}
	}
}

// Write lands in the cache file and marks the object dirty. A write to a
// sparse file forces promotion: every missing chunk is queued and the upload
// stays deferred until the file is full.
func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	f := h.node.fsys
	o, err := f.st.GetObject(h.objectID)
	if err != nil {
		return 0, syscall.ENOENT
	}

	entry, err := f.st.GetCacheEntry(o.ID)
	if err != nil && err != store.ErrNotFound {
		return 0, syscall.EIO
	}

	sparse := entry != nil && entry.PresentLocally == store.PresenceSparse
	absent := entry == nil || entry.PresentLocally == store.PresenceAbsent

	if absent && o.Size > 0 {
		// overwriting an unfetched file: materialize the affected range first
		if o.Size < f.cfg.SmallFileThreshold {
			if errno := h.materialize(ctx, o, 0, o.Size); errno != 0 {
				return 0, errno
			}
		} else {
			if err := f.cache.Reserve(o.ID, o.Size); err != nil {
				return 0, syscall.EIO
			}
			sparse = true
		}
	}

	newSize, err := f.cache.WriteAt(o.ID, data, off)
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return 0, syscall.ENOSPC
		}
		return 0, syscall.EIO
	}

	if sparse {
		// the written region is now locally authoritative
		first, last, ok := cache.ChunkRange(off, int64(len(data)), newSize, f.cfg.ChunkSize)
		if ok {
			for i := first; i <= last; i++ {
				f.st.AddChunk(o.ID, i)
			}
		}
		// force promotion: fetch everything still missing
		missing, err := f.cache.MissingChunks(o.ID, 0, newSize, newSize)
		if err == nil {
			for _, idx := range missing {
				a := &store.Action{
					Type:      store.ActionDownloadChunk,
					TargetID:  o.ID,
					Direction: store.DirectionPull,
					Priority:  store.PriorityInteractive,
				}
				a.SetMeta(map[string]any{"chunk_index": idx})
				f.st.Enqueue(a)
			}
		}
		f.cache.PromoteIfComplete(o.ID, newSize)
	}

	err = f.st.Tx(func(tx *store.Store) error {
		obj, err := tx.GetObject(o.ID)
		if err != nil {
			return err
		}
		if newSize > obj.Size {
			obj.Size = newSize
			if err := tx.SaveObject(obj); err != nil {
				return err
			}
		}
		e, err := tx.GetCacheEntry(o.ID)
		if err == store.ErrNotFound {
			e = &store.CacheEntry{
				ObjectID:       o.ID,
				LocalPath:      f.cache.Path(o.ID),
				PresentLocally: store.PresenceFull,
			}
		} else if err != nil {
			return err
		}
		if e.PresentLocally == store.PresenceAbsent {
			e.PresentLocally = store.PresenceFull
		}
		if newSize > e.Size || e.PresentLocally == store.PresenceFull {
			e.Size = newSize
		}
		e.LastAccessed = timeNow().Unix()
		return tx.PutCacheEntry(e)
	})
	if err != nil {
		return 0, syscall.EIO
	}

	if err := f.st.MarkDirty(o.ID); err != nil {
		logging.Error("mark dirty failed", logging.String("object", o.ID), logging.Err(err))
		return 0, syscall.EIO
	}

	h.mu.Lock()
	h.dirty = true
	h.mu.Unlock()

	return uint32(len(data)), 0
}

// Flush schedules the coalesced content push.
func (h *handle) Flush(ctx context.Context) syscall.Errno {
	return h.scheduleUpdate()
}

func (h *handle) scheduleUpdate() syscall.Errno {
	h.mu.Lock()
	dirty := h.dirty
	h.dirty = false
	h.mu.Unlock()
	if !dirty {
		return 0
	}

	if err := h.node.fsys.st.Enqueue(&store.Action{
		Type:      store.ActionUpdateContent,
		TargetID:  h.objectID,
		Direction: store.DirectionPush,
		Priority:  store.PriorityInteractive,
	}); err != nil {
		return syscall.EIO
	}
	return 0
}

// Release drops the open count. The last close of a remotely deleted file
// purges its projection and cache content.
func (h *handle) Release(ctx context.Context) syscall.Errno {
	if errno := h.scheduleUpdate(); errno != 0 {
		return errno
	}

	f := h.node.fsys
	count, err := f.st.AdjustOpenCount(h.objectID, -1)
	if err != nil {
		if err == store.ErrNotFound {
			return 0
		}
		return syscall.EIO
	}

	if count == 0 {
		o, err := f.st.GetObject(h.objectID)
		if err == nil && o.SyncState == store.StateDeletedCloud {
			if err := f.cache.Remove(o.ID); err != nil {
				logging.Warn("purge after close failed", logging.String("object", o.ID), logging.Err(err))
			}
			if err := f.st.PurgeObject(o.ID); err != nil {
				logging.Warn("tombstone purge failed", logging.String("object", o.ID), logging.Err(err))
			}
		}
	}
	return 0
}

