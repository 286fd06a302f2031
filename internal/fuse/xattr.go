package fuse

import (
	"context"
	"strings"
	"syscall"

	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/internal/store"
)

// Extended attributes exposed on projected files.
const (
	xattrStatus  = "user.orchard.status"
	xattrPin     = "user.orchard.pin"
	xattrEmblems = "user.xdg.emblems"
)

// statusOf derives the user-visible sync status. Uncached cloud content
// reads as "cloud"; a partially materialized file as "partial".
func statusOf(o *store.Object, entry *store.CacheEntry) string {
	if o.Type == store.TypeFile {
		present := store.PresenceAbsent
		if entry != nil {
			present = entry.PresentLocally
		}
		if present == store.PresenceSparse {
			return "partial"
		}
		if present == store.PresenceAbsent && o.Origin == store.OriginCloud &&
			o.SyncState == store.StateSynced {
			return "cloud"
		}
	}
	switch o.SyncState {
	case store.StateDeletedLocal, store.StateDeletedCloud:
		return "error"
	default:
		return o.SyncState
	}
}

// emblemsFor maps a status to desktop emblem names.
func emblemsFor(status string) string {
	switch status {
	case "synced":
		return "emblem-default"
	case "dirty", "pending_push", "pending_pull":
		return "emblem-synchronizing"
	case "cloud":
		return "emblem-web"
	case "partial":
		return "emblem-downloads"
	case "conflict":
		return "emblem-important"
	case "error":
		return "emblem-unreadable"
	default:
		return ""
	}
}

// Getxattr serves sync status, pin state, and desktop emblems.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	o, err := n.object()
	if err != nil {
		return 0, syscall.ENOENT
	}
	entry, err := n.fsys.st.GetCacheEntry(o.ID)
	if err != nil && err != store.ErrNotFound {
		return 0, syscall.EIO
	}

	var value string
	switch attr {
	case xattrStatus:
		value = statusOf(o, entry)
	case xattrPin:
		if entry != nil && entry.Pinned {
			value = "1"
		} else {
			value = "0"
		}
	case xattrEmblems:
		value = emblemsFor(statusOf(o, entry))
	default:
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Setxattr accepts pin requests: writing "1" pins a file (and schedules full
// materialization), "0" unpins it and may trigger eviction.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if attr != xattrPin {
		return syscall.ENOTSUP
	}
	o, err := n.object()
	if err != nil {
		return syscall.ENOENT
	}
	if o.Type != store.TypeFile {
		return syscall.ENOTSUP
	}

	switch strings.TrimSpace(string(data)) {
	case "1":
		return errnoOf(n.fsys.Pin(o))
	case "0":
		return errnoOf(n.fsys.Unpin(o))
	default:
		return syscall.EINVAL
	}
}

func errnoOf(err error) syscall.Errno {
	if err != nil {
		return syscall.EIO
	}
	return 0
}

// Pin pins a file and queues whatever fetches are needed to make it fully
// resident.
func (f *OrchardFS) Pin(o *store.Object) error {
	if err := f.st.Tx(func(tx *store.Store) error {
		entry, err := tx.GetCacheEntry(o.ID)
		if err == store.ErrNotFound {
			entry = &store.CacheEntry{ObjectID: o.ID, LocalPath: f.cache.Path(o.ID)}
		} else if err != nil {
			return err
		}
		entry.Pinned = true
		return tx.PutCacheEntry(entry)
	}); err != nil {
		return err
	}

	entry, err := f.st.GetCacheEntry(o.ID)
	if err != nil {
		return err
	}
	if entry.PresentLocally == store.PresenceFull {
		return nil
	}

	if o.Size < f.cfg.SmallFileThreshold {
		return f.st.Enqueue(&store.Action{
			Type:      store.ActionDownload,
			TargetID:  o.ID,
			Direction: store.DirectionPull,
			Priority:  store.PriorityBackground,
		})
	}
	missing, err := f.cache.MissingChunks(o.ID, 0, o.Size, o.Size)
	if err != nil {
		return err
	}
	for _, idx := range missing {
		a := &store.Action{
			Type:      store.ActionDownloadChunk,
			TargetID:  o.ID,
			Direction: store.DirectionPull,
			Priority:  store.PriorityBackground,
		}
		a.SetMeta(map[string]any{"chunk_index": idx})
		if err := f.st.Enqueue(a); err != nil {
			return err
		}
	}
	logging.Info("pinned", logging.String("object", o.ID), logging.Int("chunks_queued", len(missing)))
	return nil
}

// Unpin releases the pin and lets the next eviction pass reclaim space.
func (f *OrchardFS) Unpin(o *store.Object) error {
	if err := f.st.SetPinned(o.ID, false); err != nil {
		return err
	}
	return f.cache.MaybeEvict()
}

// Listxattr lists the exposed attributes.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	attrs := []string{xattrStatus, xattrPin, xattrEmblems}

	var total int
	for _, attr := range attrs {
		total += len(attr) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}
	offset := 0
	for _, attr := range attrs {
		copy(dest[offset:], attr)
		offset += len(attr)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}
