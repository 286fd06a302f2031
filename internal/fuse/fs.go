// Package fuse projects the state store as a filesystem. Metadata calls are
// pure store reads; the only blocking path is read of not-yet-materialized
// content, which parks on a per-object waiter until the sync engine lands
// the chunks.
package fuse

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/rvardiashvili/Orchard/internal/cache"
	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/internal/store"
)

// staleListingAfter is how old a folder listing may be before readdir
// schedules a background refresh.
const staleListingAfter = 60 * time.Second

// Config holds FUSE surface configuration.
type Config struct {
	ChunkSize           int64
	SmallFileThreshold  int64
	ChunkReadTimeout    time.Duration
	ThumbnailerDenylist []string
	ThumbnailerResponse string
}

// OrchardFS owns the mounted tree.
type OrchardFS struct {
	st    *store.Store
	cache *cache.Cache
	cfg   Config
}

// New builds the filesystem surface.
func New(st *store.Store, c *cache.Cache, cfg Config) *OrchardFS {
	if cfg.ChunkReadTimeout <= 0 {
		cfg.ChunkReadTimeout = 60 * time.Second
	}
	return &OrchardFS{st: st, cache: c, cfg: cfg}
}

// Mount mounts the filesystem and returns the running server.
func (f *OrchardFS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	root := &Node{fsys: f, objectID: store.RootID}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      false,
			FsName:     "orchard",
			Name:       "orchard",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return server, nil
}

// Node represents one object in the projected tree. It holds only the object
// ID; metadata is resolved from the store per call so the kernel always sees
// the current row.
type Node struct {
	fs.Inode

	fsys     *OrchardFS
	objectID string
}

// Ensure Node implements the required interfaces
var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeSetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)

func (n *Node) object() (*store.Object, error) {
	return n.fsys.st.GetObject(n.objectID)
}

func fillAttr(o *store.Object, out *gofuse.Attr) {
	if o.IsFolder() {
		out.Mode = 0o755 | syscall.S_IFDIR
		out.Size = 4096
	} else {
		out.Mode = 0o644 | syscall.S_IFREG
		out.Size = uint64(o.Size)
	}
	mtime := o.LocalModifiedAt
	if mtime == 0 {
		mtime = o.CloudModifiedAt
	}
	out.Mtime = uint64(mtime)
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// Getattr returns attributes from the store. It never touches the network.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	o, err := n.object()
	if err != nil {
		return syscall.ENOENT
	}
	fillAttr(o, &out.Attr)
	return 0
}

// Lookup finds a child by name via a store read.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, err := n.fsys.st.GetChild(n.objectID, name)
	if err != nil {
		return nil, syscall.ENOENT
	}

	fillAttr(child, &out.Attr)
	node := &Node{fsys: n.fsys, objectID: child.ID}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: out.Attr.Mode}), 0
}

// Readdir lists children from the store. A stale folder gets a low-priority
// background list_children; the current rows are returned immediately.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	o, err := n.object()
	if err != nil {
		return nil, syscall.ENOENT
	}
	if !o.IsFolder() {
		return nil, syscall.ENOTDIR
	}

	if time.Since(time.Unix(o.LastSynced, 0)) > staleListingAfter {
		pending, err := n.fsys.st.HasPending(o.ID, store.ActionListChildren)
		if err == nil && !pending {
			if err := n.fsys.st.Enqueue(&store.Action{
				Type:      store.ActionListChildren,
				TargetID:  o.ID,
				Direction: store.DirectionPull,
				Priority:  store.PriorityBackground,
			}); err != nil {
				logging.Warn("failed to enqueue listing refresh", logging.Err(err))
			}
		}
	}

	children, err := n.fsys.st.ListChildren(o.ID)
	if err != nil {
		return nil, syscall.EIO
	}
	entries := make([]gofuse.DirEntry, 0, len(children))
	for i := range children {
		mode := uint32(syscall.S_IFREG)
		if children[i].IsFolder() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{
			Name: children[i].FullName(),
			Mode: mode,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open never blocks on download: it validates existence, bumps the open
// count, and hands back a handle. Content materializes on read.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	o, err := n.object()
	if err != nil {
		return nil, 0, syscall.ENOENT
	}
	if o.IsFolder() {
		return nil, 0, syscall.EISDIR
	}

	if err := n.fsys.incOpen(o.ID); err != nil {
		logging.Warn("open count tracking failed", logging.String("object", o.ID), logging.Err(err))
	}

	if flags&syscall.O_TRUNC != 0 {
		if errno := n.truncateTo(o, 0); errno != 0 {
			return nil, 0, errno
		}
	}

	return &handle{node: n, objectID: o.ID}, 0, 0
}

// Create makes a new local file, immediately writable and fully cached.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	o, err := n.fsys.st.CreateLocalObject(n.objectID, name, store.TypeFile)
	if err == store.ErrAlreadyExists {
		return nil, nil, 0, syscall.EEXIST
	}
	if err != nil {
		return nil, nil, 0, syscall.EIO
	}
	if err := n.fsys.cache.CreateEmpty(o.ID); err != nil {
		logging.Error("create cache file failed", logging.String("object", o.ID), logging.Err(err))
		return nil, nil, 0, syscall.EIO
	}
	if err := n.fsys.st.Enqueue(&store.Action{
		Type:      store.ActionUpload,
		TargetID:  o.ID,
		Direction: store.DirectionPush,
		Priority:  store.PriorityInteractive,
	}); err != nil {
		return nil, nil, 0, syscall.EIO
	}
	if err := n.fsys.incOpen(o.ID); err != nil {
		logging.Warn("open count tracking failed", logging.String("object", o.ID), logging.Err(err))
	}

	fillAttr(o, &out.Attr)
	node := &Node{fsys: n.fsys, objectID: o.ID}
	inode := n.NewInode(ctx, node, fs.StableAttr{Mode: out.Attr.Mode})
	logging.Info("created file", logging.String("object", o.ID), logging.String("name", name))
	return inode, &handle{node: node, objectID: o.ID}, 0, 0
}

// Mkdir makes a new local folder and queues its push.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	o, err := n.fsys.st.CreateLocalObject(n.objectID, name, store.TypeFolder)
	if err == store.ErrAlreadyExists {
		return nil, syscall.EEXIST
	}
	if err != nil {
		return nil, syscall.EIO
	}
	if err := n.fsys.st.Enqueue(&store.Action{
		Type:      store.ActionUpload,
		TargetID:  o.ID,
		Direction: store.DirectionPush,
		Priority:  store.PriorityInteractive,
	}); err != nil {
		return nil, syscall.EIO
	}

	fillAttr(o, &out.Attr)
	node := &Node{fsys: n.fsys, objectID: o.ID}
	logging.Info("created folder", logging.String("object", o.ID), logging.String("name", name))
	return n.NewInode(ctx, node, fs.StableAttr{Mode: out.Attr.Mode}), 0
}

// Unlink soft-deletes a file and queues the remote delete.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	child, err := n.fsys.st.GetChild(n.objectID, name)
	if err != nil {
		return syscall.ENOENT
	}
	if child.IsFolder() {
		return syscall.EISDIR
	}
	return n.fsys.softDelete(child)
}

// Rmdir soft-deletes an empty folder.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	child, err := n.fsys.st.GetChild(n.objectID, name)
	if err != nil {
		return syscall.ENOENT
	}
	if !child.IsFolder() {
		return syscall.ENOTDIR
	}
	children, err := n.fsys.st.ListChildren(child.ID)
	if err != nil {
		return syscall.EIO
	}
	if len(children) > 0 {
		return syscall.ENOTEMPTY
	}
	return n.fsys.softDelete(child)
}

func (f *OrchardFS) softDelete(o *store.Object) syscall.Errno {
	if err := f.st.MarkDeleted(o.ID, store.StateDeletedLocal); err != nil {
		logging.Error("soft delete failed", logging.String("object", o.ID), logging.Err(err))
		return syscall.EIO
	}
	if err := f.st.Enqueue(&store.Action{
		Type:      store.ActionDelete,
		TargetID:  o.ID,
		Direction: store.DirectionPush,
		Priority:  store.PriorityInteractive,
	}); err != nil {
		return syscall.EIO
	}
	logging.Info("deleted", logging.String("object", o.ID), logging.String("name", o.FullName()))
	return 0
}

// Rename rewrites the store row atomically and queues rename and/or move.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	src, err := n.fsys.st.GetChild(n.objectID, name)
	if err != nil {
		return syscall.ENOENT
	}
	destNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EIO
	}

	// RENAME_NOREPLACE
	existing, err := n.fsys.st.GetChild(destNode.objectID, newName)
	if err == nil {
		if flags&1 != 0 {
			return syscall.EEXIST
		}
		if existing.IsFolder() {
			return syscall.EEXIST
		}
		if errno := n.fsys.softDelete(existing); errno != 0 {
			return errno
		}
	} else if err != store.ErrNotFound {
		return syscall.EIO
	}

	isRename := name != newName
	isMove := src.ParentID == nil || *src.ParentID != destNode.objectID
	originalParent := ""
	if src.ParentID != nil {
		originalParent = *src.ParentID
	}

	err = n.fsys.st.Tx(func(tx *store.Store) error {
		o, err := tx.GetObject(src.ID)
		if err != nil {
			return err
		}
		if o.Type == store.TypeFile {
			o.Name, o.Extension = store.SplitName(newName)
		} else {
			o.Name, o.Extension = newName, ""
		}
		parentID := destNode.objectID
		o.ParentID = &parentID
		o.LocalModifiedAt = timeNow().Unix()
		return tx.SaveObject(o)
	})
	if err != nil {
		return syscall.EIO
	}

	if isMove {
		a := &store.Action{
			Type:        store.ActionMove,
			TargetID:    src.ID,
			Destination: destNode.objectID,
			Direction:   store.DirectionPush,
			Priority:    store.PriorityInteractive,
		}
		a.SetMeta(map[string]any{"original_parent_id": originalParent})
		if err := n.fsys.st.Enqueue(a); err != nil {
			return syscall.EIO
		}
	}
	if isRename {
		if err := n.fsys.st.Enqueue(&store.Action{
			Type:        store.ActionRename,
			TargetID:    src.ID,
			Destination: newName,
			Direction:   store.DirectionPush,
			Priority:    store.PriorityInteractive,
		}); err != nil {
			return syscall.EIO
		}
	}

	logging.Info("renamed",
		logging.String("object", src.ID),
		logging.String("from", name),
		logging.String("to", newName))
	return 0
}

// Setattr handles truncate and mtime updates.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	o, err := n.object()
	if err != nil {
		return syscall.ENOENT
	}

	if sz, ok := in.GetSize(); ok && o.Type == store.TypeFile {
		if errno := n.truncateTo(o, int64(sz)); errno != 0 {
			return errno
		}
	}
	if mtime, ok := in.GetMTime(); ok {
		n.fsys.st.Tx(func(tx *store.Store) error {
			obj, err := tx.GetObject(o.ID)
			if err != nil {
				return err
			}
			obj.LocalModifiedAt = mtime.Unix()
			return tx.SaveObject(obj)
		})
	}

	return n.Getattr(ctx, fh, out)
}

func (n *Node) truncateTo(o *store.Object, length int64) syscall.Errno {
	if err := n.fsys.cache.Truncate(o.ID, length); err != nil {
		return syscall.EIO
	}
	err := n.fsys.st.Tx(func(tx *store.Store) error {
		obj, err := tx.GetObject(o.ID)
		if err != nil {
			return err
		}
		obj.Size = length
		if err := tx.SaveObject(obj); err != nil {
			return err
		}
		entry, err := tx.GetCacheEntry(o.ID)
		if err == store.ErrNotFound {
			entry = &store.CacheEntry{ObjectID: o.ID, LocalPath: n.fsys.cache.Path(o.ID)}
		} else if err != nil {
			return err
		}
		entry.Size = length
		entry.PresentLocally = store.PresenceFull
		if err := tx.PutCacheEntry(entry); err != nil {
			return err
		}
		return tx.PurgeChunks(o.ID)
	})
	if err != nil {
		return syscall.EIO
	}
	if err := n.fsys.st.MarkDirty(o.ID); err != nil {
		return syscall.EIO
	}
	if err := n.fsys.st.Enqueue(&store.Action{
		Type:      store.ActionUpdateContent,
		TargetID:  o.ID,
		Direction: store.DirectionPush,
		Priority:  store.PriorityInteractive,
	}); err != nil {
		return syscall.EIO
	}
	return 0
}

// incOpen bumps the open count, creating the cache row when the file was
// never materialized.
func (f *OrchardFS) incOpen(objectID string) error {
	return f.st.Tx(func(tx *store.Store) error {
		entry, err := tx.GetCacheEntry(objectID)
		if err == store.ErrNotFound {
			entry = &store.CacheEntry{
				ObjectID:  objectID,
				LocalPath: f.cache.Path(objectID),
			}
		} else if err != nil {
			return err
		}
		entry.OpenCount++
		entry.LastAccessed = timeNow().Unix()
		return tx.PutCacheEntry(entry)
	})
}

var timeNow = time.Now
