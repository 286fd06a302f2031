// Package cache is the on-disk content store. Files are named by object ID
// under a single cache root. Small files are cached whole (absent or full);
// large files are sparse-allocated to their logical size with per-chunk
// presence tracked through the state store, and reclaimed by hole punching.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/internal/metrics"
	"github.com/rvardiashvili/Orchard/internal/store"
)

// PartSuffix is reserved for in-flight full downloads.
const PartSuffix = ".part"

// Options configures the cache layer.
type Options struct {
	ChunkSize          int64
	SmallFileThreshold int64
	MaxBytes           int64
}

// Cache manages content files for the state store's cache entries.
type Cache struct {
	root    string
	st      *store.Store
	opts    Options
	Waiters *Waiters
}

// New creates the cache root if needed and sweeps leftover .part files.
func New(root string, st *store.Store, opts Options) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	c := &Cache{
		root:    root,
		st:      st,
		opts:    opts,
		Waiters: NewWaiters(),
	}
	if err := c.sweepParts(); err != nil {
		return nil, err
	}
	return c, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// Path returns the content path for an object ID.
func (c *Cache) Path(objectID string) string {
	return filepath.Join(c.root, objectID)
}

// Sparse reports whether a file of the given size is cached sparsely.
func (c *Cache) Sparse(size int64) bool {
	return size >= c.opts.SmallFileThreshold
}

// ChunkCount returns the number of chunks covering size bytes.
func (c *Cache) ChunkCount(size int64) int64 {
	return ChunkCount(size, c.opts.ChunkSize)
}

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size, chunkSize int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// ChunkRange returns the inclusive chunk index range covering
// [offset, offset+length) of a file of the given size. ok is false when the
// range lies entirely past the end.
func ChunkRange(offset, length, size, chunkSize int64) (first, last int64, ok bool) {
	if size <= 0 || length <= 0 || offset >= size {
		return 0, 0, false
	}
	end := offset + length - 1
	if end >= size {
		end = size - 1
	}
	return offset / chunkSize, end / chunkSize, true
}

// sweepParts removes leftover partial downloads from a previous run.
func (c *Cache) sweepParts() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("read cache root: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), PartSuffix) {
			path := filepath.Join(c.root, e.Name())
			if err := os.Remove(path); err != nil {
				logging.Warn("failed to sweep partial download",
					logging.String("path", path), logging.Err(err))
				continue
			}
			logging.Info("swept partial download", logging.String("path", path))
		}
	}
	return nil
}

// CreateEmpty materializes a zero-length cache file for a fresh local create
// and records it fully present.
func (c *Cache) CreateEmpty(objectID string) error {
	path := c.Path(objectID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	f.Close()
	return c.st.PutCacheEntry(&store.CacheEntry{
		ObjectID:       objectID,
		LocalPath:      path,
		Size:           0,
		PresentLocally: store.PresenceFull,
	})
}

// PutFull streams a complete download into the cache atomically: content is
// written to <path>.part, hashed, then renamed into place. The cache entry
// becomes full and waiters are woken.
func (c *Cache) PutFull(objectID string, r io.Reader, size int64) (string, error) {
	path := c.Path(objectID)
	partPath := path + PartSuffix

	f, err := os.Create(partPath)
	if err != nil {
		return "", fmt.Errorf("create part file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partPath)
		return "", fmt.Errorf("write content: %w", err)
	}
	if size >= 0 && written != size {
		os.Remove(partPath)
		return "", fmt.Errorf("short download: got %d bytes, want %d", written, size)
	}

	if err := os.Rename(partPath, path); err != nil {
		os.Remove(partPath)
		return "", fmt.Errorf("rename part file: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	err = c.st.Tx(func(tx *store.Store) error {
		if err := tx.PurgeChunks(objectID); err != nil {
			return err
		}
		return tx.PutCacheEntry(&store.CacheEntry{
			ObjectID:       objectID,
			LocalPath:      path,
			Size:           written,
			FileHash:       hash,
			PresentLocally: store.PresenceFull,
		})
	})
	if err != nil {
		return "", err
	}

	c.Waiters.Notify(objectID)
	return hash, nil
}

// Reserve ensures a sparse backing file of the logical size exists and the
// cache entry reflects sparse presence. Idempotent; an existing full entry of
// the same size is left alone, while one of a different size is reset to a
// sparse entry of the new size.
func (c *Cache) Reserve(objectID string, size int64) error {
	entry, err := c.st.GetCacheEntry(objectID)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if entry != nil && entry.PresentLocally == store.PresenceFull && entry.Size == size {
		return nil
	}

	path := c.Path(objectID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create sparse file: %w", err)
	}
	err = f.Truncate(size)
	f.Close()
	if err != nil {
		return fmt.Errorf("truncate sparse file: %w", err)
	}

	e := &store.CacheEntry{
		ObjectID:       objectID,
		LocalPath:      path,
		Size:           size,
		PresentLocally: store.PresenceSparse,
	}
	if entry != nil {
		e.Pinned = entry.Pinned
		e.OpenCount = entry.OpenCount
		e.LastAccessed = entry.LastAccessed
	}
	return c.st.PutCacheEntry(e)
}

// WriteChunk writes one downloaded chunk at its aligned offset, records the
// chunk row, promotes the entry to full when complete, and wakes waiters.
func (c *Cache) WriteChunk(objectID string, index int64, data []byte, size int64) error {
	if err := c.Reserve(objectID, size); err != nil {
		return err
	}

	f, err := os.OpenFile(c.Path(objectID), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open sparse file: %w", err)
	}
	_, err = f.WriteAt(data, index*c.opts.ChunkSize)
	f.Close()
	if err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}

	if err := c.st.AddChunk(objectID, index); err != nil {
		return err
	}
	if _, err := c.PromoteIfComplete(objectID, size); err != nil {
		return err
	}

	c.Waiters.Notify(objectID)
	return nil
}

// PromoteIfComplete promotes a sparse entry to full when every chunk
// 0..ceil(size/chunk)-1 is present, purging the chunk rows atomically.
func (c *Cache) PromoteIfComplete(objectID string, size int64) (bool, error) {
	indices, err := c.st.ChunkIndices(objectID)
	if err != nil {
		return false, err
	}
	want := c.ChunkCount(size)
	if int64(len(indices)) < want {
		return false, nil
	}
	present := make(map[int64]bool, len(indices))
	for _, i := range indices {
		present[i] = true
	}
	for i := int64(0); i < want; i++ {
		if !present[i] {
			return false, nil
		}
	}

	err = c.st.Tx(func(tx *store.Store) error {
		entry, err := tx.GetCacheEntry(objectID)
		if err != nil {
			return err
		}
		if entry.PresentLocally != store.PresenceSparse {
			return nil
		}
		entry.PresentLocally = store.PresenceFull
		if err := tx.PutCacheEntry(entry); err != nil {
			return err
		}
		return tx.PurgeChunks(objectID)
	})
	if err != nil {
		return false, err
	}

	c.Waiters.Notify(objectID)
	return true, nil
}

// MissingChunks returns the chunk indices required by [offset, offset+length)
// that are not yet present. A full entry has none.
func (c *Cache) MissingChunks(objectID string, offset, length, size int64) ([]int64, error) {
	entry, err := c.st.GetCacheEntry(objectID)
	if err == nil && entry.PresentLocally == store.PresenceFull {
		return nil, nil
	}
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	first, last, ok := ChunkRange(offset, length, size, c.opts.ChunkSize)
	if !ok {
		return nil, nil
	}

	indices, err := c.st.ChunkIndices(objectID)
	if err != nil {
		return nil, err
	}
	present := make(map[int64]bool, len(indices))
	for _, i := range indices {
		present[i] = true
	}

	var missing []int64
	for i := first; i <= last; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// ReadAt serves bytes from the cache file.
func (c *Cache) ReadAt(objectID string, dest []byte, off int64) (int, error) {
	f, err := os.Open(c.Path(objectID))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(dest, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// WriteAt writes into the cache file, extending it as needed. Returns the
// resulting file size.
func (c *Cache) WriteAt(objectID string, data []byte, off int64) (int64, error) {
	f, err := os.OpenFile(c.Path(objectID), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, off); err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Truncate resizes the cache file.
func (c *Cache) Truncate(objectID string, length int64) error {
	f, err := os.OpenFile(c.Path(objectID), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(length)
}

// Hash returns the sha256 of the cache file.
func (c *Cache) Hash(objectID string) (string, error) {
	f, err := os.Open(c.Path(objectID))
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// InvalidateChunks drops every chunk of a sparse entry: the backing file is
// reset to an empty sparse allocation and the chunk rows are purged. Used
// when the remote version moved underneath a partial download.
func (c *Cache) InvalidateChunks(objectID string, size int64) error {
	path := c.Path(objectID)
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err == nil {
		// drop data blocks, restore logical size
		if err := f.Truncate(0); err == nil {
			f.Truncate(size)
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}

	err = c.st.Tx(func(tx *store.Store) error {
		if err := tx.PurgeChunks(objectID); err != nil {
			return err
		}
		entry, err := tx.GetCacheEntry(objectID)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		entry.PresentLocally = store.PresenceSparse
		entry.FileHash = ""
		return tx.PutCacheEntry(entry)
	})
	if err != nil {
		return err
	}

	// wake blocked readers so they re-request against the new version
	c.Waiters.Notify(objectID)
	return nil
}

// Remove deletes the content file and its rows.
func (c *Cache) Remove(objectID string) error {
	if err := os.Remove(c.Path(objectID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return c.st.Tx(func(tx *store.Store) error {
		if err := tx.PurgeChunks(objectID); err != nil {
			return err
		}
		return tx.DeleteCacheEntry(objectID)
	})
}

// StageUpload presents the cache file under its intended remote name via a
// temporary symlink, without moving the cache file itself. The returned
// cleanup removes the staging directory.
func (c *Cache) StageUpload(objectID, remoteName string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "orchard-upload-*")
	if err != nil {
		return "", nil, fmt.Errorf("create staging dir: %w", err)
	}
	link := filepath.Join(dir, remoteName)
	if err := os.Symlink(c.Path(objectID), link); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("stage upload symlink: %w", err)
	}
	return link, func() { os.RemoveAll(dir) }, nil
}

// Usage returns the approximate bytes occupied: full entries at their size,
// sparse entries at chunk granularity.
func (c *Cache) Usage() (int64, error) {
	entries, err := c.st.ListCacheEntries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		switch e.PresentLocally {
		case store.PresenceFull:
			total += e.Size
		case store.PresenceSparse:
			indices, err := c.st.ChunkIndices(e.ObjectID)
			if err != nil {
				return 0, err
			}
			for _, i := range indices {
				remaining := e.Size - i*c.opts.ChunkSize
				if remaining > c.opts.ChunkSize {
					remaining = c.opts.ChunkSize
				}
				if remaining > 0 {
					total += remaining
				}
			}
		}
	}
	metrics.CacheBytes.Set(float64(total))
	return total, nil
}

// EvictForSpace frees at least need bytes (or everything evictable). Chunks
// are hole-punched oldest first; then unpinned, closed full entries go by
// LRU. The object named by exclude is never touched.
func (c *Cache) EvictForSpace(need int64, exclude string) (int64, error) {
	metrics.CacheEvictions.Inc()
	var freed int64

	// Pass 1: hole-punch cold chunks.
	chunks, err := c.st.OldestChunks(1024, exclude)
	if err != nil {
		return 0, err
	}
	for _, ch := range chunks {
		if freed >= need {
			break
		}
		n, err := c.punchChunk(ch.ObjectID, ch.ChunkIndex)
		if err != nil {
			logging.Warn("hole punch failed",
				logging.String("object", ch.ObjectID),
				logging.Int64("chunk", ch.ChunkIndex),
				logging.Err(err))
			continue
		}
		freed += n
	}
	if freed >= need {
		return freed, nil
	}

	// Pass 2: whole unpinned entries, LRU order.
	entries, err := c.st.ListCacheEntries()
	if err != nil {
		return freed, err
	}
	sortByLastAccessed(entries)
	for _, e := range entries {
		if freed >= need {
			break
		}
		if e.ObjectID == exclude || e.Pinned || e.OpenCount > 0 {
			continue
		}
		if e.PresentLocally != store.PresenceFull {
			continue
		}
		if err := c.Remove(e.ObjectID); err != nil {
			logging.Warn("evict failed", logging.String("object", e.ObjectID), logging.Err(err))
			continue
		}
		if err := c.st.PutCacheEntry(&store.CacheEntry{
			ObjectID:     e.ObjectID,
			LocalPath:    e.LocalPath,
			Size:         e.Size,
			LastAccessed: e.LastAccessed,
		}); err != nil {
			return freed, err
		}
		freed += e.Size
	}
	return freed, nil
}

// MaybeEvict runs an eviction pass when usage exceeds the configured ceiling.
func (c *Cache) MaybeEvict() error {
	if c.opts.MaxBytes <= 0 {
		return nil
	}
	used, err := c.Usage()
	if err != nil {
		return err
	}
	if used <= c.opts.MaxBytes {
		return nil
	}
	_, err = c.EvictForSpace(used-c.opts.MaxBytes, "")
	return err
}

// punchChunk releases the data blocks behind one chunk and drops its row.
// It checks the entry itself: entries that are open, pinned, or not sparse
// keep their chunks.
func (c *Cache) punchChunk(objectID string, index int64) (int64, error) {
	entry, err := c.st.GetCacheEntry(objectID)
	if err != nil {
		return 0, err
	}
	if entry.Pinned || entry.OpenCount > 0 || entry.PresentLocally != store.PresenceSparse {
		return 0, nil
	}

	length := c.opts.ChunkSize
	if remaining := entry.Size - index*c.opts.ChunkSize; remaining < length {
		length = remaining
	}
	if length <= 0 {
		return 0, c.st.DeleteChunk(objectID, index)
	}

	f, err := os.OpenFile(c.Path(objectID), os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, c.st.DeleteChunk(objectID, index)
		}
		return 0, err
	}
	defer f.Close()

	err = unix.Fallocate(int(f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		index*c.opts.ChunkSize, length)
	if err != nil {
		return 0, fmt.Errorf("fallocate punch hole: %w", err)
	}
	if err := c.st.DeleteChunk(objectID, index); err != nil {
		return 0, err
	}
	return length, nil
}

func sortByLastAccessed(entries []store.CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed < entries[j].LastAccessed
	})
}
