package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rvardiashvili/Orchard/internal/store"
)

const (
	testChunkSize = 8 << 20
	testThreshold = 32 << 20
)

func newTestCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := New(filepath.Join(dir, "objects"), st, Options{
		ChunkSize:          testChunkSize,
		SmallFileThreshold: testThreshold,
		MaxBytes:           1 << 30,
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return c, st
}

func TestChunkRange(t *testing.T) {
	tests := []struct {
		name        string
		off, length int64
		size        int64
		wantFirst   int64
		wantLast    int64
		wantOK      bool
	}{
		{"first bytes", 0, 4096, 100 << 20, 0, 0, true},
		{"straddles boundary", testChunkSize - 1, 2, 100 << 20, 0, 1, true},
		{"mid file", 90 << 20, 4096, 100 << 20, 11, 11, true},
		{"clamped at eof", (100 << 20) - 10, 4096, 100 << 20, 12, 12, true},
		{"past eof", 200 << 20, 4096, 100 << 20, 0, 0, false},
		{"zero length", 0, 0, 100 << 20, 0, 0, false},
		{"empty file", 0, 10, 0, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last, ok := ChunkRange(tt.off, tt.length, tt.size, testChunkSize)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if first != tt.wantFirst || last != tt.wantLast {
				t.Errorf("range = [%d,%d], want [%d,%d]", first, last, tt.wantFirst, tt.wantLast)
			}
		})
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size int64
		want int64
	}{
		{0, 0},
		{1, 1},
		{testChunkSize, 1},
		{testChunkSize + 1, 2},
		{100 << 20, 13},
	}
	for _, tt := range tests {
		if got := ChunkCount(tt.size, testChunkSize); got != tt.want {
			t.Errorf("ChunkCount(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestPutFull_AtomicAndHashed(t *testing.T) {
	c, st := newTestCache(t)

	content := []byte("hello orchard")
	hash, err := c.PutFull("obj-1", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("PutFull: %v", err)
	}
	if hash == "" {
		t.Fatal("PutFull returned empty hash")
	}

	// no .part leftover
	if _, err := os.Stat(c.Path("obj-1") + PartSuffix); !os.IsNotExist(err) {
		t.Error(".part file left behind")
	}

	data, err := os.ReadFile(c.Path("obj-1"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("content mismatch")
	}

	entry, err := st.GetCacheEntry("obj-1")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if entry.PresentLocally != store.PresenceFull || entry.Size != int64(len(content)) {
		t.Errorf("entry = %+v", entry)
	}
	if entry.FileHash != hash {
		t.Error("entry hash differs from returned hash")
	}
}

func TestPutFull_RejectsShortDownload(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.PutFull("obj-short", bytes.NewReader([]byte("abc")), 10)
	if err == nil {
		t.Fatal("short download accepted")
	}
	if _, serr := os.Stat(c.Path("obj-short") + PartSuffix); !os.IsNotExist(serr) {
		t.Error(".part file left behind after failure")
	}
}

func TestPutFull_ZeroByteFile(t *testing.T) {
	c, st := newTestCache(t)
	if _, err := c.PutFull("empty", bytes.NewReader(nil), 0); err != nil {
		t.Fatalf("PutFull: %v", err)
	}
	entry, _ := st.GetCacheEntry("empty")
	if entry.PresentLocally != store.PresenceFull || entry.Size != 0 {
		t.Errorf("entry = %+v", entry)
	}
	indices, _ := st.ChunkIndices("empty")
	if len(indices) != 0 {
		t.Error("zero-byte file grew chunk rows")
	}
}

func TestSparseFlag_ThresholdBoundary(t *testing.T) {
	c, _ := newTestCache(t)
	if c.Sparse(testThreshold - 1) {
		t.Error("size threshold-1 should use full download")
	}
	if !c.Sparse(testThreshold) {
		t.Error("size exactly threshold should be sparse")
	}
}

func TestReserveWriteChunkPromote(t *testing.T) {
	c, st := newTestCache(t)

	// two chunks: one full, one partial
	size := int64(testChunkSize + 100)
	if err := c.Reserve("big", size); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	info, err := os.Stat(c.Path("big"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != size {
		t.Errorf("sparse file size = %d, want %d", info.Size(), size)
	}

	entry, _ := st.GetCacheEntry("big")
	if entry.PresentLocally != store.PresenceSparse {
		t.Fatalf("presence = %d, want sparse", entry.PresentLocally)
	}

	missing, err := c.MissingChunks("big", 0, size, size)
	if err != nil {
		t.Fatalf("MissingChunks: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want both chunks", missing)
	}

	chunk0 := bytes.Repeat([]byte{0xAA}, testChunkSize)
	if err := c.WriteChunk("big", 0, chunk0, size); err != nil {
		t.Fatalf("WriteChunk 0: %v", err)
	}

	missing, _ = c.MissingChunks("big", 0, size, size)
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("missing after chunk 0 = %v, want [1]", missing)
	}

	// still sparse before the last chunk arrives
	entry, _ = st.GetCacheEntry("big")
	if entry.PresentLocally != store.PresenceSparse {
		t.Error("promoted before all chunks present")
	}

	chunk1 := bytes.Repeat([]byte{0xBB}, 100)
	if err := c.WriteChunk("big", 1, chunk1, size); err != nil {
		t.Fatalf("WriteChunk 1: %v", err)
	}

	entry, _ = st.GetCacheEntry("big")
	if entry.PresentLocally != store.PresenceFull {
		t.Error("not promoted once complete")
	}
	indices, _ := st.ChunkIndices("big")
	if len(indices) != 0 {
		t.Error("chunk rows survived promotion")
	}

	// the written bytes are where they should be
	buf := make([]byte, 4)
	if _, err := c.ReadAt("big", buf, int64(testChunkSize)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xBB, 0xBB, 0xBB, 0xBB}) {
		t.Errorf("chunk 1 content wrong: %x", buf)
	}
}

func TestMissingChunks_RangeOnly(t *testing.T) {
	c, _ := newTestCache(t)
	size := int64(100 << 20)
	if err := c.Reserve("movie", size); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// a 4k read at 90MiB needs only chunk 11
	missing, err := c.MissingChunks("movie", 90<<20, 4096, size)
	if err != nil {
		t.Fatalf("MissingChunks: %v", err)
	}
	if len(missing) != 1 || missing[0] != 11 {
		t.Errorf("missing = %v, want [11]", missing)
	}

	// a read straddling the first boundary needs chunks 0 and 1
	missing, _ = c.MissingChunks("movie", testChunkSize-1, 2, size)
	if len(missing) != 2 || missing[0] != 0 || missing[1] != 1 {
		t.Errorf("missing = %v, want [0 1]", missing)
	}
}

func TestInvalidateChunks(t *testing.T) {
	c, st := newTestCache(t)
	size := int64(testChunkSize * 2)
	c.Reserve("inv", size)
	c.WriteChunk("inv", 0, bytes.Repeat([]byte{1}, testChunkSize), size)

	if err := c.InvalidateChunks("inv", size); err != nil {
		t.Fatalf("InvalidateChunks: %v", err)
	}

	indices, _ := st.ChunkIndices("inv")
	if len(indices) != 0 {
		t.Error("chunk rows survived invalidation")
	}
	entry, _ := st.GetCacheEntry("inv")
	if entry.PresentLocally != store.PresenceSparse {
		t.Errorf("presence = %d, want sparse", entry.PresentLocally)
	}
	info, _ := os.Stat(c.Path("inv"))
	if info.Size() != size {
		t.Errorf("logical size changed: %d", info.Size())
	}
}

func TestSweepParts(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	root := filepath.Join(dir, "objects")
	os.MkdirAll(root, 0o755)
	leftover := filepath.Join(root, "obj-9"+PartSuffix)
	os.WriteFile(leftover, []byte("partial"), 0o644)
	keep := filepath.Join(root, "obj-10")
	os.WriteFile(keep, []byte("whole"), 0o644)

	if _, err := New(root, st, Options{ChunkSize: testChunkSize, SmallFileThreshold: testThreshold}); err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("leftover .part survived startup sweep")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("complete file removed by sweep")
	}
}

func TestStageUpload(t *testing.T) {
	c, _ := newTestCache(t)
	content := []byte("staged")
	if _, err := c.PutFull("st-1", bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("PutFull: %v", err)
	}

	link, cleanup, err := c.StageUpload("st-1", "Report Final.pdf")
	if err != nil {
		t.Fatalf("StageUpload: %v", err)
	}
	defer cleanup()

	if filepath.Base(link) != "Report Final.pdf" {
		t.Errorf("staged name = %s", filepath.Base(link))
	}
	// reading through the symlink yields the cache content
	data, err := os.ReadFile(link)
	if err != nil {
		t.Fatalf("ReadFile(link): %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("staged content mismatch")
	}
	// the cache file itself did not move
	if _, err := os.Stat(c.Path("st-1")); err != nil {
		t.Error("cache file moved by staging")
	}

	cleanup()
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Error("staging dir survived cleanup")
	}
}

func TestEvictForSpace_SkipsPinnedAndOpen(t *testing.T) {
	c, st := newTestCache(t)

	put := func(id string, ts int64) {
		content := bytes.Repeat([]byte{2}, 1000)
		if _, err := c.PutFull(id, bytes.NewReader(content), 1000); err != nil {
			t.Fatalf("PutFull %s: %v", id, err)
		}
		entry, _ := st.GetCacheEntry(id)
		entry.LastAccessed = ts
		st.PutCacheEntry(entry)
	}

	put("cold", 100)
	put("pinned", 50)
	put("open", 60)
	put("warm", 900)

	e, _ := st.GetCacheEntry("pinned")
	e.Pinned = true
	st.PutCacheEntry(e)
	e, _ = st.GetCacheEntry("open")
	e.OpenCount = 1
	st.PutCacheEntry(e)

	freed, err := c.EvictForSpace(1000, "")
	if err != nil {
		t.Fatalf("EvictForSpace: %v", err)
	}
	if freed < 1000 {
		t.Fatalf("freed %d, want >= 1000", freed)
	}

	// the cold unpinned file went first
	if _, err := os.Stat(c.Path("cold")); !os.IsNotExist(err) {
		t.Error("cold file survived eviction")
	}
	if _, err := os.Stat(c.Path("pinned")); err != nil {
		t.Error("pinned file evicted")
	}
	if _, err := os.Stat(c.Path("open")); err != nil {
		t.Error("open file evicted")
	}
}

func TestWaiters_NotifyWakes(t *testing.T) {
	w := NewWaiters()
	done := make(chan bool, 1)

	go func() {
		done <- w.Wait(context.Background(), "obj", time.Now().Add(5*time.Second))
	}()

	// give the waiter a moment to park
	time.Sleep(20 * time.Millisecond)
	w.Notify("obj")

	select {
	case ok := <-done:
		if !ok {
			t.Error("Wait returned false after Notify")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not wake")
	}
}

func TestWaiters_Timeout(t *testing.T) {
	w := NewWaiters()
	if w.Wait(context.Background(), "never", time.Now().Add(30*time.Millisecond)) {
		t.Error("Wait returned true without Notify")
	}
}
