package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_BootstrapsRoot(t *testing.T) {
	s := openTestStore(t)

	root, err := s.GetObject(RootID)
	if err != nil {
		t.Fatalf("GetObject(root): %v", err)
	}
	if !root.IsFolder() {
		t.Error("root is not a folder")
	}
	if root.ParentID != nil {
		t.Error("root has a parent")
	}
	if root.Deleted {
		t.Error("root is deleted")
	}
}

func TestOpen_RecoversOrphanedProcessing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.sqlite")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Enqueue(&Action{
		Type: ActionUpload, TargetID: "x", Direction: DirectionPush,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	a, err := s.ClaimNext("worker-1", nil)
	if err != nil || a == nil {
		t.Fatalf("ClaimNext: %v %v", a, err)
	}
	s.Close()

	// simulate a crash: reopen and expect the claim reverted
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	b, err := s2.ClaimNext("worker-2", nil)
	if err != nil {
		t.Fatalf("ClaimNext after recovery: %v", err)
	}
	if b == nil {
		t.Fatal("orphaned processing action was not recovered to pending")
	}
	if b.ID != a.ID {
		t.Errorf("recovered action ID = %d, want %d", b.ID, a.ID)
	}
}

func TestCreateLocalObject(t *testing.T) {
	s := openTestStore(t)

	o, err := s.CreateLocalObject(RootID, "report.txt", TypeFile)
	if err != nil {
		t.Fatalf("CreateLocalObject: %v", err)
	}
	if o.Name != "report" || o.Extension != "txt" {
		t.Errorf("name split wrong: %q/%q", o.Name, o.Extension)
	}
	if o.Origin != OriginLocal || o.SyncState != StatePendingPush || !o.Dirty {
		t.Errorf("new local object state wrong: origin=%s state=%s dirty=%v",
			o.Origin, o.SyncState, o.Dirty)
	}
	if o.CloudID != nil {
		t.Error("new local object has a cloud ID")
	}

	// sibling uniqueness
	if _, err := s.CreateLocalObject(RootID, "report.txt", TypeFile); err != ErrAlreadyExists {
		t.Errorf("duplicate create: got %v, want ErrAlreadyExists", err)
	}

	// same base name with a different extension is a distinct sibling
	if _, err := s.CreateLocalObject(RootID, "report.pdf", TypeFile); err != nil {
		t.Errorf("different extension rejected: %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	s := openTestStore(t)

	docs, err := s.CreateLocalObject(RootID, "Documents", TypeFolder)
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	file, err := s.CreateLocalObject(docs.ID, "notes.txt", TypeFile)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	tests := []struct {
		path    string
		wantID  string
		wantErr bool
	}{
		{"/", RootID, false},
		{"/Documents", docs.ID, false},
		{"/Documents/notes.txt", file.ID, false},
		{"/Documents/NOTES.txt", "", true}, // case-sensitive
		{"/missing", "", true},
		{"/Documents/notes.txt/deeper", "", true},
	}
	for _, tt := range tests {
		got, err := s.ResolvePath(tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ResolvePath(%q): expected error", tt.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolvePath(%q): %v", tt.path, err)
			continue
		}
		if got.ID != tt.wantID {
			t.Errorf("ResolvePath(%q) = %s, want %s", tt.path, got.ID, tt.wantID)
		}
	}
}

func TestListChildren_SkipsDeleted(t *testing.T) {
	s := openTestStore(t)

	a, _ := s.CreateLocalObject(RootID, "a.txt", TypeFile)
	if _, err := s.CreateLocalObject(RootID, "b.txt", TypeFile); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkDeleted(a.ID, StateDeletedLocal); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	children, err := s.ListChildren(RootID)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("ListChildren returned %d, want 1", len(children))
	}
	if children[0].FullName() != "b.txt" {
		t.Errorf("unexpected child %s", children[0].FullName())
	}
}

func TestMarkDirty_Idempotent(t *testing.T) {
	s := openTestStore(t)
	o, _ := s.CreateLocalObject(RootID, "f.txt", TypeFile)

	for i := 0; i < 3; i++ {
		if err := s.MarkDirty(o.ID); err != nil {
			t.Fatalf("MarkDirty #%d: %v", i, err)
		}
	}
	got, _ := s.GetObject(o.ID)
	if !got.Dirty || got.SyncState != StateDirty {
		t.Errorf("after MarkDirty: dirty=%v state=%s", got.Dirty, got.SyncState)
	}
}

func TestApplyRemoteDelta_CreateAndUpdate(t *testing.T) {
	s := openTestStore(t)

	o, err := s.ApplyRemoteDelta(RootID, Delta{
		CloudID: "c-1", Name: "photo", Extension: "jpg",
		Type: TypeFile, Size: 1234, ETag: "e1",
	})
	if err != nil {
		t.Fatalf("ApplyRemoteDelta: %v", err)
	}
	if o.Origin != OriginCloud || o.SyncState != StateSynced {
		t.Errorf("cloud object: origin=%s state=%s", o.Origin, o.SyncState)
	}
	sh, err := s.GetShadow(o.ID)
	if err != nil {
		t.Fatalf("GetShadow: %v", err)
	}
	if sh.ETag != "e1" || sh.CloudID != "c-1" {
		t.Errorf("shadow wrong: etag=%s cloud=%s", sh.ETag, sh.CloudID)
	}

	// update by cloud_id must not create a second row
	o2, err := s.ApplyRemoteDelta(RootID, Delta{
		CloudID: "c-1", Name: "photo", Extension: "jpg",
		Type: TypeFile, Size: 5678, ETag: "e2",
	})
	if err != nil {
		t.Fatalf("ApplyRemoteDelta update: %v", err)
	}
	if o2.ID != o.ID {
		t.Errorf("delta created a duplicate: %s vs %s", o2.ID, o.ID)
	}
	if o2.Size != 5678 || o2.ETag != "e2" {
		t.Errorf("delta did not update: size=%d etag=%s", o2.Size, o2.ETag)
	}
}

func TestApplyRemoteDelta_PreservesDirtyLocal(t *testing.T) {
	s := openTestStore(t)

	o, _ := s.ApplyRemoteDelta(RootID, Delta{
		CloudID: "c-9", Name: "doc", Extension: "md", Type: TypeFile, ETag: "e1",
	})
	if err := s.MarkDirty(o.ID); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}

	got, err := s.ApplyRemoteDelta(RootID, Delta{
		CloudID: "c-9", Name: "doc", Extension: "md", Type: TypeFile, ETag: "e2",
	})
	if err != nil {
		t.Fatalf("ApplyRemoteDelta: %v", err)
	}
	if got.ETag == "e2" {
		t.Error("remote delta overwrote a dirty local object")
	}
}

func TestApplyUploadSuccess(t *testing.T) {
	s := openTestStore(t)
	o, _ := s.CreateLocalObject(RootID, "up.txt", TypeFile)

	if err := s.ApplyUploadSuccess(o.ID, "c-up", "c-root", "e9", "r9", 42, "hash9"); err != nil {
		t.Fatalf("ApplyUploadSuccess: %v", err)
	}

	got, _ := s.GetObject(o.ID)
	if got.Dirty || got.SyncState != StateSynced {
		t.Errorf("after upload: dirty=%v state=%s", got.Dirty, got.SyncState)
	}
	if got.CloudID == nil || *got.CloudID != "c-up" || got.ETag != "e9" || got.Size != 42 {
		t.Errorf("upload result not recorded: %+v", got)
	}

	sh, err := s.GetShadow(o.ID)
	if err != nil {
		t.Fatalf("GetShadow: %v", err)
	}
	// synced invariant: object etag matches shadow etag
	if sh.ETag != got.ETag {
		t.Errorf("synced object etag %s != shadow etag %s", got.ETag, sh.ETag)
	}
	if sh.FileHash != "hash9" {
		t.Errorf("shadow hash = %s", sh.FileHash)
	}
}

func TestSetSyncState_RejectsInvalidTransition(t *testing.T) {
	s := openTestStore(t)
	o, _ := s.CreateLocalObject(RootID, "t.txt", TypeFile)

	// pending_push -> pending_pull is not a legal move
	err := s.SetSyncState(o.ID, StatePendingPull)
	if err == nil {
		t.Fatal("invalid transition accepted")
	}

	// same-state transitions are always fine
	if err := s.SetSyncState(o.ID, StatePendingPush); err != nil {
		t.Errorf("self transition rejected: %v", err)
	}
}

func TestPurgeObject_RemovesDependents(t *testing.T) {
	s := openTestStore(t)
	o, _ := s.CreateLocalObject(RootID, "p.txt", TypeFile)

	s.PutShadow(&Shadow{ObjectID: o.ID, ETag: "e"})
	s.PutCacheEntry(&CacheEntry{ObjectID: o.ID, PresentLocally: PresenceSparse})
	s.AddChunk(o.ID, 0)
	s.Enqueue(&Action{Type: ActionUpload, TargetID: o.ID, Direction: DirectionPush})

	if err := s.PurgeObject(o.ID); err != nil {
		t.Fatalf("PurgeObject: %v", err)
	}

	if _, err := s.GetObject(o.ID); err != ErrNotFound {
		t.Error("object row survived purge")
	}
	if _, err := s.GetShadow(o.ID); err != ErrNotFound {
		t.Error("shadow survived purge")
	}
	if _, err := s.GetCacheEntry(o.ID); err != ErrNotFound {
		t.Error("cache entry survived purge")
	}
	indices, _ := s.ChunkIndices(o.ID)
	if len(indices) != 0 {
		t.Error("chunks survived purge")
	}
	pending, _ := s.PendingFor(o.ID)
	if len(pending) != 0 {
		t.Error("actions survived purge")
	}
}

func TestPurgeObject_RefusesRoot(t *testing.T) {
	s := openTestStore(t)
	if err := s.PurgeObject(RootID); err == nil {
		t.Fatal("purging root succeeded")
	}
}

func TestAdjustOpenCount(t *testing.T) {
	s := openTestStore(t)
	o, _ := s.CreateLocalObject(RootID, "o.txt", TypeFile)
	s.PutCacheEntry(&CacheEntry{ObjectID: o.ID})

	n, err := s.AdjustOpenCount(o.ID, 1)
	if err != nil || n != 1 {
		t.Fatalf("AdjustOpenCount(+1) = %d, %v", n, err)
	}
	n, _ = s.AdjustOpenCount(o.ID, -1)
	if n != 0 {
		t.Errorf("AdjustOpenCount(-1) = %d", n)
	}
	// never below zero
	n, _ = s.AdjustOpenCount(o.ID, -1)
	if n != 0 {
		t.Errorf("open count went negative: %d", n)
	}
}

func TestConflictHistory(t *testing.T) {
	o := &Object{}
	o.RecordDisplacedCloudID("c-old")
	o.RecordDisplacedCloudID("c-newer")
	if o.ConflictHistory != `["c-newer","c-old"]` {
		t.Errorf("conflict history = %s", o.ConflictHistory)
	}
}
