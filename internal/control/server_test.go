package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rvardiashvili/Orchard/internal/cache"
	"github.com/rvardiashvili/Orchard/internal/config"
	"github.com/rvardiashvili/Orchard/internal/engine"
	"github.com/rvardiashvili/Orchard/internal/remote"
	"github.com/rvardiashvili/Orchard/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := cache.New(filepath.Join(dir, "objects"), st, cache.Options{
		ChunkSize:          8 << 20,
		SmallFileThreshold: 32 << 20,
	})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	eng := engine.New(st, c, remote.NewMock(), engine.Config{
		RootCloudID:    remote.RootCloudID,
		ConflictPolicy: config.PolicyManual,
	})
	return New(st, c, eng), st, eng
}

func TestStatusEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	if _, err := st.CreateLocalObject(store.RootID, "x.txt", store.TypeFile); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.States[store.StatePendingPush] != 1 {
		t.Errorf("states = %v", got.States)
	}
	if got.Online {
		t.Error("engine reported online before its heartbeat ran")
	}
}

func TestConflictsEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)

	o, _ := st.CreateLocalObject(store.RootID, "c.txt", store.TypeFile)
	if err := st.SetSyncState(o.ID, store.StateConflict); err != nil {
		t.Fatalf("SetSyncState: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/conflicts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got []ConflictEntry
	json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got) != 1 || got[0].ObjectID != o.ID || got[0].Name != "c.txt" {
		t.Errorf("conflicts = %+v", got)
	}
}

func TestResolveEndpoint_Validation(t *testing.T) {
	srv, st, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/resolve/some-id?choice=sideways", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad choice accepted: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/resolve/unknown-id?choice=local", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown object: status = %d", rec.Code)
	}

	// an object that is not in conflict is rejected
	o, _ := st.CreateLocalObject(store.RootID, "ok.txt", store.TypeFile)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/resolve/"+o.ID+"?choice=local", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("non-conflicted object: status = %d", rec.Code)
	}
}

func TestResolveEndpoint_Remote(t *testing.T) {
	srv, st, _ := newTestServer(t)

	o, _ := st.CreateLocalObject(store.RootID, "r.txt", store.TypeFile)
	if err := st.SetSyncState(o.ID, store.StateConflict); err != nil {
		t.Fatalf("SetSyncState: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/resolve/"+o.ID+"?choice=remote", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	got, _ := st.GetObject(o.ID)
	if got.SyncState != store.StatePendingPull || got.Dirty {
		t.Errorf("after resolve remote: %+v", got)
	}
}

func TestPinEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	o, _ := st.CreateLocalObject(store.RootID, "p.txt", store.TypeFile)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/pin/"+o.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pin status = %d", rec.Code)
	}
	entry, err := st.GetCacheEntry(o.ID)
	if err != nil || !entry.Pinned {
		t.Errorf("entry after pin: %+v, %v", entry, err)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/pin/"+o.ID+"?unpin=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unpin status = %d", rec.Code)
	}
	entry, _ = st.GetCacheEntry(o.ID)
	if entry.Pinned {
		t.Error("still pinned after unpin")
	}
}

func TestPauseResume(t *testing.T) {
	srv, _, eng := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/pause", nil))
	if rec.Code != http.StatusOK || !eng.Paused() {
		t.Errorf("pause: code=%d paused=%v", rec.Code, eng.Paused())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/resume", nil))
	if rec.Code != http.StatusOK || eng.Paused() {
		t.Errorf("resume: code=%d paused=%v", rec.Code, eng.Paused())
	}
}
