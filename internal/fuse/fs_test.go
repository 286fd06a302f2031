package fuse

import (
	"testing"

	"github.com/rvardiashvili/Orchard/internal/store"
)

func TestDeniedComm(t *testing.T) {
	denylist := []string{"ffmpegthumbnailer", "evince-thumbnailer", "tumbler"}

	tests := []struct {
		name string
		comm string
		want bool
	}{
		{"exact match", "tumbler", true},
		{"comm truncated to 15 chars", "ffmpegthumbnail", true},
		{"unrelated process", "vim", false},
		{"empty comm", "", false},
		{"prefix of entry", "evince-thumbnai", true},
		{"regular viewer", "evince", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deniedComm(tt.comm, denylist); got != tt.want {
				t.Errorf("deniedComm(%q) = %v, want %v", tt.comm, got, tt.want)
			}
		})
	}
}

func TestDeniedComm_EmptyDenylist(t *testing.T) {
	if deniedComm("ffmpegthumbnailer", nil) {
		t.Error("empty denylist denied a process")
	}
}

func TestStatusOf(t *testing.T) {
	cloudID := "c-1"
	tests := []struct {
		name  string
		obj   store.Object
		entry *store.CacheEntry
		want  string
	}{
		{
			name: "synced and cached",
			obj:  store.Object{Type: store.TypeFile, SyncState: store.StateSynced, Origin: store.OriginCloud, CloudID: &cloudID},
			entry: &store.CacheEntry{PresentLocally: store.PresenceFull},
			want: "synced",
		},
		{
			name: "synced but never materialized reads as cloud",
			obj:  store.Object{Type: store.TypeFile, SyncState: store.StateSynced, Origin: store.OriginCloud, CloudID: &cloudID},
			want: "cloud",
		},
		{
			name: "sparse reads as partial",
			obj:  store.Object{Type: store.TypeFile, SyncState: store.StateSynced, Origin: store.OriginCloud},
			entry: &store.CacheEntry{PresentLocally: store.PresenceSparse},
			want: "partial",
		},
		{
			name: "dirty",
			obj:  store.Object{Type: store.TypeFile, SyncState: store.StateDirty, Origin: store.OriginLocal},
			entry: &store.CacheEntry{PresentLocally: store.PresenceFull},
			want: "dirty",
		},
		{
			name: "conflict",
			obj:  store.Object{Type: store.TypeFile, SyncState: store.StateConflict},
			entry: &store.CacheEntry{PresentLocally: store.PresenceFull},
			want: "conflict",
		},
		{
			name: "folder passes state through",
			obj:  store.Object{Type: store.TypeFolder, SyncState: store.StateSynced},
			want: "synced",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusOf(&tt.obj, tt.entry); got != tt.want {
				t.Errorf("statusOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmblemsFor(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"synced", "emblem-default"},
		{"dirty", "emblem-synchronizing"},
		{"pending_push", "emblem-synchronizing"},
		{"cloud", "emblem-web"},
		{"partial", "emblem-downloads"},
		{"conflict", "emblem-important"},
		{"error", "emblem-unreadable"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		if got := emblemsFor(tt.status); got != tt.want {
			t.Errorf("emblemsFor(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
