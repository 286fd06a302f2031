package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Mock is an in-memory Adapter used by engine and scenario tests. It models
// a flat namespace of folders and files keyed by cloud ID, bumps an etag
// counter on every mutation, and can inject faults per method.
type Mock struct {
	mu      sync.Mutex
	seq     int
	objects map[string]*mockObject
	offline bool

	// faults maps a method name ("upload", "delete", ...) to a queue of
	// errors returned before the method succeeds again.
	faults map[string][]error

	// Calls counts invocations per method.
	Calls map[string]int
}

type mockObject struct {
	cloudID  string
	parentID string
	name     string
	typ      string
	etag     string
	revision string
	modified int64
	content  []byte
}

// RootCloudID is the mock's root folder.
const RootCloudID = "mock-root"

// NewMock returns an empty mock adapter with a root folder.
func NewMock() *Mock {
	m := &Mock{
		objects: make(map[string]*mockObject),
		faults:  make(map[string][]error),
		Calls:   make(map[string]int),
	}
	m.objects[RootCloudID] = &mockObject{cloudID: RootCloudID, typ: "folder", name: ""}
	return m
}

// SetOffline makes every call fail with a transient error.
func (m *Mock) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// InjectFault queues an error for the named method.
func (m *Mock) InjectFault(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = append(m.faults[method], err)
}

// AddFile seeds a remote file and returns its cloud ID.
func (m *Mock) AddFile(parentCloudID, name string, content []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.newObjectLocked(parentCloudID, name, "file")
	o.content = append([]byte(nil), content...)
	return o.cloudID
}

// AddFolder seeds a remote folder and returns its cloud ID.
func (m *Mock) AddFolder(parentCloudID, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newObjectLocked(parentCloudID, name, "folder").cloudID
}

// BumpETag simulates an out-of-band remote edit.
func (m *Mock) BumpETag(cloudID string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objects[cloudID]; ok {
		m.seq++
		o.etag = fmt.Sprintf("etag-%d", m.seq)
		o.revision = fmt.Sprintf("rev-%d", m.seq)
		if content != nil {
			o.content = append([]byte(nil), content...)
		}
	}
}

// ETag returns the current etag of an object, or "" when absent.
func (m *Mock) ETag(cloudID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objects[cloudID]; ok {
		return o.etag
	}
	return ""
}

// Content returns a copy of the stored content.
func (m *Mock) Content(cloudID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[cloudID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.content...), true
}

// Exists reports whether the cloud ID is present.
func (m *Mock) Exists(cloudID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[cloudID]
	return ok
}

// Remove deletes an object out-of-band (simulating another device).
func (m *Mock) Remove(cloudID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, cloudID)
}

func (m *Mock) newObjectLocked(parentCloudID, name, typ string) *mockObject {
	m.seq++
	o := &mockObject{
		cloudID:  fmt.Sprintf("cloud-%d", m.seq),
		parentID: parentCloudID,
		name:     name,
		typ:      typ,
		etag:     fmt.Sprintf("etag-%d", m.seq),
		revision: fmt.Sprintf("rev-%d", m.seq),
	}
	m.objects[o.cloudID] = o
	return o
}

func (m *Mock) checkLocked(method string) error {
	m.Calls[method]++
	if m.offline {
		return fmt.Errorf("mock %s: connection refused", method)
	}
	if q := m.faults[method]; len(q) > 0 {
		err := q[0]
		m.faults[method] = q[1:]
		return err
	}
	return nil
}

func splitName(full string) (base, ext string) {
	if i := strings.LastIndex(full, "."); i > 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

// Ping implements Adapter.
func (m *Mock) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked("ping")
}

// List implements Adapter.
func (m *Mock) List(ctx context.Context, folderCloudID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("list"); err != nil {
		return nil, err
	}
	if _, ok := m.objects[folderCloudID]; !ok {
		return nil, ErrNotFound
	}
	var items []Item
	for _, o := range m.objects {
		if o.parentID != folderCloudID {
			continue
		}
		base, ext := splitName(o.name)
		items = append(items, Item{
			CloudID:    o.cloudID,
			Name:       base,
			Extension:  ext,
			Type:       o.typ,
			Size:       int64(len(o.content)),
			ETag:       o.etag,
			ModifiedAt: o.modified,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CloudID < items[j].CloudID })
	return items, nil
}

// Metadata implements Adapter.
func (m *Mock) Metadata(ctx context.Context, cloudID string) (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("metadata"); err != nil {
		return Meta{}, err
	}
	o, ok := m.objects[cloudID]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return Meta{ETag: o.etag, Revision: o.revision, Size: int64(len(o.content)), ModifiedAt: o.modified}, nil
}

// DownloadRange implements Adapter.
func (m *Mock) DownloadRange(ctx context.Context, cloudID string, start, end int64) (RangeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("download"); err != nil {
		return RangeResult{}, err
	}
	o, ok := m.objects[cloudID]
	if !ok {
		return RangeResult{}, ErrNotFound
	}
	size := int64(len(o.content))
	if end < 0 || end >= size {
		end = size - 1
	}
	var body []byte
	if size > 0 && start <= end {
		body = append([]byte(nil), o.content[start:end+1]...)
	}
	return RangeResult{
		Body: io.NopCloser(bytes.NewReader(body)),
		ETag: o.etag,
		Size: size,
	}, nil
}

// Upload implements Adapter.
func (m *Mock) Upload(ctx context.Context, parentCloudID, name string, content io.Reader, size int64, ifMatch string) (PutResult, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return PutResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("upload"); err != nil {
		return PutResult{}, err
	}
	if _, ok := m.objects[parentCloudID]; !ok {
		return PutResult{}, ErrNotFound
	}

	// Replace an existing child with the same name.
	var existing *mockObject
	for _, o := range m.objects {
		if o.parentID == parentCloudID && o.name == name && o.typ == "file" {
			existing = o
			break
		}
	}

	if existing != nil {
		if ifMatch != "" && ifMatch != existing.etag {
			return PutResult{}, ErrPreconditionFailed
		}
		m.seq++
		existing.content = data
		existing.etag = fmt.Sprintf("etag-%d", m.seq)
		existing.revision = fmt.Sprintf("rev-%d", m.seq)
		return PutResult{CloudID: existing.cloudID, ETag: existing.etag, Revision: existing.revision, Size: int64(len(data))}, nil
	}

	o := m.newObjectLocked(parentCloudID, name, "file")
	o.content = data
	return PutResult{CloudID: o.cloudID, ETag: o.etag, Revision: o.revision, Size: int64(len(data))}, nil
}

// CreateFolder implements Adapter.
func (m *Mock) CreateFolder(ctx context.Context, parentCloudID, name string) (PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("create_folder"); err != nil {
		return PutResult{}, err
	}
	if _, ok := m.objects[parentCloudID]; !ok {
		return PutResult{}, ErrNotFound
	}
	for _, o := range m.objects {
		if o.parentID == parentCloudID && o.name == name && o.typ == "folder" {
			return PutResult{CloudID: o.cloudID, ETag: o.etag, Revision: o.revision}, nil
		}
	}
	o := m.newObjectLocked(parentCloudID, name, "folder")
	return PutResult{CloudID: o.cloudID, ETag: o.etag, Revision: o.revision}, nil
}

// Rename implements Adapter.
func (m *Mock) Rename(ctx context.Context, cloudID, newName, ifMatch string) (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("rename"); err != nil {
		return Meta{}, err
	}
	o, ok := m.objects[cloudID]
	if !ok {
		return Meta{}, ErrNotFound
	}
	if ifMatch != "" && ifMatch != o.etag {
		return Meta{}, ErrPreconditionFailed
	}
	o.name = newName
	m.seq++
	o.etag = fmt.Sprintf("etag-%d", m.seq)
	o.revision = fmt.Sprintf("rev-%d", m.seq)
	return Meta{ETag: o.etag, Revision: o.revision, Size: int64(len(o.content))}, nil
}

// Move implements Adapter.
func (m *Mock) Move(ctx context.Context, cloudID, newParentCloudID, ifMatch string) (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("move"); err != nil {
		return Meta{}, err
	}
	o, ok := m.objects[cloudID]
	if !ok {
		return Meta{}, ErrNotFound
	}
	if _, ok := m.objects[newParentCloudID]; !ok {
		return Meta{}, ErrNotFound
	}
	if ifMatch != "" && ifMatch != o.etag {
		return Meta{}, ErrPreconditionFailed
	}
	o.parentID = newParentCloudID
	m.seq++
	o.etag = fmt.Sprintf("etag-%d", m.seq)
	o.revision = fmt.Sprintf("rev-%d", m.seq)
	return Meta{ETag: o.etag, Revision: o.revision, Size: int64(len(o.content))}, nil
}

// Delete implements Adapter.
func (m *Mock) Delete(ctx context.Context, cloudID, ifMatch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("delete"); err != nil {
		return err
	}
	o, ok := m.objects[cloudID]
	if !ok {
		return ErrNotFound
	}
	if ifMatch != "" && ifMatch != o.etag {
		return ErrPreconditionFailed
	}
	delete(m.objects, cloudID)
	return nil
}

var _ Adapter = (*Mock)(nil)
