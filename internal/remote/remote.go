// Package remote defines the adapter contract the sync engine drives.
// Any implementation honoring this interface (the real iCloud client, the
// in-memory mock, a replay adapter) can back the engine.
package remote

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors returned by adapters. Handlers classify them with
// errors.Is; anything else is treated as a transient network failure.
var (
	ErrNotFound           = errors.New("remote: not found")
	ErrPreconditionFailed = errors.New("remote: precondition failed")
	ErrNotModified        = errors.New("remote: not modified")
	ErrUnauthorized       = errors.New("remote: unauthorized")
	ErrThrottled          = errors.New("remote: throttled")
)

// Item describes a remote child entry as returned by List.
type Item struct {
	CloudID    string
	Name       string
	Extension  string
	Type       string // "file" or "folder"
	Size       int64
	ETag       string
	ModifiedAt int64
}

// Meta is the remote metadata for a single object.
type Meta struct {
	ETag       string
	Revision   string
	Size       int64
	ModifiedAt int64
}

// RangeResult carries a downloaded byte range along with the version the
// remote served it from.
type RangeResult struct {
	Body io.ReadCloser
	ETag string
	Size int64 // total object size, not range length
}

// PutResult is returned by mutations that create or replace content.
type PutResult struct {
	CloudID  string
	ETag     string
	Revision string
	Size     int64
}

// Adapter is the capability set the engine consumes. ETags and revisions are
// opaque; whatever a mutation returns must be echoed back as ifMatch on the
// next conditional call. An empty ifMatch means unconditional.
type Adapter interface {
	// Ping reports whether the remote is reachable and authenticated.
	Ping(ctx context.Context) error

	// List returns the direct children of a remote folder.
	List(ctx context.Context, folderCloudID string) ([]Item, error)

	// Metadata fetches current metadata for one object.
	Metadata(ctx context.Context, cloudID string) (Meta, error)

	// DownloadRange fetches bytes [start, end] inclusive. start=0, end=-1
	// requests the whole object.
	DownloadRange(ctx context.Context, cloudID string, start, end int64) (RangeResult, error)

	// Upload creates or replaces a file under parentCloudID with the given
	// name. The name is the full remote name including extension.
	Upload(ctx context.Context, parentCloudID, name string, content io.Reader, size int64, ifMatch string) (PutResult, error)

	// CreateFolder creates a remote folder.
	CreateFolder(ctx context.Context, parentCloudID, name string) (PutResult, error)

	// Rename changes an object's name in place.
	Rename(ctx context.Context, cloudID, newName, ifMatch string) (Meta, error)

	// Move reparents an object.
	Move(ctx context.Context, cloudID, newParentCloudID, ifMatch string) (Meta, error)

	// Delete removes an object.
	Delete(ctx context.Context, cloudID, ifMatch string) error
}

// IsConflict reports whether err is a versioning-token mismatch.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPreconditionFailed)
}

// IsGone reports whether err means the object no longer exists remotely.
func IsGone(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrThrottled) {
		return true
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrPreconditionFailed) &&
		!errors.Is(err, ErrNotModified) &&
		!errors.Is(err, ErrUnauthorized)
}
