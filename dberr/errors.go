// Package dberr defines the errors shared by every layer of the store.
//
// Call sites wrap these with github.com/pkg/errors so the message carries
// context (file, record id, offset) while callers still match with errors.Is:
//
//	if errors.Is(err, dberr.ErrBusy) {
//	    // another process holds the write lock
//	}
package dberr

import "errors"

var (
	// ErrBusy is returned when opening for writing while another writer holds the lock.
	ErrBusy = errors.New("database locked")

	// ErrRange is returned for a record id outside of [0, count).
	ErrRange = errors.New("record id out of range")

	// ErrFormat is returned when on-disk data or an argument doesn't have the expected shape:
	// catalog width mismatch, malformed header name, non-alphanumeric labels,
	// segment name too long for the catalog.
	ErrFormat = errors.New("invalid format")

	// ErrTruncated is returned on a short read of a catalog line, a header block or a payload.
	ErrTruncated = errors.New("premature end of file")

	// ErrReadOnly is returned when a write is attempted on a handle opened read-only.
	ErrReadOnly = errors.New("opened read-only")

	// ErrLock is returned for lock misuse by the holder: acquiring twice, releasing when not held.
	ErrLock = errors.New("lock misuse")

	// ErrExists is returned when creating a database, catalog or lock that already exists.
	ErrExists = errors.New("already exists")

	// ErrClosed is returned by operations on a handle that is not open.
	ErrClosed = errors.New("not opened")
)
