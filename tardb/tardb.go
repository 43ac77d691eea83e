// Package tardb stores records in a set of size-bounded tar files.
//
// A database lives in a directory:
//
//	catalog      record id -> (segment name, offset), see package catalog
//	lock         writer lock sentinel, see package filelock
//	db00000.tar  segment files
//	db00001.tar
//
// Every segment is a valid tar archive (without the end-of-archive zero
// blocks) so it can be inspected with any tar tool. Records are append-only.
// Only the header of a record can be changed later, in place.
//
// Many readers can open a database at the same time. Opening for writing
// takes the lock and fails with dberr.ErrBusy if there's another writer.
package tardb

import (
	"archive/tar"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/kjk/mailstore/catalog"
	"github.com/kjk/mailstore/dberr"
	"github.com/kjk/mailstore/filelock"
	"github.com/kjk/mailstore/log"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxSize is default max size of a segment file
	DefaultMaxSize = 10 * 1024 * 1024

	DefaultCatalogName = "catalog"
	DefaultLockName    = "lock"
)

type Options struct {
	// max size of a segment file, DefaultMaxSize if 0
	// a record bigger than that gets a segment of its own
	MaxSize int64
	// name of catalog file inside the database directory, "catalog" if empty
	CatalogName string
	// name of lock sentinel inside the database directory, "lock" if empty
	LockName string
	// width of catalog lines, only used by Create()
	RecordSize int
	// if true, will call file.Sync() after every appended record
	SyncWrite bool
}

func (o *Options) withDefaults() Options {
	var res Options
	if o != nil {
		res = *o
	}
	if res.MaxSize <= 0 {
		res.MaxSize = DefaultMaxSize
	}
	if res.CatalogName == "" {
		res.CatalogName = DefaultCatalogName
	}
	if res.LockName == "" {
		res.LockName = DefaultLockName
	}
	return res
}

type DB struct {
	Dir string

	opts     Options
	mode     catalog.Mode
	catalog  *catalog.Catalog
	lock     *filelock.Lock
	segments map[string]*os.File
	// segment new records are appended to
	curName string
}

// Create creates an empty database in an existing directory dir.
// Fails with dberr.ErrExists if dir already has a catalog or a lock.
func Create(dir string, opts *Options) error {
	o := opts.withDefaults()
	lockPath := filepath.Join(dir, o.LockName)
	if filelock.Exists(lockPath) {
		return errors.Wrapf(dberr.ErrExists, "create: database in '%s'", dir)
	}
	if err := catalog.Create(filepath.Join(dir, o.CatalogName), o.RecordSize); err != nil {
		return err
	}
	return filelock.Create(filepath.Join(dir, o.LockName))
}

// Open opens a database in dir. In catalog.ReadWrite mode it takes the
// writer lock.
func Open(dir string, mode catalog.Mode, opts *Options) (*DB, error) {
	if mode != catalog.ReadOnly && mode != catalog.ReadWrite {
		return nil, errors.Errorf("invalid mode: '%s'", mode)
	}
	db := &DB{
		Dir:      dir,
		opts:     opts.withDefaults(),
		segments: map[string]*os.File{},
	}
	if mode == catalog.ReadWrite {
		db.lock = filelock.New(filepath.Join(dir, db.opts.LockName))
		if err := db.lock.Acquire(); err != nil {
			return nil, err
		}
	}
	cat, err := catalog.Open(filepath.Join(dir, db.opts.CatalogName), mode)
	if err != nil {
		db.releaseLock()
		return nil, err
	}
	db.catalog = cat
	db.curName = SegmentName(0)
	if cat.Count() > 0 {
		e, err := cat.Get(-1)
		if err != nil {
			cat.Close()
			db.releaseLock()
			return nil, err
		}
		db.curName = e.Segment
	}
	db.mode = mode
	return db, nil
}

// Update opens a database for writing, calls fn and closes the database.
// The lock is released on every exit path of fn, including a panic.
func Update(dir string, opts *Options, fn func(db *DB) error) (err error) {
	db, err := Open(dir, catalog.ReadWrite, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := db.Close(); err == nil {
			err = err2
		}
	}()
	return fn(db)
}

func (db *DB) releaseLock() {
	if db.lock != nil && db.lock.IsHeld() {
		db.lock.Release()
	}
}

func (db *DB) String() string {
	return fmt.Sprintf("<TarDB: dir=%q, mode=%q, catalog=%q, lock=%q, maxsize=%d>", db.Dir, db.mode, db.opts.CatalogName, db.opts.LockName, db.opts.MaxSize)
}

// Mode returns mode the database was opened with, "" if closed
func (db *DB) Mode() catalog.Mode {
	return db.mode
}

// Count returns number of records
func (db *DB) Count() int {
	if db.catalog == nil {
		return 0
	}
	return db.catalog.Count()
}

// CurrentSegment returns name of the segment records are appended to
func (db *DB) CurrentSegment() string {
	return db.curName
}

// Close closes segment files and the catalog and releases the lock
func (db *DB) Close() error {
	if db.mode == "" {
		return errors.Wrapf(dberr.ErrClosed, "close: already closed: %s", db)
	}
	var firstErr error
	for name, f := range db.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close: segment %s", name)
		}
	}
	clear(db.segments)
	if err := db.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.catalog = nil
	db.releaseLock()
	db.mode = ""
	return firstErr
}

func (db *DB) checkOpen(op string) error {
	if db.mode == "" {
		return errors.Wrapf(dberr.ErrClosed, "%s: %s", op, db)
	}
	return nil
}

func (db *DB) checkWritable(op string) error {
	if err := db.checkOpen(op); err != nil {
		return err
	}
	if db.mode != catalog.ReadWrite {
		return errors.Wrapf(dberr.ErrReadOnly, "%s: invalid mode: %s", op, db)
	}
	return nil
}

// segmentFile returns an open handle for segment name, cached for
// the lifetime of db. In write mode a missing segment is created.
func (db *DB) segmentFile(name string) (*os.File, error) {
	if f, ok := db.segments[name]; ok {
		return f, nil
	}
	path := SegmentPath(db.Dir, name)
	var f *os.File
	var err error
	if db.mode == catalog.ReadWrite {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	} else {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	db.segments[name] = f
	return f, nil
}

func (db *DB) locate(op string, id int) (*os.File, catalog.Entry, error) {
	if err := db.checkOpen(op); err != nil {
		return nil, catalog.Entry{}, err
	}
	e, err := db.catalog.Get(id)
	if err != nil {
		return nil, e, err
	}
	f, err := db.segmentFile(e.Segment)
	if err != nil {
		return nil, e, err
	}
	return f, e, nil
}

// Location returns segment and offset of record id
func (db *DB) Location(id int) (catalog.Entry, error) {
	if err := db.checkOpen("location"); err != nil {
		return catalog.Entry{}, err
	}
	return db.catalog.Get(id)
}

// GetInfo returns the header of record id
func (db *DB) GetInfo(id int) (*tar.Header, error) {
	f, e, err := db.locate("get_info", id)
	if err != nil {
		return nil, err
	}
	hdr, err := readHeaderAt(f, e.Offset)
	if err != nil {
		return nil, errors.Wrapf(err, "get_info: %s: record %d in %s", db, id, e.Segment)
	}
	return hdr, nil
}

// GetRecord returns the header and the payload of record id
func (db *DB) GetRecord(id int) (*tar.Header, []byte, error) {
	f, e, err := db.locate("get_record", id)
	if err != nil {
		return nil, nil, err
	}
	hdr, err := readHeaderAt(f, e.Offset)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "get_record: %s: record %d in %s", db, id, e.Segment)
	}
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if hdr.Size > st.Size()-e.Offset-BlockSize {
		return nil, nil, errors.Wrapf(dberr.ErrTruncated, "get_record: %s: record %d in %s at offset %d: size %d in header is past end of file (%d)", db, id, e.Segment, e.Offset, hdr.Size, st.Size())
	}
	data := make([]byte, hdr.Size)
	n, err := f.ReadAt(data, e.Offset+BlockSize)
	if int64(n) != hdr.Size {
		if err != nil && err != io.EOF {
			return nil, nil, err
		}
		return nil, nil, errors.Wrapf(dberr.ErrTruncated, "get_record: premature eof in data block: %s: record %d in %s at offset %d", db, id, e.Segment, e.Offset)
	}
	return hdr, data, nil
}

// SetInfo rewrites the header of record id in place. The payload can't
// change so hdr.Size must be equal to the size of the stored payload.
func (db *DB) SetInfo(id int, hdr *tar.Header) error {
	if err := db.checkWritable("set_info"); err != nil {
		return err
	}
	f, e, err := db.locate("set_info", id)
	if err != nil {
		return err
	}
	prev, err := readHeaderAt(f, e.Offset)
	if err != nil {
		return errors.Wrapf(err, "set_info: %s: record %d", db, id)
	}
	if hdr.Size != prev.Size {
		return errors.Wrapf(dberr.ErrFormat, "set_info: %s: record %d: size %d != %d", db, id, hdr.Size, prev.Size)
	}
	block, err := EncodeHeader(hdr)
	if err != nil {
		return err
	}
	if _, err = f.WriteAt(block, e.Offset); err != nil {
		return err
	}
	if db.opts.SyncWrite {
		return f.Sync()
	}
	return nil
}

// AddRecord appends a record and returns its id. hdr.Size is set to the
// length of payload.
func (db *DB) AddRecord(hdr *tar.Header, payload []byte) (int, error) {
	if err := db.checkWritable("add_record"); err != nil {
		return 0, err
	}
	hdr.Size = int64(len(payload))
	block, err := EncodeHeader(hdr)
	if err != nil {
		return 0, err
	}
	var f *os.File
	var offset int64
	for {
		f, err = db.segmentFile(db.curName)
		if err != nil {
			return 0, err
		}
		offset, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		// an empty segment takes any record, even one over the limit
		if offset == 0 || offset+paddedSize(hdr.Size) <= db.opts.MaxSize {
			break
		}
		if err = db.rollover(offset); err != nil {
			return 0, err
		}
	}
	if offset%BlockSize != 0 {
		return 0, errors.Wrapf(dberr.ErrFormat, "add_record: invalid segment size: %s: %s: offset=%d", db, db.curName, offset)
	}
	// fail before writing anything if the catalog can't take the entry
	if _, err = catalog.FormatLine(db.catalog.RecordSize(), db.curName, offset); err != nil {
		return 0, errors.Wrapf(err, "add_record: %s", db)
	}

	rec := make([]byte, 0, paddedSize(hdr.Size))
	rec = append(rec, block...)
	rec = append(rec, payload...)
	if pad := len(rec) % BlockSize; pad != 0 {
		rec = append(rec, zeroBlock[:BlockSize-pad]...)
	}
	if _, err = f.WriteAt(rec, offset); err != nil {
		return 0, err
	}
	if db.opts.SyncWrite {
		if err = f.Sync(); err != nil {
			return 0, err
		}
	}
	return db.catalog.Add(db.curName, offset)
}

func (db *DB) rollover(size int64) error {
	i, err := SegmentIndex(db.curName)
	if err != nil {
		return err
	}
	prev := db.curName
	db.curName = SegmentName(i + 1)
	log.Verbosef("tardb: segment %s is %d bytes, next segment: %s\n", prev, size, db.curName)
	log.Event("segment_rollover", "dir", db.Dir, "segment", db.curName, "prev_size", size)
	return nil
}

// All returns an iterator over headers of all records.
// Call the returned error function after iteration to check for errors.
func (db *DB) All() (iter.Seq2[int, *tar.Header], func() error) {
	var iterErr error
	seq := func(yield func(int, *tar.Header) bool) {
		n := db.Count()
		for id := 0; id < n; id++ {
			hdr, err := db.GetInfo(id)
			if err != nil {
				iterErr = err
				return
			}
			if !yield(id, hdr) {
				return
			}
		}
	}
	return seq, func() error {
		return iterErr
	}
}
