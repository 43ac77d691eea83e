// Package labeldb keeps, for every label, the set of record ids that carry it.
//
// Each label has its own file named <prefix>_<hex code of label char>, e.g.
// label_30 for label '0'. A file is a packed array of big-endian uint32 ids,
// sorted ascending.
//
// Sets are loaded on first use and changes are kept in memory until Close,
// which rewrites the file of every changed label.
package labeldb

import (
	"encoding/binary"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/kjk/mailstore/atomicfile"
	"github.com/kjk/mailstore/dberr"
	"github.com/kjk/mailstore/u"
	"github.com/pkg/errors"
)

const DefaultPrefix = "label"

type DB struct {
	Dir    string
	Prefix string
	// if true, fsync label files when writing them in Close()
	SyncWrite bool

	cache   map[byte]map[uint32]struct{}
	changed map[byte]struct{}
}

// Open opens label database in an existing directory dir.
// prefix is DefaultPrefix if empty.
func Open(dir string, prefix string) (*DB, error) {
	if !u.DirExists(dir) {
		return nil, errors.Wrapf(dberr.ErrFormat, "'%s' is not a directory", dir)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	db := &DB{
		Dir:     dir,
		Prefix:  prefix,
		cache:   map[byte]map[uint32]struct{}{},
		changed: map[byte]struct{}{},
	}
	return db, nil
}

func (db *DB) String() string {
	return fmt.Sprintf("<LabelDB: dir=%q, prefix=%q, cached=%d, changed=%d>", db.Dir, db.Prefix, len(db.cache), len(db.changed))
}

// FilePath returns path of the file for label
func (db *DB) FilePath(label byte) string {
	return filepath.Join(db.Dir, fmt.Sprintf("%s_%02x", db.Prefix, label))
}

func (db *DB) load(label byte) (map[uint32]struct{}, error) {
	if ids, ok := db.cache[label]; ok {
		return ids, nil
	}
	path := db.FilePath(label)
	ids := map[uint32]struct{}{}
	d, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(d)%4 != 0 {
		return nil, errors.Wrapf(dberr.ErrFormat, "%s: size %d is not a multiple of 4", path, len(d))
	}
	for i := 0; i < len(d); i += 4 {
		ids[binary.BigEndian.Uint32(d[i:])] = struct{}{}
	}
	db.cache[label] = ids
	return ids, nil
}

// Get returns ids of records with label. The returned set is owned by db
// and must not be modified.
func (db *DB) Get(label byte) (map[uint32]struct{}, error) {
	return db.load(label)
}

// Has returns true if record id has label
func (db *DB) Has(label byte, id uint32) (bool, error) {
	ids, err := db.load(label)
	if err != nil {
		return false, err
	}
	_, ok := ids[id]
	return ok, nil
}

// IDs returns ids of records with label, sorted in descending order
func (db *DB) IDs(label byte) ([]uint32, error) {
	ids, err := db.load(label)
	if err != nil {
		return nil, err
	}
	res := slices.Collect(maps.Keys(ids))
	slices.Sort(res)
	slices.Reverse(res)
	return res, nil
}

// Add adds record id to the set of each label in labels
func (db *DB) Add(id uint32, labels string) error {
	for i := 0; i < len(labels); i++ {
		label := labels[i]
		ids, err := db.load(label)
		if err != nil {
			return err
		}
		if _, ok := ids[id]; !ok {
			ids[id] = struct{}{}
			db.changed[label] = struct{}{}
		}
	}
	return nil
}

// Remove removes record id from the set of each label in labels
func (db *DB) Remove(id uint32, labels string) error {
	for i := 0; i < len(labels); i++ {
		label := labels[i]
		ids, err := db.load(label)
		if err != nil {
			return err
		}
		if _, ok := ids[id]; ok {
			delete(ids, id)
			db.changed[label] = struct{}{}
		}
	}
	return nil
}

// Labels returns labels that have a file on disk or changes in memory,
// sorted
func (db *DB) Labels() (string, error) {
	paths, err := u.ListFilesWithPrefix(db.Dir, db.Prefix+"_", "")
	if err != nil {
		return "", err
	}
	seen := map[byte]struct{}{}
	for _, path := range paths {
		hex := strings.TrimPrefix(filepath.Base(path), db.Prefix+"_")
		if len(hex) != 2 {
			continue
		}
		n, err := strconv.ParseUint(hex, 16, 8)
		if err != nil {
			continue
		}
		seen[byte(n)] = struct{}{}
	}
	for label := range db.changed {
		seen[label] = struct{}{}
	}
	labels := slices.Collect(maps.Keys(seen))
	slices.Sort(labels)
	return string(labels), nil
}

// Reset forgets every label: all sets become empty and are rewritten by
// Close(). Used when rebuilding the index from scratch.
func (db *DB) Reset() error {
	labels, err := db.Labels()
	if err != nil {
		return err
	}
	for i := 0; i < len(labels); i++ {
		label := labels[i]
		db.cache[label] = map[uint32]struct{}{}
		db.changed[label] = struct{}{}
	}
	return nil
}

func encodeIDs(ids map[uint32]struct{}) []byte {
	sorted := slices.Collect(maps.Keys(ids))
	slices.Sort(sorted)
	d := make([]byte, 0, len(sorted)*4)
	for _, id := range sorted {
		d = binary.BigEndian.AppendUint32(d, id)
	}
	return d
}

// Close writes sets of changed labels to disk. Every file is replaced
// atomically so a crash leaves either the old or the new version.
// db can be used after Close.
func (db *DB) Close() error {
	labels := slices.Collect(maps.Keys(db.changed))
	slices.Sort(labels)
	for _, label := range labels {
		d := encodeIDs(db.cache[label])
		if err := atomicfile.WriteFile(db.FilePath(label), d, db.SyncWrite); err != nil {
			return errors.Wrapf(err, "close: %s: label '%c'", db, label)
		}
		delete(db.changed, label)
	}
	return nil
}
