package tardb

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/kjk/mailstore/dberr"
	"github.com/kjk/mailstore/u"
	"github.com/pkg/errors"
)

const (
	segmentPrefix = "db"
	SegmentExt    = ".tar"
)

// SegmentName returns name of i-th segment: db00000, db00001 etc.
func SegmentName(i int) string {
	return fmt.Sprintf("%s%05d", segmentPrefix, i)
}

// SegmentIndex is the reverse of SegmentName. Accepts names with more
// than 5 digits and with the .tar extension.
func SegmentIndex(name string) (int, error) {
	s := strings.TrimSuffix(name, SegmentExt)
	digits, ok := strings.CutPrefix(s, segmentPrefix)
	if !ok || digits == "" {
		return 0, errors.Wrapf(dberr.ErrFormat, "invalid segment name: '%s'", name)
	}
	i, err := strconv.Atoi(digits)
	if err != nil || i < 0 {
		return 0, errors.Wrapf(dberr.ErrFormat, "invalid segment name: '%s'", name)
	}
	return i, nil
}

// SegmentPath returns path of the file for segment name
func SegmentPath(dir string, name string) string {
	return filepath.Join(dir, name+SegmentExt)
}

// SegmentPaths returns paths of all segment files in dir, ordered by
// segment index (db99999 comes before db100000)
func SegmentPaths(dir string) ([]string, error) {
	paths, err := u.ListFilesWithPrefix(dir, segmentPrefix, SegmentExt)
	if err != nil {
		return nil, err
	}
	type segment struct {
		path string
		idx  int
	}
	var segments []segment
	for _, path := range paths {
		if idx, err := SegmentIndex(filepath.Base(path)); err == nil {
			segments = append(segments, segment{path, idx})
		}
	}
	slices.SortFunc(segments, func(a, b segment) int {
		return a.idx - b.idx
	})
	var res []string
	for _, s := range segments {
		res = append(res, s.path)
	}
	return res, nil
}

// ScanRecord describes a record found by ScanSegment
type ScanRecord struct {
	Offset int64
	Header *tar.Header
}

// ScanSegment reads records of a segment file in order and calls fn for
// each. Payloads are skipped, not read. Returning an error from fn stops
// the scan and that error is returned.
//
// A truncated or corrupted record stops the scan with dberr.ErrTruncated or
// dberr.ErrFormat, after fn was called for every good record before it.
func ScanSegment(path string, fn func(rec *ScanRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer u.CloseNoError(f)
	st, err := f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()

	var offset int64
	for offset < size {
		if size-offset < BlockSize {
			return errors.Wrapf(dberr.ErrTruncated, "%s: premature eof at offset=%d", path, offset)
		}
		hdr, err := readHeaderAt(f, offset)
		if err != nil {
			return errors.Wrapf(err, "%s: record corrupted at offset=%d", path, offset)
		}
		next := offset + paddedSize(hdr.Size)
		// padding of the last record is allowed to be missing
		if offset+BlockSize+hdr.Size > size {
			return errors.Wrapf(dberr.ErrTruncated, "%s: premature eof at offset=%d", path, offset)
		}
		if err = fn(&ScanRecord{Offset: offset, Header: hdr}); err != nil {
			return err
		}
		offset = next
	}
	return nil
}
