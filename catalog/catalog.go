// Package catalog implements an append-only index mapping a dense record id
// to the (segment name, byte offset) where the record lives.
//
// The catalog is a text file of fixed-width lines. The first line is a ruler
// ("123456789012345\n" for the default width of 16) whose length defines the
// width of every other line; readers learn the width from the ruler instead of
// assuming it. Line i+1 describes record i:
//
//	000004000db00000 \n
//	^^^^^^^^ offset in hex
//	        ^^^^^^^ segment name, right-padded with spaces
//
// Entries are write-once: once a record id is assigned its location never
// changes, so parsed entries are cached forever.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kjk/mailstore/dberr"
	"github.com/pkg/errors"
)

const (
	// DefaultRecordSize fits 8 hex digits, a 7 character segment name and '\n'
	DefaultRecordSize = 16

	// offset is always 8 hex digits, followed by at least one char of name and '\n'
	minRecordSize = 8 + 1 + 1
	offsetDigits  = 8
)

// Mode of opening a catalog or a store
type Mode string

const (
	ReadOnly  Mode = "r"
	ReadWrite Mode = "r+"
)

// ParseMode converts "r" / "r+" to a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ReadOnly, ReadWrite:
		return Mode(s), nil
	}
	return "", errors.Errorf("invalid mode: '%s'", s)
}

// Entry is the location of a record
type Entry struct {
	Segment string
	Offset  int64
}

type Catalog struct {
	Path string

	mode       Mode
	file       *os.File
	recordSize int
	nRecords   int
	cache      map[int]Entry
}

// FormatRuler returns the first line of a catalog with a given record size
func FormatRuler(recordSize int) string {
	var sb strings.Builder
	for i := 0; i < recordSize-1; i++ {
		sb.WriteByte(byte('0' + (i+1)%10))
	}
	sb.WriteByte('\n')
	return sb.String()
}

// FormatLine formats an entry as a catalog line of recordSize bytes
func FormatLine(recordSize int, segment string, offset int64) (string, error) {
	if offset < 0 || offset > 0xffffffff {
		return "", errors.Wrapf(dberr.ErrFormat, "offset %d doesn't fit in %d hex digits", offset, offsetDigits)
	}
	if segment == "" || strings.ContainsAny(segment, " \n") {
		return "", errors.Wrapf(dberr.ErrFormat, "invalid segment name '%s'", segment)
	}
	line := fmt.Sprintf("%08x%s", offset, segment)
	nSpaces := recordSize - len(line) - 1
	if nSpaces < 0 {
		return "", errors.Wrapf(dberr.ErrFormat, "segment name '%s' too long for record size %d", segment, recordSize)
	}
	return line + strings.Repeat(" ", nSpaces) + "\n", nil
}

// MissingLine is written by recovery for record ids whose data is lost.
// It deliberately doesn't parse so that Get() reports the id as broken.
func MissingLine(recordSize int) string {
	return strings.Repeat("x", recordSize-1) + "\n"
}

func parseLine(line string) (Entry, error) {
	var e Entry
	n := len(line)
	if n < minRecordSize || line[n-1] != '\n' {
		return e, errors.Wrapf(dberr.ErrFormat, "invalid catalog line %q", line)
	}
	off, err := strconv.ParseUint(line[:offsetDigits], 16, 32)
	if err != nil {
		return e, errors.Wrapf(dberr.ErrFormat, "invalid offset in catalog line %q", line)
	}
	e.Offset = int64(off)
	e.Segment = strings.TrimRight(line[offsetDigits:n-1], " ")
	if e.Segment == "" {
		return e, errors.Wrapf(dberr.ErrFormat, "missing segment name in catalog line %q", line)
	}
	return e, nil
}

// Create creates an empty catalog with a given record size.
// Fails with dberr.ErrExists if the file already exists.
func Create(path string, recordSize int) error {
	if recordSize == 0 {
		recordSize = DefaultRecordSize
	}
	if recordSize < minRecordSize {
		return errors.Wrapf(dberr.ErrFormat, "record size %d is smaller than %d", recordSize, minRecordSize)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return errors.Wrapf(dberr.ErrExists, "catalog '%s'", path)
	}
	if err != nil {
		return err
	}
	_, err = f.WriteString(FormatRuler(recordSize))
	if err2 := f.Close(); err == nil {
		err = err2
	}
	return err
}

// Open opens an existing catalog. Opening doesn't lock: in ReadWrite mode
// the caller must guarantee there's only one writer.
func Open(path string, mode Mode) (*Catalog, error) {
	flag := os.O_RDONLY
	switch mode {
	case ReadOnly:
	case ReadWrite:
		flag = os.O_RDWR
	default:
		return nil, errors.Errorf("invalid mode: '%s'", mode)
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		Path:  path,
		mode:  mode,
		file:  f,
		cache: map[int]Entry{},
	}
	if err = c.readRuler(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) readRuler() error {
	r := bufio.NewReader(io.NewSectionReader(c.file, 0, 1<<20))
	ruler, err := r.ReadString('\n')
	if err != nil {
		return errors.Wrapf(dberr.ErrFormat, "open: missing ruler line: %s: %s", c.Path, err)
	}
	c.recordSize = len(ruler)
	if c.recordSize < minRecordSize {
		return errors.Wrapf(dberr.ErrFormat, "open: record size %d too small: %s", c.recordSize, c.Path)
	}
	st, err := c.file.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size%int64(c.recordSize) != 0 {
		return errors.Wrapf(dberr.ErrFormat, "open: illegal file size: %s: %d mod %d != 0", c.Path, size, c.recordSize)
	}
	c.nRecords = int(size/int64(c.recordSize)) - 1
	return nil
}

func (c *Catalog) String() string {
	return fmt.Sprintf("<Catalog: path=%q, mode=%q, record_size=%d, nrecords=%d>", c.Path, c.mode, c.recordSize, c.nRecords)
}

// Mode returns the mode the catalog was opened with, "" if closed
func (c *Catalog) Mode() Mode {
	return c.mode
}

// Count returns number of records
func (c *Catalog) Count() int {
	return c.nRecords
}

// RecordSize returns the width of a line, as discovered from the ruler
func (c *Catalog) RecordSize() int {
	return c.recordSize
}

// Get returns the location of record id.
// Negative id counts from the end: -1 is the most recently added record.
func (c *Catalog) Get(id int) (Entry, error) {
	if c.file == nil {
		return Entry{}, errors.Wrapf(dberr.ErrClosed, "get: %s", c)
	}
	if id < 0 && c.nRecords > 0 {
		id = ((id % c.nRecords) + c.nRecords) % c.nRecords
	}
	if id < 0 || id >= c.nRecords {
		return Entry{}, errors.Wrapf(dberr.ErrRange, "get: invalid record: %s: %d", c, id)
	}
	if e, ok := c.cache[id]; ok {
		return e, nil
	}
	offset := int64(id+1) * int64(c.recordSize)
	buf := make([]byte, c.recordSize)
	n, err := c.file.ReadAt(buf, offset)
	if n != len(buf) {
		return Entry{}, errors.Wrapf(dberr.ErrTruncated, "get: premature eof: %s: offset=%d: %v", c, offset, err)
	}
	e, err := parseLine(string(buf))
	if err != nil {
		return Entry{}, errors.Wrapf(err, "get: record %d", id)
	}
	c.cache[id] = e
	return e, nil
}

// Add appends an entry and returns the id assigned to it
func (c *Catalog) Add(segment string, offset int64) (int, error) {
	if c.file == nil {
		return 0, errors.Wrapf(dberr.ErrClosed, "add: %s", c)
	}
	if c.mode != ReadWrite {
		return 0, errors.Wrapf(dberr.ErrReadOnly, "add: invalid mode: %s", c)
	}
	line, err := FormatLine(c.recordSize, segment, offset)
	if err != nil {
		return 0, errors.Wrapf(err, "add: %s", c)
	}
	pos := int64(c.nRecords+1) * int64(c.recordSize)
	if _, err = c.file.WriteAt([]byte(line), pos); err != nil {
		return 0, err
	}
	id := c.nRecords
	c.cache[id] = Entry{Segment: segment, Offset: offset}
	c.nRecords++
	return id, nil
}

// Close closes the catalog. Calling Close on a closed catalog is an error.
func (c *Catalog) Close() error {
	if c.file == nil {
		return errors.Wrapf(dberr.ErrClosed, "close: already closed: %s", c)
	}
	err := c.file.Close()
	c.file = nil
	c.mode = ""
	clear(c.cache)
	return err
}
