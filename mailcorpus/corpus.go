// Package mailcorpus stores mail messages with labels.
//
// A corpus is a directory:
//
//	tar/    messages, see package tardb
//	idx/    full-text index, owned by the Indexer
//	label/  label index, see package labeldb
//
// Labels of a message are kept in two places. The name of the record header
// ("%08x.%s" of record id and sorted labels) is authoritative. The label
// index is derived from it for fast filtering and can be rebuilt with
// RebuildLabels.
package mailcorpus

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kjk/mailstore/catalog"
	"github.com/kjk/mailstore/dberr"
	"github.com/kjk/mailstore/labeldb"
	"github.com/kjk/mailstore/log"
	"github.com/kjk/mailstore/tardb"
	"github.com/kjk/mailstore/u"
	"github.com/pkg/errors"
)

const (
	TarDir   = "tar"
	IndexDir = "idx"
	LabelDir = "label"
)

type Corpus struct {
	Dir   string
	Names *Labels

	opts   Options
	mode   catalog.Mode
	db     *tardb.DB
	labels *labeldb.DB
	// lowest and highest record id added since last Flush, -1 if none
	firstUnindexed int
	lastUnindexed  int
}

// Doc is what the search layer needs to know about a message
type Doc struct {
	ID     int
	Mtime  time.Time
	Labels string
}

func (d *Doc) String() string {
	return fmt.Sprintf("<Doc: id=%d, labels=%q>", d.ID, d.Labels)
}

// Create creates an empty corpus in dir. dir is created if needed.
// Fails with dberr.ErrExists if dir already has a corpus.
func Create(dir string, opts *Options) error {
	o := opts.withDefaults()
	for _, sub := range []string{TarDir, IndexDir, LabelDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return err
		}
	}
	return tardb.Create(filepath.Join(dir, TarDir), o.tarOptions())
}

// Open opens corpus in dir. Opening with catalog.ReadWrite takes the writer
// lock and fails with dberr.ErrBusy if someone else already has it.
func Open(dir string, mode catalog.Mode, opts *Options) (*Corpus, error) {
	c := &Corpus{
		Dir:           dir,
		opts:          opts.withDefaults(),
		firstUnindexed: -1,
		lastUnindexed:  -1,
	}
	if err := ValidateCompression(c.opts.Compression); err != nil {
		return nil, err
	}
	names, err := NewLabels(c.opts.LabelNames)
	if err != nil {
		return nil, err
	}
	c.Names = names
	if err = c.open(mode); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Corpus) open(mode catalog.Mode) error {
	labels, err := labeldb.Open(filepath.Join(c.Dir, LabelDir), "")
	if err != nil {
		return err
	}
	labels.SyncWrite = c.opts.SyncWrite
	db, err := tardb.Open(filepath.Join(c.Dir, TarDir), mode, c.opts.tarOptions())
	if err != nil {
		return err
	}
	c.db = db
	c.labels = labels
	c.mode = mode
	c.resetUnindexed()
	return nil
}

// Update opens corpus for writing, calls fn and closes it. The lock is
// released on every exit path of fn, including a panic.
func Update(dir string, opts *Options, fn func(c *Corpus) error) (err error) {
	c, err := Open(dir, catalog.ReadWrite, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := c.Close(nil); err == nil {
			err = err2
		}
	}()
	return fn(c)
}

func (c *Corpus) String() string {
	return fmt.Sprintf("<MailCorpus: dir=%q, db=%s, last_unindexed=%d>", c.Dir, c.db, c.lastUnindexed)
}

// Mode returns mode the corpus is opened with, "" if closed
func (c *Corpus) Mode() catalog.Mode {
	return c.mode
}

// Count returns number of messages
func (c *Corpus) Count() int {
	if c.db == nil {
		return 0
	}
	return c.db.Count()
}

// DB returns the underlying record store
func (c *Corpus) DB() *tardb.DB {
	return c.db
}

// LabelDB returns the label index
func (c *Corpus) LabelDB() *labeldb.DB {
	return c.labels
}

func (c *Corpus) checkOpen(op string) error {
	if c.mode == "" {
		return errors.Wrapf(dberr.ErrClosed, "%s: %s", op, c)
	}
	return nil
}

// SetWritable re-opens a read-only corpus for writing. If another process
// holds the lock, the corpus is re-opened read-only and dberr.ErrBusy is
// returned.
func (c *Corpus) SetWritable() error {
	if c.mode == catalog.ReadWrite {
		return nil
	}
	if c.mode != "" {
		if err := c.closeDB(); err != nil {
			return err
		}
	}
	err := c.open(catalog.ReadWrite)
	if err == nil {
		return nil
	}
	if err2 := c.open(catalog.ReadOnly); err2 != nil {
		log.Errorf("SetWritable: re-open of '%s' failed: %s\n", c.Dir, err2)
	}
	return err
}

// Close flushes new messages to the indexer, writes changed labels and
// closes the store. notice is passed to Flush.
func (c *Corpus) Close(notice func(n int)) error {
	if err := c.checkOpen("close"); err != nil {
		return err
	}
	errFlush := c.Flush(notice, false)
	if err := c.closeDB(); err != nil {
		return err
	}
	return errFlush
}

func (c *Corpus) closeDB() error {
	errLabels := c.labels.Close()
	err := c.db.Close()
	c.mode = ""
	if errLabels != nil {
		return errLabels
	}
	return err
}

// AddMessage stores a message with labels and returns its id.
// If mtime is zero, current time is used.
func (c *Corpus) AddMessage(data []byte, labels string, mtime time.Time) (int, error) {
	if err := c.checkOpen("add_message"); err != nil {
		return 0, err
	}
	labels, err := NormalizeLabels(labels)
	if err != nil {
		return 0, err
	}
	id := c.db.Count()
	name, err := EncodeName(id, labels)
	if err != nil {
		return 0, err
	}
	if mtime.IsZero() {
		mtime = time.Now()
	}
	payload, err := encodePayload(c.opts.Compression, data)
	if err != nil {
		return 0, err
	}
	hdr := tardb.NewHeader(name, mtime)
	hdr.Uname = headerCodec(c.opts.Compression)
	got, err := c.db.AddRecord(hdr, payload)
	if err != nil {
		return 0, err
	}
	u.PanicIf(got != id, "AddMessage: record id %d, expected %d", got, id)
	if err = c.labels.Add(uint32(id), labels); err != nil {
		return id, err
	}
	if c.firstUnindexed < 0 {
		c.firstUnindexed = id
	}
	c.lastUnindexed = id
	return id, nil
}

// GetMessage returns decompressed message id
func (c *Corpus) GetMessage(id int) ([]byte, error) {
	if err := c.checkOpen("get_message"); err != nil {
		return nil, err
	}
	hdr, payload, err := c.db.GetRecord(id)
	if err != nil {
		return nil, err
	}
	d, err := decodePayload(hdr.Uname, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "get_message: %d", id)
	}
	return d, nil
}

func (c *Corpus) getInfo(op string, id int) (*tar.Header, string, error) {
	if err := c.checkOpen(op); err != nil {
		return nil, "", err
	}
	hdr, err := c.db.GetInfo(id)
	if err != nil {
		return nil, "", err
	}
	_, labels, err := DecodeName(hdr.Name)
	if err != nil {
		return nil, "", errors.Wrapf(err, "%s: record %d", op, id)
	}
	return hdr, labels, nil
}

// GetLabel returns labels of message id, sorted
func (c *Corpus) GetLabel(id int) (string, error) {
	_, labels, err := c.getInfo("get_label", id)
	return labels, err
}

// SetLabel replaces labels of message id. Invalid labels fail with
// dberr.ErrFormat and nothing is changed.
func (c *Corpus) SetLabel(id int, labels string) error {
	labels, err := NormalizeLabels(labels)
	if err != nil {
		return err
	}
	hdr, prev, err := c.getInfo("set_label", id)
	if err != nil {
		return err
	}
	return c.setLabel(id, hdr, prev, labels)
}

func (c *Corpus) setLabel(id int, hdr *tar.Header, prev string, labels string) error {
	if prev == labels {
		return nil
	}
	name, err := EncodeName(id, labels)
	if err != nil {
		return err
	}
	hdr.Name = name
	if err = c.db.SetInfo(id, hdr); err != nil {
		return err
	}
	if err = c.labels.Remove(uint32(id), diffLabels(prev, labels)); err != nil {
		return err
	}
	return c.labels.Add(uint32(id), diffLabels(labels, prev))
}

// AddLabel adds labels to message id
func (c *Corpus) AddLabel(id int, labels string) error {
	labels, err := NormalizeLabels(labels)
	if err != nil {
		return err
	}
	hdr, prev, err := c.getInfo("add_label", id)
	if err != nil {
		return err
	}
	return c.setLabel(id, hdr, prev, unionLabels(prev, labels))
}

// DelLabel removes labels from message id
func (c *Corpus) DelLabel(id int, labels string) error {
	labels, err := NormalizeLabels(labels)
	if err != nil {
		return err
	}
	hdr, prev, err := c.getInfo("del_label", id)
	if err != nil {
		return err
	}
	return c.setLabel(id, hdr, prev, diffLabels(prev, labels))
}

// SetDeleted marks message id as deleted. Messages are never removed.
func (c *Corpus) SetDeleted(id int) error {
	return c.AddLabel(id, string(LabelDeleted))
}

// LocExists returns true if id is a valid message id
func (c *Corpus) LocExists(id int) bool {
	return id >= 0 && id < c.Count()
}

// LocMtime returns modification time of message id
func (c *Corpus) LocMtime(id int) (time.Time, error) {
	hdr, _, err := c.getInfo("loc_mtime", id)
	if err != nil {
		return time.Time{}, err
	}
	return hdr.ModTime, nil
}

// LocSize returns size of decompressed message id
func (c *Corpus) LocSize(id int) (int, error) {
	d, err := c.GetMessage(id)
	if err != nil {
		return 0, err
	}
	return len(d), nil
}

// GetDoc returns metadata of message id, without reading the message
func (c *Corpus) GetDoc(id int) (*Doc, error) {
	hdr, labels, err := c.getInfo("get_doc", id)
	if err != nil {
		return nil, err
	}
	doc := &Doc{
		ID:     id,
		Mtime:  hdr.ModTime,
		Labels: labels,
	}
	return doc, nil
}

// FilterDoc returns true if message id passes all filters
func (c *Corpus) FilterDoc(id int, filters ...Filter) (bool, error) {
	labels, err := c.GetLabel(id)
	if err != nil {
		return false, err
	}
	for _, f := range filters {
		if !f.Pass(labels) {
			return false, nil
		}
	}
	return true, nil
}

// FormatLabels returns human-readable names of labels, space separated
func (c *Corpus) FormatLabels(labels string) string {
	return strings.Join(c.Names.Names(labels), " ")
}
