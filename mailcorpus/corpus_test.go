package mailcorpus

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kjk/mailstore/catalog"
	"github.com/kjk/mailstore/dberr"
	"github.com/kjk/mailstore/require"
	"github.com/kjk/mailstore/tardb"
)

func createCorpus(t *testing.T, opts *Options) string {
	dir := filepath.Join(t.TempDir(), "inbox")
	err := Create(dir, opts)
	require.NoError(t, err)
	return dir
}

func openCorpus(t *testing.T, dir string, mode catalog.Mode, opts *Options) *Corpus {
	c, err := Open(dir, mode, opts)
	require.NoError(t, err)
	return c
}

func genMessage(i int) []byte {
	s := fmt.Sprintf("From: foo%d@example.com\nSubject: message %d\n\n", i, i)
	return []byte(s + strings.Repeat(fmt.Sprintf("line of message %d\n", i), i%7+1))
}

func hasLabel(t *testing.T, c *Corpus, label byte, id int) bool {
	ok, err := c.LabelDB().Has(label, uint32(id))
	require.NoError(t, err)
	return ok
}

func TestCreate(t *testing.T) {
	dir := createCorpus(t, nil)
	for _, sub := range []string{"tar", "idx", "label"} {
		st, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		require.True(t, st.IsDir())
	}
	_, err := os.Stat(filepath.Join(dir, "tar", "catalog"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "tar", "lock"))
	require.NoError(t, err)
}

func TestCreateExisting(t *testing.T) {
	dir := createCorpus(t, nil)
	err := Update(dir, nil, func(c *Corpus) error {
		for i := 0; i < 3; i++ {
			if _, err := c.AddMessage(genMessage(i), "3", time.Time{}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = Create(dir, nil)
	require.ErrorIs(t, err, dberr.ErrExists)
	c := openCorpus(t, dir, catalog.ReadOnly, nil)
	require.Equal(t, 3, c.Count())
	require.NoError(t, c.Close(nil))

	// while a writer has the lock
	w := openCorpus(t, dir, catalog.ReadWrite, nil)
	err = Create(dir, nil)
	require.ErrorIs(t, err, dberr.ErrExists)
	_, err = Open(dir, catalog.ReadWrite, nil)
	require.ErrorIs(t, err, dberr.ErrBusy)
	require.Equal(t, 3, w.Count())
	require.NoError(t, w.Close(nil))
}

func TestAddGetMessage(t *testing.T) {
	for _, compression := range []string{"", CompressionGzip, CompressionZstd, CompressionBrotli, CompressionNone} {
		opts := &Options{Compression: compression}
		dir := createCorpus(t, opts)
		c := openCorpus(t, dir, catalog.ReadWrite, opts)
		mtime := time.Unix(1700000000, 0)
		for i := 0; i < 10; i++ {
			id, err := c.AddMessage(genMessage(i), "3a", mtime)
			require.NoError(t, err)
			require.Equal(t, i, id)
		}
		require.NoError(t, c.Close(nil))

		// read with default options: the codec comes from the header
		c = openCorpus(t, dir, catalog.ReadOnly, nil)
		require.Equal(t, 10, c.Count())
		for i := 0; i < 10; i++ {
			d, err := c.GetMessage(i)
			require.NoError(t, err, compression)
			require.Equal(t, genMessage(i), d)
			n, err := c.LocSize(i)
			require.NoError(t, err)
			require.Equal(t, len(genMessage(i)), n)
			tm, err := c.LocMtime(i)
			require.NoError(t, err)
			require.Equal(t, mtime.Unix(), tm.Unix())
			labels, err := c.GetLabel(i)
			require.NoError(t, err)
			require.Equal(t, "3a", labels)
		}
		hdr, err := c.DB().GetInfo(0)
		require.NoError(t, err)
		require.Equal(t, "00000000.3a", hdr.Name)
		require.NoError(t, c.Close(nil))
	}
}

func TestCodecInHeader(t *testing.T) {
	opts := &Options{Compression: CompressionZstd}
	dir := createCorpus(t, opts)
	c := openCorpus(t, dir, catalog.ReadWrite, opts)
	defer c.Close(nil)
	_, err := c.AddMessage([]byte("hello"), "", time.Time{})
	require.NoError(t, err)
	hdr, err := c.DB().GetInfo(0)
	require.NoError(t, err)
	require.Equal(t, "zstd", hdr.Uname)
	require.True(t, time.Since(hdr.ModTime) < time.Hour)

	_, err = Open(dir, catalog.ReadOnly, &Options{Compression: "lz4"})
	require.ErrorIs(t, err, dberr.ErrFormat)
}

func TestLabelRoundtrip(t *testing.T) {
	dir := createCorpus(t, nil)
	c := openCorpus(t, dir, catalog.ReadWrite, nil)
	for i := 0; i < 5; i++ {
		_, err := c.AddMessage(genMessage(i), "", time.Time{})
		require.NoError(t, err)
	}
	require.NoError(t, c.AddLabel(2, "L"))
	require.NoError(t, c.Close(nil))

	c = openCorpus(t, dir, catalog.ReadWrite, nil)
	require.True(t, hasLabel(t, c, 'L', 2))
	require.False(t, hasLabel(t, c, 'L', 1))
	labels, err := c.GetLabel(2)
	require.NoError(t, err)
	require.Equal(t, "L", labels)

	require.NoError(t, c.AddLabel(2, "3a"))
	labels, err = c.GetLabel(2)
	require.NoError(t, err)
	require.Equal(t, "3La", labels)
	require.NoError(t, c.DelLabel(2, "L"))
	require.NoError(t, c.Close(nil))

	c = openCorpus(t, dir, catalog.ReadOnly, nil)
	defer c.Close(nil)
	require.False(t, hasLabel(t, c, 'L', 2))
	require.True(t, hasLabel(t, c, 'a', 2))
	require.True(t, hasLabel(t, c, '3', 2))
	labels, err = c.GetLabel(2)
	require.NoError(t, err)
	require.Equal(t, "3a", labels)
	// payload is not touched by label changes
	d, err := c.GetMessage(2)
	require.NoError(t, err)
	require.Equal(t, genMessage(2), d)
}

func TestSetLabel(t *testing.T) {
	dir := createCorpus(t, nil)
	c := openCorpus(t, dir, catalog.ReadWrite, nil)
	defer c.Close(nil)
	id, err := c.AddMessage(genMessage(1), "ab", time.Time{})
	require.NoError(t, err)
	require.NoError(t, c.SetLabel(id, "bc"))
	labels, err := c.GetLabel(id)
	require.NoError(t, err)
	require.Equal(t, "bc", labels)
	require.False(t, hasLabel(t, c, 'a', id))
	require.True(t, hasLabel(t, c, 'b', id))
	require.True(t, hasLabel(t, c, 'c', id))

	require.NoError(t, c.SetDeleted(id))
	labels, err = c.GetLabel(id)
	require.NoError(t, err)
	require.Equal(t, "0bc", labels)
	require.True(t, hasLabel(t, c, LabelDeleted, id))
	require.True(t, c.LocExists(id))
	require.False(t, c.LocExists(id+1))
	require.False(t, c.LocExists(-1))

	doc, err := c.GetDoc(id)
	require.NoError(t, err)
	require.Equal(t, id, doc.ID)
	require.Equal(t, "0bc", doc.Labels)
}

func TestInvalidLabel(t *testing.T) {
	dir := createCorpus(t, nil)
	c := openCorpus(t, dir, catalog.ReadWrite, nil)
	defer c.Close(nil)
	id, err := c.AddMessage(genMessage(1), "a", time.Unix(12345, 0))
	require.NoError(t, err)
	before, err := c.DB().GetInfo(id)
	require.NoError(t, err)

	for _, labels := range []string{"a-b", " ", "!", "é"} {
		err = c.SetLabel(id, labels)
		require.ErrorIs(t, err, dberr.ErrFormat)
		err = c.AddLabel(id, labels)
		require.ErrorIs(t, err, dberr.ErrFormat)
		err = c.DelLabel(id, labels)
		require.ErrorIs(t, err, dberr.ErrFormat)
	}
	after, err := c.DB().GetInfo(id)
	require.NoError(t, err)
	require.Equal(t, before.Name, after.Name)
	require.Equal(t, before.ModTime, after.ModTime)

	_, err = c.AddMessage(genMessage(2), "a.b", time.Time{})
	require.ErrorIs(t, err, dberr.ErrFormat)
	require.Equal(t, 1, c.Count())
}

func TestReadOnly(t *testing.T) {
	dir := createCorpus(t, nil)
	c := openCorpus(t, dir, catalog.ReadOnly, nil)
	_, err := c.AddMessage(genMessage(1), "", time.Time{})
	require.ErrorIs(t, err, dberr.ErrReadOnly)
	_, err = c.GetMessage(0)
	require.ErrorIs(t, err, dberr.ErrRange)
	require.NoError(t, c.Close(nil))
	_, err = c.GetMessage(0)
	require.ErrorIs(t, err, dberr.ErrClosed)
	require.ErrorIs(t, c.Close(nil), dberr.ErrClosed)
}

func TestSetWritable(t *testing.T) {
	dir := createCorpus(t, nil)
	writer := openCorpus(t, dir, catalog.ReadWrite, nil)
	_, err := writer.AddMessage(genMessage(0), "", time.Time{})
	require.NoError(t, err)

	reader := openCorpus(t, dir, catalog.ReadOnly, nil)
	err = reader.SetWritable()
	require.ErrorIs(t, err, dberr.ErrBusy)
	// still usable for reading
	require.Equal(t, catalog.ReadOnly, reader.Mode())
	_, err = reader.GetMessage(0)
	require.NoError(t, err)

	require.NoError(t, writer.Close(nil))
	require.NoError(t, reader.SetWritable())
	require.Equal(t, catalog.ReadWrite, reader.Mode())
	require.NoError(t, reader.SetWritable())
	id, err := reader.AddMessage(genMessage(1), "", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, id)
	require.NoError(t, reader.Close(nil))
}

func TestUpdate(t *testing.T) {
	dir := createCorpus(t, nil)
	err := Update(dir, nil, func(c *Corpus) error {
		_, err := c.AddMessage(genMessage(0), "1", time.Time{})
		return err
	})
	require.NoError(t, err)
	err = Update(dir, nil, func(c *Corpus) error {
		require.True(t, hasLabel(t, c, LabelSent, 0))
		return nil
	})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "tar", "lock"))
	require.NoError(t, err)
}

func TestFilterDoc(t *testing.T) {
	dir := createCorpus(t, nil)
	c := openCorpus(t, dir, catalog.ReadWrite, nil)
	defer c.Close(nil)
	labels := []string{"", "1", "0", "9", "3", "3a"}
	for i, l := range labels {
		_, err := c.AddMessage(genMessage(i), l, time.Time{})
		require.NoError(t, err)
	}
	var got, gotWithSent, gotPass []int
	for i := range labels {
		ok, err := c.FilterDoc(i, DefaultFilter)
		require.NoError(t, err)
		if ok {
			got = append(got, i)
		}
		ok, err = c.FilterDoc(i, DefaultFilterWithSent)
		require.NoError(t, err)
		if ok {
			gotWithSent = append(gotWithSent, i)
		}
		ok, err = c.FilterDoc(i, DefaultFilter, &LabelPass{Labels: "3"})
		require.NoError(t, err)
		if ok {
			gotPass = append(gotPass, i)
		}
	}
	require.Equal(t, []int{0, 4, 5}, got)
	require.Equal(t, []int{0, 1, 4, 5}, gotWithSent)
	require.Equal(t, []int{4, 5}, gotPass)
}

type fakeIndexer struct {
	last   int
	ranges [][2]int
	merges []int
}

func (f *fakeIndexer) LastIndexed() int {
	return f.last
}

func (f *fakeIndexer) IndexDocs(c *Corpus, first int, last int) error {
	for i := first; i <= last; i++ {
		if _, err := c.GetMessage(i); err != nil {
			return err
		}
	}
	f.ranges = append(f.ranges, [2]int{first, last})
	f.last = last
	return nil
}

func (f *fakeIndexer) Merge(c *Corpus, maxDocs int) error {
	f.merges = append(f.merges, maxDocs)
	return nil
}

func TestFlush(t *testing.T) {
	idx := &fakeIndexer{last: -1}
	opts := &Options{Indexer: idx}
	dir := createCorpus(t, opts)
	c := openCorpus(t, dir, catalog.ReadWrite, opts)
	_, _, ok := c.NewIndexRange()
	require.False(t, ok)
	for i := 0; i < 3; i++ {
		_, err := c.AddMessage(genMessage(i), "", time.Time{})
		require.NoError(t, err)
	}
	first, last, ok := c.NewIndexRange()
	require.True(t, ok)
	require.Equal(t, 0, first)
	require.Equal(t, 2, last)

	var noticed []int
	notice := func(n int) {
		noticed = append(noticed, n)
	}
	require.NoError(t, c.Flush(notice, false))
	require.Equal(t, [][2]int{{0, 2}}, idx.ranges)
	require.Equal(t, []int{DefaultSmallMerge}, idx.merges)
	require.Equal(t, []int{3}, noticed)

	// nothing new: no indexing, no merge
	require.NoError(t, c.Flush(notice, false))
	require.Len(t, idx.merges, 1)

	_, err := c.AddMessage(genMessage(3), "", time.Time{})
	require.NoError(t, err)
	require.NoError(t, c.Close(notice))
	require.Equal(t, [][2]int{{0, 2}, {3, 3}}, idx.ranges)
	require.Equal(t, []int{3, 1}, noticed)

	// forced flush indexes what's missing and does a large merge
	idx.last = 1
	c = openCorpus(t, dir, catalog.ReadWrite, opts)
	require.NoError(t, c.Flush(nil, true))
	require.Equal(t, [2]int{2, 3}, idx.ranges[2])
	require.Equal(t, DefaultLargeMerge, idx.merges[len(idx.merges)-1])
	require.NoError(t, c.Close(nil))
}

func TestNewIndexRangeAfterReopen(t *testing.T) {
	dir := createCorpus(t, nil)
	err := Update(dir, nil, func(c *Corpus) error {
		for i := 0; i < 5; i++ {
			if _, err := c.AddMessage(genMessage(i), "", time.Time{}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	c := openCorpus(t, dir, catalog.ReadWrite, nil)
	_, _, ok := c.NewIndexRange()
	require.False(t, ok)
	for i := 5; i < 7; i++ {
		_, err := c.AddMessage(genMessage(i), "", time.Time{})
		require.NoError(t, err)
	}
	first, last, ok := c.NewIndexRange()
	require.True(t, ok)
	require.Equal(t, 5, first)
	require.Equal(t, 6, last)

	require.NoError(t, c.Flush(nil, false))
	_, _, ok = c.NewIndexRange()
	require.False(t, ok)
	_, err = c.AddMessage(genMessage(7), "", time.Time{})
	require.NoError(t, err)
	first, last, ok = c.NewIndexRange()
	require.True(t, ok)
	require.Equal(t, 7, first)
	require.Equal(t, 7, last)
	require.NoError(t, c.Close(nil))
}

type fakeSegment struct {
	// recno => docid
	docs map[int]int
	last int
}

func newFakeSegment(firstRecno, lastRecno int) *fakeSegment {
	s := &fakeSegment{docs: map[int]int{}, last: lastRecno}
	for r := firstRecno; r <= lastRecno; r++ {
		s.docs[r] = r - firstRecno
	}
	return s
}

func (s *fakeSegment) LastRecno() (int, bool) {
	return s.last, len(s.docs) > 0
}

func (s *fakeSegment) DocID(recno int) (int, bool) {
	id, ok := s.docs[recno]
	return id, ok
}

func TestLabelPredicateNarrow(t *testing.T) {
	dir := createCorpus(t, nil)
	c := openCorpus(t, dir, catalog.ReadWrite, nil)
	defer c.Close(nil)
	for i := 0; i < 20; i++ {
		labels := ""
		if i%3 == 0 {
			labels = "w"
		}
		_, err := c.AddMessage(genMessage(i), labels, time.Time{})
		require.NoError(t, err)
	}
	p, err := c.NewLabelPredicate("w", false)
	require.NoError(t, err)
	require.Equal(t, "+w", p.String())

	// segments come newest first, the first one has no labelled records
	locs := p.Narrow(newFakeSegment(16, 17))
	require.Equal(t, []Location(nil), locs)
	locs = p.Narrow(newFakeSegment(10, 15))
	require.Equal(t, []Location{{DocID: 5}, {DocID: 2}}, locs)
	locs = p.Narrow(newFakeSegment(0, 9))
	require.Equal(t, []Location{{DocID: 9}, {DocID: 6}, {DocID: 3}, {DocID: 0}}, locs)
	locs = p.Narrow(newFakeSegment(0, 9))
	require.Len(t, locs, 0)

	neg, err := c.NewLabelPredicate("w", true)
	require.NoError(t, err)
	require.Equal(t, "+!w", neg.String())
	require.Len(t, neg.Narrow(newFakeSegment(0, 19)), 0)
	require.True(t, neg.Pass("ab"))
	require.False(t, neg.Pass("aw"))
	require.True(t, p.Pass("w"))

	_, err = c.NewLabelPredicate("nosuchlabel", false)
	require.ErrorIs(t, err, dberr.ErrFormat)
}

func TestRebuildLabels(t *testing.T) {
	opts := &Options{MaxSegmentSize: 4096}
	dir := createCorpus(t, opts)
	c := openCorpus(t, dir, catalog.ReadWrite, opts)
	for i := 0; i < 30; i++ {
		labels := string([]byte{"abc"[i%3]})
		if i%5 == 0 {
			labels += "0"
		}
		_, err := c.AddMessage(genMessage(i), labels, time.Time{})
		require.NoError(t, err)
	}
	require.NoError(t, c.SetLabel(7, "xyz"))
	require.NoError(t, c.Close(nil))

	c = openCorpus(t, dir, catalog.ReadOnly, opts)
	want := map[byte][]uint32{}
	for _, label := range []byte("0abcxyz") {
		ids, err := c.LabelDB().IDs(label)
		require.NoError(t, err)
		want[label] = ids
	}
	require.NoError(t, c.Close(nil))

	// simulate a crash that lost label updates
	for _, label := range []byte("0ab") {
		require.NoError(t, os.Remove(c.LabelDB().FilePath(label)))
	}
	err := os.WriteFile(c.LabelDB().FilePath('q'), []byte{0, 0, 0, 1}, 0644)
	require.NoError(t, err)

	n, err := RebuildLabels(dir)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	c = openCorpus(t, dir, catalog.ReadOnly, opts)
	defer c.Close(nil)
	for label, ids := range want {
		got, err := c.LabelDB().IDs(label)
		require.NoError(t, err)
		require.Equal(t, ids, got, "label %c", label)
	}
	got, err := c.LabelDB().IDs('q')
	require.NoError(t, err)
	require.Len(t, got, 0)
}

func TestRebuildCatalog(t *testing.T) {
	opts := &Options{MaxSegmentSize: 4096, Compression: CompressionNone}
	dir := createCorpus(t, opts)
	c := openCorpus(t, dir, catalog.ReadWrite, opts)
	for i := 0; i < 25; i++ {
		_, err := c.AddMessage(genMessage(i), "a", time.Time{})
		require.NoError(t, err)
	}
	require.NoError(t, c.Close(nil))
	catalogPath := filepath.Join(dir, "tar", "catalog")
	orig, err := os.ReadFile(catalogPath)
	require.NoError(t, err)

	// lose the tail of the catalog
	require.NoError(t, os.WriteFile(catalogPath, orig[:catalog.DefaultRecordSize*3], 0644))
	n, err := RebuildCatalog(dir, 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	d, err := os.ReadFile(catalogPath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(orig, d))

	c = openCorpus(t, dir, catalog.ReadOnly, opts)
	require.Equal(t, 25, c.Count())
	for i := 0; i < 25; i++ {
		m, err := c.GetMessage(i)
		require.NoError(t, err)
		require.Equal(t, genMessage(i), m)
	}
	require.NoError(t, c.Close(nil))

	// a segment lost: its records become missing lines
	paths, err := tardb.SegmentPaths(filepath.Join(dir, "tar"))
	require.NoError(t, err)
	require.True(t, len(paths) > 2)
	require.NoError(t, os.Remove(paths[1]))
	n, err = RebuildCatalog(dir, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c = openCorpus(t, dir, catalog.ReadOnly, opts)
	defer c.Close(nil)
	require.Equal(t, 25, c.Count())
	_, err = c.GetMessage(0)
	require.NoError(t, err)
	var nBroken int
	for i := 0; i < 25; i++ {
		if _, err := c.GetMessage(i); err != nil {
			require.ErrorIs(t, err, dberr.ErrFormat)
			nBroken++
		}
	}
	require.True(t, nBroken > 0)
	m, err := c.GetMessage(24)
	require.NoError(t, err)
	require.Equal(t, genMessage(24), m)
}

func TestLabelNames(t *testing.T) {
	l, err := NewLabels(map[string]string{"work": "w"})
	require.NoError(t, err)
	label, err := l.Resolve("work")
	require.NoError(t, err)
	require.Equal(t, byte('w'), label)
	label, err = l.Resolve(" sent ")
	require.NoError(t, err)
	require.Equal(t, LabelSent, label)
	label, err = l.Resolve("x")
	require.NoError(t, err)
	require.Equal(t, byte('x'), label)
	_, err = l.Resolve("nope")
	require.ErrorIs(t, err, dberr.ErrFormat)
	_, err = l.Resolve("-")
	require.ErrorIs(t, err, dberr.ErrFormat)

	require.Equal(t, "09w", l.ResolveAll([]string{"work", "bogus", "junk", "deleted", "!"}))
	require.Equal(t, "read", l.Name(LabelRead))
	require.Equal(t, "z", l.Name('z'))
	require.Equal(t, []string{"deleted", "work"}, l.Names("0w"))

	_, err = NewLabels(map[string]string{"bad": "ww"})
	require.ErrorIs(t, err, dberr.ErrFormat)
}

func TestEncodeName(t *testing.T) {
	s, err := EncodeName(0x1f, "ba3b")
	require.NoError(t, err)
	require.Equal(t, "0000001f.3ab", s)
	id, labels, err := DecodeName(s)
	require.NoError(t, err)
	require.Equal(t, 0x1f, id)
	require.Equal(t, "3ab", labels)

	id, labels, err = DecodeName("00000000.")
	require.NoError(t, err)
	require.Equal(t, 0, id)
	require.Equal(t, "", labels)

	_, _, err = DecodeName("foo")
	require.ErrorIs(t, err, dberr.ErrFormat)
	_, _, err = DecodeName("0000000G.a")
	require.ErrorIs(t, err, dberr.ErrFormat)
}

func TestConfig(t *testing.T) {
	d := []byte(`
compression: zstd
max_segment_size: 1 MiB
small_merge: 5
labels:
  work: w
`)
	cfg, err := ParseConfig(d)
	require.NoError(t, err)
	opts, err := cfg.Options()
	require.NoError(t, err)
	require.Equal(t, CompressionZstd, opts.Compression)
	require.Equal(t, int64(1024*1024), opts.MaxSegmentSize)
	require.Equal(t, 5, opts.SmallMerge)
	o := opts.withDefaults()
	require.Equal(t, DefaultLargeMerge, o.LargeMerge)
	require.Equal(t, "w", opts.LabelNames["work"])

	cfg, err = ParseConfig([]byte("compression: lz4\n"))
	require.NoError(t, err)
	_, err = cfg.Options()
	require.ErrorIs(t, err, dberr.ErrFormat)

	cfg, err = ParseConfig([]byte("max_segment_size: lots\n"))
	require.NoError(t, err)
	_, err = cfg.Options()
	require.Error(t, err)

	_, err = ParseConfig([]byte("labels: [1, 2"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "mailstore.yaml")
	require.NoError(t, os.WriteFile(path, d, 0644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "zstd", cfg.Compression)
}
