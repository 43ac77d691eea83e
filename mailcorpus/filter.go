package mailcorpus

import (
	"strings"
)

// Filter decides if a document with given labels should be shown
type Filter interface {
	Pass(labels string) bool
}

// LabelBlock rejects documents that have any of the labels
type LabelBlock struct {
	Labels string
}

func (f *LabelBlock) Pass(labels string) bool {
	return !strings.ContainsAny(labels, f.Labels)
}

// LabelPass accepts documents that have all of the labels
type LabelPass struct {
	Labels string
}

func (f *LabelPass) Pass(labels string) bool {
	for i := 0; i < len(f.Labels); i++ {
		if strings.IndexByte(labels, f.Labels[i]) < 0 {
			return false
		}
	}
	return true
}

var (
	// DefaultFilter hides deleted, sent and junk messages
	DefaultFilter Filter = &LabelBlock{Labels: FilteredLabels}
	// DefaultFilterWithSent hides deleted and junk messages
	DefaultFilterWithSent Filter = &LabelBlock{Labels: diffLabels(FilteredLabels, string(LabelSent))}
)

// Location of a candidate document in a search index segment.
// Offset is a position inside the document, always 0 for label matches.
type Location struct {
	DocID  int
	Offset int
}

// IndexSegment is a segment of the full-text search index, as seen by
// narrowing. Documents in a segment are a contiguous range of record ids.
type IndexSegment interface {
	// LastRecno returns the highest record id in the segment,
	// false if the segment is empty
	LastRecno() (int, bool)
	// DocID returns document id of record in this segment,
	// false if the record is not in the segment
	DocID(recno int) (int, bool)
}

// LabelPredicate narrows a search to documents with (or, if Neg, without)
// a label
type LabelPredicate struct {
	Label byte
	Neg   bool

	// record ids with the label, descending
	ids []uint32
	// position in ids, advanced as segments are narrowed
	cur int
}

// NewLabelPredicate resolves label name and loads ids of records with it
func (c *Corpus) NewLabelPredicate(name string, neg bool) (*LabelPredicate, error) {
	label, err := c.Names.Resolve(name)
	if err != nil {
		return nil, err
	}
	ids, err := c.labels.IDs(label)
	if err != nil {
		return nil, err
	}
	p := &LabelPredicate{
		Label: label,
		Neg:   neg,
		ids:   ids,
	}
	return p, nil
}

func (p *LabelPredicate) String() string {
	if p.Neg {
		return "+!" + string(p.Label)
	}
	return "+" + string(p.Label)
}

func (p *LabelPredicate) Pass(labels string) bool {
	has := strings.IndexByte(labels, p.Label) >= 0
	return has != p.Neg
}

// Narrow returns locations of documents in seg that have the label, in
// descending order of record id. Segments must be given newest first:
// the predicate remembers how far it got and the next call continues from
// there. A negated predicate can't narrow and returns nil; use it as a
// Filter.
func (p *LabelPredicate) Narrow(seg IndexSegment) []Location {
	if p.Neg {
		return nil
	}
	last, ok := seg.LastRecno()
	if !ok {
		return nil
	}
	// skip records newer than this segment
	for p.cur < len(p.ids) && int(p.ids[p.cur]) > last {
		p.cur++
	}
	var locs []Location
	for p.cur < len(p.ids) {
		docID, ok := seg.DocID(int(p.ids[p.cur]))
		if !ok {
			break
		}
		locs = append(locs, Location{DocID: docID})
		p.cur++
	}
	return locs
}
