package mailcorpus

import (
	"github.com/kjk/mailstore/log"
	"github.com/pkg/errors"
)

const (
	// DefaultSmallMerge is merge threshold after a regular flush
	DefaultSmallMerge = 20
	// DefaultLargeMerge is merge threshold after a forced flush
	DefaultLargeMerge = 2000
)

// Indexer is the full-text search engine that indexes messages of a corpus.
// The corpus tells it which records are new. Everything else (parsing
// messages, postings, ranking) is up to the Indexer.
type Indexer interface {
	// LastIndexed returns the highest record id already indexed, -1 if none
	LastIndexed() int
	// IndexDocs indexes records first..last, inclusive
	IndexDocs(c *Corpus, first int, last int) error
	// Merge merges index segments with fewer than maxDocs documents
	Merge(c *Corpus, maxDocs int) error
}

func (c *Corpus) resetUnindexed() {
	c.firstUnindexed = -1
	c.lastUnindexed = -1
}

// NewIndexRange returns the range of record ids to index: from the one
// after the last indexed by Indexer (or, without Indexer, the first added
// since the last Flush) to the last added. ok is false if there's nothing.
func (c *Corpus) NewIndexRange() (first int, last int, ok bool) {
	if c.lastUnindexed < 0 {
		return 0, 0, false
	}
	first = c.firstUnindexed
	if first < 0 {
		first = 0
	}
	if c.opts.Indexer != nil {
		first = c.opts.Indexer.LastIndexed() + 1
	}
	if first > c.lastUnindexed {
		return 0, 0, false
	}
	return first, c.lastUnindexed, true
}

// Flush hands records added since the last Flush to the indexer and lets
// it merge its segments. force re-checks all records, not only the ones
// added by this process, and does a large merge.
// notice, if not nil, is called with the number of records to index.
func (c *Corpus) Flush(notice func(n int), force bool) error {
	idx := c.opts.Indexer
	if idx == nil {
		c.resetUnindexed()
		return nil
	}
	if force {
		c.lastUnindexed = c.Count() - 1
	}
	if c.lastUnindexed < 0 {
		return nil
	}
	first, last, ok := c.NewIndexRange()
	if ok {
		if notice != nil {
			notice(last - first + 1)
		}
		log.Verbosef("mailcorpus: indexing %d..%d in '%s'\n", first, last, c.Dir)
		if err := idx.IndexDocs(c, first, last); err != nil {
			return errors.Wrapf(err, "flush: index %d..%d", first, last)
		}
	}
	threshold := c.opts.SmallMerge
	if force {
		threshold = c.opts.LargeMerge
	}
	if err := idx.Merge(c, threshold); err != nil {
		return errors.Wrapf(err, "flush: merge, threshold %d", threshold)
	}
	c.resetUnindexed()
	return nil
}
