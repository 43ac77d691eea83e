package mailcorpus

import (
	"path/filepath"
	"strings"

	"github.com/kjk/mailstore/atomicfile"
	"github.com/kjk/mailstore/catalog"
	"github.com/kjk/mailstore/filelock"
	"github.com/kjk/mailstore/labeldb"
	"github.com/kjk/mailstore/log"
	"github.com/kjk/mailstore/tardb"
	"github.com/kjk/mailstore/u"
)

// Recovery tools for a corpus whose catalog or label index doesn't match
// the segment files, e.g. after a crash. Both scan every segment file and
// hold the writer lock while doing it. A problem (corrupted record, gap in
// record ids etc.) is logged, counted and skipped; the returned error is
// only for failures that stop the rebuild.

func tarLockPath(dir string) string {
	return filepath.Join(dir, TarDir, tardb.DefaultLockName)
}

// RebuildCatalog re-creates the catalog of corpus in dir from its segment
// files. Record ids are taken from header names. Missing ids get a line
// that fails to parse, duplicates are skipped. recordSize is the width of
// catalog lines, 0 means: width of the current catalog or the default.
// Returns number of problems found.
func RebuildCatalog(dir string, recordSize int) (int, error) {
	tarDir := filepath.Join(dir, TarDir)
	catalogPath := filepath.Join(tarDir, tardb.DefaultCatalogName)
	var nProblems int
	err := filelock.With(tarLockPath(dir), func() error {
		if recordSize == 0 {
			recordSize = catalog.DefaultRecordSize
			if c, err := catalog.Open(catalogPath, catalog.ReadOnly); err == nil {
				recordSize = c.RecordSize()
				c.Close()
			}
		}
		var err error
		var s string
		s, nProblems, err = generateCatalog(tarDir, recordSize)
		if err != nil {
			return err
		}
		return atomicfile.WriteFile(catalogPath, []byte(s), true)
	})
	if err != nil {
		return nProblems, err
	}
	log.Event("catalog_rebuilt", "dir", dir, "problems", nProblems)
	return nProblems, nil
}

func generateCatalog(tarDir string, recordSize int) (string, int, error) {
	paths, err := tardb.SegmentPaths(tarDir)
	if err != nil {
		return "", 0, err
	}
	var sb strings.Builder
	sb.WriteString(catalog.FormatRuler(recordSize))
	missing := catalog.MissingLine(recordSize)
	recno := 0
	nProblems := 0
	for _, path := range paths {
		log.Verbosef("reading: '%s'...\n", path)
		name := strings.TrimSuffix(filepath.Base(path), tardb.SegmentExt)
		if _, err := catalog.FormatLine(recordSize, name, 0); err != nil {
			log.Logf("segment '%s' doesn't fit catalog record size %d\n", path, recordSize)
			nProblems++
			continue
		}
		err = tardb.ScanSegment(path, func(rec *tardb.ScanRecord) error {
			id, _, err := DecodeName(rec.Header.Name)
			if err != nil {
				log.Logf("%s: invalid record name '%s' at offset=%d\n", path, rec.Header.Name, rec.Offset)
				nProblems++
				return nil
			}
			if id < recno {
				log.Logf("%s: duplicated recno: %d at offset=%d\n", path, id, rec.Offset)
				nProblems++
				return nil
			}
			if recno < id {
				log.Logf("%s: missing recno: %d-%d\n", path, recno, id-1)
				for ; recno < id; recno++ {
					sb.WriteString(missing)
				}
				nProblems++
			}
			line, err := catalog.FormatLine(recordSize, name, rec.Offset)
			if err != nil {
				return err
			}
			sb.WriteString(line)
			recno++
			return nil
		})
		if err != nil {
			log.Logf("%s\n", err)
			nProblems++
		}
	}
	return sb.String(), nProblems, nil
}

// RebuildLabels re-creates the label index of corpus in dir from labels
// in header names. Returns number of problems found.
func RebuildLabels(dir string) (int, error) {
	tarDir := filepath.Join(dir, TarDir)
	var nProblems, nRecords int
	err := filelock.With(tarLockPath(dir), func() error {
		db, err := labeldb.Open(filepath.Join(dir, LabelDir), "")
		if err != nil {
			return err
		}
		if err = db.Reset(); err != nil {
			return err
		}
		paths, err := tardb.SegmentPaths(tarDir)
		if err != nil {
			return err
		}
		for _, path := range paths {
			log.Verbosef("reading: '%s'...\n", path)
			err = tardb.ScanSegment(path, func(rec *tardb.ScanRecord) error {
				id, labels, err := DecodeName(rec.Header.Name)
				if err != nil {
					log.Logf("%s: invalid record name '%s' at offset=%d\n", path, rec.Header.Name, rec.Offset)
					nProblems++
					return nil
				}
				valid := keepValidLabels(labels)
				if valid != labels {
					log.Logf("%s: record %d has invalid labels '%s'\n", path, id, labels)
					nProblems++
				}
				nRecords++
				return db.Add(uint32(id), valid)
			})
			if err != nil {
				log.Logf("%s\n", err)
				nProblems++
			}
		}
		return db.Close()
	})
	if err != nil {
		return nProblems, err
	}
	log.Event("labels_rebuilt", "dir", dir, "records", nRecords, "problems", nProblems)
	return nProblems, nil
}

func keepValidLabels(labels string) string {
	var res []byte
	for i := 0; i < len(labels); i++ {
		if isLabelChar(labels[i]) {
			res = append(res, labels[i])
		}
	}
	s, err := NormalizeLabels(string(res))
	u.PanicIfErr(err)
	return s
}
