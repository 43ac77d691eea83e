package tardb

import (
	"archive/tar"
	"bytes"
	"io"
	"time"

	"github.com/kjk/mailstore/dberr"
	"github.com/kjk/mailstore/u"
	"github.com/pkg/errors"
)

// BlockSize is the size of a tar header block. Payloads are zero-padded
// to a multiple of it.
const BlockSize = 512

// MaxNameLen is the capacity of the name field of a USTAR header
const MaxNameLen = 100

var zeroBlock [BlockSize]byte

// NewHeader returns a header for a regular file record
func NewHeader(name string, mtime time.Time) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		ModTime:  mtime,
		Format:   tar.FormatUSTAR,
	}
}

// normalizeHeader returns a copy of hdr that can be encoded as a single
// USTAR block: no PAX records, whole-second mtime, no atime / ctime
func normalizeHeader(hdr *tar.Header) *tar.Header {
	h := *hdr
	h.Format = tar.FormatUSTAR
	if h.Typeflag == 0 {
		h.Typeflag = tar.TypeReg
	}
	if h.Mode == 0 {
		h.Mode = 0644
	}
	var sec int64
	if !h.ModTime.IsZero() {
		sec = h.ModTime.Unix()
	}
	h.ModTime = time.Unix(sec, 0)
	h.AccessTime = time.Time{}
	h.ChangeTime = time.Time{}
	h.PAXRecords = nil
	return &h
}

// EncodeHeader encodes hdr as exactly one 512 byte USTAR block
func EncodeHeader(hdr *tar.Header) ([]byte, error) {
	if len(hdr.Name) > MaxNameLen {
		return nil, errors.Wrapf(dberr.ErrFormat, "name '%s' longer than %d bytes", hdr.Name, MaxNameLen)
	}
	if hdr.Size < 0 {
		return nil, errors.Wrapf(dberr.ErrFormat, "negative size %d", hdr.Size)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	// no Flush() / Close(): we only want the header block, not the
	// trailing zero blocks of an archive end
	if err := tw.WriteHeader(normalizeHeader(hdr)); err != nil {
		return nil, errors.Wrapf(dberr.ErrFormat, "can't encode header '%s': %s", hdr.Name, err)
	}
	d := buf.Bytes()
	if len(d) != BlockSize {
		return nil, errors.Wrapf(dberr.ErrFormat, "header '%s' encoded as %d bytes", hdr.Name, len(d))
	}
	return d, nil
}

// DecodeHeader parses a 512 byte header block
func DecodeHeader(block []byte) (*tar.Header, error) {
	if len(block) != BlockSize {
		return nil, errors.Wrapf(dberr.ErrTruncated, "header block is %d bytes", len(block))
	}
	if bytes.Equal(block, zeroBlock[:]) {
		return nil, errors.Wrapf(dberr.ErrFormat, "empty header block")
	}
	hdr, err := tar.NewReader(bytes.NewReader(block)).Next()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(dberr.ErrFormat, "invalid header block: %s", err)
	}
	return hdr, nil
}

// paddedSize returns size of a record with header and payload of n bytes
func paddedSize(n int64) int64 {
	return BlockSize + u.RoundUp(n, BlockSize)
}

// readHeaderAt reads and decodes header block at offset
func readHeaderAt(r io.ReaderAt, offset int64) (*tar.Header, error) {
	block := make([]byte, BlockSize)
	n, err := r.ReadAt(block, offset)
	if n != BlockSize {
		if err != nil && err != io.EOF {
			return nil, err
		}
		return nil, errors.Wrapf(dberr.ErrTruncated, "premature eof in header block at offset %d", offset)
	}
	return DecodeHeader(block)
}
