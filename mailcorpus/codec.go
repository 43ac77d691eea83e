package mailcorpus

import (
	"github.com/kjk/mailstore/dberr"
	"github.com/kjk/mailstore/u"
	"github.com/pkg/errors"
)

// Compression of message payloads. The name is stored in the Uname field
// of the record header so that each record can be decoded on its own.
const (
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionBrotli = "br"
	CompressionNone   = "raw"
)

// ValidateCompression returns an error for unknown compression names.
// Empty name means gzip.
func ValidateCompression(name string) error {
	switch name {
	case "", CompressionGzip, CompressionZstd, CompressionBrotli, CompressionNone:
		return nil
	}
	return errors.Wrapf(dberr.ErrFormat, "unknown compression: '%s'", name)
}

// headerCodec returns the value stored in the header for compression:
// gzip is stored as "" so records look like the ones without codec info
func headerCodec(compression string) string {
	if compression == CompressionGzip {
		return ""
	}
	return compression
}

func encodePayload(compression string, d []byte) ([]byte, error) {
	switch compression {
	case "", CompressionGzip:
		return u.GzipCompressData(d)
	case CompressionZstd:
		return u.ZstdCompressData(d)
	case CompressionBrotli:
		return u.BrCompressDataDefault(d)
	case CompressionNone:
		return d, nil
	}
	return nil, errors.Wrapf(dberr.ErrFormat, "unknown compression: '%s'", compression)
}

func decodePayload(compression string, d []byte) ([]byte, error) {
	var res []byte
	var err error
	switch compression {
	case "", CompressionGzip:
		res, err = u.GzipDecompressData(d)
	case CompressionZstd:
		res, err = u.ZstdDecompressData(d)
	case CompressionBrotli:
		res, err = u.BrDecompressData(d)
	case CompressionNone:
		return d, nil
	default:
		return nil, errors.Wrapf(dberr.ErrFormat, "unknown compression: '%s'", compression)
	}
	if err != nil {
		return nil, errors.Wrapf(dberr.ErrFormat, "can't decode %s payload: %s", compression, err)
	}
	return res, nil
}
