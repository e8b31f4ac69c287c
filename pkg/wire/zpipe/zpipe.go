// Package zpipe implements the stream framing used by ADC's ZL1 flag
// (§6.1): a zlib-wrapped transfer stream, plus a raw passthrough for
// uncompressed transfers so callers can treat both uniformly.
package zpipe

import (
	"io"

	"github.com/klauspost/compress/zlib"
)

// Reader decompresses a ZL1-framed stream. Close must be called once
// the caller is done reading to release the underlying zlib reader.
type Reader struct {
	io.ReadCloser
}

// NewReader wraps r for a ZL1-flagged download.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{ReadCloser: zr}, nil
}

// PassthroughReader wraps r unchanged for an unflagged (raw) download,
// so callers can select a framing at request time without branching
// on whether ZL1 was negotiated.
type PassthroughReader struct {
	io.Reader
}

// Close is a no-op; PassthroughReader does not own r.
func (PassthroughReader) Close() error { return nil }

// NewPassthroughReader wraps r with a no-op Close to satisfy the same
// io.ReadCloser surface as Reader.
func NewPassthroughReader(r io.Reader) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{r, io.NopCloser(nil)}
}

// Open picks Reader or a passthrough based on zl1, giving callers a
// single call site regardless of whether the transfer negotiated
// compression.
func Open(r io.Reader, zl1 bool) (io.ReadCloser, error) {
	if zl1 {
		return NewReader(r)
	}
	return NewPassthroughReader(r), nil
}
