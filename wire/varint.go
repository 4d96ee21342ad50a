package wire

import (
	"bytes"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
	"stoq/stoqerr"
)

// readVarint reads a QUIC variable-length integer from r, using the same
// 1/2/4/8-byte two-high-bits encoding quic-go uses on the wire (RFC 9000
// §16). Truncated input is reported as a recoverable-at-the-frame-boundary
// Protocol error.
func readVarint(r *bytes.Reader) (uint64, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		if err == io.EOF {
			return 0, stoqerr.Wrap(stoqerr.Protocol, "wire.readVarint", "truncated varint", err)
		}
		return 0, stoqerr.Wrap(stoqerr.Protocol, "wire.readVarint", "malformed varint", err)
	}
	return v, nil
}

// appendVarint appends v to b in QUIC variable-length integer form.
func appendVarint(b []byte, v uint64) []byte {
	return quicvarint.Append(b, v)
}

// readExact reads exactly n bytes from r, reporting a truncation error
// otherwise.
func readExact(r *bytes.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, stoqerr.Wrap(stoqerr.Protocol, "wire.readExact", "truncated fixed-length field", err)
	}
	return buf, nil
}
