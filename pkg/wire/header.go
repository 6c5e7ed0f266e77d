package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// Buffer geometry. MaxMsgSize is derived so that after a compaction one
// maximum-size frame always fits in the tail of the receive buffer.
const (
	RecvBufferSize       = 65535
	RecvCompactThreshold = 60000
	MaxMsgSize           = RecvBufferSize - RecvCompactThreshold
)

// headerSize is the in-memory size of Header; the packed encoding is bounded
// by three times that, since a uvarint expands a u32 to at most 5 bytes.
const headerSize = 12

// MaxHeaderLen is the largest number of bytes an encoded header may occupy.
const MaxHeaderLen = 3 * headerSize

var (
	// ErrHeaderShort means more bytes are needed to parse the header.
	ErrHeaderShort = errors.New("wire: short header")

	// ErrHeaderMalformed means the buffered bytes can never parse as a
	// header. Fatal to the connection.
	ErrHeaderMalformed = errors.New("wire: malformed header")
)

// Header prefixes every frame on the wire.
type Header struct {
	PayloadSize uint32
	Type        uint32
	TagOffset   uint32
}

// AppendHeader appends the packed encoding of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = appendUvarint(dst, uint64(h.PayloadSize))
	dst = appendUvarint(dst, uint64(h.Type))
	return appendUvarint(dst, uint64(h.TagOffset))
}

// ParseHeader decodes a header from the start of b, returning it and the
// number of bytes it occupied. ErrHeaderShort means b may still grow into a
// parseable header; ErrHeaderMalformed means it never will.
func ParseHeader(b []byte) (Header, int, error) {
	var h Header
	off := 0
	for _, p := range []*uint32{&h.PayloadSize, &h.Type, &h.TagOffset} {
		v, n := binary.Uvarint(b[off:])
		if n <= 0 || v > math.MaxUint32 {
			if n == 0 && len(b) < MaxHeaderLen {
				return Header{}, 0, ErrHeaderShort
			}
			return Header{}, 0, ErrHeaderMalformed
		}
		*p = uint32(v)
		off += n
	}
	return h, off, nil
}
