// Package wire implements the framed byte protocol spoken between hive nodes:
// a varint-packed header, an opaque payload, and a routing tag appended to the
// payload tail.
package wire

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/hivemesh/hive/pkg/aid"
)

var (
	ErrShortBuffer = errors.New("wire: short buffer")
	ErrMalformed   = errors.New("wire: malformed value")
)

// appendUvarint is the packer's integer encoding. Values are unsigned LEB128,
// so small values stay small and a packed struct never exceeds three times its
// in-memory size.
func appendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

func appendString(dst []byte, s string) []byte {
	dst = appendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func appendAID(dst []byte, a aid.AID) []byte {
	dst = appendString(dst, string(a.CtxID))
	return appendUvarint(dst, a.UID)
}

func appendSvcID(dst []byte, s aid.SvcID) []byte {
	dst = appendString(dst, string(s.CtxID))
	return appendString(dst, s.Name)
}

func appendPair(dst []byte, p aid.Pair) []byte {
	dst = appendString(dst, string(p.CtxID))
	return append(dst, byte(p.Role))
}

// Reader consumes packer-encoded values from a byte slice. Errors are sticky:
// after the first failure every read returns the zero value and Err reports
// the cause.
type Reader struct {
	b   []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

func (r *Reader) Err() error { return r.err }

// Len reports the number of bytes consumed so far.
func (r *Reader) Len() int { return r.off }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b[r.off:])
	switch {
	case n > 0:
		r.off += n
		return v
	case n < 0:
		r.fail(ErrMalformed)
	default:
		r.fail(ErrShortBuffer)
	}
	return 0
}

func (r *Reader) U32() uint32 {
	v := r.Uvarint()
	if r.err == nil && v > math.MaxUint32 {
		r.fail(ErrMalformed)
		return 0
	}
	return uint32(v)
}

func (r *Reader) U16() uint16 {
	v := r.Uvarint()
	if r.err == nil && v > math.MaxUint16 {
		r.fail(ErrMalformed)
		return 0
	}
	return uint16(v)
}

func (r *Reader) Byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.b) {
		r.fail(ErrShortBuffer)
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *Reader) Bool() bool {
	return r.Byte() != 0
}

func (r *Reader) String() string {
	n := r.Uvarint()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.b)-r.off) {
		r.fail(ErrShortBuffer)
		return ""
	}
	s := string(r.b[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

func (r *Reader) AID() aid.AID {
	ctxid := r.String()
	uid := r.Uvarint()
	if r.err != nil {
		return aid.Nil
	}
	return aid.AID{CtxID: aid.CtxID(ctxid), UID: uid}
}

func (r *Reader) SvcID() aid.SvcID {
	ctxid := r.String()
	name := r.String()
	if r.err != nil {
		return aid.SvcNil
	}
	return aid.SvcID{CtxID: aid.CtxID(ctxid), Name: name}
}

func (r *Reader) Pair() aid.Pair {
	ctxid := r.String()
	role := r.Byte()
	if r.err != nil {
		return aid.PairNil
	}
	return aid.Pair{CtxID: aid.CtxID(ctxid), Role: aid.Role(role)}
}
