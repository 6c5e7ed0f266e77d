package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame.
	ErrIncomplete = errors.New("wire: incomplete frame")

	// ErrFrameTooLarge means a frame declared a payload over MaxMsgSize.
	// Fatal to the connection.
	ErrFrameTooLarge = errors.New("wire: frame payload too large")
)

// AppendFrame appends the encoded frame for e to dst. The sender refuses to
// encode payloads over MaxMsgSize.
func AppendFrame(dst []byte, e *Envelope) ([]byte, error) {
	if len(e.Payload) > MaxMsgSize {
		return dst, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(e.Payload), MaxMsgSize)
	}
	dst = AppendHeader(dst, Header{
		PayloadSize: uint32(len(e.Payload)),
		Type:        e.Type,
		TagOffset:   e.TagOffset,
	})
	return append(dst, e.Payload...), nil
}

// DecodeFrame parses one frame out of the receive buffer, consuming its bytes.
// ErrIncomplete means read more first; ErrFrameTooLarge and ErrHeaderMalformed
// are fatal. The returned envelope owns its payload.
func DecodeFrame(b *RecvBuffer) (*Envelope, error) {
	data := b.Bytes()
	h, n, err := ParseHeader(data)
	if err != nil {
		if errors.Is(err, ErrHeaderShort) {
			return nil, ErrIncomplete
		}
		return nil, err
	}
	if h.PayloadSize > MaxMsgSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.PayloadSize, MaxMsgSize)
	}
	if len(data)-n < int(h.PayloadSize) {
		return nil, ErrIncomplete
	}
	payload := make([]byte, h.PayloadSize)
	copy(payload, data[n:n+int(h.PayloadSize)])
	b.Consume(n + int(h.PayloadSize))
	return &Envelope{Type: h.Type, TagOffset: h.TagOffset, Payload: payload}, nil
}
