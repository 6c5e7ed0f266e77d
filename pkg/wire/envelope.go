package wire

// Reserved control message types. User message types start at MsgUserBase.
const (
	MsgLogin uint32 = iota + 1
	MsgLoginRet
	MsgHB
	MsgSpawnRet
	MsgExit
	MsgNewConn
	MsgLink
	MsgSpawn

	MsgUserBase uint32 = 0x100
)

// TagOffsetNone marks an envelope with no routing tag.
const TagOffsetNone uint32 = 0xFFFFFFFF

// Envelope is a decoded frame: a message type, an opaque payload, and the
// offset of the routing tag appended to the payload tail.
type Envelope struct {
	Type      uint32
	TagOffset uint32
	Payload   []byte
}

// NewEnvelope makes an empty envelope of the given type with no tag.
func NewEnvelope(typ uint32) *Envelope {
	return &Envelope{Type: typ, TagOffset: TagOffsetNone}
}

// Size is the number of payload bytes the envelope occupies on the wire,
// routing tag included.
func (e *Envelope) Size() int {
	return len(e.Payload)
}

// HasTag reports whether a routing tag is present.
func (e *Envelope) HasTag() bool {
	return e.TagOffset != TagOffsetNone && int(e.TagOffset) <= len(e.Payload)
}

// Body returns the payload without the routing tag.
func (e *Envelope) Body() []byte {
	if e.HasTag() {
		return e.Payload[:e.TagOffset]
	}
	return e.Payload
}
