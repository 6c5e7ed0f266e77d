package wire

import (
	"errors"

	"github.com/hivemesh/hive/pkg/aid"
)

// LinkKind distinguishes two-way links from one-way monitors.
type LinkKind uint8

const (
	Linked LinkKind = iota + 1
	Monitored
)

// ExitCode classifies actor exits.
type ExitCode uint16

const (
	ExitNormal ExitCode = iota + 1
	ExitExcept
	ExitRemote
	ExitAlready
	ExitNetErr
)

func (c ExitCode) String() string {
	switch c {
	case ExitNormal:
		return "normal"
	case ExitExcept:
		return "except"
	case ExitRemote:
		return "remote"
	case ExitAlready:
		return "already"
	case ExitNetErr:
		return "neterr"
	}
	return "unknown"
}

// SpawnType selects the kind of actor a remote spawn creates.
type SpawnType uint8

const (
	SpawnStackful SpawnType = iota + 1
	SpawnStackless
	SpawnScripted
)

// SpawnError is the error field of a spawn reply.
type SpawnError uint16

const (
	SpawnOK SpawnError = iota
	SpawnErrFuncNotFound
	SpawnErrNoSocket
)

// Tag is the routing tag appended to a message payload. It is a closed sum;
// dispatch is a single type switch.
type Tag interface {
	tag()
}

type (
	// Plain routes a plain message; Src is the sender.
	Plain struct {
		Src aid.AID
	}

	// Link establishes a link or monitor from Src to the receiver.
	Link struct {
		Kind LinkKind
		Src  aid.AID
	}

	// Exit reports that Src exited with Code.
	Exit struct {
		Code ExitCode
		Src  aid.AID
	}

	// FwdLink is a Link relayed by the router socket Via.
	FwdLink struct {
		Kind LinkKind
		Src  aid.AID
		Via  aid.AID
	}

	// FwdExit is an Exit relayed by the router socket Via.
	FwdExit struct {
		Code ExitCode
		Src  aid.AID
		Via  aid.AID
	}

	// Request correlates a request from Src with its response.
	Request struct {
		ID  aid.SID
		Src aid.AID
	}

	// Response answers the request ID for Src.
	Response struct {
		ID  aid.SID
		Src aid.AID
	}

	// Spawn asks the receiving node to create an actor.
	Spawn struct {
		Type  SpawnType
		Func  string
		Stack uint32
		ID    aid.SID
		Src   aid.AID
		CtxID aid.CtxID
	}

	// SpawnRet carries the result of a Spawn back to its originator.
	SpawnRet struct {
		Err SpawnError
		ID  aid.SID
		AID aid.AID
	}
)

func (Plain) tag()    {}
func (Link) tag()     {}
func (Exit) tag()     {}
func (FwdLink) tag()  {}
func (FwdExit) tag()  {}
func (Request) tag()  {}
func (Response) tag() {}
func (Spawn) tag()    {}
func (SpawnRet) tag() {}

const (
	tagPlain = iota + 1
	tagLink
	tagExit
	tagFwdLink
	tagFwdExit
	tagRequest
	tagResponse
	tagSpawn
	tagSpawnRet
)

// Routing is the full routing block carried at the payload tail: the tag plus
// the addressing the receiving node needs to deliver the message.
type Routing struct {
	Tag      Tag
	Recver   aid.AID
	Svc      aid.SvcID
	Skt      aid.AID
	IsErrRet bool
}

var ErrNoTag = errors.New("wire: envelope has no routing tag")

// PushRouting appends r to the payload tail and records its offset.
func (e *Envelope) PushRouting(r Routing) {
	e.TagOffset = uint32(len(e.Payload))
	b := e.Payload
	switch t := r.Tag.(type) {
	case Plain:
		b = append(b, tagPlain)
		b = appendAID(b, t.Src)
	case Link:
		b = append(b, tagLink, byte(t.Kind))
		b = appendAID(b, t.Src)
	case Exit:
		b = append(b, tagExit)
		b = appendUvarint(b, uint64(t.Code))
		b = appendAID(b, t.Src)
	case FwdLink:
		b = append(b, tagFwdLink, byte(t.Kind))
		b = appendAID(b, t.Src)
		b = appendAID(b, t.Via)
	case FwdExit:
		b = append(b, tagFwdExit)
		b = appendUvarint(b, uint64(t.Code))
		b = appendAID(b, t.Src)
		b = appendAID(b, t.Via)
	case Request:
		b = append(b, tagRequest)
		b = appendUvarint(b, uint64(t.ID))
		b = appendAID(b, t.Src)
	case Response:
		b = append(b, tagResponse)
		b = appendUvarint(b, uint64(t.ID))
		b = appendAID(b, t.Src)
	case Spawn:
		b = append(b, tagSpawn, byte(t.Type))
		b = appendString(b, t.Func)
		b = appendUvarint(b, uint64(t.Stack))
		b = appendUvarint(b, uint64(t.ID))
		b = appendAID(b, t.Src)
		b = appendString(b, string(t.CtxID))
	case SpawnRet:
		b = append(b, tagSpawnRet)
		b = appendUvarint(b, uint64(t.Err))
		b = appendUvarint(b, uint64(t.ID))
		b = appendAID(b, t.AID)
	default:
		panic("wire: unknown routing tag")
	}
	b = appendAID(b, r.Recver)
	b = appendSvcID(b, r.Svc)
	b = appendAID(b, r.Skt)
	b = appendBool(b, r.IsErrRet)
	e.Payload = b
}

// PopRouting decodes the routing block and truncates the payload back to the
// bare message body.
func (e *Envelope) PopRouting() (Routing, error) {
	var r Routing
	if !e.HasTag() {
		return r, ErrNoTag
	}
	rd := NewReader(e.Payload[e.TagOffset:])
	switch kind := rd.Byte(); kind {
	case tagPlain:
		r.Tag = Plain{Src: rd.AID()}
	case tagLink:
		r.Tag = Link{Kind: LinkKind(rd.Byte()), Src: rd.AID()}
	case tagExit:
		r.Tag = Exit{Code: ExitCode(rd.U16()), Src: rd.AID()}
	case tagFwdLink:
		r.Tag = FwdLink{Kind: LinkKind(rd.Byte()), Src: rd.AID(), Via: rd.AID()}
	case tagFwdExit:
		r.Tag = FwdExit{Code: ExitCode(rd.U16()), Src: rd.AID(), Via: rd.AID()}
	case tagRequest:
		r.Tag = Request{ID: aid.SID(rd.Uvarint()), Src: rd.AID()}
	case tagResponse:
		r.Tag = Response{ID: aid.SID(rd.Uvarint()), Src: rd.AID()}
	case tagSpawn:
		r.Tag = Spawn{
			Type:  SpawnType(rd.Byte()),
			Func:  rd.String(),
			Stack: rd.U32(),
			ID:    aid.SID(rd.Uvarint()),
			Src:   rd.AID(),
			CtxID: aid.CtxID(rd.String()),
		}
	case tagSpawnRet:
		r.Tag = SpawnRet{Err: SpawnError(rd.U16()), ID: aid.SID(rd.Uvarint()), AID: rd.AID()}
	default:
		return r, ErrMalformed
	}
	r.Recver = rd.AID()
	r.Svc = rd.SvcID()
	r.Skt = rd.AID()
	r.IsErrRet = rd.Bool()
	if err := rd.Err(); err != nil {
		return Routing{}, err
	}
	e.Payload = e.Payload[:e.TagOffset]
	e.TagOffset = TagOffsetNone
	return r, nil
}
