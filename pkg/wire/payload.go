package wire

import "github.com/hivemesh/hive/pkg/aid"

// Payload codecs for the reserved control messages. User payloads stay opaque
// to the runtime.

// LoginPayload is sent immediately after a connection is established.
type LoginPayload struct {
	CtxID    aid.CtxID
	Version  string
	Instance string
}

func AppendLogin(dst []byte, p LoginPayload) []byte {
	dst = appendString(dst, string(p.CtxID))
	dst = appendString(dst, p.Version)
	return appendString(dst, p.Instance)
}

func ParseLogin(b []byte) (LoginPayload, error) {
	r := NewReader(b)
	p := LoginPayload{
		CtxID:    aid.CtxID(r.String()),
		Version:  r.String(),
		Instance: r.String(),
	}
	return p, r.Err()
}

// LoginRetPayload answers a login with the responder's ctxid pair.
type LoginRetPayload struct {
	Pair     aid.Pair
	Version  string
	Instance string
}

func AppendLoginRet(dst []byte, p LoginRetPayload) []byte {
	dst = appendPair(dst, p.Pair)
	dst = appendString(dst, p.Version)
	return appendString(dst, p.Instance)
}

func ParseLoginRet(b []byte) (LoginRetPayload, error) {
	r := NewReader(b)
	p := LoginRetPayload{
		Pair:     r.Pair(),
		Version:  r.String(),
		Instance: r.String(),
	}
	return p, r.Err()
}

// AppendExit packs an exit payload {code, reason}.
func AppendExit(dst []byte, code ExitCode, reason string) []byte {
	dst = appendUvarint(dst, uint64(code))
	return appendString(dst, reason)
}

func ParseExit(b []byte) (ExitCode, string, error) {
	r := NewReader(b)
	code := ExitCode(r.U16())
	reason := r.String()
	return code, reason, r.Err()
}

// AppendSpawnRet packs the payload of the locally re-emitted spawn reply.
func AppendSpawnRet(dst []byte, err SpawnError, id aid.SID) []byte {
	dst = appendUvarint(dst, uint64(err))
	return appendUvarint(dst, uint64(id))
}

func ParseSpawnRet(b []byte) (SpawnError, aid.SID, error) {
	r := NewReader(b)
	serr := SpawnError(r.U16())
	id := aid.SID(r.Uvarint())
	return serr, id, r.Err()
}

// NewConnPayload is the local one-shot reply to whoever initiated an outbound
// connection. It never crosses the wire.
type NewConnPayload struct {
	Pair aid.Pair
	Err  string
}

func AppendNewConn(dst []byte, p NewConnPayload) []byte {
	dst = appendPair(dst, p.Pair)
	return appendString(dst, p.Err)
}

func ParseNewConn(b []byte) (NewConnPayload, error) {
	r := NewReader(b)
	p := NewConnPayload{
		Pair: r.Pair(),
		Err:  r.String(),
	}
	return p, r.Err()
}
