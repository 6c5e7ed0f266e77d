package socket

import (
	"fmt"

	"github.com/hivemesh/hive/pkg/actor"
	"github.com/hivemesh/hive/pkg/wire"
)

// handleNetMsg classifies an inbound framed message by its routing tag and
// either mutates the link tables, forwards to a local actor, relays through a
// joint socket, or answers directly. Router and non-router sockets share the
// same switch.
func (s *Socket) handleNetMsg(env *wire.Envelope) error {
	r, err := env.PopRouting()
	if err != nil {
		return fmt.Errorf("socket: pop routing tag: %w", err)
	}
	pk := s.rt.AllocPack(r.Recver)
	pk.Tag = r.Tag
	pk.Svc = r.Svc
	pk.Skt = r.Skt
	pk.IsErrRet = r.IsErrRet
	pk.Msg = env

	switch t := r.Tag.(type) {
	case wire.Link:
		if s.isRouter {
			skt := s.rt.SelectJointSocket(pk.Recver.CtxID)
			if skt.IsNil() {
				s.rt.SendAlreadyExited(t.Src, pk.Recver)
				pk.Release()
				return nil
			}
			pk.Tag = wire.FwdLink{Kind: t.Kind, Src: t.Src, Via: s.aid}
			pk.Skt = skt
			if t.Kind == wire.Linked {
				s.links.addRouter(pk.Recver, t.Src, skt)
			}
			s.rt.Send(pk.Skt, pk)
			return nil
		}
		pk.Skt = s.aid
		if t.Kind == wire.Linked {
			s.links.addStraight(pk.Recver, t.Src)
		}
		s.rt.Send(pk.Recver, pk)

	case wire.Exit:
		if s.isRouter {
			skt := s.links.removeRouter(pk.Recver, t.Src)
			if skt.IsNil() {
				// monitors don't leave a router entry; route by the
				// receiver's node instead
				skt = s.rt.SelectJointSocket(pk.Recver.CtxID)
			}
			if skt.IsNil() {
				s.log.Debug().Stringer("recver", pk.Recver).Stringer("src", t.Src).Msg("exit with no route")
				pk.Release()
				return nil
			}
			pk.Tag = wire.FwdExit{Code: t.Code, Src: t.Src, Via: s.aid}
			pk.Skt = skt
			s.rt.Send(pk.Skt, pk)
			return nil
		}
		s.links.removeStraight(pk.Recver, t.Src)
		s.rt.Send(pk.Recver, pk)

	case wire.Spawn:
		s.handleSpawn(t, pk)

	case wire.SpawnRet:
		if s.isRouter {
			skt := s.rt.SelectJointSocket(pk.Recver.CtxID)
			if skt.IsNil() {
				// spawn callers own their timeouts
				pk.Release()
				return nil
			}
			pk.Skt = skt
			s.rt.Send(pk.Skt, pk)
			return nil
		}
		// rebuild as a local spawn reply for the original spawner; an
		// errored spawn reports self so timeout correlation survives
		m := wire.NewEnvelope(wire.MsgSpawnRet)
		m.Payload = wire.AppendSpawnRet(m.Payload, t.Err, t.ID)
		src := t.AID
		if src.IsNil() {
			src = s.aid
		}
		pk.Tag = wire.Plain{Src: src}
		pk.Msg = m
		s.rt.Send(pk.Recver, pk)

	default:
		isSvc := !pk.Svc.IsNil()
		if s.isRouter {
			ctxid := pk.Recver.CtxID
			if isSvc {
				ctxid = pk.Svc.CtxID
			}
			skt := s.rt.SelectJointSocket(ctxid)
			if req, ok := r.Tag.(wire.Request); ok {
				if skt.IsNil() && !isSvc {
					s.rt.SendAlreadyExitedResp(req.Src, wire.Response{ID: req.ID, Src: pk.Recver})
				}
			}
			if skt.IsNil() {
				pk.Release()
				return nil
			}
			pk.Skt = skt
			s.rt.Send(pk.Skt, pk)
			return nil
		}
		if isSvc {
			pk.Recver = s.rt.FindService(pk.Svc.Name)
		}
		s.rt.Send(pk.Recver, pk)
	}
	return nil
}

// handleRecv processes an outbound pack from a local actor: link tags update
// the registries, forwarded tags are unwrapped back to their plain forms, and
// the envelope is re-tagged and written to the wire.
func (s *Socket) handleRecv(pk *actor.Pack) {
	switch t := pk.Tag.(type) {
	case wire.Link:
		s.links.addStraight(t.Src, pk.Recver)
	case wire.Exit:
		s.links.removeStraight(t.Src, pk.Recver)
	case wire.FwdLink:
		s.links.addRouter(t.Src, pk.Recver, t.Via)
		pk.Tag = wire.Link{Kind: t.Kind, Src: t.Src}
	case wire.FwdExit:
		s.links.removeRouter(t.Src, pk.Recver)
		pk.Tag = wire.Exit{Code: t.Code, Src: t.Src}
	}
	env := pk.Msg
	env.PushRouting(wire.Routing{
		Tag:      pk.Tag,
		Recver:   pk.Recver,
		Svc:      pk.Svc,
		Skt:      pk.Skt,
		IsErrRet: pk.IsErrRet,
	})
	s.send(env)
	pk.Release()
}
