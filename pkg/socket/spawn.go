package socket

import (
	"github.com/hivemesh/hive/pkg/actor"
	"github.com/hivemesh/hive/pkg/aid"
	"github.com/hivemesh/hive/pkg/wire"
)

// handleSpawn realizes a remote spawn request. Routers relay it towards the
// target node; everyone else resolves the named factory and creates the actor
// on the local system.
func (s *Socket) handleSpawn(t wire.Spawn, pk *actor.Pack) {
	if s.isRouter {
		skt := s.rt.SelectJointSocket(t.CtxID)
		if skt.IsNil() {
			s.mx.incSpawn(wire.SpawnErrNoSocket)
			s.sendSpawnRet(t, wire.SpawnErrNoSocket, aid.Nil, true)
			pk.Release()
			return
		}
		pk.Skt = skt
		s.rt.Send(pk.Skt, pk)
		return
	}
	pk.Release()

	switch t.Type {
	case wire.SpawnStackful, wire.SpawnStackless:
		f, ok := s.funcs[t.Func]
		if !ok {
			s.mx.incSpawn(wire.SpawnErrFuncNotFound)
			s.sendSpawnRet(t, wire.SpawnErrFuncNotFound, aid.Nil, true)
			return
		}
		newAID := s.rt.SpawnRemoteActor(t.Type, f)
		serr := wire.SpawnOK
		if newAID.IsNil() {
			serr = wire.SpawnErrFuncNotFound
		}
		s.mx.incSpawn(serr)
		s.sendSpawnRet(t, serr, newAID, false)
	default:
		// no scripting service on this node
		s.mx.incSpawn(wire.SpawnErrFuncNotFound)
		s.sendSpawnRet(t, wire.SpawnErrFuncNotFound, aid.Nil, true)
	}
}

// sendSpawnRet writes the spawn result back on this socket, re-tagged so the
// peer's dispatcher delivers it to the original spawner.
func (s *Socket) sendSpawnRet(t wire.Spawn, serr wire.SpawnError, a aid.AID, isErrRet bool) {
	env := wire.NewEnvelope(wire.MsgSpawnRet)
	env.PushRouting(wire.Routing{
		Tag:      wire.SpawnRet{Err: serr, ID: t.ID, AID: a},
		Recver:   t.Src,
		Skt:      t.Src,
		IsErrRet: isErrRet,
	})
	s.send(env)
}
