package actor

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hivemesh/hive/pkg/aid"
	"github.com/hivemesh/hive/pkg/wire"
)

// Deliverable is anything packs can be handed to: a local actor process or a
// socket actor.
type Deliverable interface {
	AID() aid.AID
	Deliver(pk *Pack)
}

// Factory is the body of a remotely-spawnable actor.
type Factory func(p *Proc)

// Funcs is a registry of named actor factories offered for remote spawn. It
// must not be mutated once sockets are started.
type Funcs map[string]Factory

// System is the node-local actor registry: it owns the process table, the
// named-service table, and the ctxid-pair to socket mapping, and routes packs
// between all of them.
type System struct {
	ctxid    aid.CtxID
	instance string
	log      zerolog.Logger

	uid     atomic.Uint64
	sid     atomic.Uint64
	stopped atomic.Bool

	mu       sync.RWMutex
	actors   map[aid.AID]Deliverable
	services map[string]aid.AID
	sockets  map[aid.Pair]*sktList
	linkers  map[aid.AID]map[aid.AID]struct{}
}

type sktList struct {
	aids []aid.AID
	next int
}

// NewSystem creates a system for the given node name. The instance id is
// regenerated every boot so peers can tell a restart from a reconnect.
func NewSystem(ctxid aid.CtxID, log zerolog.Logger) *System {
	return &System{
		ctxid:    ctxid,
		instance: uuid.NewString(),
		log:      log,
		actors:   make(map[aid.AID]Deliverable),
		services: make(map[string]aid.AID),
		sockets:  make(map[aid.Pair]*sktList),
		linkers:  make(map[aid.AID]map[aid.AID]struct{}),
	}
}

func (s *System) CtxID() aid.CtxID { return s.ctxid }

// Instance is the boot-unique node instance id.
func (s *System) Instance() string { return s.instance }

// NewAID allocates a fresh actor id on this node.
func (s *System) NewAID() aid.AID {
	return aid.AID{CtxID: s.ctxid, UID: s.uid.Add(1)}
}

// NextSID allocates a fresh non-zero session id.
func (s *System) NextSID() aid.SID {
	return aid.SID(s.sid.Add(1))
}

// Stop marks the system as stopping; sockets refuse to start afterwards.
func (s *System) Stop() { s.stopped.Store(true) }

func (s *System) Stopped() bool { return s.stopped.Load() }

// AddActor adds a deliverable to the process table.
func (s *System) AddActor(d Deliverable) {
	s.mu.Lock()
	s.actors[d.AID()] = d
	s.mu.Unlock()
}

// RemoveActor removes an actor from the process table.
func (s *System) RemoveActor(a aid.AID) {
	s.mu.Lock()
	delete(s.actors, a)
	s.mu.Unlock()
}

// RegisterService names an actor so remote peers can address it by service.
func (s *System) RegisterService(name string, a aid.AID) {
	s.mu.Lock()
	s.services[name] = a
	s.mu.Unlock()
}

// FindService resolves a service name to a local actor, or Nil.
func (s *System) FindService(name string) aid.AID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services[name]
}

// RegisterSocket records a socket actor under the peer's ctxid pair.
func (s *System) RegisterSocket(pr aid.Pair, skt aid.AID) {
	if pr.CtxID == aid.CtxNil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.sockets[pr]
	if l == nil {
		l = &sktList{}
		s.sockets[pr] = l
	}
	for _, a := range l.aids {
		if a == skt {
			return
		}
	}
	l.aids = append(l.aids, skt)
}

// DeregisterSocket removes a socket actor from the peer's ctxid pair.
func (s *System) DeregisterSocket(pr aid.Pair, skt aid.AID) {
	if pr.CtxID == aid.CtxNil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.sockets[pr]
	if l == nil {
		return
	}
	for i, a := range l.aids {
		if a == skt {
			l.aids = append(l.aids[:i], l.aids[i+1:]...)
			break
		}
	}
	if len(l.aids) == 0 {
		delete(s.sockets, pr)
	}
}

func (s *System) pick(pr aid.Pair) aid.AID {
	l := s.sockets[pr]
	if l == nil || len(l.aids) == 0 {
		return aid.Nil
	}
	a := l.aids[l.next%len(l.aids)]
	l.next++
	return a
}

// SelectJointSocket picks a socket facing the client node ctxid on a router.
func (s *System) SelectJointSocket(ctxid aid.CtxID) aid.AID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pick(aid.Pair{CtxID: ctxid, Role: aid.RoleJoint})
}

// SelectSocket picks a socket able to reach ctxid: a direct connection first,
// then any router, then a joint socket.
func (s *System) SelectSocket(ctxid aid.CtxID) aid.AID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.pick(aid.Pair{CtxID: ctxid, Role: aid.RoleComm}); !a.IsNil() {
		return a
	}
	for pr := range s.sockets {
		if pr.Role == aid.RoleRouter {
			if a := s.pick(pr); !a.IsNil() {
				return a
			}
		}
	}
	return s.pick(aid.Pair{CtxID: ctxid, Role: aid.RoleJoint})
}

// Send routes a pack to target: a local deliverable if the process table has
// it, otherwise out through a socket able to reach the target's node.
func (s *System) Send(target aid.AID, pk *Pack) {
	if target.IsNil() {
		pk.Release()
		return
	}
	s.mu.RLock()
	d := s.actors[target]
	s.mu.RUnlock()
	if d != nil {
		d.Deliver(pk)
		return
	}
	if target.CtxID != s.ctxid {
		if skt := s.SelectSocket(target.CtxID); !skt.IsNil() {
			s.mu.RLock()
			d = s.actors[skt]
			s.mu.RUnlock()
			if d != nil {
				d.Deliver(pk)
				return
			}
		}
	}
	if l, ok := pk.Tag.(wire.Link); ok {
		s.SendAlreadyExited(l.Src, target)
	}
	s.log.Debug().Stringer("target", target).Msg("dropping pack for unknown actor")
	pk.Release()
}

func exitEnvelope(code wire.ExitCode, reason string) *wire.Envelope {
	e := wire.NewEnvelope(wire.MsgExit)
	e.Payload = wire.AppendExit(e.Payload, code, reason)
	return e
}

// SendAlreadyExited tells `to` that `dead` is gone.
func (s *System) SendAlreadyExited(to, dead aid.AID) {
	pk := AllocPack(to)
	pk.Tag = wire.Exit{Code: wire.ExitAlready, Src: dead}
	pk.Skt = dead
	pk.Msg = exitEnvelope(wire.ExitAlready, "already exited")
	s.Send(to, pk)
}

// SendAlreadyExitedResp answers a pending request with an exit, so the
// requester's wait completes instead of timing out.
func (s *System) SendAlreadyExitedResp(to aid.AID, res wire.Response) {
	pk := AllocPack(to)
	pk.Tag = res
	pk.Msg = exitEnvelope(wire.ExitAlready, "already exited")
	s.Send(to, pk)
}

// Link records that `who` should be notified when `whom` exits.
func (s *System) Link(who, whom aid.AID) {
	if who.IsNil() || whom.IsNil() {
		return
	}
	s.mu.Lock()
	m := s.linkers[whom]
	if m == nil {
		m = make(map[aid.AID]struct{})
		s.linkers[whom] = m
	}
	m[who] = struct{}{}
	s.mu.Unlock()
}

// Unlink removes a link notification entry.
func (s *System) Unlink(who, whom aid.AID) {
	s.mu.Lock()
	delete(s.linkers[whom], who)
	s.mu.Unlock()
}

// NotifyExit delivers an exit notification from src to every local or remote
// actor linked to it, then forgets the links.
func (s *System) NotifyExit(src aid.AID, code wire.ExitCode, reason string) {
	s.mu.Lock()
	m := s.linkers[src]
	delete(s.linkers, src)
	s.mu.Unlock()
	for to := range m {
		pk := AllocPack(to)
		pk.Tag = wire.Exit{Code: code, Src: src}
		pk.Skt = src
		pk.Msg = exitEnvelope(code, reason)
		s.Send(to, pk)
	}
}

// AllocPack hands out a pooled pack addressed to target.
func (s *System) AllocPack(target aid.AID) *Pack {
	return AllocPack(target)
}
