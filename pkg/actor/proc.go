package actor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hivemesh/hive/pkg/aid"
	"github.com/hivemesh/hive/pkg/wire"
)

// ErrProcExited is returned by Recv once the process body has returned.
var ErrProcExited = errors.New("actor: process exited")

const mailboxSize = 64

// Proc is a local actor process: one goroutine running the actor body, with a
// bounded mailbox of inbound packs.
type Proc struct {
	aid  aid.AID
	sys  *System
	mbox chan *Pack
	quit chan struct{}
}

// Spawn starts a new local actor running f. The actor exits when f returns; a
// panic becomes an except exit.
func (s *System) Spawn(f Factory) *Proc {
	p := &Proc{
		aid:  s.NewAID(),
		sys:  s,
		mbox: make(chan *Pack, mailboxSize),
		quit: make(chan struct{}),
	}
	s.AddActor(p)
	go func() {
		code, reason := wire.ExitNormal, "exit normal"
		defer func() {
			if v := recover(); v != nil {
				code, reason = wire.ExitExcept, fmt.Sprint(v)
				s.log.Error().Stringer("aid", p.aid).Str("panic", reason).Msg("actor panicked")
			}
			close(p.quit)
			s.RemoveActor(p.aid)
			s.NotifyExit(p.aid, code, reason)
		}()
		f(p)
	}()
	return p
}

// SpawnRemoteActor creates an actor on behalf of a remote spawn request and
// returns its id.
func (s *System) SpawnRemoteActor(_ wire.SpawnType, f Factory) aid.AID {
	return s.Spawn(f).AID()
}

func (p *Proc) AID() aid.AID { return p.aid }

// System returns the owning system.
func (p *Proc) System() *System { return p.sys }

// Deliver enqueues a pack for the actor. Link tags are bookkeeping and are
// consumed here; everything else surfaces through Recv. The mailbox is
// bounded; packs are dropped once it fills.
func (p *Proc) Deliver(pk *Pack) {
	switch t := pk.Tag.(type) {
	case wire.Link:
		p.sys.Link(t.Src, p.aid)
		pk.Release()
		return
	case wire.Exit:
		p.sys.Unlink(t.Src, p.aid)
	}
	select {
	case p.mbox <- pk:
	default:
		p.sys.log.Warn().Stringer("aid", p.aid).Msg("mailbox full, dropping pack")
		pk.Release()
	}
}

// Recv waits for the next pack.
func (p *Proc) Recv(ctx context.Context) (*Pack, error) {
	select {
	case pk := <-p.mbox:
		return pk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, ErrProcExited
	}
}

// Send delivers a plain message to target, local or remote.
func (p *Proc) Send(target aid.AID, e *wire.Envelope) {
	pk := AllocPack(target)
	pk.Tag = wire.Plain{Src: p.aid}
	pk.Msg = e
	p.sys.Send(target, pk)
}

// SendSvc delivers a plain message to a named service.
func (p *Proc) SendSvc(svc aid.SvcID, e *wire.Envelope) {
	target := aid.AID{CtxID: svc.CtxID}
	if svc.CtxID == p.sys.ctxid {
		target = p.sys.FindService(svc.Name)
	}
	pk := AllocPack(target)
	pk.Tag = wire.Plain{Src: p.aid}
	pk.Svc = svc
	pk.Msg = e
	if target.IsNil() && svc.CtxID != p.sys.ctxid {
		// no concrete aid yet; route by the service's node
		if skt := p.sys.SelectSocket(svc.CtxID); !skt.IsNil() {
			p.sys.mu.RLock()
			d := p.sys.actors[skt]
			p.sys.mu.RUnlock()
			if d != nil {
				d.Deliver(pk)
				return
			}
		}
		pk.Release()
		return
	}
	p.sys.Send(target, pk)
}

// Request sends a request-tagged message and returns the session id its
// response will carry.
func (p *Proc) Request(target aid.AID, e *wire.Envelope) aid.SID {
	sid := p.sys.NextSID()
	pk := AllocPack(target)
	pk.Tag = wire.Request{ID: sid, Src: p.aid}
	pk.Msg = e
	p.sys.Send(target, pk)
	return sid
}

// Respond answers a previously received request.
func (p *Proc) Respond(req wire.Request, e *wire.Envelope) {
	pk := AllocPack(req.Src)
	pk.Tag = wire.Response{ID: req.ID, Src: p.aid}
	pk.Msg = e
	p.sys.Send(req.Src, pk)
}

// SpawnRemote asks node ctxid to create an actor from its registered factory
// named fn. The reply arrives as a MsgSpawnRet pack whose plain tag carries
// the new actor's id, correlated by the returned session id.
func (p *Proc) SpawnRemote(t wire.SpawnType, fn string, ctxid aid.CtxID, stack uint32) aid.SID {
	sid := p.sys.NextSID()
	target := aid.AID{CtxID: ctxid}
	pk := AllocPack(target)
	pk.Tag = wire.Spawn{Type: t, Func: fn, Stack: stack, ID: sid, Src: p.aid, CtxID: ctxid}
	pk.Msg = wire.NewEnvelope(wire.MsgSpawn)
	p.sys.Send(target, pk)
	return sid
}

func (p *Proc) sendLinkTag(target aid.AID, kind wire.LinkKind) {
	pk := AllocPack(target)
	pk.Tag = wire.Link{Kind: kind, Src: p.aid}
	pk.Msg = wire.NewEnvelope(wire.MsgLink)
	p.sys.Send(target, pk)
}

// Link links this actor with target: each side is notified when the other
// exits. The link tag pack reaches local targets directly and remote ones
// through the socket to their node; a dead target answers already-exited.
func (p *Proc) Link(target aid.AID) {
	p.sys.Link(p.aid, target)
	p.sys.Link(target, p.aid)
	p.sendLinkTag(target, wire.Linked)
}

// Monitor watches target: this actor is notified when target exits, but not
// the reverse.
func (p *Proc) Monitor(target aid.AID) {
	p.sys.Link(p.aid, target)
	p.sendLinkTag(target, wire.Monitored)
}
