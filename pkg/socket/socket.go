// Package socket implements the socket actor: the per-connection component
// bridging the local actor system to a peer node over framed TCP, with
// heartbeating, bounded reconnection, distributed link bookkeeping, optional
// relay (router) dispatch, and remote spawn.
package socket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/hivemesh/hive/pkg/actor"
	"github.com/hivemesh/hive/pkg/aid"
	"github.com/hivemesh/hive/pkg/transport"
	"github.com/hivemesh/hive/pkg/wire"
)

// ErrAborted is the cooperative cancellation error: a Stop while connecting
// or receiving resolves to it and the socket transitions to off normally.
var ErrAborted = errors.New("socket: operation aborted")

// Runtime is what the socket actor needs from the local actor system.
type Runtime interface {
	CtxID() aid.CtxID
	RegisterSocket(pr aid.Pair, skt aid.AID)
	DeregisterSocket(pr aid.Pair, skt aid.AID)
	SelectJointSocket(ctxid aid.CtxID) aid.AID
	FindService(name string) aid.AID
	AllocPack(target aid.AID) *actor.Pack
	Send(target aid.AID, pk *actor.Pack)
	SendAlreadyExited(to, dead aid.AID)
	SendAlreadyExitedResp(to aid.AID, res wire.Response)
	SpawnRemoteActor(t wire.SpawnType, f actor.Factory) aid.AID
	AddActor(d actor.Deliverable)
	RemoveActor(a aid.AID)
	NotifyExit(src aid.AID, code wire.ExitCode, reason string)
	Stopped() bool
}

type status = int32

const (
	statusReady status = iota
	statusOn
	statusOff
)

type event struct {
	pk   *actor.Pack
	tick bool
}

type readEvent struct {
	env *wire.Envelope
	err error
}

// Socket is a socket actor. All mutable state below the inbox is owned by the
// driver goroutine; other goroutines interact through Deliver, Stop, and the
// heartbeat callbacks, which are confined to the transport and atomics.
type Socket struct {
	aid aid.AID
	rt  Runtime
	log zerolog.Logger
	opt Options
	mx  *Metrics

	isRouter bool
	funcs    actor.Funcs

	state     atomic.Int32
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	inbox chan event

	// driver-owned
	conn       *transport.Conn
	hb         *heartbeat
	buf        *wire.RecvBuffer
	frames     <-chan readEvent
	connected  bool
	connCache  []*wire.Envelope
	currReconn uint64
	links      *linkTable
	hdrBuf     [wire.MaxHeaderLen]byte
	exc        wire.ExitCode
	excMsg     string
}

// New creates a socket actor in the ready state. isRouter marks sockets owned
// by a relay node; funcs is the per-socket registry of remotely spawnable
// actors and must not change after start.
func New(a aid.AID, rt Runtime, log zerolog.Logger, opt Options, mx *Metrics, isRouter bool, funcs actor.Funcs) *Socket {
	opt.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		aid:        a,
		rt:         rt,
		log:        log.With().Stringer("skt", a).Logger(),
		opt:        opt,
		mx:         mx,
		isRouter:   isRouter,
		funcs:      funcs,
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan event, 256),
		buf:        wire.NewRecvBuffer(),
		currReconn: math.MaxUint64,
		links:      newLinkTable(),
		exc:        wire.ExitNormal,
		excMsg:     "exit normal",
	}
}

func (s *Socket) AID() aid.AID { return s.aid }

// Done is closed once the driver has fully mourned and released the socket.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Connect starts the outbound branch: the socket registers under a
// provisional pair for the target node and dials endpoint, reporting the
// one-shot connection result to sire. An endpoint parse failure is returned
// immediately and nothing is started.
func (s *Socket) Connect(sire aid.AID, target aid.CtxID, endpoint string, targetIsRouter bool) error {
	conn, err := transport.Dialer(endpoint)
	if err != nil {
		return err
	}
	s.conn = conn
	role := aid.RoleComm
	if targetIsRouter {
		role = aid.RoleRouter
	}
	pair := aid.Pair{CtxID: target, Role: role}
	s.rt.AddActor(s)
	s.rt.RegisterSocket(pair, s.aid)
	go s.runConnector(sire, pair)
	return nil
}

// Start attaches the socket to an already-accepted stream and begins the
// inbound branch.
func (s *Socket) Start(nc net.Conn) {
	s.conn = transport.Accepted(nc)
	go s.runAcceptor()
}

// Stop closes the socket. Idempotent; the driver mourns asynchronously.
func (s *Socket) Stop() {
	s.close()
}

// Deliver hands the socket an outbound pack from the local runtime. Packs are
// dropped if the socket is closing or its inbox is full.
func (s *Socket) Deliver(pk *actor.Pack) {
	select {
	case <-s.closing:
		pk.Release()
	default:
		select {
		case s.inbox <- event{pk: pk}:
		default:
			s.mx.incDropped()
			s.log.Warn().Msg("socket inbox full, dropping pack")
			pk.Release()
		}
	}
}

func (s *Socket) close() {
	s.state.Store(statusOff)
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// fail records a fatal exit reason and closes. Driver goroutine only.
func (s *Socket) fail(code wire.ExitCode, msg string) {
	s.exc, s.excMsg = code, msg
	s.close()
}

func (s *Socket) runConnector(sire aid.AID, target aid.Pair) {
	defer close(s.done)
	curr := target
	if s.rt.Stopped() {
		s.sendConnRet(sire, target, ErrAborted)
		s.freeSelf(curr)
		return
	}
	s.state.Store(statusOn)

	func() {
		var ec error
		defer func() { s.sendConnRet(sire, target, ec) }()
		ec = s.connectLoop(true)
	}()

	if s.state.Load() == statusOn && !s.connected {
		s.connectLoop(false)
	}
	if s.state.Load() == statusOn {
		s.frames = s.startReadLoop()
	}

	for s.state.Load() == statusOn {
		select {
		case ev, ok := <-s.frames:
			if !ok {
				s.frames = nil
				continue
			}
			if ev.err != nil {
				if isFatalFrameErr(ev.err) {
					s.mx.incFrameErr()
					s.fail(wire.ExitExcept, ev.err.Error())
					continue
				}
				s.mx.incNetErr()
				s.onNetErr(ev.err)
				s.currReconn--
				if s.currReconn == 0 {
					s.fail(wire.ExitNetErr, ev.err.Error())
					continue
				}
				if err := s.connectLoop(false); err != nil {
					continue
				}
				s.frames = s.startReadLoop()
				continue
			}
			s.handleConnectorFrame(ev.env, &curr)
		case ev := <-s.inbox:
			s.handleEvent(ev)
		case <-s.closing:
		}
	}
	s.freeSelf(curr)
}

func (s *Socket) runAcceptor() {
	defer close(s.done)
	role := aid.RoleComm
	if s.isRouter {
		role = aid.RoleJoint
	}
	curr := aid.Pair{CtxID: aid.CtxNil, Role: role}
	if s.rt.Stopped() {
		s.freeSelf(curr)
		return
	}
	s.rt.AddActor(s)
	s.state.Store(statusOn)
	s.connected = true
	s.startHB(func() {
		s.mx.incHBTimeout()
		s.close()
	})
	s.frames = s.startReadLoop()

	for s.state.Load() == statusOn {
		select {
		case ev, ok := <-s.frames:
			if !ok {
				s.frames = nil
				continue
			}
			if ev.err != nil {
				if isFatalFrameErr(ev.err) {
					s.mx.incFrameErr()
					s.fail(wire.ExitExcept, ev.err.Error())
					continue
				}
				s.mx.incNetErr()
				s.onNetErr(ev.err)
				s.fail(wire.ExitNetErr, ev.err.Error())
				continue
			}
			s.handleAcceptorFrame(ev.env, &curr, role)
		case ev := <-s.inbox:
			s.handleEvent(ev)
		case <-s.closing:
		}
	}
	s.freeSelf(curr)
}

func (s *Socket) handleConnectorFrame(env *wire.Envelope, curr *aid.Pair) {
	s.hb.Beat()
	s.mx.incRx(env.Size())
	switch env.Type {
	case wire.MsgLoginRet:
		p, err := wire.ParseLoginRet(env.Body())
		if err != nil {
			s.fail(wire.ExitExcept, fmt.Sprintf("parse login ret: %v", err))
			return
		}
		s.log.Debug().Str("instance", p.Instance).Str("version", p.Version).Msg("peer identified")
		*curr = s.syncCtxID(p.Pair, *curr)
	case wire.MsgHB:
	default:
		if err := s.handleNetMsg(env); err != nil {
			s.fail(wire.ExitExcept, err.Error())
		}
	}
}

func (s *Socket) handleAcceptorFrame(env *wire.Envelope, curr *aid.Pair, role aid.Role) {
	s.hb.Beat()
	s.mx.incRx(env.Size())
	switch env.Type {
	case wire.MsgLogin:
		p, err := wire.ParseLogin(env.Body())
		if err != nil {
			s.fail(wire.ExitExcept, fmt.Sprintf("parse login: %v", err))
			return
		}
		if err := s.checkPeerVersion(p.Version); err != nil {
			s.log.Warn().Err(err).Str("ctxid", string(p.CtxID)).Msg("rejecting peer")
			s.fail(wire.ExitExcept, err.Error())
			return
		}
		s.log.Info().Str("ctxid", string(p.CtxID)).Str("instance", p.Instance).Msg("peer logged in")
		*curr = s.syncCtxID(aid.Pair{CtxID: p.CtxID, Role: role}, *curr)
		s.sendLoginRet()
	case wire.MsgHB:
	default:
		if err := s.handleNetMsg(env); err != nil {
			s.fail(wire.ExitExcept, err.Error())
		}
	}
}

func (s *Socket) checkPeerVersion(v string) error {
	min := s.opt.MinPeerVersion
	if min == "" {
		return nil
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid peer version %q", v)
	}
	if semver.Compare(v, min) < 0 {
		return fmt.Errorf("peer version %s older than minimum %s", v, min)
	}
	return nil
}

func (s *Socket) handleEvent(ev event) {
	switch {
	case ev.tick:
		if s.state.Load() == statusOn {
			s.send(wire.NewEnvelope(wire.MsgHB))
		}
	case ev.pk != nil:
		if s.state.Load() != statusOn {
			ev.pk.Release()
			return
		}
		s.handleRecv(ev.pk)
	}
}

// connectLoop runs the bounded retry loop. In the initial phase it returns
// the last dial error once the attempt budget is spent; in steady state it
// only returns once connected or cancelled.
func (s *Socket) connectLoop(init bool) error {
	if s.state.Load() != statusOn {
		return ErrAborted
	}
	period, try := s.opt.ReconnPeriod, s.opt.ReconnTry
	if init {
		period, try = s.opt.InitReconnPeriod, s.opt.InitReconnTry
	}
	var lastErr error
	first := true
	for attempt := 0; ; {
		if attempt >= try {
			attempt = 0
			s.onNetErr(lastErr)
			if init {
				if lastErr == nil {
					lastErr = errors.New("socket: connect attempts exhausted")
				}
				return lastErr
			}
		}
		if !first {
			select {
			case <-time.After(period):
			case <-s.closing:
				return ErrAborted
			}
		}
		first = false
		lastErr = s.conn.Connect(s.ctx)
		if s.state.Load() != statusOn {
			return ErrAborted
		}
		if lastErr == nil {
			break
		}
		attempt++
		s.log.Debug().Err(lastErr).Str("endpoint", s.conn.Endpoint().String()).Msg("connect attempt failed")
	}

	s.buf.Clear()
	s.connected = true
	s.mx.incConnect()
	s.startHB(func() {
		s.mx.incHBTimeout()
		s.conn.Reset()
	})
	s.sendLogin()
	s.flushCache()
	s.log.Info().Str("endpoint", s.conn.Endpoint().String()).Msg("connected")
	return nil
}

func (s *Socket) startHB(onTimeout func()) {
	if s.hb != nil {
		s.hb.Stop()
	}
	s.hb = startHeartbeat(s.opt.HeartbeatPeriod, s.opt.HeartbeatCount, onTimeout, func() {
		select {
		case s.inbox <- event{tick: true}:
		default:
		}
	})
}

func (s *Socket) startReadLoop() <-chan readEvent {
	ch := make(chan readEvent, 32)
	go func() {
		defer close(ch)
		for {
			env, err := wire.DecodeFrame(s.buf)
			if err == nil {
				ch <- readEvent{env: env}
				continue
			}
			if errors.Is(err, wire.ErrIncomplete) {
				n, rerr := s.conn.Recv(s.buf.WriteSlice())
				if rerr != nil {
					ch <- readEvent{err: rerr}
					return
				}
				s.buf.CommitWrite(n)
				continue
			}
			ch <- readEvent{err: err}
			return
		}
	}()
	return ch
}

func isFatalFrameErr(err error) bool {
	return errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrHeaderMalformed)
}

func (s *Socket) sendLogin() {
	env := wire.NewEnvelope(wire.MsgLogin)
	env.Payload = wire.AppendLogin(env.Payload, wire.LoginPayload{
		CtxID:    s.rt.CtxID(),
		Version:  s.opt.Version,
		Instance: s.opt.Instance,
	})
	s.sendMsg(env)
}

func (s *Socket) sendLoginRet() {
	role := aid.RoleComm
	if s.isRouter {
		role = aid.RoleRouter
	}
	env := wire.NewEnvelope(wire.MsgLoginRet)
	env.Payload = wire.AppendLoginRet(env.Payload, wire.LoginRetPayload{
		Pair:     aid.Pair{CtxID: s.rt.CtxID(), Role: role},
		Version:  s.opt.Version,
		Instance: s.opt.Instance,
	})
	s.send(env)
}

// sendConnRet delivers the one-shot connection result to the originator. Its
// callers arrange, via defer, that it fires exactly once on every exit path
// from the initial connect phase.
func (s *Socket) sendConnRet(sire aid.AID, target aid.Pair, ec error) {
	if sire.IsNil() {
		return
	}
	var errmsg string
	if ec != nil {
		errmsg = ec.Error()
	}
	env := wire.NewEnvelope(wire.MsgNewConn)
	env.Payload = wire.AppendNewConn(env.Payload, wire.NewConnPayload{Pair: target, Err: errmsg})
	pk := s.rt.AllocPack(sire)
	pk.Tag = wire.Plain{Src: s.aid}
	pk.Msg = env
	s.rt.Send(sire, pk)
}

// send writes the envelope if connected, draining any cached frames first so
// ordering is preserved across reconnects; otherwise the envelope is cached.
func (s *Socket) send(e *wire.Envelope) {
	if !s.connected {
		s.connCache = append(s.connCache, e)
		return
	}
	s.flushCache()
	s.sendMsg(e)
}

func (s *Socket) flushCache() {
	for _, e := range s.connCache {
		s.sendMsg(e)
	}
	s.connCache = nil
}

func (s *Socket) sendMsg(e *wire.Envelope) {
	if e.Size() > wire.MaxMsgSize {
		s.mx.incFrameErr()
		s.fail(wire.ExitExcept, fmt.Sprintf("refusing overlength message: %d > %d", e.Size(), wire.MaxMsgSize))
		return
	}
	hdr := wire.AppendHeader(s.hdrBuf[:0], wire.Header{
		PayloadSize: uint32(e.Size()),
		Type:        e.Type,
		TagOffset:   e.TagOffset,
	})
	if err := s.conn.Send(hdr, e.Payload); err != nil {
		// the read loop observes the broken stream and drives reconnection
		s.log.Debug().Err(err).Msg("send failed")
		return
	}
	s.mx.incTx(e.Size())
}

// onNetErr synthesizes exit notifications for every surviving link registry
// entry and clears both tables. Safe to call with empty tables.
func (s *Socket) onNetErr(err error) {
	s.connected = false
	s.connCache = nil
	errmsg := "net error"
	if err != nil {
		errmsg = err.Error()
	}

	for target, set := range s.links.straight {
		for des := range set {
			pk := s.rt.AllocPack(target)
			pk.Tag = wire.Exit{Code: wire.ExitNetErr, Src: des}
			pk.Skt = target
			pk.Msg = newExitEnvelope(wire.ExitNetErr, errmsg)
			s.rt.Send(target, pk)
		}
	}
	for recver, m := range s.links.router {
		for des, via := range m {
			pk := s.rt.AllocPack(via)
			pk.Recver = recver
			pk.Tag = wire.FwdExit{Code: wire.ExitNetErr, Src: des, Via: s.aid}
			pk.Skt = via
			pk.Msg = newExitEnvelope(wire.ExitNetErr, errmsg)
			s.rt.Send(via, pk)
		}
	}
	s.links.clear()
}

func newExitEnvelope(code wire.ExitCode, reason string) *wire.Envelope {
	e := wire.NewEnvelope(wire.MsgExit)
	e.Payload = wire.AppendExit(e.Payload, code, reason)
	return e
}

// syncCtxID reconciles the recorded ctxid pair with what the peer reported.
// Besides the provisional registration in Connect and the final
// deregistration in freeSelf, it is the only place the ctxid-to-socket
// mapping changes. Idempotent when the pair is unchanged.
func (s *Socket) syncCtxID(newPr, curr aid.Pair) aid.Pair {
	if newPr != curr {
		s.rt.DeregisterSocket(curr, s.aid)
		s.rt.RegisterSocket(newPr, s.aid)
		s.log.Debug().Stringer("old", curr).Stringer("new", newPr).Msg("ctxid reconciled")
	}
	return newPr
}

// freeSelf quiesces the heartbeat and transport, deregisters, mourns
// surviving links, and notifies local linkers.
func (s *Socket) freeSelf(curr aid.Pair) {
	s.close()
	if s.hb != nil {
		s.hb.Stop()
		s.hb.WaitEnd()
	}
	if s.frames != nil {
		for range s.frames {
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if curr.CtxID != aid.CtxNil {
		s.rt.DeregisterSocket(curr, s.aid)
	}
	s.rt.RemoveActor(s.aid)
	s.onNetErr(nil)
	s.rt.NotifyExit(s.aid, s.exc, s.excMsg)
	for {
		select {
		case ev := <-s.inbox:
			if ev.pk != nil {
				ev.pk.Release()
			}
		default:
			s.log.Debug().Str("exit", s.exc.String()).Str("reason", s.excMsg).Msg("socket freed")
			return
		}
	}
}
