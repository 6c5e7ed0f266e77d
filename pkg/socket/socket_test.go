package socket

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivemesh/hive/pkg/actor"
	"github.com/hivemesh/hive/pkg/aid"
	"github.com/hivemesh/hive/pkg/transport"
	"github.com/hivemesh/hive/pkg/wire"
)

type exitRec struct {
	src    aid.AID
	code   wire.ExitCode
	reason string
}

// fakeRuntime records every collaborator call the socket actor makes.
type fakeRuntime struct {
	ctxid aid.CtxID

	mu           sync.Mutex
	registered   []aid.Pair
	deregistered []aid.Pair
	joint        map[aid.CtxID]aid.AID
	services     map[string]aid.AID
	spawnAID     aid.AID

	sentCh   chan *actor.Pack
	notifyCh chan exitRec
}

func newFakeRuntime(ctxid aid.CtxID) *fakeRuntime {
	return &fakeRuntime{
		ctxid:    ctxid,
		joint:    map[aid.CtxID]aid.AID{},
		services: map[string]aid.AID{},
		sentCh:   make(chan *actor.Pack, 64),
		notifyCh: make(chan exitRec, 8),
	}
}

func (f *fakeRuntime) CtxID() aid.CtxID { return f.ctxid }

func (f *fakeRuntime) RegisterSocket(pr aid.Pair, skt aid.AID) {
	f.mu.Lock()
	f.registered = append(f.registered, pr)
	f.mu.Unlock()
}

func (f *fakeRuntime) DeregisterSocket(pr aid.Pair, skt aid.AID) {
	f.mu.Lock()
	f.deregistered = append(f.deregistered, pr)
	f.mu.Unlock()
}

func (f *fakeRuntime) SelectJointSocket(ctxid aid.CtxID) aid.AID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joint[ctxid]
}

func (f *fakeRuntime) FindService(name string) aid.AID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[name]
}

func (f *fakeRuntime) AllocPack(target aid.AID) *actor.Pack { return actor.AllocPack(target) }

func (f *fakeRuntime) Send(target aid.AID, pk *actor.Pack) {
	select {
	case f.sentCh <- pk:
	default:
	}
}

func (f *fakeRuntime) SendAlreadyExited(to, dead aid.AID) {
	pk := actor.AllocPack(to)
	pk.Tag = wire.Exit{Code: wire.ExitAlready, Src: dead}
	f.Send(to, pk)
}

func (f *fakeRuntime) SendAlreadyExitedResp(to aid.AID, res wire.Response) {
	pk := actor.AllocPack(to)
	pk.Tag = res
	f.Send(to, pk)
}

func (f *fakeRuntime) SpawnRemoteActor(t wire.SpawnType, fn actor.Factory) aid.AID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawnAID
}

func (f *fakeRuntime) AddActor(d actor.Deliverable) {}
func (f *fakeRuntime) RemoveActor(a aid.AID)        {}
func (f *fakeRuntime) Stopped() bool                { return false }

func (f *fakeRuntime) NotifyExit(src aid.AID, code wire.ExitCode, reason string) {
	select {
	case f.notifyCh <- exitRec{src, code, reason}:
	default:
	}
}

func (f *fakeRuntime) hasRegistered(pr aid.Pair) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.registered {
		if p == pr {
			return true
		}
	}
	return false
}

// frameConn drives the test's end of a socket connection.
type frameConn struct {
	t   *testing.T
	nc  net.Conn
	buf *wire.RecvBuffer
}

func newFrameConn(t *testing.T, nc net.Conn) *frameConn {
	return &frameConn{t: t, nc: nc, buf: wire.NewRecvBuffer()}
}

func (fc *frameConn) write(e *wire.Envelope) {
	fc.t.Helper()
	raw, err := wire.AppendFrame(nil, e)
	if err != nil {
		fc.t.Fatalf("encode frame: %v", err)
	}
	fc.writeRaw(raw)
}

func (fc *frameConn) writeRaw(raw []byte) {
	fc.t.Helper()
	fc.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fc.nc.Write(raw); err != nil {
		fc.t.Fatalf("write frame: %v", err)
	}
}

func (fc *frameConn) read(timeout time.Duration) (*wire.Envelope, error) {
	fc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		e, err := wire.DecodeFrame(fc.buf)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, wire.ErrIncomplete) {
			return nil, err
		}
		fc.nc.SetReadDeadline(deadline)
		n, err := fc.nc.Read(fc.buf.WriteSlice())
		if err != nil {
			return nil, err
		}
		fc.buf.CommitWrite(n)
	}
}

// readType skips frames (heartbeats mostly) until one of the wanted type.
func (fc *frameConn) readType(typ uint32, timeout time.Duration) *wire.Envelope {
	fc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		e, err := fc.read(time.Until(deadline))
		if err != nil {
			fc.t.Fatalf("read frame of type %d: %v", typ, err)
		}
		if e.Type == typ {
			return e
		}
	}
}

func quietOpts() Options {
	return Options{
		InitReconnPeriod: 20 * time.Millisecond,
		InitReconnTry:    2,
		ReconnPeriod:     40 * time.Millisecond,
		ReconnTry:        2,
		HeartbeatPeriod:  time.Hour,
		HeartbeatCount:   3,
		Version:          "v0.3.1",
	}
}

func startAcceptor(t *testing.T, fr *fakeRuntime, opt Options, funcs actor.Funcs) (*Socket, *frameConn) {
	t.Helper()
	skt := New(aid.AID{CtxID: fr.ctxid, UID: 99}, fr, zerolog.Nop(), opt, nil, false, funcs)
	client, server := net.Pipe()
	skt.Start(server)
	t.Cleanup(func() {
		client.Close()
		skt.Stop()
		<-skt.Done()
	})
	return skt, newFrameConn(t, client)
}

func login(t *testing.T, fc *frameConn, ctxid aid.CtxID) *wire.Envelope {
	t.Helper()
	e := wire.NewEnvelope(wire.MsgLogin)
	e.Payload = wire.AppendLogin(e.Payload, wire.LoginPayload{CtxID: ctxid, Version: "v0.3.1", Instance: "peer-boot"})
	fc.write(e)
	return fc.readType(wire.MsgLoginRet, 5*time.Second)
}

func TestAcceptorLoginReconcile(t *testing.T) {
	fr := newFakeRuntime("me")
	_, fc := startAcceptor(t, fr, quietOpts(), nil)

	ret := login(t, fc, "one")
	p, err := wire.ParseLoginRet(ret.Body())
	if err != nil {
		t.Fatalf("parse login ret: %v", err)
	}
	if want := (aid.Pair{CtxID: "me", Role: aid.RoleComm}); p.Pair != want {
		t.Fatalf("login ret pair %v, want %v", p.Pair, want)
	}
	if !fr.hasRegistered(aid.Pair{CtxID: "one", Role: aid.RoleComm}) {
		t.Fatal("socket did not register under the peer's ctxid after login")
	}
}

func TestAcceptorVersionGate(t *testing.T) {
	fr := newFakeRuntime("me")
	opt := quietOpts()
	opt.MinPeerVersion = "v0.3.0"
	skt, fc := startAcceptor(t, fr, opt, nil)

	e := wire.NewEnvelope(wire.MsgLogin)
	e.Payload = wire.AppendLogin(e.Payload, wire.LoginPayload{CtxID: "old", Version: "v0.2.9"})
	fc.write(e)

	select {
	case <-skt.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("socket did not close on an outdated peer")
	}
	select {
	case rec := <-fr.notifyCh:
		if rec.code != wire.ExitExcept {
			t.Fatalf("exit code %v, want except", rec.code)
		}
	default:
		t.Fatal("no exit notification")
	}
}

func TestRemoteSpawnMissingFunc(t *testing.T) {
	fr := newFakeRuntime("me")
	_, fc := startAcceptor(t, fr, quietOpts(), nil)
	login(t, fc, "one")

	src := aid.AID{CtxID: "one", UID: 5}
	e := wire.NewEnvelope(wire.MsgSpawn)
	e.PushRouting(wire.Routing{
		Tag:    wire.Spawn{Type: wire.SpawnStackful, Func: "nope", ID: 7, Src: src, CtxID: "me"},
		Recver: aid.AID{CtxID: "me"},
	})
	fc.write(e)

	ret := fc.readType(wire.MsgSpawnRet, 5*time.Second)
	r, err := ret.PopRouting()
	if err != nil {
		t.Fatalf("pop spawn ret routing: %v", err)
	}
	sr, ok := r.Tag.(wire.SpawnRet)
	if !ok {
		t.Fatalf("tag %#v, want SpawnRet", r.Tag)
	}
	if sr.Err != wire.SpawnErrFuncNotFound || sr.ID != 7 || !sr.AID.IsNil() {
		t.Fatalf("spawn ret %#v", sr)
	}
	if !r.IsErrRet || r.Recver != src {
		t.Fatalf("spawn ret routing %#v", r)
	}

	// the socket must remain on: a plain message still gets dispatched
	u := wire.NewEnvelope(wire.MsgUserBase)
	u.Payload = append(u.Payload, "ping"...)
	u.PushRouting(wire.Routing{Tag: wire.Plain{Src: src}, Recver: aid.AID{CtxID: "me", UID: 3}})
	fc.write(u)
	select {
	case pk := <-fr.sentCh:
		if string(pk.Msg.Body()) != "ping" {
			t.Fatalf("forwarded body %q", pk.Msg.Body())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("socket stopped dispatching after a failed spawn")
	}
}

func TestRemoteSpawnFound(t *testing.T) {
	fr := newFakeRuntime("me")
	fr.spawnAID = aid.AID{CtxID: "me", UID: 77}
	funcs := actor.Funcs{"pinger": func(p *actor.Proc) {}}
	_, fc := startAcceptor(t, fr, quietOpts(), funcs)
	login(t, fc, "one")

	src := aid.AID{CtxID: "one", UID: 5}
	e := wire.NewEnvelope(wire.MsgSpawn)
	e.PushRouting(wire.Routing{
		Tag:    wire.Spawn{Type: wire.SpawnStackless, Func: "pinger", ID: 8, Src: src, CtxID: "me"},
		Recver: aid.AID{CtxID: "me"},
	})
	fc.write(e)

	ret := fc.readType(wire.MsgSpawnRet, 5*time.Second)
	r, err := ret.PopRouting()
	if err != nil {
		t.Fatalf("pop routing: %v", err)
	}
	if sr := r.Tag.(wire.SpawnRet); sr.Err != wire.SpawnOK || sr.ID != 8 || sr.AID != fr.spawnAID {
		t.Fatalf("spawn ret %#v", sr)
	}
}

func TestOverlengthFrameFatal(t *testing.T) {
	fr := newFakeRuntime("me")
	skt, fc := startAcceptor(t, fr, quietOpts(), nil)
	login(t, fc, "one")

	// establish a link so there is a survivor to mourn
	remote := aid.AID{CtxID: "one", UID: 5}
	local := aid.AID{CtxID: "me", UID: 3}
	e := wire.NewEnvelope(wire.MsgLink)
	e.PushRouting(wire.Routing{Tag: wire.Link{Kind: wire.Linked, Src: remote}, Recver: local})
	fc.write(e)
	select {
	case <-fr.sentCh: // forwarded link pack
	case <-time.After(5 * time.Second):
		t.Fatal("link not dispatched")
	}

	fc.writeRaw(wire.AppendHeader(nil, wire.Header{
		PayloadSize: wire.MaxMsgSize + 1,
		Type:        wire.MsgUserBase,
		TagOffset:   wire.TagOffsetNone,
	}))

	select {
	case <-skt.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("socket survived an overlength frame")
	}

	var gotExit bool
	for !gotExit {
		select {
		case pk := <-fr.sentCh:
			ex, ok := pk.Tag.(wire.Exit)
			if !ok {
				continue
			}
			if pk.Recver != local || ex.Src != remote || ex.Code != wire.ExitNetErr {
				t.Fatalf("synthesized exit %#v for %v", ex, pk.Recver)
			}
			gotExit = true
		default:
			t.Fatal("no synthesized exit for the surviving link")
		}
	}
}

func TestConnCacheOrdering(t *testing.T) {
	fr := newFakeRuntime("me")
	s := New(aid.AID{CtxID: "me", UID: 1}, fr, zerolog.Nop(), quietOpts(), nil, false, nil)
	client, server := net.Pipe()
	defer client.Close()
	s.conn = transport.Accepted(server)

	mk := func(body string) *wire.Envelope {
		e := wire.NewEnvelope(wire.MsgUserBase)
		e.Payload = append(e.Payload, body...)
		return e
	}
	s.send(mk("m1"))
	s.send(mk("m2"))
	s.send(mk("m3"))
	if len(s.connCache) != 3 {
		t.Fatalf("expected 3 cached envelopes, got %d", len(s.connCache))
	}

	got := make(chan string, 4)
	go func() {
		fc := newFrameConn(t, client)
		for i := 0; i < 4; i++ {
			e, err := fc.read(5 * time.Second)
			if err != nil {
				return
			}
			got <- string(e.Body())
		}
	}()

	s.connected = true
	s.send(mk("m4"))

	for _, want := range []string{"m1", "m2", "m3", "m4"} {
		select {
		case b := <-got:
			if b != want {
				t.Fatalf("got %q, want %q", b, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestNetErrMournsRouterLinks(t *testing.T) {
	fr := newFakeRuntime("r")
	s := New(aid.AID{CtxID: "r", UID: 1}, fr, zerolog.Nop(), quietOpts(), nil, true, nil)

	target := aid.AID{CtxID: "one", UID: 4}
	src := aid.AID{CtxID: "two", UID: 5}
	via := aid.AID{CtxID: "r", UID: 6}
	s.links.addRouter(target, src, via)

	s.onNetErr(nil)

	select {
	case pk := <-fr.sentCh:
		fe, ok := pk.Tag.(wire.FwdExit)
		if !ok {
			t.Fatalf("tag %#v, want FwdExit", pk.Tag)
		}
		if fe.Code != wire.ExitNetErr || fe.Src != src || fe.Via != s.AID() {
			t.Fatalf("fwd exit %#v", fe)
		}
		if pk.Recver != target || pk.Skt != via {
			t.Fatalf("fwd exit routing recver=%v skt=%v", pk.Recver, pk.Skt)
		}
	default:
		t.Fatal("no forwarded exit synthesized")
	}
	if len(s.links.router) != 0 {
		t.Fatal("router table not cleared")
	}

	// mourning twice is harmless
	s.onNetErr(nil)
	select {
	case pk := <-fr.sentCh:
		t.Fatalf("second mourn produced %#v", pk.Tag)
	default:
	}
}

func TestSyncCtxIDIdempotent(t *testing.T) {
	fr := newFakeRuntime("me")
	s := New(aid.AID{CtxID: "me", UID: 1}, fr, zerolog.Nop(), quietOpts(), nil, false, nil)

	pr := aid.Pair{CtxID: "x", Role: aid.RoleComm}
	if got := s.syncCtxID(pr, pr); got != pr {
		t.Fatalf("syncCtxID returned %v", got)
	}
	if len(fr.registered) != 0 || len(fr.deregistered) != 0 {
		t.Fatal("identical pair must not touch the registries")
	}

	pr2 := aid.Pair{CtxID: "y", Role: aid.RoleComm}
	s.syncCtxID(pr2, pr)
	if !fr.hasRegistered(pr2) || len(fr.deregistered) != 1 || fr.deregistered[0] != pr {
		t.Fatalf("reconcile did not swap registrations: %v / %v", fr.registered, fr.deregistered)
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func recvNewConn(t *testing.T, fr *fakeRuntime, timeout time.Duration) wire.NewConnPayload {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case pk := <-fr.sentCh:
			if pk.Msg != nil && pk.Msg.Type == wire.MsgNewConn {
				p, err := wire.ParseNewConn(pk.Msg.Body())
				if err != nil {
					t.Fatalf("parse new conn: %v", err)
				}
				return p
			}
		case <-deadline:
			t.Fatal("no connect reply")
		}
	}
}

func TestConnectorInitExhaustionAndOrdering(t *testing.T) {
	addr := freePort(t)
	fr := newFakeRuntime("a")
	sire := aid.AID{CtxID: "a", UID: 1}
	target := aid.AID{CtxID: "b", UID: 10}

	skt := New(aid.AID{CtxID: "a", UID: 9}, fr, zerolog.Nop(), quietOpts(), nil, false, nil)
	if err := skt.Connect(sire, "b", "tcp://"+addr, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() {
		skt.Stop()
		<-skt.Done()
	}()

	// the initial phase must report failure exactly once without stopping
	if p := recvNewConn(t, fr, 5*time.Second); p.Err == "" {
		t.Fatal("connect reply should carry the dial error")
	}
	select {
	case pk := <-fr.sentCh:
		if pk.Msg != nil && pk.Msg.Type == wire.MsgNewConn {
			t.Fatal("connect reply fired twice")
		}
	case <-time.After(200 * time.Millisecond):
	}

	// queue messages while disconnected
	for _, body := range []string{"m1", "m2", "m3"} {
		pk := actor.AllocPack(target)
		pk.Tag = wire.Plain{Src: sire}
		e := wire.NewEnvelope(wire.MsgUserBase)
		e.Payload = append(e.Payload, body...)
		pk.Msg = e
		skt.Deliver(pk)
	}

	// now let the steady-state retry find a listener
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s was taken between probes: %v", addr, err)
	}
	defer ln.Close()
	nc, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer nc.Close()

	fc := newFrameConn(t, nc)
	var bodies []string
	for i := 0; i < 4; i++ {
		e, err := fc.read(5 * time.Second)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if i == 0 {
			if e.Type != wire.MsgLogin {
				t.Fatalf("first frame type %d, want login", e.Type)
			}
			continue
		}
		if _, err := e.PopRouting(); err != nil {
			t.Fatalf("frame %d: pop routing: %v", i, err)
		}
		bodies = append(bodies, string(e.Body()))
	}
	if want := []string{"m1", "m2", "m3"}; len(bodies) != 3 || bodies[0] != want[0] || bodies[1] != want[1] || bodies[2] != want[2] {
		t.Fatalf("bodies %v, want %v", bodies, want)
	}
}

func TestStopDuringConnectAborts(t *testing.T) {
	addr := freePort(t)
	fr := newFakeRuntime("a")
	sire := aid.AID{CtxID: "a", UID: 1}

	opt := quietOpts()
	opt.InitReconnPeriod = 50 * time.Millisecond
	opt.InitReconnTry = 1000

	skt := New(aid.AID{CtxID: "a", UID: 9}, fr, zerolog.Nop(), opt, nil, false, nil)
	if err := skt.Connect(sire, "b", "tcp://"+addr, false); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	skt.Stop()

	select {
	case <-skt.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("socket did not stop while connecting")
	}
	if p := recvNewConn(t, fr, time.Second); p.Err == "" {
		t.Fatal("aborted connect should report an error")
	}
}
