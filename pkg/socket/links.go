package socket

import (
	"github.com/hivemesh/hive/pkg/aid"
)

// linkTable holds the distributed link relationships flowing through one
// socket. Only the socket's driver goroutine touches it.
//
// straight, for non-router sockets: key is the actor to notify on loss, the
// set holds the endpoints on the other side of the connection it is linked
// with. router, for relay sockets, has the same orientation: outer key is the
// actor to notify on loss, the inner map holds the endpoints on this
// connection's side it is linked with, each mapped to the socket through which
// the outer key is reached.
type linkTable struct {
	straight map[aid.AID]map[aid.AID]struct{}
	router   map[aid.AID]map[aid.AID]aid.AID
}

func newLinkTable() *linkTable {
	return &linkTable{
		straight: make(map[aid.AID]map[aid.AID]struct{}),
		router:   make(map[aid.AID]map[aid.AID]aid.AID),
	}
}

func (t *linkTable) addStraight(src, des aid.AID) {
	if des.IsNil() {
		return
	}
	m := t.straight[src]
	if m == nil {
		m = make(map[aid.AID]struct{})
		t.straight[src] = m
	}
	m[des] = struct{}{}
}

func (t *linkTable) removeStraight(src, des aid.AID) {
	if des.IsNil() {
		return
	}
	delete(t.straight[src], des)
}

func (t *linkTable) addRouter(src, des, viaSkt aid.AID) {
	if des.IsNil() {
		return
	}
	m := t.router[src]
	if m == nil {
		m = make(map[aid.AID]aid.AID)
		t.router[src] = m
	}
	m[des] = viaSkt
}

// removeRouter removes the entry and returns the joint socket it was relayed
// through, so the removal can be reported back to the originating side.
func (t *linkTable) removeRouter(src, des aid.AID) aid.AID {
	if des.IsNil() {
		return aid.Nil
	}
	m := t.router[src]
	skt, ok := m[des]
	if !ok {
		return aid.Nil
	}
	delete(m, des)
	return skt
}

func (t *linkTable) clear() {
	t.straight = make(map[aid.AID]map[aid.AID]struct{})
	t.router = make(map[aid.AID]map[aid.AID]aid.AID)
}
